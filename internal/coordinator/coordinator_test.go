package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/feedgate/gateway/internal/model"
	"github.com/rs/zerolog"
)

func TestCoordinator_CoalescesConcurrentIdenticalRequests(t *testing.T) {
	var fetchCount int32
	release := make(chan struct{})

	fetch := func(ctx context.Context, symbol string, lookback int) (model.SymbolDataPackage, error) {
		atomic.AddInt32(&fetchCount, 1)
		<-release
		return model.SymbolDataPackage{Symbol: symbol, Source: model.SourceCTrader}, nil
	}
	c := New(zerolog.Nop(), fetch, nil)

	const n = 10
	var wg sync.WaitGroup
	results := make([]model.SymbolDataPackage, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pkg, err := c.GetSymbolDataPackage(context.Background(), "EURUSD", 14)
			results[i] = pkg
			errs[i] = err
		}(i)
	}

	time.Sleep(20 * time.Millisecond) // let all 10 calls register before the fetch completes
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&fetchCount); got != 1 {
		t.Fatalf("expected exactly 1 upstream fetch, got %d", got)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("waiter %d got error %v", i, errs[i])
		}
		if results[i].Symbol != "EURUSD" {
			t.Fatalf("waiter %d got wrong package: %+v", i, results[i])
		}
	}
}

func TestCoordinator_RetriesRateLimitedFetchThenSucceeds(t *testing.T) {
	var attempts int32
	fetch := func(ctx context.Context, symbol string, lookback int) (model.SymbolDataPackage, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return model.SymbolDataPackage{}, &RateLimitError{Err: errors.New("REQUEST_FREQUENCY_EXCEEDED")}
		}
		return model.SymbolDataPackage{Symbol: symbol}, nil
	}
	c := New(zerolog.Nop(), fetch, nil)
	c.sleep = func(time.Duration) {} // don't actually wait in tests

	pkg, err := c.GetSymbolDataPackage(context.Background(), "EURUSD", 14)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if pkg.Symbol != "EURUSD" {
		t.Fatalf("unexpected package: %+v", pkg)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestCoordinator_ExhaustsRetriesAndReturnsError(t *testing.T) {
	var attempts int32
	fetch := func(ctx context.Context, symbol string, lookback int) (model.SymbolDataPackage, error) {
		atomic.AddInt32(&attempts, 1)
		return model.SymbolDataPackage{}, &RateLimitError{Err: errors.New("REQUEST_FREQUENCY_EXCEEDED")}
	}
	c := New(zerolog.Nop(), fetch, nil)
	c.sleep = func(time.Duration) {}

	_, err := c.GetSymbolDataPackage(context.Background(), "EURUSD", 14)
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if atomic.LoadInt32(&attempts) != maxRetries {
		t.Fatalf("expected %d attempts, got %d", maxRetries, attempts)
	}
}

func TestCoordinator_NonRateLimitErrorFailsImmediately(t *testing.T) {
	var attempts int32
	fetch := func(ctx context.Context, symbol string, lookback int) (model.SymbolDataPackage, error) {
		atomic.AddInt32(&attempts, 1)
		return model.SymbolDataPackage{}, errors.New("symbol not found")
	}
	c := New(zerolog.Nop(), fetch, nil)

	_, err := c.GetSymbolDataPackage(context.Background(), "BOGUS", 14)
	if err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-rate-limit error, got %d", attempts)
	}
}

func TestCoordinator_SeedsServicesOnSuccessBeforeReturning(t *testing.T) {
	var seeded bool
	fetch := func(ctx context.Context, symbol string, lookback int) (model.SymbolDataPackage, error) {
		return model.SymbolDataPackage{Symbol: symbol, Source: model.SourceCTrader}, nil
	}
	c := New(zerolog.Nop(), fetch, func(symbol string, pkg model.SymbolDataPackage, source model.Source) {
		seeded = true
	})

	_, err := c.GetSymbolDataPackage(context.Background(), "EURUSD", 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !seeded {
		t.Fatalf("expected onSeed to be invoked on success")
	}
}

func TestCoordinator_SeparateKeysDoNotCoalesce(t *testing.T) {
	var fetchCount int32
	fetch := func(ctx context.Context, symbol string, lookback int) (model.SymbolDataPackage, error) {
		atomic.AddInt32(&fetchCount, 1)
		return model.SymbolDataPackage{Symbol: symbol}, nil
	}
	c := New(zerolog.Nop(), fetch, nil)

	_, _ = c.GetSymbolDataPackage(context.Background(), "EURUSD", 14)
	_, _ = c.GetSymbolDataPackage(context.Background(), "GBPUSD", 14)

	if atomic.LoadInt32(&fetchCount) != 2 {
		t.Fatalf("expected 2 separate fetches for distinct symbols, got %d", fetchCount)
	}
}
