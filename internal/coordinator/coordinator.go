// Package coordinator serves client bootstrap requests without duplicate
// upstream fetches (spec §4.7): concurrent requests for the same (symbol,
// lookback) share one upstream fetch and are all notified of its result.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/feedgate/gateway/internal/metrics"
	"github.com/feedgate/gateway/internal/model"
	"github.com/rs/zerolog"
)

// FetchTimeout bounds any single in-flight fetch (spec §5).
const FetchTimeout = 30 * time.Second

const (
	maxRetries     = 3
	retryBaseDelay = 500 * time.Millisecond
)

// RateLimitError marks an upstream failure that is worth retrying with
// backoff (REQUEST_FREQUENCY_EXCEEDED, BLOCKED_PAYLOAD_TYPE per spec §4.7).
type RateLimitError struct{ Err error }

func (e *RateLimitError) Error() string { return e.Err.Error() }
func (e *RateLimitError) Unwrap() error { return e.Err }

// Fetcher performs the actual provider-A history fetch for a symbol.
type Fetcher func(ctx context.Context, symbol string, adrLookbackDays int) (model.SymbolDataPackage, error)

// key identifies one coalescable request.
type key struct {
	symbol          string
	adrLookbackDays int
}

// future is the shared in-flight-request record (spec §9 Design Notes:
// "a condition variable + result slot guarded by a lock" — here a channel
// closed on completion plays the condition-variable role).
type future struct {
	done   chan struct{}
	result model.SymbolDataPackage
	err    error
}

// Coordinator implements C7 for provider A. Provider B requests bypass
// coalescing entirely (spec §4.7: "no coalescing; upstream is cheap
// per-subscription") and are not modeled here — callers should invoke the
// TradingView session's SubscribeToSymbol directly.
type Coordinator struct {
	log    zerolog.Logger
	fetch  Fetcher
	onSeed func(symbol string, pkg model.SymbolDataPackage, source model.Source)
	sleep  func(time.Duration)

	mu      sync.Mutex
	pending map[key]*future
}

// New builds a Coordinator. onSeed is called once per successful fetch to
// initialize TWAPService/MarketProfileService from the package's bar
// history (spec §4.7 step 4); it runs before waiters are notified.
func New(log zerolog.Logger, fetch Fetcher, onSeed func(string, model.SymbolDataPackage, model.Source)) *Coordinator {
	return &Coordinator{
		log:     log,
		fetch:   fetch,
		onSeed:  onSeed,
		sleep:   time.Sleep,
		pending: make(map[key]*future),
	}
}

// GetSymbolDataPackage coalesces concurrent identical requests into one
// upstream fetch, retries transient rate-limit failures with backoff, and
// delivers the shared result to every waiter (spec §4.7).
func (c *Coordinator) GetSymbolDataPackage(ctx context.Context, symbol string, adrLookbackDays int) (model.SymbolDataPackage, error) {
	k := key{symbol: symbol, adrLookbackDays: adrLookbackDays}

	c.mu.Lock()
	if f, ok := c.pending[k]; ok {
		c.mu.Unlock()
		metrics.CoalescedRequestsTotal.Inc()
		return waitFor(ctx, f)
	}

	f := &future{done: make(chan struct{})}
	c.pending[k] = f
	c.mu.Unlock()

	go c.run(k, f)

	return waitFor(ctx, f)
}

func waitFor(ctx context.Context, f *future) (model.SymbolDataPackage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return model.SymbolDataPackage{}, ctx.Err()
	}
}

func (c *Coordinator) run(k key, f *future) {
	ctx, cancel := context.WithTimeout(context.Background(), FetchTimeout)
	defer cancel()

	pkg, err := c.fetchWithRetry(ctx, k)

	c.mu.Lock()
	delete(c.pending, k)
	c.mu.Unlock()

	if err == nil && c.onSeed != nil {
		c.onSeed(k.symbol, pkg, pkg.Source)
	}

	f.result = pkg
	f.err = err
	close(f.done)
}

func (c *Coordinator) fetchWithRetry(ctx context.Context, k key) (model.SymbolDataPackage, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		pkg, err := c.fetch(ctx, k.symbol, k.adrLookbackDays)
		if err == nil {
			return pkg, nil
		}
		lastErr = err

		var rateLimit *RateLimitError
		if !errors.As(err, &rateLimit) {
			return model.SymbolDataPackage{}, err
		}

		delay := retryBaseDelay * time.Duration(1<<attempt)
		c.log.Warn().Str("symbol", k.symbol).Int("attempt", attempt+1).Dur("delay", delay).
			Msg("coordinator: retrying after rate-limited fetch")

		select {
		case <-ctx.Done():
			return model.SymbolDataPackage{}, ctx.Err()
		default:
			c.sleep(delay)
		}
	}
	return model.SymbolDataPackage{}, fmt.Errorf("exhausted %d retries for %s: %w", maxRetries, k.symbol, lastErr)
}
