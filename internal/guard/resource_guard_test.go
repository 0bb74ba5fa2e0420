package guard

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/feedgate/gateway/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		MaxConnections:     2,
		MaxGoroutines:      1 << 20, // effectively unbounded for these tests
		CPURejectThreshold: 80,
		CPUPauseThreshold:  90,
		MemoryLimitBytes:   1 << 30,
		MaxBroadcastsPerSec: 1000,
	}
}

func TestGuard_ShouldAcceptConnectionRejectsAtMaxConnections(t *testing.T) {
	var conns int64
	g := New(testConfig(), zerolog.Nop(), &conns)

	conns = 2
	accept, reason := g.ShouldAcceptConnection()
	if accept {
		t.Fatalf("expected rejection at max connections, got accept with reason %q", reason)
	}

	conns = 1
	if accept, reason := g.ShouldAcceptConnection(); !accept {
		t.Fatalf("expected acceptance below max connections, got rejected: %s", reason)
	}
}

func TestGuard_ShouldAcceptConnectionRejectsOverCPUThreshold(t *testing.T) {
	var conns int64
	g := New(testConfig(), zerolog.Nop(), &conns)
	g.currentCPU.Store(85.0)

	accept, reason := g.ShouldAcceptConnection()
	if accept {
		t.Fatal("expected rejection above CPU reject threshold")
	}
	if reason != "cpu overload" {
		t.Fatalf("got reason %q, want \"cpu overload\"", reason)
	}
}

func TestGuard_ShouldPauseUpstreamFetchesOnlyAbovePauseThreshold(t *testing.T) {
	var conns int64
	g := New(testConfig(), zerolog.Nop(), &conns)

	g.currentCPU.Store(85.0)
	if g.ShouldPauseUpstreamFetches() {
		t.Fatal("should not pause below the pause threshold, even though above the reject threshold")
	}

	g.currentCPU.Store(95.0)
	if !g.ShouldPauseUpstreamFetches() {
		t.Fatal("should pause above the pause threshold")
	}
}

func TestGuard_AllowBroadcastRespectsConfiguredRate(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBroadcastsPerSec = 1
	var conns int64
	g := New(cfg, zerolog.Nop(), &conns)

	allowed := 0
	for i := 0; i < 10; i++ {
		if g.AllowBroadcast() {
			allowed++
		}
	}
	if allowed >= 10 {
		t.Fatalf("expected the burst to be throttled, got %d/10 allowed", allowed)
	}
	if allowed == 0 {
		t.Fatal("expected at least the initial burst allowance to be allowed")
	}
}
