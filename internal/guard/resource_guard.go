// Package guard enforces static resource limits and provides backpressure
// signals, adapted from the teacher's ResourceGuard (src/resource_guard.go).
// Limits are configured, not computed: no auto-scaling, no historical trend
// tracking, just "refuse new connections/fetches once a threshold is
// crossed" safety valves.
package guard

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"

	"github.com/feedgate/gateway/internal/config"
)

// Guard enforces connection/goroutine/CPU/memory limits for the gateway.
type Guard struct {
	cfg config.Config
	log zerolog.Logger

	broadcastLimiter *rate.Limiter

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64 bytes

	currentConns *int64 // owned by the gateway's connection count
}

// New builds a Guard against cfg's thresholds. currentConns must point at
// the gateway's live connection counter (updated with atomic ops by the
// caller) so ShouldAcceptConnection sees up-to-date occupancy.
func New(cfg config.Config, log zerolog.Logger, currentConns *int64) *Guard {
	if limit, err := detectCgroupMemoryLimit(); err != nil {
		log.Debug().Err(err).Msg("no cgroup memory limit detected, using configured MEMORY_LIMIT_BYTES")
	} else if limit > 0 && limit < cfg.MemoryLimitBytes {
		log.Info().Int64("cgroup_limit_bytes", limit).Int64("configured_bytes", cfg.MemoryLimitBytes).
			Msg("cgroup memory limit is tighter than configured limit, using cgroup limit")
		cfg.MemoryLimitBytes = limit
	}

	g := &Guard{
		cfg: cfg,
		log: log,
		broadcastLimiter: rate.NewLimiter(
			rate.Limit(cfg.MaxBroadcastsPerSec),
			cfg.MaxBroadcastsPerSec*2,
		),
		currentConns: currentConns,
	}
	g.currentCPU.Store(0.0)
	g.currentMemory.Store(int64(0))

	log.Info().
		Float64("cpu_reject_threshold", cfg.CPURejectThreshold).
		Float64("cpu_pause_threshold", cfg.CPUPauseThreshold).
		Int("max_connections", cfg.MaxConnections).
		Int("max_goroutines", cfg.MaxGoroutines).
		Msg("resource guard initialized")

	return g
}

// ShouldAcceptConnection reports whether a new client connection may be
// admitted, checking hard connection count, CPU, memory and goroutine
// ceilings in that order.
func (g *Guard) ShouldAcceptConnection() (accept bool, reason string) {
	conns := atomic.LoadInt64(g.currentConns)
	cpuPct := g.currentCPU.Load().(float64)
	memBytes := g.currentMemory.Load().(int64)
	goros := runtime.NumGoroutine()

	if conns >= int64(g.cfg.MaxConnections) {
		g.log.Warn().Int64("current_conns", conns).Msg("connection rejected: at max connections")
		return false, "at max connections"
	}
	if cpuPct > g.cfg.CPURejectThreshold {
		g.log.Warn().Float64("cpu", cpuPct).Msg("connection rejected: cpu overload")
		return false, "cpu overload"
	}
	if memBytes > g.cfg.MemoryLimitBytes {
		g.log.Warn().Int64("memory_bytes", memBytes).Msg("connection rejected: memory limit exceeded")
		return false, "memory limit exceeded"
	}
	if goros > g.cfg.MaxGoroutines {
		g.log.Warn().Int("goroutines", goros).Msg("connection rejected: goroutine limit exceeded")
		return false, "goroutine limit exceeded"
	}
	return true, "OK"
}

// ShouldPauseUpstreamFetches reports whether new upstream fetches (symbol
// data package requests) should be deferred because CPU is critically high.
func (g *Guard) ShouldPauseUpstreamFetches() bool {
	return g.currentCPU.Load().(float64) > g.cfg.CPUPauseThreshold
}

// AllowBroadcast rate-limits outbound fan-out so a burst of upstream ticks
// cannot monopolize the worker pool.
func (g *Guard) AllowBroadcast() bool {
	return g.broadcastLimiter.Allow()
}

// UpdateResources samples current CPU and memory usage. Call periodically
// (spec's metrics interval) to keep the guard's view fresh.
func (g *Guard) UpdateResources() {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		g.log.Warn().Err(err).Msg("failed to sample cpu usage")
	} else if len(cpuPercent) > 0 {
		g.currentCPU.Store(cpuPercent[0])
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.currentMemory.Store(int64(mem.Alloc))

	g.log.Debug().
		Float64("cpu_percent", g.currentCPU.Load().(float64)).
		Int64("memory_bytes", g.currentMemory.Load().(int64)).
		Int64("connections", atomic.LoadInt64(g.currentConns)).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("resource state updated")
}

// StartMonitoring samples resource usage on interval until ctx is done.
func (g *Guard) StartMonitoring(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.UpdateResources()
			case <-done:
				g.log.Info().Msg("resource guard monitoring stopped")
				return
			}
		}
	}()
}

// Stats returns a snapshot for the /health endpoint.
func (g *Guard) Stats() map[string]any {
	return map[string]any{
		"max_connections":      g.cfg.MaxConnections,
		"current_connections":  atomic.LoadInt64(g.currentConns),
		"cpu_percent":          g.currentCPU.Load().(float64),
		"cpu_reject_threshold": g.cfg.CPURejectThreshold,
		"cpu_pause_threshold":  g.cfg.CPUPauseThreshold,
		"memory_bytes":         g.currentMemory.Load().(int64),
		"memory_limit_bytes":   g.cfg.MemoryLimitBytes,
		"goroutines_current":   runtime.NumGoroutine(),
		"goroutines_limit":     g.cfg.MaxGoroutines,
	}
}
