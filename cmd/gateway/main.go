// Command gateway starts the market-data fan-out gateway: two upstream
// provider sessions, the shared services they seed, and the downstream
// websocket server. Adapted from the teacher's monolithic-mode main.go
// (src/main.go); the sharded/NATS-sharing mode is dropped (see DESIGN.md).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/feedgate/gateway/internal/config"
	"github.com/feedgate/gateway/internal/coordinator"
	"github.com/feedgate/gateway/internal/ctrader"
	"github.com/feedgate/gateway/internal/gateway"
	"github.com/feedgate/gateway/internal/guard"
	"github.com/feedgate/gateway/internal/logging"
	"github.com/feedgate/gateway/internal/marketprofile"
	"github.com/feedgate/gateway/internal/metrics"
	"github.com/feedgate/gateway/internal/model"
	"github.com/feedgate/gateway/internal/registry"
	"github.com/feedgate/gateway/internal/router"
	"github.com/feedgate/gateway/internal/tradingview"
	"github.com/feedgate/gateway/internal/twap"
	"github.com/feedgate/gateway/internal/upstream"
	"github.com/feedgate/gateway/internal/worker"
)

const shutdownGrace = 10 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(log)
	log.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting gateway")

	reg := registry.New()
	rtr := router.New(log, reg)

	var currentConnections int64
	grd := guard.New(*cfg, log, &currentConnections)

	pool := worker.New(runtime.GOMAXPROCS(0)*2, log)

	// server is constructed after its collaborators, but several of those
	// collaborators need a callback into the not-yet-built server; each
	// callback closes over srv and is only invoked once srv is assigned
	// below, mirroring the forward-reference the teacher's sharded mode
	// used for its subject router.
	var srv *gateway.Server

	onUpstreamEvent := func(e upstream.Event) { srv.HandleUpstreamEvent(e) }

	ctraderSess := ctrader.New(ctrader.Config{
		Host:         cfg.CTraderHost,
		Port:         cfg.CTraderPort,
		AccountID:    cfg.CTraderAccountID,
		ClientID:     cfg.CTraderClientID,
		ClientSecret: cfg.CTraderClientSecret,
		AccessToken:  cfg.CTraderAccessToken,
	}, log, onUpstreamEvent)

	tvSess := tradingview.New(tradingview.Config{
		URL:       "wss://data.tradingview.com/socket.io/websocket",
		SessionID: cfg.TradingViewSessionID,
	}, log, onUpstreamEvent)

	marketProfileSvc := marketprofile.New(log,
		func(u marketprofile.Update) { srv.HandleProfileUpdate(u) },
		func(e marketprofile.ErrorUpdate) { srv.HandleProfileError(e) },
	)
	twapSvc := twap.New(log,
		func(u twap.Update) { srv.HandleTWAPUpdate(u) },
		func(e twap.ErrorUpdate) {
			log.Warn().Str("symbol", e.Symbol).Str("code", e.Code).Msg("twap: dropped invalid bar")
		},
	)

	// onSeed initializes MarketProfile/TWAP from a freshly coalesced
	// cTrader bootstrap fetch (spec §4.7 step 4), before any waiter is
	// notified. TradingView's equivalent seeding happens directly in
	// Server.HandleUpstreamEvent, since it has no coordinator in front of it.
	onSeed := func(symbol string, pkg model.SymbolDataPackage, source model.Source) {
		marketProfileSvc.InitializeFromHistory(symbol, pkg.InitialMarketProfile, model.BucketSize(symbol), source)
		twapSvc.InitializeFromHistory(symbol, pkg.InitialMarketProfile, source)
	}
	coord := coordinator.New(log, ctraderSess.GetSymbolDataPackage, onSeed)

	srv = gateway.New(gateway.Dependencies{
		Config:        *cfg,
		Log:           log,
		Registry:      reg,
		Router:        rtr,
		Coordinator:   coord,
		MarketProfile: marketProfileSvc,
		TWAP:          twapSvc,
		CTrader:       ctraderSess,
		TradingView:   tvSess,
		Guard:         grd,
		Pool:          pool,
		ConnCounter:   &currentConnections,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	grd.StartMonitoring(ctx.Done(), cfg.MetricsInterval)

	collector := metrics.NewCollector(&currentConnections, pool.DroppedTasks)
	collector.Start(cfg.MetricsInterval, cfg.MaxConnections)

	if err := ctraderSess.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("initial ctrader connect failed, reconnection will retry")
	}
	if err := tvSess.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("initial tradingview connect failed, reconnection will retry")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("gateway server failed")
		}
	}()

	<-sigCh
	log.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during gateway shutdown")
	}
	collector.Stop()
	cancel()
	ctraderSess.Disconnect()
	tvSess.Disconnect()
	pool.Stop()
	log.Info().Msg("gateway stopped")
}
