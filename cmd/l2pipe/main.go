// l2pipe ingests level-2 market data, engineers tick features, and
// routes paper orders through guardrails while a shadow simulator
// estimates queue-aware limit fills alongside.
//
// Architecture:
//
//	main.go               entry point: loads settings, wires the pipeline, waits for SIGINT/SIGTERM
//	bus/bus.go            in-process pub/sub hub every component communicates through
//	feed/feed.go          WebSocket client for the market-data gateway (book + trade events)
//	blotter/blotter.go    turns raw book updates into normalized ticks with engineered features
//	features/features.go  rolling-window standardizer behind the feature vector
//	algo/algo.go          consumes ticks, calls model inference, turns decisions into orders
//	broker/broker.go      paper broker: guardrail checks, simulated fills, position ledger
//	shadow/service.go     queue-aware fill simulator fed by raw book and trade events
//	screener/screener.go  intraday dollar-volume ranking with Eastern session resets
//	universe/universe.go  tradeable set from ranking x ready models, churn-limited
//	commands/commands.go  file-drop inbox for operator commands (flatten_symbol, flatten_all)
//	bridge/bridge.go      forwards ticks, fills, and guardrail trips to the dashboard
//	api/server.go         ops endpoints: health, snapshot, SSE tick stream, Prometheus metrics
//	store/store.go        atomic JSON state file shared by screener and universe
//
// Data flows one way: feed to blotter to ticks on the bus; everything
// else subscribes. Orders flow algo to broker, fills come back on the
// bus where the ledger, the shadow simulator, and the bridge pick them
// up. A dead feed is fatal and exits the process non-zero so the
// supervisor restarts it.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/mhdrizwan95-netizen/l2-dash/internal/algo"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/api"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/blotter"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/bridge"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/broker"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/bus"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/commands"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/config"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/screener"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/shadow"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/store"
	"github.com/mhdrizwan95-netizen/l2-dash/internal/universe"
)

const defaultSettingsPath = "sessions/bridge-settings.json"

func main() {
	cfgFlag := flag.String("config", "", "settings JSON path (default $L2_SETTINGS_FILE or "+defaultSettingsPath+")")
	flag.Parse()

	cfgPath := *cfgFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("L2_SETTINGS_FILE")
	}
	if cfgPath == "" {
		cfgPath = defaultSettingsPath
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load settings", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid settings", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state, err := store.Open(cfg.Universe.StateFile)
	if err != nil {
		logger.Error("failed to open state file", "error", err, "path", cfg.Universe.StateFile)
		os.Exit(1)
	}

	b := bus.New(logger)

	brk := broker.New(cfg.Broker, cfg.Guardrails, cfg.TradingEnabled, b, logger)
	exitOn(logger, "broker", brk.Start(ctx))

	shd := shadow.New(cfg.Shadow, b, logger)
	exitOn(logger, "shadow", shd.Start(ctx))

	scr, err := screener.New(cfg.Screener, b, state, logger)
	exitOn(logger, "screener", err)
	exitOn(logger, "screener", scr.Start(ctx))

	uni := universe.New(cfg.Universe, b, state, logger)
	exitOn(logger, "universe", uni.Start(ctx))

	alg := algo.New(cfg.Algo, b, brk, logger)
	exitOn(logger, "algo", alg.Start(ctx))

	cmds := commands.New(cfg.Commands, brk, logger)
	exitOn(logger, "commands", cmds.Start(ctx))

	brdg := bridge.New(cfg.Bridge, cfg.IngestKey, b, logger)
	exitOn(logger, "bridge", brdg.Start(ctx))

	apiServer := api.NewServer(cfg.API, api.Providers{
		Broker:   brk,
		Shadow:   shd,
		Screener: scr,
		Universe: uni,
	}, b, logger)
	exitOn(logger, "api", apiServer.Start(ctx))

	bl, err := blotter.New(cfg.Blotter, cfg.Feed, b, logger)
	exitOn(logger, "blotter", err)

	runErr := make(chan error, 1)
	go func() { runErr <- bl.Run(ctx) }()

	if !cfg.TradingEnabled {
		logger.Warn("TRADING DISABLED — every order will be rejected by the broker")
	}

	logger.Info("l2 pipeline started",
		"feed", cfg.Feed.Host,
		"feedPort", cfg.Feed.Port,
		"symbols", cfg.Blotter.Symbols,
		"opsAddr", apiServer.Addr(),
		"tradingEnabled", cfg.TradingEnabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	fromSignal := false
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		fromSignal = true
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("feed pipeline failed", "error", err)
			exitCode = 1
		}
	}

	cancel()
	if fromSignal {
		<-runErr
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop ops server", "error", err)
	}
	brdg.Stop()
	cmds.Stop()
	alg.Stop()
	uni.Stop()
	scr.Stop()
	shd.Stop()
	brk.Stop()

	logger.Info("l2 pipeline stopped")
	os.Exit(exitCode)
}

func exitOn(logger *slog.Logger, component string, err error) {
	if err != nil {
		logger.Error("failed to start component", "component", component, "error", err)
		os.Exit(1)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
