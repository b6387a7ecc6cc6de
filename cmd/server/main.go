// Package main provides the entry point for the decision-core server:
// regime classification, risk resolution, algorithm routing, virtual
// execution and reconciliation behind an HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quantdesk/decision-core/internal/advisory"
	"github.com/quantdesk/decision-core/internal/api"
	"github.com/quantdesk/decision-core/internal/config"
	"github.com/quantdesk/decision-core/internal/engine"
	"github.com/quantdesk/decision-core/internal/events"
	"github.com/quantdesk/decision-core/internal/metrics"
	"github.com/quantdesk/decision-core/internal/pipeline"
	"github.com/quantdesk/decision-core/internal/reconcile"
	"github.com/quantdesk/decision-core/internal/regime"
	"github.com/quantdesk/decision-core/internal/risk"
	"github.com/quantdesk/decision-core/internal/router"
	"github.com/quantdesk/decision-core/internal/store"
	"github.com/quantdesk/decision-core/internal/workers"
	"github.com/quantdesk/decision-core/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	advisoryURL := flag.String("advisory-url", os.Getenv("DECISION_CORE_ADVISORY_URL"), "External advisory service URL (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := setupLogger(cfg.Log.Level)
	defer logger.Sync()

	logger.Info("starting decision core",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	var st store.Store
	switch cfg.Store.Backend {
	case "redis":
		rs, err := store.NewRedisStore(ctx, logger, types.StoreConfig{
			Backend:   cfg.Store.Backend,
			RedisURL:  cfg.Store.RedisURL,
			KeyPrefix: cfg.Store.KeyPrefix,
			OpTimeout: cfg.Store.OpTimeout,
		})
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		st = rs
	default:
		st = store.NewMemoryStore()
	}
	defer st.Close()

	// Metrics
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// Event bus
	bus := events.NewBus(logger, events.DefaultConfig())
	defer bus.Close()

	// Core components
	classifier := regime.NewClassifier(logger, regime.DefaultConfig())

	resolverConfig := risk.DefaultResolverConfig()
	resolver := risk.NewResolver(logger, resolverConfig)

	capital := decimal.NewFromFloat(cfg.Account.Capital)
	ledger := risk.NewSessionLedger(logger, resolverConfig, capital)

	killSwitch := engine.NewKillSwitch(logger)
	costs := engine.NewCostModel(engine.DefaultCostConfig())

	engineConfig := engine.DefaultConfig()
	engineConfig.TrailTrigger = decimal.NewFromFloat(cfg.Engine.TrailTrigger)
	engineConfig.MaxDrawdownPct = decimal.NewFromFloat(cfg.Engine.MaxDrawdownPct)
	exec := engine.NewEngine(logger, engineConfig, costs, ledger, killSwitch, st)

	algoRouter := router.NewRouter(logger, router.DefaultConfig())

	// Advisory: aggregate any configured remote provider; without one
	// the core runs fully deterministic.
	var provider advisory.Provider
	if *advisoryURL != "" {
		provider = advisory.NewAggregator(logger, advisory.DefaultAggregatorConfig(),
			advisory.NewHTTPProvider("remote", *advisoryURL, nil))
	}
	advisories := advisory.NewClient(logger, provider, cfg.Advisory.Timeout)

	// Pipelines
	pipeConfig := pipeline.DefaultConfig()
	pipeConfig.StopATRMult = cfg.Engine.StopATRMult
	pipeConfig.EnterOnDecision = cfg.Engine.EnterOnDecision
	pipeConfig.Session = sessionConfig(cfg.Session)

	account := types.AccountProfile{Capital: capital}
	pipelines := pipeline.NewManager(logger, pipeConfig,
		classifier, resolver, algoRouter, advisories, exec, killSwitch, st, bus, m, account)

	for _, inst := range cfg.Account.Instruments {
		pipelines.Register(pipeline.Instrument{
			Symbol: inst.Symbol,
			Class:  types.InstrumentClass(inst.Class),
		})
	}

	if err := pipelines.Start(ctx); err != nil {
		logger.Fatal("failed to start pipelines", zap.Error(err))
	}

	// Reconciliation: on demand via the API plus a periodic sweep.
	reconciler := reconcile.NewWorker(logger, reconcile.DefaultConfig(), st)

	scheduler := workers.NewScheduler(logger, workers.DefaultConfig())
	scheduler.Schedule(workers.JobFunc{
		JobName: "reconcile",
		Fn: func(ctx context.Context) error {
			records, err := reconciler.Reconcile(ctx)
			if err != nil {
				return err
			}
			return st.SaveReport(ctx, records)
		},
	}, 15*time.Minute)
	scheduler.Start(ctx)

	// API server
	serverConfig := &types.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		WebSocketPath:  "/ws",
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
	}

	server := api.NewServer(logger, serverConfig, api.Deps{
		Store:      st,
		Engine:     exec,
		KillSwitch: killSwitch,
		Classifier: classifier,
		Ledger:     ledger,
		Pipelines:  pipelines,
		Reconciler: reconciler,
		Registry:   registry,
		Metrics:    m,
	})

	// Forward bus events to WebSocket subscribers.
	bus.Subscribe(events.TypeDecisionLogged, func(event events.Event) {
		server.BroadcastDecision(event.Payload)
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	logger.Info("decision core started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()

	if err := scheduler.Stop(); err != nil {
		logger.Error("error stopping scheduler", zap.Error(err))
	}

	if err := pipelines.Stop(); err != nil {
		logger.Error("error stopping pipelines", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	logger.Info("decision core stopped")
}

func sessionConfig(sc config.SessionConfig) types.SessionConfig {
	times := make(map[types.InstrumentClass]string, len(sc.SquareOffTimes))
	for class, at := range sc.SquareOffTimes {
		times[types.InstrumentClass(class)] = at
	}
	return types.SessionConfig{
		SquareOffTimes:  times,
		SquareOffBuffer: sc.SquareOffBuffer,
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
