package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/extmesh/extmesh/internal/bus"
	"github.com/extmesh/extmesh/internal/bus/transport"
	"github.com/extmesh/extmesh/internal/codec"
	"github.com/extmesh/extmesh/internal/infrastructure/config"
	"github.com/extmesh/extmesh/internal/infrastructure/logging"
	"github.com/extmesh/extmesh/internal/infrastructure/monitoring"
	"github.com/extmesh/extmesh/internal/infrastructure/tracing"
	"github.com/extmesh/extmesh/internal/locus"
	"github.com/extmesh/extmesh/internal/netrules"
	"github.com/extmesh/extmesh/internal/netrules/engine"
	"github.com/extmesh/extmesh/internal/recovery"
	"github.com/extmesh/extmesh/internal/registry"
	"github.com/extmesh/extmesh/internal/server"
	"github.com/extmesh/extmesh/internal/store"
	"github.com/extmesh/extmesh/internal/vault"
)

func main() {
	cfg := config.LoadOrDefault()

	var log *logging.Logger
	if cfg.Logging.Development {
		log = logging.NewDevelopment()
	} else {
		log = logging.NewDefault()
	}
	defer log.Sync()

	log.Info("Starting extmesh orchestrator",
		zap.String("addr", cfg.Server.Host+":"+cfg.Server.Port))

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("orchestrator", log.Logger)

	// The orchestrator process is the privileged end of every transport.
	detector := locus.NewDetector(locus.Environment{
		Protocol:      "ext",
		HasRuleAPI:    true,
		HasStorageAPI: true,
	})

	refs := codec.NewRegistry(codec.RegistryConfig{
		CallableTTL: cfg.Codec.CallableTTL,
		BlobTTL:     cfg.Codec.BlobTTL,
	})
	defer refs.Stop()

	hub := transport.NewHub()
	b := bus.New(
		bus.Config{
			AppName:        cfg.App.Name,
			RequestTimeout: cfg.Bus.RequestTimeout,
			PollInterval:   cfg.Bus.PollInterval,
		},
		detector, codec.New(refs), log,
		bus.WithTransport(hub),
		bus.WithMetrics(metrics),
	)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		log.Fatal("Failed to create data directory", zap.Error(err))
	}
	durable, err := store.OpenDurable(filepath.Join(cfg.Storage.DataDir, "state.json"))
	if err != nil {
		log.Fatal("Failed to open durable store", zap.Error(err))
	}
	volatile := store.NewVolatile()

	var v vault.Vault
	switch cfg.Vault.Backend {
	case "keyring":
		v = vault.NewKeyring(cfg.Vault.Service)
	default:
		v = vault.NewMemory()
	}
	if err := v.Init(); err != nil {
		log.Fatal("Failed to initialize vault", zap.Error(err))
	}

	catalog := registry.Defaults()
	if cfg.Storage.CatalogPath != "" {
		catalog, err = registry.LoadCatalog(cfg.Storage.CatalogPath)
		if err != nil {
			log.Fatal("Failed to load provider catalog",
				zap.String("path", cfg.Storage.CatalogPath), zap.Error(err))
		}
	}

	var eng engine.RuleEngine
	if cfg.Server.RuleEngineAddress != "" {
		eng = engine.NewHTTP(cfg.Server.RuleEngineAddress, log)
		log.Info("Using remote rule engine",
			zap.String("addr", cfg.Server.RuleEngineAddress))
	} else {
		eng = engine.NewMemory()
		log.Info("Using in-process rule engine")
	}

	rules := netrules.New(
		netrules.Config{
			RuleTTL:       cfg.Rules.RuleTTL,
			SweepInterval: cfg.Rules.SweepInterval,
		},
		catalog, v, eng, log,
		netrules.WithMetrics(metrics),
	)

	coord := recovery.New(
		recovery.Config{
			GraceWindow:    cfg.Recovery.RestartGraceWindow,
			HealthInterval: cfg.Recovery.HealthInterval,
			ResetWindow:    cfg.Recovery.RestartResetWindow,
		},
		durable, volatile, b, rules, log,
		recovery.WithMetrics(metrics),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := coord.Boot(ctx); err != nil {
		log.Fatal("Boot failed", zap.Error(err))
	}

	srv := server.New(cfg, server.Deps{
		Bus:      b,
		Hub:      hub,
		Rules:    rules,
		Recovery: coord,
		Registry: catalog,
		Vault:    v,
		Metrics:  metrics,
		Tracer:   tracer,
	}, log)

	if err := srv.Run(ctx); err != nil {
		log.Error("Server failed", zap.Error(err))
	}

	// Best-effort teardown bookkeeping; the host may kill us before any of
	// this runs, and recovery handles that too.
	log.Info("Shutting down")
	if err := coord.MarkShutdown(); err != nil {
		log.Warn("Shutdown bookkeeping failed", zap.Error(err))
	}
	coord.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	rules.Stop(shutdownCtx)
	cancel()
	if err := b.Destroy(); err != nil {
		log.Warn("Bus teardown failed", zap.Error(err))
	}
}
