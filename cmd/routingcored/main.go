// Command routingcored wires together the routing and learning core: the
// policy catalog, per-provider rotators/breakers, quota manager, strategy
// orchestrator, adaptive scorer, pattern stores, advisor, and learning
// engine, fronted by the thin operator HTTP surface. It demonstrates
// construction, not a CLI product, mirroring the teacher's cmd/tokenhub
// main (config load, server build, signal-driven graceful shutdown).
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kestrelai/routingcore/internal/breaker"
	"github.com/kestrelai/routingcore/internal/clock"
	"github.com/kestrelai/routingcore/internal/config"
	"github.com/kestrelai/routingcore/internal/extractor"
	"github.com/kestrelai/routingcore/internal/httpapi"
	"github.com/kestrelai/routingcore/internal/integrations"
	"github.com/kestrelai/routingcore/internal/learning"
	"github.com/kestrelai/routingcore/internal/logging"
	"github.com/kestrelai/routingcore/internal/metrics"
	"github.com/kestrelai/routingcore/internal/modelrouter"
	"github.com/kestrelai/routingcore/internal/modelstats"
	"github.com/kestrelai/routingcore/internal/outcomebus"
	"github.com/kestrelai/routingcore/internal/patterns"
	"github.com/kestrelai/routingcore/internal/policy"
	"github.com/kestrelai/routingcore/internal/quota"
	"github.com/kestrelai/routingcore/internal/rotator"
	"github.com/kestrelai/routingcore/internal/scorer"
	"github.com/kestrelai/routingcore/internal/strategy"
	"github.com/kestrelai/routingcore/internal/stuckbug"
	"github.com/kestrelai/routingcore/internal/tracing"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	log.Printf("routingcored version %s", version)

	cfg, err := config.LoadConfig(os.Getenv("ROUTINGCORE_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup(os.Getenv("ROUTINGCORE_LOG_LEVEL"))
	slog.SetDefault(logger)

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     os.Getenv("ROUTINGCORE_OTEL_ENABLED") == "true",
		Endpoint:    os.Getenv("ROUTINGCORE_OTEL_ENDPOINT"),
		ServiceName: "routingcore",
	})
	if err != nil {
		log.Fatalf("tracing setup error: %v", err)
	}

	catalog, err := policy.Load(cfg.Policy.PolicyFile)
	if err != nil {
		log.Fatalf("policy load error: %v", err)
	}

	clk := clock.Real{}

	providers := make(map[string]*modelrouter.ProviderSet)
	seen := make(map[string]bool)
	for _, m := range catalog.All() {
		if seen[m.Provider] {
			continue
		}
		seen[m.Provider] = true
		keys := cfg.Providers[config.ResolveProviderPool(m.Provider)]
		rotCfg := rotator.DefaultConfig()
		rotCfg.Strategy = rotator.Strategy(cfg.Rotator.Strategy)
		rotCfg.CooldownMs = int(cfg.Rotator.CooldownMs)
		rotCfg.MaxFailures = cfg.Rotator.MaxFailures
		rot := rotator.New(m.Provider, keys, rotCfg, clk)

		brkCfg := breaker.DefaultConfig()
		brkCfg.FailureThreshold = cfg.Breaker.FailureThreshold
		brkCfg.SuccessThreshold = cfg.Breaker.SuccessThreshold
		brkCfg.OpenTimeoutMs = int(cfg.Breaker.OpenTimeoutMs)
		brkCfg.HalfOpenAttempts = cfg.Breaker.HalfOpenAttempts
		brk := breaker.New(m.Provider, brkCfg, clk)

		providers[m.Provider] = modelrouter.NewProviderSet(rot, brk)
	}

	quotaAccounts := make([]quota.Account, 0, len(providers))
	for providerID := range providers {
		quotaAccounts = append(quotaAccounts, quota.Account{
			ProviderID:        providerID,
			QuotaType:         quota.RequestBased,
			WarningThreshold:  0.80,
			CriticalThreshold: 0.95,
		})
	}
	quotaMgr, err := quota.Open(context.Background(), cfg.Learning.QuotaDSN, quotaAccounts, clk)
	if err != nil {
		log.Fatalf("quota open error: %v", err)
	}
	defer quotaMgr.Close()

	statsStore, err := modelstats.Open(cfg.Learning.ModelStatsFile)
	if err != nil {
		log.Fatalf("model stats open error: %v", err)
	}

	bus := outcomebus.New()

	orchestrator := strategy.New(logger,
		strategy.NewOverride(clk),
		strategy.NewProjectStart(highPowerModelID(catalog)),
		strategy.NewPerspectiveSwitch(highPowerModelID(catalog), strategy.NewReversionManager(10)),
		strategy.NewFallbackLayer(nil),
	)

	scorerCfg := scorer.DefaultConfig()
	scorerCfg.SuccessRateFloor = cfg.Scorer.SuccessRateFloor
	scorerCfg.SuccessRateCeiling = cfg.Scorer.SuccessRateCeiling
	scorerCfg.MinSamplesForTuning = cfg.Scorer.MinSamplesForTuning

	stuckCfg := stuckbug.DefaultConfig()
	stuckCfg.TimeoutMs = int(cfg.StuckBug.TimeoutMs)
	stuckCfg.FailureThreshold = cfg.StuckBug.FailureThreshold
	stuckCfg.FailureWindowMs = int(cfg.StuckBug.FailureWindowMs)
	stuckCfg.SimilarityThreshold = cfg.StuckBug.SimilarityThreshold

	router := modelrouter.New(modelrouter.Config{
		Catalog:      catalog,
		Providers:    providers,
		Quota:        quotaMgr,
		Orchestrator: orchestrator,
		Stats:        statsStore,
		Bus:          bus,
		ScorerConfig: scorerCfg,
		StuckBug:     stuckCfg,
		Clock:        clk,
		Logger:       logger,
	})

	patternCatalog, err := patterns.OpenCatalog(cfg.Learning.AntiPatternsFile, clk)
	if err != nil {
		log.Fatalf("anti-pattern catalog open error: %v", err)
	}
	patternTracker, err := patterns.OpenTracker(cfg.Learning.PositivePatternsFile, clk)
	if err != nil {
		log.Fatalf("positive-pattern tracker open error: %v", err)
	}

	var loader extractor.SessionLoader
	if dir := os.Getenv("ROUTINGCORE_SESSION_DIR"); dir != "" {
		dirLoader, err := extractor.NewDirLoader(dir)
		if err != nil {
			log.Fatalf("session loader error: %v", err)
		}
		loader = dirLoader
	}

	learningEngine := learning.New(learning.Config{
		Catalog: patternCatalog,
		Tracker: patternTracker,
		Loader:  loader,
		Logger:  logger,
		Clock:   clk,
		Integrations: integrations.Integrations{
			Hooks: integrations.LoggingHookSink{Logger: logger},
		},
	})
	learningEngine.OnHook(func(event string, payload any) error {
		logger.Info("learning event", "event", event)
		return nil
	})

	outcomeSub := bus.Subscribe(256)
	go func() {
		for o := range outcomeSub.C {
			err := learningEngine.LearnFromOutcome(learning.Outcome{
				Success:       o.Success,
				FailureReason: o.ErrorDetail,
				TokensUsed:    int(o.TokensInput + o.TokensOutput),
			})
			if err != nil {
				logger.Warn("learn_from_outcome failed", "request_id", o.RequestID, "error", err)
			}
		}
	}()

	reg := metrics.New()
	apiServer := httpapi.New(router, reg, logger)

	sched := cron.New()
	if loader != nil {
		if _, err := sched.AddFunc("@every 1h", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := learningEngine.IngestAll(ctx); err != nil {
				logger.Warn("scheduled ingest_all failed", "error", err)
			}
		}); err != nil {
			log.Fatalf("cron schedule error: %v", err)
		}
	}
	if _, err := sched.AddFunc("@every 5m", func() {
		for providerID := range providers {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := quotaMgr.Status(ctx, providerID); err != nil {
				logger.Warn("quota rollover check failed", "provider", providerID, "error", err)
			}
			cancel()
		}
	}); err != nil {
		log.Fatalf("cron schedule error: %v", err)
	}
	sched.Start()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	go func() {
		logger.Info("routingcored listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down (draining in-flight requests)...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sched.Stop()
	bus.Unsubscribe(outcomeSub)
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Warn("tracing shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

// highPowerModelID picks the catalog's highest default-success-rate model
// (the first in id order on a tie) as the perspective-switch/project-start
// escalation target. Latency is not considered, and no config setting
// overrides the choice.
func highPowerModelID(catalog *policy.Catalog) string {
	var best policy.ModelPolicy
	have := false
	for _, m := range catalog.All() {
		if !have || m.DefaultSuccessRate > best.DefaultSuccessRate {
			best = m
			have = true
		}
	}
	return best.ID
}

