package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mneelabs/paygate"
	"github.com/mneelabs/paygate/clients"
	"github.com/mneelabs/paygate/config"
	"github.com/mneelabs/paygate/fx"
	"github.com/mneelabs/paygate/ledger"
	"github.com/mneelabs/paygate/logger"
	"github.com/mneelabs/paygate/metrics"
	"github.com/mneelabs/paygate/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.NewZapLogger(cfg.LogLevel, cfg.Env == "development")

	db, err := openDB(cfg)
	if err != nil {
		log.Error("database open failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	store := ledger.NewGormStore(db)
	if err := store.Migrate(); err != nil {
		log.Error("ledger migration failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	policies := ledger.NewGormPolicyStore(db)
	if err := policies.Migrate(); err != nil {
		log.Error("policy migration failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	treasury, err := clients.NewEVMTreasuryClient(cfg.Network, cfg.RPCURL, cfg.OperatorKeyHex)
	if err != nil {
		log.Error("treasury client init failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer treasury.Close()

	rates := fx.NewHTTPRateSource(cfg.RateServiceURL, cfg.RateRequestTimeout)

	gateway := paygate.New(
		store,
		policies,
		policies,
		rates,
		treasury,
		paygate.WithLogger(log),
		paygate.WithMetrics(metrics.NewPrometheusRecorder()),
		paygate.WithRateFreshness(cfg.RateFreshness),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.New(gateway, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Periodically resolve payments parked with indeterminate outcomes.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go reconcileLoop(sweepCtx, gateway, log)

	go func() {
		log.Info("gateway listening", map[string]any{"port": cfg.HTTPPort, "network": cfg.Network.String()})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", map[string]any{"error": err.Error()})
	}
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}
	if cfg.IsPostgres() {
		return gorm.Open(postgres.Open(cfg.DatabaseURL), gormCfg)
	}
	return gorm.Open(sqlite.Open(cfg.DatabaseURL), gormCfg)
}

func reconcileLoop(ctx context.Context, gateway *paygate.Gateway, log logger.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, err := gateway.ReconcileSweep(ctx, 100)
			if err != nil {
				log.Warn("reconcile sweep failed", map[string]any{"error": err.Error()})
				continue
			}
			if len(results) > 0 {
				log.Info("reconcile sweep resolved payments", map[string]any{"count": len(results)})
			}
		}
	}
}
