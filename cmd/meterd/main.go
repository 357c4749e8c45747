package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contentpilot/tokenmeter/internal/config"
	"github.com/contentpilot/tokenmeter/internal/domain/limits"
	"github.com/contentpilot/tokenmeter/internal/domain/meter"
	"github.com/contentpilot/tokenmeter/internal/domain/plans"
	"github.com/contentpilot/tokenmeter/internal/domain/usage"
	"github.com/contentpilot/tokenmeter/internal/infra/db"
	"github.com/contentpilot/tokenmeter/internal/infra/generator"
	httpx "github.com/contentpilot/tokenmeter/internal/infra/http"
	"github.com/contentpilot/tokenmeter/internal/infra/logger"
	"github.com/contentpilot/tokenmeter/internal/infra/metrics"
	"github.com/contentpilot/tokenmeter/internal/infra/notify"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/subosito/gotenv"
)

func runMigrations(dsn string) error {
	sqlDB, err := goose.OpenDBWithDriver("postgres", dsn)
	if err != nil {
		return err
	}
	defer func() { _ = sqlDB.Close() }()
	return goose.Up(sqlDB, "migrations")
}

func main() {
	_ = gotenv.Load()

	cfgPath := os.Getenv("APP_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/example.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.App.Env)

	if err := runMigrations(cfg.Postgres.DSN); err != nil {
		log.Error("migrations failed", "err", err)
		return
	}
	log.Info("migrations applied")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Error("db connect failed", "err", err)
		return
	}
	defer pool.Close()
	log.Info("db connected")

	planRepo := plans.NewRepo(pool)
	usageRepo := usage.NewRepo(pool)
	limitRepo := limits.NewRepo(pool)
	m := metrics.New(prometheus.DefaultRegisterer)

	var tg *notify.Telegram
	if cfg.Telegram.Token != "" {
		tg, err = notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.AdminChatID, log)
		if err != nil {
			log.Error("telegram init failed", "err", err)
			return
		}
		log.Info("telegram alerts enabled", "chat_id", cfg.Telegram.AdminChatID)
	}

	// meter.Notifier and httpx.PlanNotifier are nil-checked interfaces:
	// a typed nil *notify.Telegram must not slip in.
	var meterNotifier meter.Notifier
	var planNotifier httpx.PlanNotifier
	if tg != nil {
		meterNotifier = tg
		planNotifier = tg
	}

	meterSvc := meter.NewService(log, planRepo, usageRepo, m, meterNotifier)
	gen := generator.NewClient(cfg.Generator.BaseURL, time.Duration(cfg.Generator.TimeoutSeconds)*time.Second)
	handler := httpx.NewHandler(log, meterSvc, planRepo, usageRepo, limitRepo, gen, planNotifier)

	srv := httpx.New(cfg.HTTP.Addr, cfg.Metrics.Enabled, handler)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "err", err)
		}
	}()
	log.Info("HTTP server started", "addr", cfg.HTTP.Addr)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("graceful shutdown complete")
}
