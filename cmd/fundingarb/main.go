package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fundingarb/internal/infrastructure/config"
	"fundingarb/internal/infrastructure/logger"
	"fundingarb/internal/infrastructure/svc"
	httpapi "fundingarb/internal/interfaces/http"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Setup("info", true)
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Console)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service context initialization failed")
	}
	defer sc.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sc.Observer.Run(gctx) })
	g.Go(func() error { return sc.Scheduler.Run(gctx) })
	g.Go(func() error { return sc.Coordinator.Run(gctx) })
	g.Go(func() error { return sc.Reconciler.Run(gctx) })

	if cfg.HTTP.Enabled {
		deps := httpapi.Deps{
			Subscriptions: sc.Scheduler,
			Positions:     sc.Coordinator,
			Maintenance:   sc.Reconciler,
			Funding:       sc.Ledger,
			Recordings:    sc.Recorder,
			StuckAfter:    cfg.StuckAfter(),
		}
		if cfg.Metrics.Enabled {
			deps.Metrics = sc.Metrics.Handler()
			deps.MetricsPath = cfg.Metrics.Path
		}
		server := httpapi.NewServer(cfg.HTTP.Addr, httpapi.NewHandler(deps).Router(), cfg.ReadTimeout(), cfg.ShutdownTimeout())
		g.Go(func() error { return server.Run(gctx) })
	}

	log.Info().
		Str("config", *configPath).
		Str("app", cfg.App.Name).
		Strs("exchanges", sc.Connectors.Names()).
		Bool("dry_run", cfg.App.DryRun).
		Msg("fundingarb started")

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("component exited with error")
	}

	// 在途建仓：停止新分片并撤掉挂单，等待执行结束
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout()+5*time.Second)
	defer cancel()
	report := sc.Coordinator.Shutdown(shutdownCtx)
	log.Info().
		Int("executions", len(report.Executions)).
		Int("cancel_attempted", report.CancelAttempted).
		Int("cancel_failed", report.CancelFailed).
		Msg("fundingarb stopped")
}
