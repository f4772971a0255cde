package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradecycle/internal/config"
	"tradecycle/internal/db"
	"tradecycle/internal/economy"
	"tradecycle/internal/game"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := cfg.ValidateWorker(); err != nil {
		logger.Error("worker config", "err", err)
		os.Exit(1)
	}
	st, err := db.Open(ctx, cfg)
	if err != nil {
		logger.Error("store open failed", "store", cfg.Store, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	svc := game.NewService(st, logger, game.Options{
		Noise:       economy.NewGaussianNoise(cfg.StockSigma, time.Now().UnixNano()),
		ThetaWindow: cfg.ThetaWindow,
	})

	if cfg.WorkerRunOnce {
		view, err := svc.Advance(ctx)
		if err != nil {
			logger.Error("advance failed", "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed", "cycle", view.ID, "state", view.State)
		return
	}
	if cfg.CycleEvery <= 0 {
		logger.Error("TRADECYCLE_CYCLE_EVERY must be > 0 for the worker loop")
		os.Exit(1)
	}

	ticker := time.NewTicker(cfg.CycleEvery)
	defer ticker.Stop()

	logger.Info("worker started", "cycle_every", cfg.CycleEvery.String(), "store", cfg.Store)
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case <-ticker.C:
			view, err := svc.Advance(ctx)
			if err != nil {
				logger.Error("advance failed", "err", err)
				continue
			}
			logger.Info("cycle advanced", "cycle", view.ID, "state", view.State)
		}
	}
}
