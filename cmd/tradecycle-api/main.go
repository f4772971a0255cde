package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradecycle/internal/api"
	"tradecycle/internal/config"
	"tradecycle/internal/db"
	"tradecycle/internal/economy"
	"tradecycle/internal/game"
	"tradecycle/internal/metrics"
	"tradecycle/internal/world"
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
	st, err := db.Open(ctx, cfg)
	if err != nil {
		logger.Error("store open failed", "store", cfg.Store, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	collector := metrics.NewCollector("tradecycle")
	gameSvc := game.NewService(st, logger, game.Options{
		Metrics:     collector,
		Noise:       economy.NewGaussianNoise(cfg.StockSigma, time.Now().UnixNano()),
		ThetaWindow: cfg.ThetaWindow,
	})

	if cfg.Bootstrap {
		w, err := world.Load(cfg.WorldFile)
		if err != nil {
			logger.Error("load world failed", "path", cfg.WorldFile, "err", err)
			os.Exit(1)
		}
		switch err := gameSvc.Bootstrap(ctx, w); {
		case errors.Is(err, game.ErrAlreadyBooted):
			logger.Info("world already bootstrapped", "path", cfg.WorldFile)
		case err != nil:
			logger.Error("bootstrap failed", "err", err)
			os.Exit(1)
		}
	}

	server := api.New(logger, gameSvc, collector)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("tradecycle api listening", "addr", cfg.Addr, "store", cfg.Store)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
