package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"distributed-goal-rl/internal/buffer"
	"distributed-goal-rl/internal/config"
	"distributed-goal-rl/internal/logging"
	"distributed-goal-rl/internal/metrics"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadBuffer(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	replay, err := buffer.NewReplayBuffer(cfg.Buffer.Capacity, buffer.Policy(cfg.Buffer.Policy))
	if err != nil {
		logger.Fatal("create replay buffer", zap.Error(err))
	}
	collector := metrics.NewCollector("goalrl", logger)

	server := &http.Server{
		Addr:              ":" + cfg.Buffer.Port,
		Handler:           buffer.NewHandler(replay, logger, collector),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("replay buffer listening",
		zap.String("addr", server.Addr),
		zap.Int("capacity", cfg.Buffer.Capacity),
		zap.String("policy", cfg.Buffer.Policy),
	)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}
