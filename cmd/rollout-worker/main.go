package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"distributed-goal-rl/internal/config"
	"distributed-goal-rl/internal/logging"
	"distributed-goal-rl/internal/metrics"
	"distributed-goal-rl/internal/worker"
)

var (
	configPath string
	modeFlag   string
	maxSteps   int
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "rollout-worker",
		Short:        "Collects goal-conditioned rollouts and ships them to the replay buffer",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&modeFlag, "mode", "", "override rollout mode (single, multitask, multiagent)")
	rootCmd.PersistentFlags().IntVar(&maxSteps, "max-path-length", 0, "override the step budget (-1 for unbounded)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Collect batches until interrupted",
		RunE:  runWorker,
	}
	onceCmd := &cobra.Command{
		Use:   "once",
		Short: "Collect a single episode and print it as JSON",
		RunE:  runOnce,
	}

	for _, envFile := range []string{
		".env",
		"../../.env",
	} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	rootCmd.AddCommand(runCmd, onceCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if modeFlag != "" {
		cfg.Rollout.Mode = modeFlag
	}
	if cmd.Flags().Changed("max-path-length") {
		cfg.Rollout.MaxPathLength = maxSteps
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector := metrics.NewCollector("goalrl", logger)
	if cfg.Metrics.Addr != "" {
		server := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           collector.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	runner := worker.NewRunner(cfg, logger, collector)
	logger.Info("worker starting",
		zap.String("mode", cfg.Rollout.Mode),
		zap.Int("max_path_length", cfg.Rollout.MaxPathLength),
		zap.String("buffer_url", cfg.Worker.BufferURL),
	)
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("worker stopped: %w", err)
	}
	logger.Info("worker stopped")
	return nil
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	episode, err := worker.NewRunner(cfg, logger, nil).CollectEpisode()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(episode)
}
