package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/jobs"
	"github.com/sells-group/outreach-cli/internal/resilience"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued pipeline stage jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, cfg, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		w, err := jobs.NewWorker(cfg.Redis, resilience.RetryFromConfig(cfg.Retry), env.Pipeline)
		if err != nil {
			return err
		}

		zap.L().Info("starting worker",
			zap.String("queue", cfg.Redis.Queue),
			zap.Int("concurrency", cfg.Redis.Concurrency),
		)
		return w.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
