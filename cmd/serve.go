package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/api"
	"github.com/sells-group/outreach-cli/internal/jobs"
	"github.com/sells-group/outreach-cli/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long:  "Serves the pipeline stages over HTTP. With redis.url set, pull, enrich, campaign and replay requests are queued for the worker instead of running in the request.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, cfg, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		opts := []api.Option{api.WithAllowedOrigins(cfg.Server.AllowedOrigins)}
		if cfg.Redis.URL != "" {
			jc, err := jobs.NewClient(cfg.Redis, cfg.Retry.MaxAttempts)
			if err != nil {
				return err
			}
			defer jc.Close() //nolint:errcheck
			opts = append(opts, api.WithJobs(jc))
			zap.L().Info("long stages will be queued", zap.String("queue", cfg.Redis.Queue))
		}

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(env.Pipeline.Collector(), monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.NewServer(env.Pipeline, opts...).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
