package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/dispatch"
	"github.com/sells-group/outreach-cli/internal/pipeline"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/pkg/contactscore"
	"github.com/sells-group/outreach-cli/pkg/skiptrace"
	"github.com/sells-group/outreach-cli/pkg/sms"
)

// pipelineEnv holds the store and the pipeline built on it.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = "outreach.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// initPipeline validates cfg for mode, opens and migrates the store, and
// builds the provider clients and the Pipeline. An empty mode skips the
// mode checks, for commands that never call a provider. Callers should
// defer env.Close().
func initPipeline(ctx context.Context, c *config.Config, mode string) (*pipelineEnv, error) {
	if mode != "" {
		if err := c.Validate(mode); err != nil {
			return nil, err
		}
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	var channels *dispatch.Channels
	if c.Dispatch.ChannelsFile != "" {
		channels, err = dispatch.LoadChannels(c.Dispatch.ChannelsFile)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "load channels")
		}
		zap.L().Info("dispatch channels loaded", zap.String("file", c.Dispatch.ChannelsFile))
	}

	skipClient := skiptrace.NewClient(c.SkipTrace.Key, skiptrace.WithBaseURL(c.SkipTrace.BaseURL))
	scoreClient := contactscore.NewClient(c.Scoring.Key,
		contactscore.WithBaseURL(c.Scoring.BaseURL),
		contactscore.WithRateLimit(c.Scoring.RateLimit),
	)
	smsClient := sms.NewClient(c.Dispatch.Key, sms.WithBaseURL(c.Dispatch.BaseURL))

	return &pipelineEnv{
		Store:    st,
		Pipeline: pipeline.New(c, st, skipClient, scoreClient, smsClient, channels),
	}, nil
}
