// Package api exposes the pipeline stages over HTTP. Long stages are queued
// as background jobs when a job client is configured and run inline
// otherwise.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/capacity"
	"github.com/sells-group/outreach-cli/internal/dispatch"
	"github.com/sells-group/outreach-cli/internal/intake"
	"github.com/sells-group/outreach-cli/internal/jobs"
	"github.com/sells-group/outreach-cli/internal/monitoring"
	"github.com/sells-group/outreach-cli/internal/pipeline"
	"github.com/sells-group/outreach-cli/internal/priority"
)

// Pipeline is the stage surface the API serves.
type Pipeline interface {
	Import(ctx context.Context, tenant string, src *intake.Source, mapping intake.Mapping) (*pipeline.ImportResult, error)
	Pull(ctx context.Context, tenant string, count int, sector string) ([]capacity.PullResult, error)
	RunEnrichment(ctx context.Context, tenant, blockID string, limit int) (*pipeline.EnrichResult, error)
	Qualify(ctx context.Context, tenant string) (*pipeline.QualifyResult, error)
	CampaignReady(ctx context.Context, tenant string, target int) ([]priority.Ranked, error)
	ExecuteCampaign(ctx context.Context, tenant string, req pipeline.CampaignRequest) (*dispatch.CampaignResult, error)
	ReplayDLQ(ctx context.Context, tenant string) (*pipeline.ReplayResult, error)
	Stats(ctx context.Context, tenant string) (*monitoring.Snapshot, error)
}

// Jobs enqueues long stages. *jobs.Client implements it.
type Jobs interface {
	EnqueuePull(ctx context.Context, p jobs.PullPayload) (*asynq.TaskInfo, error)
	EnqueueEnrich(ctx context.Context, p jobs.EnrichPayload) (*asynq.TaskInfo, error)
	EnqueueCampaign(ctx context.Context, p jobs.CampaignPayload) (*asynq.TaskInfo, error)
	EnqueueReplay(ctx context.Context, p jobs.ReplayPayload) (*asynq.TaskInfo, error)
}

// Server holds the handler dependencies.
type Server struct {
	pipeline Pipeline
	jobs     Jobs
	origins  []string
}

// Option configures a Server.
type Option func(*Server)

// WithJobs queues pull, enrich, campaign and replay requests instead of
// running them in the request.
func WithJobs(j Jobs) Option {
	return func(s *Server) { s.jobs = j }
}

// WithAllowedOrigins sets the CORS origins. The default allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// NewServer creates a Server.
func NewServer(p Pipeline, opts ...Option) *Server {
	s := &Server{pipeline: p, origins: []string{"*"}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth)
	r.Route("/tenants/{tenant}", func(r chi.Router) {
		r.Post("/import", s.handleImport)
		r.Post("/pull", s.handlePull)
		r.Post("/enrich", s.handleEnrich)
		r.Post("/qualify", s.handleQualify)
		r.Get("/campaign-ready", s.handleCampaignReady)
		r.Post("/campaigns", s.handleCampaign)
		r.Post("/dlq/replay", s.handleReplay)
		r.Get("/stats", s.handleStats)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
