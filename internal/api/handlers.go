package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/intake"
	"github.com/sells-group/outreach-cli/internal/jobs"
	"github.com/sells-group/outreach-cli/internal/pipeline"
)

type pullRequest struct {
	Count  int    `json:"count"`
	Sector string `json:"sector"`
}

type enrichRequest struct {
	BlockID string `json:"block_id"`
	Limit   int    `json:"limit"`
}

type rankedContact struct {
	ContactID string `json:"contact_id"`
	Name      string `json:"name"`
	Company   string `json:"company"`
	Phone     string `json:"phone"`
	Tier      int    `json:"tier"`
	Score     int    `json:"score"`
}

type queuedResponse struct {
	Status string `json:"status"`
	TaskID string `json:"task_id"`
	Type   string `json:"type"`
}

// handleImport reads a CSV body. The optional "map" query parameter holds
// "field=Header" pairs.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	mapping, err := intake.ParseMapping(r.URL.Query().Get("map"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	src, err := intake.OpenReader(r.Context(), r.Body, intake.Options{})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := mapping.Resolve(src.Header); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	res, err := s.pipeline.Import(r.Context(), tenant, src, mapping)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "import", tenant, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	var req pullRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if s.jobs != nil {
		info, err := s.jobs.EnqueuePull(r.Context(), jobs.PullPayload{TenantID: tenant, Count: req.Count, Sector: req.Sector})
		s.queued(w, tenant, info, err)
		return
	}
	res, err := s.pipeline.Pull(r.Context(), tenant, req.Count, req.Sector)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "pull", tenant, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	var req enrichRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if s.jobs != nil {
		info, err := s.jobs.EnqueueEnrich(r.Context(), jobs.EnrichPayload{TenantID: tenant, BlockID: req.BlockID, Limit: req.Limit})
		s.queued(w, tenant, info, err)
		return
	}
	res, err := s.pipeline.RunEnrichment(r.Context(), tenant, req.BlockID, req.Limit)
	if err != nil {
		// Partial progress is still reported.
		zap.L().Error("api: enrichment failed", zap.String("tenant", tenant), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQualify(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	res, err := s.pipeline.Qualify(r.Context(), tenant)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "qualify", tenant, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCampaignReady(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	target := 0
	if v := r.URL.Query().Get("target"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "target must be a non-negative integer")
			return
		}
		target = n
	}
	ranked, err := s.pipeline.CampaignReady(r.Context(), tenant, target)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "campaign-ready", tenant, err)
		return
	}
	out := make([]rankedContact, 0, len(ranked))
	for _, rk := range ranked {
		rc := rankedContact{
			ContactID: rk.Contact.ID,
			Name:      rk.Contact.Name,
			Company:   rk.Contact.Company,
			Tier:      rk.Tier,
			Score:     rk.Score,
		}
		if p := rk.Contact.BestPhone(); p != nil {
			rc.Phone = p.Number
		}
		out = append(out, rc)
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "contacts": out})
}

func (s *Server) handleCampaign(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	var req pipeline.CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Template) == "" {
		writeError(w, http.StatusBadRequest, "template is required")
		return
	}
	if s.jobs != nil {
		info, err := s.jobs.EnqueueCampaign(r.Context(), jobs.CampaignPayload{
			TenantID: tenant,
			Campaign: req.Campaign,
			Template: req.Template,
			Count:    req.Count,
			DryRun:   req.DryRun,
		})
		s.queued(w, tenant, info, err)
		return
	}
	res, err := s.pipeline.ExecuteCampaign(r.Context(), tenant, req)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "campaign", tenant, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	if s.jobs != nil {
		info, err := s.jobs.EnqueueReplay(r.Context(), jobs.ReplayPayload{TenantID: tenant})
		s.queued(w, tenant, info, err)
		return
	}
	res, err := s.pipeline.ReplayDLQ(r.Context(), tenant)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "dlq replay", tenant, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	snap, err := s.pipeline.Stats(r.Context(), tenant)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "stats", tenant, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) queued(w http.ResponseWriter, tenant string, info *asynq.TaskInfo, err error) {
	if errors.Is(err, jobs.ErrAlreadyQueued) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, "enqueue", tenant, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse{Status: "queued", TaskID: info.ID, Type: info.Type})
}

func (s *Server) fail(w http.ResponseWriter, status int, op, tenant string, err error) {
	zap.L().Error("api: "+op+" failed", zap.String("tenant", tenant), zap.Error(err))
	writeError(w, status, err.Error())
}

// decodeOptional decodes a JSON body into v. An empty body leaves v zero.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
