package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"proofwork/artifacts"
	"proofwork/queue"
)

// NextJob offers the oldest claimable job matching the worker's capabilities
// and filters, or an idle signal.
func (s *Server) NextJob(w http.ResponseWriter, r *http.Request) {
	worker, err := WorkerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	tags := splitCSV(worker.CapabilityTags)
	if declared := r.URL.Query().Get("capability_tags"); declared != "" {
		tags = splitCSV(declared)
	}
	filters := queue.Filters{
		RequiredTag:     r.URL.Query().Get("capability_tag"),
		RequireTaskType: r.URL.Query().Get("require_task_type"),
	}
	if raw := r.URL.Query().Get("min_payout_cents"); raw != "" {
		minCents, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || minCents < 0 {
			writeError(w, http.StatusBadRequest, "invalid_filter", "min_payout_cents must be a non-negative integer")
			return
		}
		filters.MinPayoutCents = minCents
	}

	job, idle, err := s.queue.Next(r.Context(), tags, filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "job scan failed")
		return
	}
	if idle != nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"state": "idle", "reason": idle.Reason})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// ClaimJob grants the lease on a job to the calling worker.
func (s *Server) ClaimJob(w http.ResponseWriter, r *http.Request) {
	worker, err := WorkerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid job id")
		return
	}
	leaseExpires, err := s.queue.Claim(r.Context(), jobID, worker.ID)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	case errors.Is(err, queue.ErrStaleJob):
		writeError(w, http.StatusConflict, "stale_job", "job freshness deadline has passed")
		return
	case errors.Is(err, queue.ErrLostRace):
		writeError(w, http.StatusConflict, "lost_race", "job is claimed by another worker")
		return
	case errors.Is(err, queue.ErrNotClaimable):
		writeError(w, http.StatusConflict, "not_claimable", "job is not claimable")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", "claim failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]time.Time{"leaseExpiresAt": leaseExpires})
}

// SubmitJob records a worker attempt and queues verification.
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	worker, err := WorkerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid job id")
		return
	}
	var req struct {
		Manifest  json.RawMessage `json:"manifest"`
		Artifacts []uuid.UUID     `json:"artifacts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}
	submissionID, err := s.queue.Submit(r.Context(), jobID, worker.ID, string(req.Manifest), req.Artifacts)
	switch {
	case errors.Is(err, queue.ErrInvalidManifest):
		writeError(w, http.StatusBadRequest, "invalid_manifest", "manifest must be valid JSON")
		return
	case errors.Is(err, queue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	case errors.Is(err, queue.ErrNotClaimable):
		writeError(w, http.StatusConflict, "not_claimable", "job is not claimed by this worker")
		return
	case errors.Is(err, queue.ErrLostRace):
		writeError(w, http.StatusConflict, "lease_expired", "lease expired before submission")
		return
	case errors.Is(err, queue.ErrArtifactNotClean):
		writeError(w, http.StatusConflict, "artifact_not_clean", "artifact is not in the clean state")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", "submission failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uuid.UUID{"submissionId": submissionID})
}

// UploadComplete records an uploaded artifact and queues its scan.
func (s *Server) UploadComplete(w http.ResponseWriter, r *http.Request) {
	worker, err := WorkerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	var req struct {
		Kind      string `json:"kind"`
		Label     string `json:"label"`
		ObjectKey string `json:"objectKey"`
		SizeBytes int64  `json:"sizeBytes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}
	if strings.TrimSpace(req.ObjectKey) == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "objectKey is required")
		return
	}
	artifact, err := s.artifacts.Register(r.Context(), worker.ID, req.Kind, req.Label, req.ObjectKey, req.SizeBytes)
	switch {
	case errors.Is(err, artifacts.ErrInvalidKind):
		writeError(w, http.StatusBadRequest, "invalid_kind", "artifact kind is not allowed")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", "artifact registration failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"artifactId": artifact.ID, "state": artifact.State})
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
