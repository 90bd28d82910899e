package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"proofwork/models"
	"proofwork/verification"
)

// VerifierClaim reserves a submission attempt for a verification worker.
func (s *Server) VerifierClaim(w http.ResponseWriter, r *http.Request) {
	var req verification.ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}
	resp, err := s.coordinator.Claim(r.Context(), req)
	switch {
	case errors.Is(err, verification.ErrSubmissionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "submission not found")
		return
	case errors.Is(err, verification.ErrNotClaimable):
		writeError(w, http.StatusConflict, "not_claimable", "submission is already adjudicated")
		return
	case errors.Is(err, verification.ErrStaleAttempt):
		writeError(w, http.StatusConflict, "stale_attempt", "attempt is not the current one")
		return
	case errors.Is(err, verification.ErrAlreadyClaimed):
		writeError(w, http.StatusConflict, "already_claimed", "an unexpired claim exists")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", "claim failed")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// VerifierVerdict records the adjudication outcome under the claim token.
func (s *Server) VerifierVerdict(w http.ResponseWriter, r *http.Request) {
	var req verification.VerdictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}
	switch req.Verdict {
	case models.VerdictPass, models.VerdictFail, models.VerdictInconclusive:
	default:
		writeError(w, http.StatusBadRequest, "invalid_verdict", "verdict must be pass, fail, or inconclusive")
		return
	}
	err := s.coordinator.SubmitVerdict(r.Context(), req)
	switch {
	case errors.Is(err, verification.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "verification not found")
		return
	case errors.Is(err, verification.ErrClaimTokenMismatch):
		writeError(w, http.StatusForbidden, "claim_token_mismatch", "claim token does not match")
		return
	case errors.Is(err, verification.ErrClaimExpired):
		writeError(w, http.StatusConflict, "claim_expired", "claim expired before the verdict")
		return
	case errors.Is(err, verification.ErrFinished):
		writeError(w, http.StatusConflict, "finished", "verification already carries a verdict")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", "verdict failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
