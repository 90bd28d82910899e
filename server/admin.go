package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/dispute"
	"proofwork/models"
)

// ReapLeases returns expired job claims to the open state.
func (s *Server) ReapLeases(w http.ResponseWriter, r *http.Request) {
	reaped, err := s.queue.ReapLeases(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "reap failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"reaped": reaped})
}

// CreateWorker mints a worker credential. The composite token is returned
// exactly once; only its HMAC is stored.
func (s *Server) CreateWorker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CapabilityTags []string `json:"capabilityTags"`
		PayoutChain    string   `json:"payoutChain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}
	prefix, token, hash, err := MintWorkerToken(s.tokenPepper)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "token mint failed")
		return
	}
	now := s.store.Now()
	worker := models.Worker{
		ID:             uuid.New(),
		TokenPrefix:    prefix,
		TokenHash:      hash,
		CapabilityTags: strings.Join(req.CapabilityTags, ","),
		PayoutChain:    req.PayoutChain,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.DB().WithContext(r.Context()).Create(&worker).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "worker creation failed")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"workerId": worker.ID, "token": token})
}

// CreateBounty publishes a funded bounty and spawns its open jobs. The
// reward for every required proof is escrowed from the org balance up front.
func (s *Server) CreateBounty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID            uuid.UUID       `json:"orgId"`
		RewardCents      int64           `json:"rewardCents"`
		RequiredProofs   int             `json:"requiredProofs"`
		DisputeWindowSec *int64          `json:"disputeWindowSec"`
		Descriptor       json.RawMessage `json:"descriptor"`
		Jobs             int             `json:"jobs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}
	if req.RewardCents <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_payload", "rewardCents must be positive")
		return
	}
	if req.RequiredProofs <= 0 {
		req.RequiredProofs = 1
	}
	if req.Jobs <= 0 {
		req.Jobs = req.RequiredProofs
	}
	windowSec := int64(s.disputeWindow / time.Second)
	if req.DisputeWindowSec != nil {
		if *req.DisputeWindowSec < 0 {
			writeError(w, http.StatusBadRequest, "invalid_payload", "disputeWindowSec must be non-negative")
			return
		}
		windowSec = *req.DisputeWindowSec
	}
	desc, err := s.validator.Parse(req.Descriptor)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_descriptor", err.Error())
		return
	}

	now := s.store.Now()
	escrow := req.RewardCents * int64(req.RequiredProofs)
	bounty := models.Bounty{
		ID:               uuid.New(),
		OrgID:            req.OrgID,
		RewardCents:      req.RewardCents,
		RequiredProofs:   req.RequiredProofs,
		DisputeWindowSec: windowSec,
		TaskDescriptor:   desc.Raw(),
		State:            models.BountyPublished,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	jobIDs := make([]uuid.UUID, 0, req.Jobs)
	err = s.store.WithTx(r.Context(), func(tx *gorm.DB) error {
		var org models.Org
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&org, "id = ?", req.OrgID).Error; err != nil {
			return err
		}
		if org.BalanceCents < escrow {
			return errInsufficientBalance
		}
		org.BalanceCents -= escrow
		org.UpdatedAt = now
		if err := tx.Save(&org).Error; err != nil {
			return err
		}
		if err := tx.Create(&bounty).Error; err != nil {
			return err
		}
		for i := 0; i < req.Jobs; i++ {
			job := models.Job{
				ID:             uuid.New(),
				BountyID:       bounty.ID,
				TaskDescriptor: desc.Raw(),
				State:          models.JobOpen,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if desc.FreshnessSLASec > 0 {
				deadline := now.Add(time.Duration(desc.FreshnessSLASec) * time.Second)
				job.FreshnessDeadline = &deadline
			}
			if err := tx.Create(&job).Error; err != nil {
				return err
			}
			jobIDs = append(jobIDs, job.ID)
		}
		return nil
	})
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "not_found", "org not found")
		return
	case errors.Is(err, errInsufficientBalance):
		writeError(w, http.StatusConflict, "insufficient_funds", "org balance cannot cover the bounty")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", "bounty creation failed")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"bountyId": bounty.ID, "jobIds": jobIDs})
}

var errInsufficientBalance = errors.New("server: insufficient org balance")

// OpenDispute contests a payout inside its hold window.
func (s *Server) OpenDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PayoutID uuid.UUID `json:"payoutId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}
	row, err := s.disputes.Open(r.Context(), req.PayoutID)
	switch {
	case errors.Is(err, dispute.ErrPayoutNotFound):
		writeError(w, http.StatusNotFound, "not_found", "payout not found")
		return
	case errors.Is(err, dispute.ErrHoldExpired):
		writeError(w, http.StatusConflict, "hold_expired", "payout hold window has expired")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", "dispute open failed")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"disputeId": row.ID, "state": row.State})
}

// CancelDispute withdraws an open dispute.
func (s *Server) CancelDispute(w http.ResponseWriter, r *http.Request) {
	disputeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid dispute id")
		return
	}
	err = s.disputes.Cancel(r.Context(), disputeID)
	switch {
	case errors.Is(err, dispute.ErrDisputeNotFound):
		writeError(w, http.StatusNotFound, "not_found", "dispute not found")
		return
	case errors.Is(err, dispute.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "already_resolved", "dispute is already resolved")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", "dispute cancel failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ResolveDispute settles an open dispute by admin decision.
func (s *Server) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	disputeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid dispute id")
		return
	}
	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}
	var refund bool
	switch req.Outcome {
	case "refund":
		refund = true
	case "uphold":
	default:
		writeError(w, http.StatusBadRequest, "invalid_outcome", "outcome must be refund or uphold")
		return
	}
	err = s.disputes.Resolve(r.Context(), disputeID, refund)
	switch {
	case errors.Is(err, dispute.ErrDisputeNotFound):
		writeError(w, http.StatusNotFound, "not_found", "dispute not found")
		return
	case errors.Is(err, dispute.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "already_resolved", "dispute is already resolved")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", "dispute resolve failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
