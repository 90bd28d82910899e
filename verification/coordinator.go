// Package verification coordinates the claim/verdict handshake between
// untrusted verification workers and the store.
package verification

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/models"
	"proofwork/observability"
	"proofwork/outbox"
	"proofwork/queue"
	"proofwork/storage"
)

// DefaultMaxAttempts bounds verification retries per submission.
const DefaultMaxAttempts = 3

// DefaultClaimTTL bounds how long a claim token stays valid when the worker
// does not specify one.
const DefaultClaimTTL = 600 * time.Second

var (
	// ErrSubmissionNotFound indicates an unknown submission id.
	ErrSubmissionNotFound = errors.New("verification: submission not found")
	// ErrNotClaimable indicates the submission is already adjudicated.
	ErrNotClaimable = errors.New("verification: submission not claimable")
	// ErrStaleAttempt indicates the claimed attempt is not the current one.
	ErrStaleAttempt = errors.New("verification: stale attempt")
	// ErrAlreadyClaimed indicates an unexpired claim exists for the attempt.
	ErrAlreadyClaimed = errors.New("verification: attempt already claimed")
	// ErrNotFound indicates an unknown verification id.
	ErrNotFound = errors.New("verification: not found")
	// ErrClaimTokenMismatch indicates a verdict with the wrong claim token.
	ErrClaimTokenMismatch = errors.New("verification: claim token mismatch")
	// ErrClaimExpired indicates the claim TTL elapsed before the verdict.
	ErrClaimExpired = errors.New("verification: claim expired")
	// ErrFinished indicates the verification already carries a verdict.
	ErrFinished = errors.New("verification: already finished")
)

// Scorecard carries the five adjudication dimensions (0..1) and the
// aggregated quality score (0..100).
type Scorecard struct {
	Repro        float64 `json:"R"`
	Evidence     float64 `json:"E"`
	Accuracy     float64 `json:"A"`
	Novelty      float64 `json:"N"`
	Traceability float64 `json:"T"`
	QualityScore float64 `json:"qualityScore"`
}

// SubmissionPackage is the evidence bundle handed to the verifier gateway.
type SubmissionPackage struct {
	SubmissionID uuid.UUID       `json:"submissionId"`
	JobID        uuid.UUID       `json:"jobId"`
	WorkerID     uuid.UUID       `json:"workerId"`
	Attempt      int             `json:"attemptNo"`
	Manifest     json.RawMessage `json:"manifest"`
	Artifacts    []uuid.UUID     `json:"artifacts"`
}

// ClaimRequest is posted by a verification worker to reserve an attempt.
type ClaimRequest struct {
	SubmissionID   uuid.UUID `json:"submissionId"`
	Attempt        int       `json:"attemptNo"`
	MessageID      string    `json:"messageId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	InstanceID     string    `json:"instanceId"`
	ClaimTTLSec    int64     `json:"claimTtlSec"`
}

// ClaimResponse grants exclusive adjudication rights until the claim expires.
type ClaimResponse struct {
	VerificationID uuid.UUID         `json:"verificationId"`
	ClaimToken     string            `json:"claimToken"`
	JobSpec        queue.JobSpec     `json:"jobSpec"`
	Submission     SubmissionPackage `json:"submission"`
}

// VerdictRequest posts the gateway outcome back under the claim token.
type VerdictRequest struct {
	VerificationID uuid.UUID       `json:"verificationId"`
	ClaimToken     string          `json:"claimToken"`
	Verdict        models.Verdict  `json:"verdict"`
	Reason         string          `json:"reason,omitempty"`
	Scorecard      Scorecard       `json:"scorecard"`
	RunMetadata    json.RawMessage `json:"runMetadata,omitempty"`
}

// Coordinator owns the verification state machine.
type Coordinator struct {
	store       *storage.Store
	queue       *queue.Queue
	metrics     *observability.VerificationMetrics
	maxAttempts int
	now         func() time.Time
}

// Config captures the coordinator's tunables.
type Config struct {
	MaxAttempts int
	Now         func() time.Time
}

// NewCoordinator constructs a coordinator over the store and queue.
func NewCoordinator(store *storage.Store, q *queue.Queue, cfg Config) *Coordinator {
	c := &Coordinator{
		store:       store,
		queue:       q,
		metrics:     observability.Verifications(),
		maxAttempts: cfg.MaxAttempts,
		now:         cfg.Now,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Claim reserves a submission attempt for a verification worker. Replays
// with the same idempotency key return the original claim payload while its
// token is still redeemable; an expired unfinished claim is re-issued with a
// fresh token so a crashed worker's event can still be delivered.
func (c *Coordinator) Claim(ctx context.Context, req ClaimRequest) (*ClaimResponse, error) {
	if req.SubmissionID == uuid.Nil {
		return nil, fmt.Errorf("verification: submission id required")
	}
	if req.Attempt <= 0 {
		return nil, fmt.Errorf("verification: attempt must be positive")
	}
	now := c.now().UTC()
	idemKey := ""
	if req.IdempotencyKey != "" {
		idemKey = "verifier_claim:" + req.IdempotencyKey
		if prior, ok := c.replay(ctx, idemKey); ok {
			redeemable, err := c.claimRedeemable(ctx, prior, now)
			if err != nil {
				return nil, err
			}
			if redeemable {
				return prior, nil
			}
		}
	}

	ttl := DefaultClaimTTL
	if req.ClaimTTLSec > 0 {
		ttl = time.Duration(req.ClaimTTLSec) * time.Second
	}
	var resp *ClaimResponse
	err := c.store.WithTx(ctx, func(tx *gorm.DB) error {
		var submission models.Submission
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&submission, "id = ?", req.SubmissionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSubmissionNotFound
			}
			return err
		}
		if submission.State != models.SubmissionPending && submission.State != models.SubmissionVerifying {
			return ErrNotClaimable
		}
		if req.Attempt != submission.VerifyAttempt {
			return ErrStaleAttempt
		}
		var open int64
		if err := tx.Model(&models.Verification{}).
			Where("submission_id = ? AND attempt = ? AND finished_at IS NULL AND claim_expires > ?",
				submission.ID, req.Attempt, now).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return ErrAlreadyClaimed
		}

		token, err := newClaimToken()
		if err != nil {
			return err
		}
		verification := models.Verification{
			ID:           uuid.New(),
			SubmissionID: submission.ID,
			Attempt:      req.Attempt,
			ClaimToken:   token,
			ClaimExpires: now.Add(ttl),
			CreatedAt:    now,
		}
		if err := tx.Create(&verification).Error; err != nil {
			return err
		}
		submission.State = models.SubmissionVerifying
		submission.UpdatedAt = now
		if err := tx.Save(&submission).Error; err != nil {
			return err
		}

		var job models.Job
		if err := tx.First(&job, "id = ?", submission.JobID).Error; err != nil {
			return err
		}
		var bounty models.Bounty
		if err := tx.First(&bounty, "id = ?", job.BountyID).Error; err != nil {
			return err
		}
		var artifacts []uuid.UUID
		if submission.ArtifactIndex != "" {
			if err := json.Unmarshal([]byte(submission.ArtifactIndex), &artifacts); err != nil {
				return fmt.Errorf("decode artifact index: %w", err)
			}
		}
		resp = &ClaimResponse{
			VerificationID: verification.ID,
			ClaimToken:     token,
			JobSpec: queue.JobSpec{
				JobID:             job.ID,
				BountyID:          bounty.ID,
				RewardCents:       bounty.RewardCents,
				Descriptor:        json.RawMessage(job.TaskDescriptor),
				FreshnessDeadline: job.FreshnessDeadline,
			},
			Submission: SubmissionPackage{
				SubmissionID: submission.ID,
				JobID:        job.ID,
				WorkerID:     submission.WorkerID,
				Attempt:      req.Attempt,
				Manifest:     json.RawMessage(submission.Manifest),
				Artifacts:    artifacts,
			},
		}
		if idemKey != "" {
			return c.remember(tx, idemKey, resp, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SubmitVerdict persists the gateway outcome and advances the submission,
// job, and payout state machines in one transaction.
func (c *Coordinator) SubmitVerdict(ctx context.Context, req VerdictRequest) error {
	switch req.Verdict {
	case models.VerdictPass, models.VerdictFail, models.VerdictInconclusive:
	default:
		return fmt.Errorf("verification: unknown verdict %q", req.Verdict)
	}
	now := c.now().UTC()
	err := c.store.WithTx(ctx, func(tx *gorm.DB) error {
		var verification models.Verification
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&verification, "id = ?", req.VerificationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if verification.FinishedAt != nil {
			// Replay of an already-recorded verdict is a no-op.
			if verification.ClaimToken == req.ClaimToken {
				return nil
			}
			return ErrFinished
		}
		if verification.ClaimToken != req.ClaimToken {
			return ErrClaimTokenMismatch
		}
		if now.After(verification.ClaimExpires) {
			return ErrClaimExpired
		}

		scorecard, err := json.Marshal(req.Scorecard)
		if err != nil {
			return err
		}
		verdict := req.Verdict
		verification.Verdict = &verdict
		verification.Reason = req.Reason
		verification.Scorecard = string(scorecard)
		verification.RunMetadata = string(req.RunMetadata)
		verification.FinishedAt = &now
		if err := tx.Save(&verification).Error; err != nil {
			return err
		}

		var submission models.Submission
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&submission, "id = ?", verification.SubmissionID).Error; err != nil {
			return err
		}
		switch req.Verdict {
		case models.VerdictPass:
			submission.State = models.SubmissionPassed
		case models.VerdictFail:
			submission.State = models.SubmissionFailed
		case models.VerdictInconclusive:
			submission.State = models.SubmissionInconclusive
		}
		submission.UpdatedAt = now
		if err := tx.Save(&submission).Error; err != nil {
			return err
		}

		if req.Verdict == models.VerdictPass {
			c.metrics.ObserveAttempts(verification.Attempt)
			return c.settlePass(tx, &submission, verdict, now)
		}
		if verification.Attempt < c.maxAttempts {
			submission.State = models.SubmissionPending
			submission.VerifyAttempt = verification.Attempt + 1
			if err := tx.Save(&submission).Error; err != nil {
				return err
			}
			payload, err := json.Marshal(outbox.VerificationRequested{
				SubmissionID: submission.ID,
				Attempt:      submission.VerifyAttempt,
			})
			if err != nil {
				return err
			}
			return c.store.ScheduleOutbox(tx, outbox.TopicVerificationRequested,
				outbox.VerificationKey(submission.ID, submission.VerifyAttempt), string(payload), now)
		}

		c.metrics.ObserveAttempts(verification.Attempt)
		if req.Verdict == models.VerdictInconclusive {
			// Attempts exhausted without a decision: the job returns to open
			// for re-claim, still subject to its freshness deadline.
			return c.queue.Reopen(tx, submission.JobID, now)
		}
		// Definitive fail: the job is consumed.
		return finishJob(tx, submission.JobID, models.VerdictFail, now)
	})
	if err == nil {
		c.metrics.RecordVerdict(string(req.Verdict))
	}
	return err
}

// settlePass marks the job done, creates the payout row, and schedules
// execution after the bounty's dispute window.
func (c *Coordinator) settlePass(tx *gorm.DB, submission *models.Submission, verdict models.Verdict, now time.Time) error {
	var job models.Job
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", submission.JobID).Error; err != nil {
		return err
	}
	var bounty models.Bounty
	if err := tx.First(&bounty, "id = ?", job.BountyID).Error; err != nil {
		return err
	}
	var org models.Org
	if err := tx.First(&org, "id = ?", bounty.OrgID).Error; err != nil {
		return err
	}
	var worker models.Worker
	if err := tx.First(&worker, "id = ?", submission.WorkerID).Error; err != nil {
		return err
	}

	job.State = models.JobDone
	job.FinalVerdict = &verdict
	job.UpdatedAt = now
	if err := tx.Save(&job).Error; err != nil {
		return err
	}

	holdUntil := now.Add(time.Duration(bounty.DisputeWindowSec) * time.Second)
	blocked := models.BlockedNone
	if worker.PayoutAddress == "" || worker.PayoutVerifiedAt == nil {
		blocked = models.BlockedAddressMissing
	}
	payout := models.Payout{
		ID:             uuid.New(),
		SubmissionID:   submission.ID,
		WorkerID:       submission.WorkerID,
		OrgID:          org.ID,
		GrossCents:     bounty.RewardCents,
		PlatformFeeBps: org.PlatformFeeBps,
		PlatformWallet: org.PlatformFeeWallet,
		State:          models.PayoutPending,
		BlockedReason:  blocked,
		HoldUntil:      &holdUntil,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.Create(&payout).Error; err != nil {
		return err
	}

	payload, err := json.Marshal(outbox.PayoutRequested{PayoutID: payout.ID})
	if err != nil {
		return err
	}
	if err := c.store.ScheduleOutbox(tx, outbox.TopicPayoutRequested,
		outbox.PayoutKey(payout.ID), string(payload), holdUntil); err != nil {
		return err
	}

	// Close the bounty once its proof quota is met.
	var passed int64
	if err := tx.Model(&models.Job{}).
		Where("bounty_id = ? AND state = ? AND final_verdict = ?", bounty.ID, models.JobDone, models.VerdictPass).
		Count(&passed).Error; err != nil {
		return err
	}
	if bounty.RequiredProofs > 0 && passed >= int64(bounty.RequiredProofs) && bounty.State == models.BountyPublished {
		bounty.State = models.BountyClosed
		bounty.UpdatedAt = now
		if err := tx.Save(&bounty).Error; err != nil {
			return err
		}
	}
	return nil
}

func finishJob(tx *gorm.DB, jobID uuid.UUID, verdict models.Verdict, now time.Time) error {
	var job models.Job
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", jobID).Error; err != nil {
		return err
	}
	job.State = models.JobDone
	job.FinalVerdict = &verdict
	job.UpdatedAt = now
	return tx.Save(&job).Error
}

// claimRedeemable reports whether a remembered claim can still be acted on:
// either its verdict already landed, or its token has not expired. A claim
// that expired without a verdict is dead and must be re-issued.
func (c *Coordinator) claimRedeemable(ctx context.Context, prior *ClaimResponse, now time.Time) (bool, error) {
	var verification models.Verification
	err := c.store.DB().WithContext(ctx).First(&verification, "id = ?", prior.VerificationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if verification.FinishedAt != nil {
		return true, nil
	}
	return verification.ClaimExpires.After(now), nil
}

func (c *Coordinator) replay(ctx context.Context, key string) (*ClaimResponse, bool) {
	var record models.IdempotencyKey
	if err := c.store.DB().WithContext(ctx).First(&record, "key = ?", key).Error; err != nil {
		return nil, false
	}
	var resp ClaimResponse
	if err := json.Unmarshal([]byte(record.Response), &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (c *Coordinator) remember(tx *gorm.DB, key string, resp *ClaimResponse, now time.Time) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	record := models.IdempotencyKey{
		Key:       key,
		RequestID: uuid.NewString(),
		Method:    "POST",
		Path:      "/api/verifier/claim",
		Status:    200,
		Response:  string(encoded),
		CreatedAt: now,
	}
	// A re-issued claim replaces the dead payload under the same key.
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
}

// newClaimToken returns 256 bits of entropy hex-encoded.
func newClaimToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("claim token entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
