// Package queue implements the claim/lease/reap protocol over jobs, the
// capability filter, and the freshness SLA.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/backpressure"
	"proofwork/descriptor"
	"proofwork/models"
	"proofwork/observability"
	"proofwork/outbox"
	"proofwork/storage"
)

// DefaultLeaseSec bounds a claim when the job descriptor does not override it.
const DefaultLeaseSec = 600

// candidateWindow bounds how many open jobs a single Next scan inspects.
const candidateWindow = 200

var (
	// ErrJobNotFound indicates an unknown job id.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrLostRace indicates a concurrent claimer won the row.
	ErrLostRace = errors.New("queue: lost claim race")
	// ErrStaleJob indicates the freshness deadline has passed.
	ErrStaleJob = errors.New("queue: job is stale")
	// ErrNotClaimable indicates the job is in a terminal or submitted state.
	ErrNotClaimable = errors.New("queue: job not claimable")
	// ErrArtifactNotClean indicates a submission referenced an unscanned or
	// quarantined artifact.
	ErrArtifactNotClean = errors.New("queue: artifact not clean")
	// ErrInvalidManifest indicates a missing or non-JSON submission manifest.
	ErrInvalidManifest = errors.New("queue: manifest must be valid JSON")
)

// Filters narrow the jobs a worker is offered.
type Filters struct {
	RequiredTag     string
	MinPayoutCents  int64
	RequireTaskType string
}

// JobSpec is the worker-facing view of a claimable job.
type JobSpec struct {
	JobID             uuid.UUID       `json:"jobId"`
	BountyID          uuid.UUID       `json:"bountyId"`
	RewardCents       int64           `json:"rewardCents"`
	Descriptor        json.RawMessage `json:"descriptor"`
	LeaseSec          int64           `json:"leaseSec"`
	FreshnessDeadline *time.Time      `json:"freshnessDeadline,omitempty"`
}

// Queue coordinates job intake for workers.
type Queue struct {
	store    *storage.Store
	gate     *backpressure.Gate
	metrics  *observability.QueueMetrics
	leaseSec int64
	now      func() time.Time
}

// Option customises the queue instance.
type Option func(*Queue)

// WithLease overrides the default lease duration in seconds.
func WithLease(leaseSec int64) Option {
	return func(q *Queue) {
		if leaseSec > 0 {
			q.leaseSec = leaseSec
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New constructs a queue over the store and backpressure gate.
func New(store *storage.Store, gate *backpressure.Gate, opts ...Option) *Queue {
	q := &Queue{
		store:    store,
		gate:     gate,
		metrics:  observability.Queue(),
		leaseSec: DefaultLeaseSec,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Next offers the oldest claimable job matching the worker's capabilities,
// or an idle signal when the backpressure gate is engaged or nothing fits.
// Stale jobs and jobs outside the canary partition are never offered.
func (q *Queue) Next(ctx context.Context, workerTags []string, filters Filters) (*JobSpec, *backpressure.Signal, error) {
	if q.gate != nil {
		if signal := q.gate.Check(ctx); signal.Paused {
			q.metrics.RecordIdle(signal.Reason)
			return nil, &signal, nil
		}
	}

	now := q.now().UTC()
	canaryPercent := q.store.SettingInt(ctx, storage.SettingCanaryPercent, 100)

	var jobs []models.Job
	err := q.store.DB().WithContext(ctx).
		Where("state = ? OR (state = ? AND lease_expires_at < ?)", models.JobOpen, models.JobClaimed, now).
		Order("created_at").
		Limit(candidateWindow).
		Find(&jobs).Error
	if err != nil {
		return nil, nil, fmt.Errorf("scan open jobs: %w", err)
	}

	for i := range jobs {
		job := &jobs[i]
		if job.FreshnessDeadline != nil && now.After(*job.FreshnessDeadline) {
			continue
		}
		if !inCanary(job.ID, canaryPercent) {
			continue
		}
		desc, err := descriptor.Parse([]byte(job.TaskDescriptor))
		if err != nil {
			continue
		}
		if !desc.RequiresSubsetOf(workerTags) {
			continue
		}
		if filters.RequiredTag != "" && !desc.HasTag(filters.RequiredTag) {
			continue
		}
		if filters.RequireTaskType != "" && desc.Type != filters.RequireTaskType {
			continue
		}
		var bounty models.Bounty
		if err := q.store.DB().WithContext(ctx).First(&bounty, "id = ?", job.BountyID).Error; err != nil {
			continue
		}
		if bounty.State != models.BountyPublished {
			continue
		}
		if filters.MinPayoutCents > 0 && bounty.RewardCents < filters.MinPayoutCents {
			continue
		}
		return &JobSpec{
			JobID:             job.ID,
			BountyID:          job.BountyID,
			RewardCents:       bounty.RewardCents,
			Descriptor:        json.RawMessage(job.TaskDescriptor),
			LeaseSec:          q.leaseSec,
			FreshnessDeadline: job.FreshnessDeadline,
		}, nil, nil
	}

	signal := backpressure.Signal{Paused: true, Reason: "no_matching_jobs"}
	q.metrics.RecordIdle(signal.Reason)
	return nil, &signal, nil
}

// Claim transitions a job to claimed under a row lock. Allowed when the job
// is open, or claimed with an expired lease. Exactly one of two concurrent
// claimers succeeds; the loser receives ErrLostRace.
func (q *Queue) Claim(ctx context.Context, jobID, workerID uuid.UUID) (time.Time, error) {
	now := q.now().UTC()
	leaseExpires := now.Add(time.Duration(q.leaseSec) * time.Second)
	err := q.store.WithTx(ctx, func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}
		if job.FreshnessDeadline != nil && now.After(*job.FreshnessDeadline) {
			return ErrStaleJob
		}
		action := "claimed"
		switch job.State {
		case models.JobOpen:
		case models.JobClaimed:
			if job.LeaseExpiresAt == nil || now.Before(*job.LeaseExpiresAt) {
				return ErrLostRace
			}
			action = "expired_steal"
		default:
			return ErrNotClaimable
		}
		job.State = models.JobClaimed
		job.ClaimedBy = &workerID
		job.LeaseExpiresAt = &leaseExpires
		job.UpdatedAt = now
		if err := tx.Save(&job).Error; err != nil {
			return err
		}
		return appendClaimAudit(tx, job.ID, &workerID, action, "", now)
	})
	switch {
	case err == nil:
		q.metrics.RecordClaim("claimed")
	case errors.Is(err, ErrLostRace):
		q.metrics.RecordClaim("lost_race")
	case errors.Is(err, ErrStaleJob):
		q.metrics.RecordClaim("stale_job")
	}
	if err != nil {
		return time.Time{}, err
	}
	return leaseExpires, nil
}

// Submit records a worker attempt, flips the job to submitted, and schedules
// verification in the same transaction. The manifest must be well-formed
// JSON; the claim response embeds it raw, so a broken manifest would poison
// every delivery of the verification event. All referenced artifacts must be
// in the clean state. Returns the submission id.
func (q *Queue) Submit(ctx context.Context, jobID, workerID uuid.UUID, manifest string, artifactIDs []uuid.UUID) (uuid.UUID, error) {
	if !json.Valid([]byte(manifest)) {
		return uuid.Nil, ErrInvalidManifest
	}
	now := q.now().UTC()
	submissionID := uuid.New()
	err := q.store.WithTx(ctx, func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}
		if job.State != models.JobClaimed || job.ClaimedBy == nil || *job.ClaimedBy != workerID {
			return ErrNotClaimable
		}
		if job.LeaseExpiresAt != nil && now.After(*job.LeaseExpiresAt) {
			return ErrLostRace
		}
		for _, artifactID := range artifactIDs {
			var artifact models.Artifact
			if err := tx.First(&artifact, "id = ?", artifactID).Error; err != nil {
				return fmt.Errorf("%w: %s", ErrArtifactNotClean, artifactID)
			}
			if artifact.State != models.ArtifactClean {
				return fmt.Errorf("%w: %s", ErrArtifactNotClean, artifactID)
			}
		}

		var priorAttempts int64
		if err := tx.Model(&models.Submission{}).
			Where("job_id = ? AND worker_id = ?", jobID, workerID).
			Count(&priorAttempts).Error; err != nil {
			return err
		}
		index, err := json.Marshal(artifactIDs)
		if err != nil {
			return err
		}
		submission := models.Submission{
			ID:            submissionID,
			JobID:         jobID,
			WorkerID:      workerID,
			Attempt:       int(priorAttempts) + 1,
			Manifest:      manifest,
			ArtifactIndex: string(index),
			State:         models.SubmissionPending,
			VerifyAttempt: 1,
			PayoutStatus:  models.SubmissionPayoutPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.Create(&submission).Error; err != nil {
			return err
		}

		job.State = models.JobSubmitted
		job.UpdatedAt = now
		if err := tx.Save(&job).Error; err != nil {
			return err
		}

		payload, err := json.Marshal(outbox.VerificationRequested{SubmissionID: submissionID, Attempt: 1})
		if err != nil {
			return err
		}
		return q.store.ScheduleOutbox(tx, outbox.TopicVerificationRequested,
			outbox.VerificationKey(submissionID, 1), string(payload), now)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return submissionID, nil
}

// ReapLeases returns expired claims to the open state. Safe to run from
// multiple processes; each expired job is re-checked under its row lock.
func (q *Queue) ReapLeases(ctx context.Context) (int, error) {
	now := q.now().UTC()
	var expired []models.Job
	if err := q.store.DB().WithContext(ctx).
		Where("state = ? AND lease_expires_at < ?", models.JobClaimed, now).
		Limit(candidateWindow).
		Find(&expired).Error; err != nil {
		return 0, err
	}
	reaped := 0
	for i := range expired {
		jobID := expired[i].ID
		err := q.store.WithTx(ctx, func(tx *gorm.DB) error {
			var job models.Job
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", jobID).Error; err != nil {
				return err
			}
			if job.State != models.JobClaimed || job.LeaseExpiresAt == nil || now.Before(*job.LeaseExpiresAt) {
				return nil
			}
			holder := job.ClaimedBy
			job.State = models.JobOpen
			job.ClaimedBy = nil
			job.LeaseExpiresAt = nil
			job.UpdatedAt = now
			if err := tx.Save(&job).Error; err != nil {
				return err
			}
			reaped++
			return appendClaimAudit(tx, job.ID, holder, "lease_reaped", "", now)
		})
		if err != nil {
			return reaped, err
		}
	}
	q.metrics.RecordReaped(reaped)
	return reaped, nil
}

// Reopen returns a job to the open state, used when verification attempts
// exhaust inconclusively. The freshness SLA still applies on re-claim.
func (q *Queue) Reopen(tx *gorm.DB, jobID uuid.UUID, now time.Time) error {
	var job models.Job
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", jobID).Error; err != nil {
		return err
	}
	holder := job.ClaimedBy
	job.State = models.JobOpen
	job.ClaimedBy = nil
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now
	if err := tx.Save(&job).Error; err != nil {
		return err
	}
	return appendClaimAudit(tx, job.ID, holder, "reopened", "verification attempts exhausted", now)
}

func appendClaimAudit(tx *gorm.DB, jobID uuid.UUID, workerID *uuid.UUID, action, detail string, now time.Time) error {
	audit := models.ClaimAudit{
		ID:        uuid.New(),
		JobID:     jobID,
		WorkerID:  workerID,
		Action:    action,
		Detail:    detail,
		CreatedAt: now,
	}
	return tx.Create(&audit).Error
}

func inCanary(jobID uuid.UUID, percent int) bool {
	if percent >= 100 {
		return true
	}
	if percent <= 0 {
		return false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID.String()))
	return int(h.Sum32()%100) < percent
}
