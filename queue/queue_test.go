package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/backpressure"
	"proofwork/models"
	"proofwork/outbox"
	"proofwork/storage"
)

const httpDescriptor = `{"schema_version":"v1","type":"http_fetch","capability_tags":["http"]}`
const browserDescriptor = `{"schema_version":"v1","type":"browser_flow","capability_tags":["browser","screenshot"]}`

type queueFixture struct {
	store *storage.Store
	queue *Queue
	now   time.Time
}

func setupQueueTest(t *testing.T) *queueFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	store := storage.New(db, storage.WithClock(func() time.Time { return now }))
	q := New(store, backpressure.New(store, backpressure.Thresholds{}),
		WithLease(600), WithClock(func() time.Time { return now }))
	return &queueFixture{store: store, queue: q, now: now}
}

func (f *queueFixture) createBounty(t *testing.T, rewardCents int64) models.Bounty {
	t.Helper()
	bounty := models.Bounty{
		ID:               uuid.New(),
		OrgID:            uuid.New(),
		RewardCents:      rewardCents,
		RequiredProofs:   1,
		DisputeWindowSec: 3600,
		TaskDescriptor:   httpDescriptor,
		State:            models.BountyPublished,
		CreatedAt:        f.now,
		UpdatedAt:        f.now,
	}
	if err := f.store.DB().Create(&bounty).Error; err != nil {
		t.Fatalf("create bounty: %v", err)
	}
	return bounty
}

func (f *queueFixture) createJob(t *testing.T, bountyID uuid.UUID, desc string, deadline *time.Time) models.Job {
	t.Helper()
	job := models.Job{
		ID:                uuid.New(),
		BountyID:          bountyID,
		TaskDescriptor:    desc,
		State:             models.JobOpen,
		FreshnessDeadline: deadline,
		CreatedAt:         f.now,
		UpdatedAt:         f.now,
	}
	if err := f.store.DB().Create(&job).Error; err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestNextMatchesCapabilities(t *testing.T) {
	f := setupQueueTest(t)
	ctx := context.Background()
	bounty := f.createBounty(t, 1500)
	httpJob := f.createJob(t, bounty.ID, httpDescriptor, nil)
	f.createJob(t, bounty.ID, browserDescriptor, nil)

	spec, signal, err := f.queue.Next(ctx, []string{"http"}, Filters{})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if signal != nil {
		t.Fatalf("unexpected idle signal: %+v", signal)
	}
	if spec.JobID != httpJob.ID {
		t.Fatalf("job: got %s, want %s", spec.JobID, httpJob.ID)
	}
	if spec.RewardCents != 1500 {
		t.Fatalf("reward: got %d", spec.RewardCents)
	}
	if spec.LeaseSec != 600 {
		t.Fatalf("lease: got %d", spec.LeaseSec)
	}

	_, signal, err = f.queue.Next(ctx, []string{"ffmpeg"}, Filters{})
	if err != nil {
		t.Fatalf("next without match: %v", err)
	}
	if signal == nil || signal.Reason != "no_matching_jobs" {
		t.Fatalf("idle signal: %+v", signal)
	}
}

func TestNextAppliesFilters(t *testing.T) {
	f := setupQueueTest(t)
	ctx := context.Background()
	cheap := f.createBounty(t, 100)
	f.createJob(t, cheap.ID, httpDescriptor, nil)

	_, signal, err := f.queue.Next(ctx, []string{"http"}, Filters{MinPayoutCents: 500})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if signal == nil {
		t.Fatalf("low-reward job should be filtered")
	}

	_, signal, err = f.queue.Next(ctx, []string{"http"}, Filters{RequireTaskType: "browser_flow"})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if signal == nil {
		t.Fatalf("task type filter should exclude http_fetch")
	}
}

func TestNextSkipsStaleJobs(t *testing.T) {
	f := setupQueueTest(t)
	ctx := context.Background()
	bounty := f.createBounty(t, 1000)
	expired := f.now.Add(-time.Minute)
	f.createJob(t, bounty.ID, httpDescriptor, &expired)

	_, signal, err := f.queue.Next(ctx, []string{"http"}, Filters{})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if signal == nil {
		t.Fatalf("stale job should never be offered")
	}
}

func TestNextHonoursPauseGate(t *testing.T) {
	f := setupQueueTest(t)
	ctx := context.Background()
	bounty := f.createBounty(t, 1000)
	f.createJob(t, bounty.ID, httpDescriptor, nil)

	if err := f.store.PutSetting(ctx, storage.SettingUniversalPause, "true"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	spec, signal, err := f.queue.Next(ctx, []string{"http"}, Filters{})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if spec != nil {
		t.Fatalf("paused intake offered a job")
	}
	if signal == nil || signal.Reason != backpressure.ReasonUniversalPause {
		t.Fatalf("signal: %+v", signal)
	}
}

func TestClaimTransitions(t *testing.T) {
	f := setupQueueTest(t)
	ctx := context.Background()
	bounty := f.createBounty(t, 1000)
	job := f.createJob(t, bounty.ID, httpDescriptor, nil)
	workerA := uuid.New()
	workerB := uuid.New()

	leaseExpires, err := f.queue.Claim(ctx, job.ID, workerA)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if want := f.now.Add(600 * time.Second); !leaseExpires.Equal(want) {
		t.Fatalf("lease expiry: got %s, want %s", leaseExpires, want)
	}

	if _, err := f.queue.Claim(ctx, job.ID, workerB); !errors.Is(err, ErrLostRace) {
		t.Fatalf("second claim: got %v, want ErrLostRace", err)
	}
	if _, err := f.queue.Claim(ctx, uuid.New(), workerB); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("unknown job: got %v, want ErrJobNotFound", err)
	}
}

func TestClaimStealsExpiredLease(t *testing.T) {
	f := setupQueueTest(t)
	ctx := context.Background()
	bounty := f.createBounty(t, 1000)
	job := f.createJob(t, bounty.ID, httpDescriptor, nil)
	workerA := uuid.New()
	workerB := uuid.New()

	expired := f.now.Add(-time.Minute)
	if err := f.store.DB().Model(&models.Job{}).Where("id = ?", job.ID).
		Updates(map[string]any{
			"state":            models.JobClaimed,
			"claimed_by":       workerA,
			"lease_expires_at": expired,
		}).Error; err != nil {
		t.Fatalf("seed expired claim: %v", err)
	}

	if _, err := f.queue.Claim(ctx, job.ID, workerB); err != nil {
		t.Fatalf("steal: %v", err)
	}
	var reloaded models.Job
	if err := f.store.DB().First(&reloaded, "id = ?", job.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.ClaimedBy == nil || *reloaded.ClaimedBy != workerB {
		t.Fatalf("claimed by: got %v, want %s", reloaded.ClaimedBy, workerB)
	}

	var audits []models.ClaimAudit
	if err := f.store.DB().Where("job_id = ?", job.ID).Find(&audits).Error; err != nil {
		t.Fatalf("load audits: %v", err)
	}
	if len(audits) != 1 || audits[0].Action != "expired_steal" {
		t.Fatalf("audit trail: %+v", audits)
	}
}

func TestClaimRejectsStaleJob(t *testing.T) {
	f := setupQueueTest(t)
	ctx := context.Background()
	bounty := f.createBounty(t, 1000)
	expired := f.now.Add(-time.Minute)
	job := f.createJob(t, bounty.ID, httpDescriptor, &expired)

	if _, err := f.queue.Claim(ctx, job.ID, uuid.New()); !errors.Is(err, ErrStaleJob) {
		t.Fatalf("got %v, want ErrStaleJob", err)
	}
}

func TestSubmitSchedulesVerification(t *testing.T) {
	f := setupQueueTest(t)
	ctx := context.Background()
	bounty := f.createBounty(t, 1000)
	job := f.createJob(t, bounty.ID, httpDescriptor, nil)
	worker := uuid.New()

	if _, err := f.queue.Claim(ctx, job.ID, worker); err != nil {
		t.Fatalf("claim: %v", err)
	}

	artifact := models.Artifact{
		ID: uuid.New(), WorkerID: worker, Kind: "log", ObjectKey: "k",
		State: models.ArtifactClean, CreatedAt: f.now, UpdatedAt: f.now,
	}
	if err := f.store.DB().Create(&artifact).Error; err != nil {
		t.Fatalf("create artifact: %v", err)
	}

	submissionID, err := f.queue.Submit(ctx, job.ID, worker, `{"result":"ok"}`, []uuid.UUID{artifact.ID})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var submission models.Submission
	if err := f.store.DB().First(&submission, "id = ?", submissionID).Error; err != nil {
		t.Fatalf("load submission: %v", err)
	}
	if submission.Attempt != 1 || submission.VerifyAttempt != 1 {
		t.Fatalf("attempts: %+v", submission)
	}
	if submission.State != models.SubmissionPending {
		t.Fatalf("state: got %s", submission.State)
	}

	var reloaded models.Job
	if err := f.store.DB().First(&reloaded, "id = ?", job.ID).Error; err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if reloaded.State != models.JobSubmitted {
		t.Fatalf("job state: got %s", reloaded.State)
	}

	var event models.OutboxEvent
	key := outbox.VerificationKey(submissionID, 1)
	if err := f.store.DB().First(&event, "topic = ? AND idempotency_key = ?",
		outbox.TopicVerificationRequested, key).Error; err != nil {
		t.Fatalf("verification event missing: %v", err)
	}
	if event.State != models.OutboxPending {
		t.Fatalf("event state: got %s", event.State)
	}
}

func TestSubmitRejectsInvalidManifest(t *testing.T) {
	f := setupQueueTest(t)
	ctx := context.Background()
	bounty := f.createBounty(t, 1000)
	job := f.createJob(t, bounty.ID, httpDescriptor, nil)
	worker := uuid.New()

	if _, err := f.queue.Claim(ctx, job.ID, worker); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// An omitted manifest arrives as the empty string.
	if _, err := f.queue.Submit(ctx, job.ID, worker, "", nil); !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("empty manifest: got %v, want ErrInvalidManifest", err)
	}
	if _, err := f.queue.Submit(ctx, job.ID, worker, `{"broken`, nil); !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("broken manifest: got %v, want ErrInvalidManifest", err)
	}

	var count int64
	if err := f.store.DB().Model(&models.Submission{}).Count(&count).Error; err != nil {
		t.Fatalf("count submissions: %v", err)
	}
	if count != 0 {
		t.Fatalf("submission persisted despite rejection")
	}

	// The claim survives, so a corrected manifest still lands.
	if _, err := f.queue.Submit(ctx, job.ID, worker, `{"result":"ok"}`, nil); err != nil {
		t.Fatalf("corrected submit: %v", err)
	}
}

func TestSubmitRejectsUncleanArtifact(t *testing.T) {
	f := setupQueueTest(t)
	ctx := context.Background()
	bounty := f.createBounty(t, 1000)
	job := f.createJob(t, bounty.ID, httpDescriptor, nil)
	worker := uuid.New()

	if _, err := f.queue.Claim(ctx, job.ID, worker); err != nil {
		t.Fatalf("claim: %v", err)
	}
	artifact := models.Artifact{
		ID: uuid.New(), WorkerID: worker, Kind: "log", ObjectKey: "k",
		State: models.ArtifactScanning, CreatedAt: f.now, UpdatedAt: f.now,
	}
	if err := f.store.DB().Create(&artifact).Error; err != nil {
		t.Fatalf("create artifact: %v", err)
	}

	if _, err := f.queue.Submit(ctx, job.ID, worker, "{}", []uuid.UUID{artifact.ID}); !errors.Is(err, ErrArtifactNotClean) {
		t.Fatalf("got %v, want ErrArtifactNotClean", err)
	}
	var count int64
	if err := f.store.DB().Model(&models.Submission{}).Count(&count).Error; err != nil {
		t.Fatalf("count submissions: %v", err)
	}
	if count != 0 {
		t.Fatalf("submission persisted despite rejection")
	}
}

func TestSubmitRequiresCurrentClaim(t *testing.T) {
	f := setupQueueTest(t)
	ctx := context.Background()
	bounty := f.createBounty(t, 1000)
	job := f.createJob(t, bounty.ID, httpDescriptor, nil)
	worker := uuid.New()

	if _, err := f.queue.Submit(ctx, job.ID, worker, "{}", nil); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("unclaimed submit: got %v, want ErrNotClaimable", err)
	}

	if _, err := f.queue.Claim(ctx, job.ID, worker); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.queue.Submit(ctx, job.ID, uuid.New(), "{}", nil); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("wrong worker submit: got %v, want ErrNotClaimable", err)
	}

	expired := f.now.Add(-time.Minute)
	if err := f.store.DB().Model(&models.Job{}).Where("id = ?", job.ID).
		Update("lease_expires_at", expired).Error; err != nil {
		t.Fatalf("expire lease: %v", err)
	}
	if _, err := f.queue.Submit(ctx, job.ID, worker, "{}", nil); !errors.Is(err, ErrLostRace) {
		t.Fatalf("expired lease submit: got %v, want ErrLostRace", err)
	}
}

func TestReapLeases(t *testing.T) {
	f := setupQueueTest(t)
	ctx := context.Background()
	bounty := f.createBounty(t, 1000)
	expiredJob := f.createJob(t, bounty.ID, httpDescriptor, nil)
	liveJob := f.createJob(t, bounty.ID, httpDescriptor, nil)
	worker := uuid.New()

	expired := f.now.Add(-time.Minute)
	live := f.now.Add(time.Hour)
	for _, seed := range []struct {
		id    uuid.UUID
		lease time.Time
	}{{expiredJob.ID, expired}, {liveJob.ID, live}} {
		if err := f.store.DB().Model(&models.Job{}).Where("id = ?", seed.id).
			Updates(map[string]any{
				"state":            models.JobClaimed,
				"claimed_by":       worker,
				"lease_expires_at": seed.lease,
			}).Error; err != nil {
			t.Fatalf("seed claim: %v", err)
		}
	}

	reaped, err := f.queue.ReapLeases(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped: got %d, want 1", reaped)
	}

	var reloaded models.Job
	if err := f.store.DB().First(&reloaded, "id = ?", expiredJob.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.State != models.JobOpen || reloaded.ClaimedBy != nil {
		t.Fatalf("expired job not reopened: %+v", reloaded)
	}
	var liveReloaded models.Job
	if err := f.store.DB().First(&liveReloaded, "id = ?", liveJob.ID).Error; err != nil {
		t.Fatalf("reload live: %v", err)
	}
	if liveReloaded.State != models.JobClaimed {
		t.Fatalf("live claim disturbed: %+v", liveReloaded)
	}
}

func TestNextSkipsUnpublishedBounty(t *testing.T) {
	f := setupQueueTest(t)
	ctx := context.Background()
	bounty := f.createBounty(t, 1000)
	f.createJob(t, bounty.ID, httpDescriptor, nil)
	if err := f.store.DB().Model(&models.Bounty{}).Where("id = ?", bounty.ID).
		Update("state", models.BountyClosed).Error; err != nil {
		t.Fatalf("close bounty: %v", err)
	}

	_, signal, err := f.queue.Next(ctx, []string{"http"}, Filters{})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if signal == nil {
		t.Fatalf("closed bounty's job should not be offered")
	}
}
