package artifacts

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/models"
	"proofwork/outbox"
	"proofwork/storage"
)

type artifactFixture struct {
	store   *storage.Store
	now     time.Time
	scan    ScannerFunc
	deleted []string
}

func setupArtifactTest(t *testing.T) *artifactFixture {
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
	return &artifactFixture{
		store: storage.New(db, storage.WithClock(func() time.Time { return now })),
		now:   now,
	}
}

func (f *artifactFixture) service() *Service {
	scanner := f.scan
	if scanner == nil {
		scanner = func(ctx context.Context, objectKey string) (bool, error) { return true, nil }
	}
	deleter := DeleterFunc(func(ctx context.Context, objectKey string) error {
		f.deleted = append(f.deleted, objectKey)
		return nil
	})
	return NewService(f.store, scanner, deleter)
}

func TestRegisterSchedulesScan(t *testing.T) {
	f := setupArtifactTest(t)
	svc := f.service()

	artifact, err := svc.Register(context.Background(), uuid.New(), "screenshot", "final page", "org/job/shot.png", 2048)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if artifact.State != models.ArtifactUploaded {
		t.Fatalf("state: got %s", artifact.State)
	}

	var event models.OutboxEvent
	if err := f.store.DB().First(&event, "topic = ? AND idempotency_key = ?",
		outbox.TopicArtifactScanRequested, outbox.ArtifactScanKey(artifact.ID)).Error; err != nil {
		t.Fatalf("scan event missing: %v", err)
	}
	if event.State != models.OutboxPending || !event.AvailableAt.Equal(f.now) {
		t.Fatalf("scan event: state %s at %s", event.State, event.AvailableAt)
	}
}

func TestRegisterRejectsUnknownKind(t *testing.T) {
	f := setupArtifactTest(t)
	svc := f.service()

	if _, err := svc.Register(context.Background(), uuid.New(), "binary", "", "x", 1); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("unknown kind: got %v", err)
	}
	var count int64
	if err := f.store.DB().Model(&models.Artifact{}).Count(&count).Error; err != nil {
		t.Fatalf("count artifacts: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected register must not persist rows")
	}
}

func TestHandleScanVerdicts(t *testing.T) {
	f := setupArtifactTest(t)
	ctx := context.Background()

	var clean bool
	f.scan = func(ctx context.Context, objectKey string) (bool, error) { return clean, nil }
	svc := f.service()

	clean = true
	passing, err := svc.Register(ctx, uuid.New(), "log", "", "logs/a.txt", 10)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.HandleScan(ctx, passing.ID); err != nil {
		t.Fatalf("scan clean: %v", err)
	}
	var row models.Artifact
	if err := f.store.DB().First(&row, "id = ?", passing.ID).Error; err != nil {
		t.Fatalf("load artifact: %v", err)
	}
	if row.State != models.ArtifactClean {
		t.Fatalf("clean verdict: got %s", row.State)
	}

	clean = false
	flagged, err := svc.Register(ctx, uuid.New(), "log", "", "logs/b.txt", 10)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.HandleScan(ctx, flagged.ID); err != nil {
		t.Fatalf("scan dirty: %v", err)
	}
	var flaggedRow models.Artifact
	if err := f.store.DB().First(&flaggedRow, "id = ?", flagged.ID).Error; err != nil {
		t.Fatalf("load artifact: %v", err)
	}
	if flaggedRow.State != models.ArtifactQuarantined {
		t.Fatalf("dirty verdict: got %s", flaggedRow.State)
	}

	// A replay of the scan event sees a settled state and no-ops.
	clean = true
	if err := svc.HandleScan(ctx, flagged.ID); err != nil {
		t.Fatalf("replay scan: %v", err)
	}
	var replayRow models.Artifact
	if err := f.store.DB().First(&replayRow, "id = ?", flagged.ID).Error; err != nil {
		t.Fatalf("reload artifact: %v", err)
	}
	if replayRow.State != models.ArtifactQuarantined {
		t.Fatalf("replay must not rewrite verdict, got %s", replayRow.State)
	}

	if err := svc.HandleScan(ctx, uuid.New()); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("unknown artifact: got %v", err)
	}
}

func TestHandleScanRetriesScannerFaults(t *testing.T) {
	f := setupArtifactTest(t)
	ctx := context.Background()

	fault := errors.New("scanner offline")
	f.scan = func(ctx context.Context, objectKey string) (bool, error) { return false, fault }
	svc := f.service()

	artifact, err := svc.Register(ctx, uuid.New(), "video", "", "vids/a.mp4", 1<<20)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.HandleScan(ctx, artifact.ID); !errors.Is(err, fault) {
		t.Fatalf("scanner fault: got %v", err)
	}
	var row models.Artifact
	if err := f.store.DB().First(&row, "id = ?", artifact.ID).Error; err != nil {
		t.Fatalf("load artifact: %v", err)
	}
	// Scanning state survives so the outbox redelivery resumes the scan.
	if row.State != models.ArtifactScanning {
		t.Fatalf("state after fault: got %s", row.State)
	}

	f.scan = nil
	if err := f.service().HandleScan(ctx, artifact.ID); err != nil {
		t.Fatalf("retry scan: %v", err)
	}
	if err := f.store.DB().First(&row, "id = ?", artifact.ID).Error; err != nil {
		t.Fatalf("reload artifact: %v", err)
	}
	if row.State != models.ArtifactClean {
		t.Fatalf("state after retry: got %s", row.State)
	}
}

func TestDeleteLifecycle(t *testing.T) {
	f := setupArtifactTest(t)
	svc := f.service()
	ctx := context.Background()

	artifact, err := svc.Register(ctx, uuid.New(), "screenshot", "", "shots/z.png", 512)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	retention := uuid.New()
	if err := svc.ScheduleDelete(ctx, artifact.ID, &retention); err != nil {
		t.Fatalf("schedule delete: %v", err)
	}
	var event models.OutboxEvent
	if err := f.store.DB().First(&event, "topic = ? AND idempotency_key = ?",
		outbox.TopicArtifactDeleteRequested, outbox.ArtifactDeleteKey(artifact.ID)).Error; err != nil {
		t.Fatalf("delete event missing: %v", err)
	}

	if err := svc.HandleDelete(ctx, artifact.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(f.deleted) != 1 || f.deleted[0] != "shots/z.png" {
		t.Fatalf("deleter calls: %v", f.deleted)
	}
	var row models.Artifact
	if err := f.store.DB().First(&row, "id = ?", artifact.ID).Error; err != nil {
		t.Fatalf("load artifact: %v", err)
	}
	if row.State != models.ArtifactDeleted {
		t.Fatalf("state: got %s", row.State)
	}

	// Replay short-circuits on the deleted state.
	if err := svc.HandleDelete(ctx, artifact.ID); err != nil {
		t.Fatalf("replay delete: %v", err)
	}
	if len(f.deleted) != 1 {
		t.Fatalf("replay must not call the deleter again")
	}

	if err := svc.HandleDelete(ctx, uuid.New()); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("unknown artifact: got %v", err)
	}
}
