// Package artifacts tracks uploaded evidence through the scan pipeline.
// Registration writes the upload-complete record and the scan request in one
// transaction; scan and delete effects arrive through the outbox, so the
// external scanner and deleter must be idempotent.
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/descriptor"
	"proofwork/models"
	"proofwork/outbox"
	"proofwork/storage"
)

var (
	// ErrArtifactNotFound is returned when the artifact row is missing.
	ErrArtifactNotFound = errors.New("artifacts: artifact not found")
	// ErrInvalidKind rejects kinds outside the descriptor allowlist.
	ErrInvalidKind = errors.New("artifacts: invalid kind")
)

// Scanner inspects an uploaded object for malicious or disallowed content.
type Scanner interface {
	Scan(ctx context.Context, objectKey string) (clean bool, err error)
}

// Deleter removes an object from storage. Deletion of a missing object must
// succeed so replays stay harmless.
type Deleter interface {
	Delete(ctx context.Context, objectKey string) error
}

// Service owns the artifact lifecycle.
type Service struct {
	store   *storage.Store
	scanner Scanner
	deleter Deleter
}

// NewService constructs the artifact service.
func NewService(store *storage.Store, scanner Scanner, deleter Deleter) *Service {
	return &Service{store: store, scanner: scanner, deleter: deleter}
}

// Register records a completed upload and schedules its scan in the same
// transaction.
func (s *Service) Register(ctx context.Context, workerID uuid.UUID, kind, label, objectKey string, sizeBytes int64) (*models.Artifact, error) {
	if !descriptor.ValidArtifactKind(kind) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	now := s.store.Now()
	artifact := models.Artifact{
		ID:        uuid.New(),
		WorkerID:  workerID,
		Kind:      kind,
		Label:     label,
		ObjectKey: objectKey,
		SizeBytes: sizeBytes,
		State:     models.ArtifactUploaded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.store.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&artifact).Error; err != nil {
			return fmt.Errorf("create artifact: %w", err)
		}
		payload, err := marshalScan(artifact.ID)
		if err != nil {
			return err
		}
		return s.store.ScheduleOutbox(tx, outbox.TopicArtifactScanRequested,
			outbox.ArtifactScanKey(artifact.ID), payload, now)
	})
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

// HandleScan processes artifact.scan.requested. Artifacts already past the
// scanning stage no-op; scanner faults surface as errors for outbox retry.
func (s *Service) HandleScan(ctx context.Context, artifactID uuid.UUID) error {
	var artifact models.Artifact
	if err := s.store.DB().WithContext(ctx).First(&artifact, "id = ?", artifactID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrArtifactNotFound
		}
		return fmt.Errorf("load artifact: %w", err)
	}
	switch artifact.State {
	case models.ArtifactUploaded, models.ArtifactScanning:
	default:
		return nil
	}
	if err := s.transition(ctx, artifact.ID, artifact.State, models.ArtifactScanning); err != nil {
		return err
	}
	clean, err := s.scanner.Scan(ctx, artifact.ObjectKey)
	if err != nil {
		return fmt.Errorf("scan %s: %w", artifact.ID, err)
	}
	verdict := models.ArtifactQuarantined
	if clean {
		verdict = models.ArtifactClean
	}
	return s.transition(ctx, artifact.ID, models.ArtifactScanning, verdict)
}

// ScheduleDelete queues retention deletion for an artifact.
func (s *Service) ScheduleDelete(ctx context.Context, artifactID uuid.UUID, retentionJobID *uuid.UUID) error {
	return s.store.WithTx(ctx, func(tx *gorm.DB) error {
		payload, err := marshalDelete(artifactID, retentionJobID)
		if err != nil {
			return err
		}
		return s.store.ScheduleOutbox(tx, outbox.TopicArtifactDeleteRequested,
			outbox.ArtifactDeleteKey(artifactID), payload, s.store.Now())
	})
}

// HandleDelete processes artifact.delete.requested. Deletion is effectively
// at-most-once because the deleter tolerates missing objects and the deleted
// state short-circuits replays.
func (s *Service) HandleDelete(ctx context.Context, artifactID uuid.UUID) error {
	var artifact models.Artifact
	if err := s.store.DB().WithContext(ctx).First(&artifact, "id = ?", artifactID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrArtifactNotFound
		}
		return fmt.Errorf("load artifact: %w", err)
	}
	if artifact.State == models.ArtifactDeleted {
		return nil
	}
	if err := s.deleter.Delete(ctx, artifact.ObjectKey); err != nil {
		return fmt.Errorf("delete %s: %w", artifact.ID, err)
	}
	return s.transition(ctx, artifact.ID, artifact.State, models.ArtifactDeleted)
}

func (s *Service) transition(ctx context.Context, artifactID uuid.UUID, from, to models.ArtifactState) error {
	return s.store.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.Artifact{}).Where("id = ? AND state = ?", artifactID, from).
			Updates(map[string]any{"state": to, "updated_at": s.store.Now()})
		if res.Error != nil {
			return fmt.Errorf("transition artifact to %s: %w", to, res.Error)
		}
		return nil
	})
}

func marshalScan(artifactID uuid.UUID) (string, error) {
	payload, err := json.Marshal(outbox.ArtifactScanRequested{ArtifactID: artifactID})
	if err != nil {
		return "", fmt.Errorf("encode scan payload: %w", err)
	}
	return string(payload), nil
}

func marshalDelete(artifactID uuid.UUID, retentionJobID *uuid.UUID) (string, error) {
	payload, err := json.Marshal(outbox.ArtifactDeleteRequested{ArtifactID: artifactID, RetentionJobID: retentionJobID})
	if err != nil {
		return "", fmt.Errorf("encode delete payload: %w", err)
	}
	return string(payload), nil
}
