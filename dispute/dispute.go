// Package dispute lets buyers contest a settlement inside the payout hold
// window. An open dispute blocks execution by preempting the pending
// payout.requested event; resolution either refunds the buyer or releases
// the payout for execution. Unresolved disputes refund automatically when
// the hold expires.
package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/models"
	"proofwork/outbox"
	"proofwork/payout"
	"proofwork/storage"
)

var (
	// ErrPayoutNotFound is returned when the contested payout is missing.
	ErrPayoutNotFound = errors.New("dispute: payout not found")
	// ErrDisputeNotFound is returned when the dispute row is missing.
	ErrDisputeNotFound = errors.New("dispute: dispute not found")
	// ErrHoldExpired rejects opening a dispute once the hold window has
	// elapsed or the payout already settled.
	ErrHoldExpired = errors.New("dispute: payout hold window expired")
	// ErrAlreadyResolved rejects mutating a resolved dispute.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
)

// Service owns the dispute lifecycle.
type Service struct {
	store *storage.Store
	fees  payout.FeeConfig
}

// NewService constructs the dispute service. The fee config supplies the
// proofwork take retained on refunds when the payout never executed.
func NewService(store *storage.Store, fees payout.FeeConfig) *Service {
	return &Service{store: store, fees: fees}
}

// Open contests a payout. Allowed only while the hold window is in the
// future. Opening blocks the payout, flips any outstanding execution event to
// sent, and schedules the auto-refund for the hold expiry. Re-opening while
// a dispute is already open returns the existing row.
func (s *Service) Open(ctx context.Context, payoutID uuid.UUID) (*models.Dispute, error) {
	var dispute models.Dispute
	err := s.store.WithTx(ctx, func(tx *gorm.DB) error {
		var existing models.Dispute
		err := tx.First(&existing, "payout_id = ? AND state = ?", payoutID, models.DisputeOpen).Error
		switch {
		case err == nil:
			dispute = existing
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		var row models.Payout
		if err := storage.LockForUpdate(tx, &row, "id = ?", payoutID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPayoutNotFound
			}
			return fmt.Errorf("lock payout: %w", err)
		}
		now := s.store.Now()
		if row.State != models.PayoutPending || row.HoldUntil == nil || !row.HoldUntil.After(now) {
			return ErrHoldExpired
		}
		row.BlockedReason = models.BlockedDisputeOpen
		row.UpdatedAt = now
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("block payout: %w", err)
		}
		if _, err := s.store.PreemptOutbox(tx, outbox.TopicPayoutRequested, outbox.PayoutKey(row.ID)); err != nil {
			return fmt.Errorf("preempt execution: %w", err)
		}

		bountyID, err := bountyForPayout(tx, &row)
		if err != nil {
			return err
		}
		dispute = models.Dispute{
			ID:        uuid.New(),
			BountyID:  bountyID,
			PayoutID:  row.ID,
			State:     models.DisputeOpen,
			CreatedAt: now,
		}
		if err := tx.Create(&dispute).Error; err != nil {
			return fmt.Errorf("create dispute: %w", err)
		}
		payload, err := json.Marshal(outbox.DisputeAutoRefund{DisputeID: dispute.ID})
		if err != nil {
			return fmt.Errorf("encode auto refund payload: %w", err)
		}
		return s.store.ScheduleOutbox(tx, outbox.TopicDisputeAutoRefund,
			outbox.DisputeAutoRefundKey(dispute.ID), string(payload), *row.HoldUntil)
	})
	if err != nil {
		return nil, err
	}
	return &dispute, nil
}

// Cancel withdraws an open dispute and releases the payout for execution at
// the original hold expiry or immediately, whichever is later.
func (s *Service) Cancel(ctx context.Context, disputeID uuid.UUID) error {
	return s.store.WithTx(ctx, func(tx *gorm.DB) error {
		dispute, err := lockDispute(tx, disputeID)
		if err != nil {
			return err
		}
		switch dispute.State {
		case models.DisputeCancelled:
			return nil
		case models.DisputeOpen:
		default:
			return ErrAlreadyResolved
		}
		now := s.store.Now()
		dispute.State = models.DisputeCancelled
		dispute.ResolvedAt = &now
		if err := tx.Save(dispute).Error; err != nil {
			return fmt.Errorf("cancel dispute: %w", err)
		}
		if _, err := s.store.PreemptOutbox(tx, outbox.TopicDisputeAutoRefund, outbox.DisputeAutoRefundKey(dispute.ID)); err != nil {
			return fmt.Errorf("preempt auto refund: %w", err)
		}
		return s.release(tx, dispute.PayoutID, now)
	})
}

// Resolve settles an open dispute by admin decision. A refund credits the
// buyer and reverses the submission; an uphold releases the payout.
func (s *Service) Resolve(ctx context.Context, disputeID uuid.UUID, refund bool) error {
	return s.store.WithTx(ctx, func(tx *gorm.DB) error {
		dispute, err := lockDispute(tx, disputeID)
		if err != nil {
			return err
		}
		if dispute.State != models.DisputeOpen {
			return ErrAlreadyResolved
		}
		now := s.store.Now()
		dispute.ResolvedAt = &now
		if refund {
			dispute.State = models.DisputeResolvedRefund
			if err := tx.Save(dispute).Error; err != nil {
				return fmt.Errorf("resolve dispute: %w", err)
			}
			return s.refund(tx, dispute.PayoutID, now)
		}
		dispute.State = models.DisputeResolvedUphold
		if err := tx.Save(dispute).Error; err != nil {
			return fmt.Errorf("resolve dispute: %w", err)
		}
		if _, err := s.store.PreemptOutbox(tx, outbox.TopicDisputeAutoRefund, outbox.DisputeAutoRefundKey(dispute.ID)); err != nil {
			return fmt.Errorf("preempt auto refund: %w", err)
		}
		return s.release(tx, dispute.PayoutID, now)
	})
}

// AutoRefund handles dispute.auto_refund.requested. Disputes resolved or
// cancelled before the hold expired no-op; an event replay after the refund
// lands sees a non-open state and no-ops the same way.
func (s *Service) AutoRefund(ctx context.Context, disputeID uuid.UUID) error {
	return s.store.WithTx(ctx, func(tx *gorm.DB) error {
		dispute, err := lockDispute(tx, disputeID)
		if err != nil {
			return err
		}
		if dispute.State != models.DisputeOpen {
			return nil
		}
		now := s.store.Now()
		dispute.State = models.DisputeResolvedRefund
		dispute.ResolvedAt = &now
		if err := tx.Save(dispute).Error; err != nil {
			return fmt.Errorf("resolve dispute: %w", err)
		}
		return s.refund(tx, dispute.PayoutID, now)
	})
}

// refund credits the buyer org with gross minus the proofwork fee. The
// platform fee is not charged on refunds.
func (s *Service) refund(tx *gorm.DB, payoutID uuid.UUID, now time.Time) error {
	var row models.Payout
	if err := storage.LockForUpdate(tx, &row, "id = ?", payoutID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPayoutNotFound
		}
		return fmt.Errorf("lock payout: %w", err)
	}
	if row.State == models.PayoutRefunded {
		return nil
	}
	fee := row.ProofworkFeeCents
	if fee == 0 && s.fees.ProofworkWallet != "" {
		// The split was never persisted; recompute the fee that execution
		// would have taken. Without a proofwork wallet no fee leg exists.
		bps := s.fees.ProofworkFeeBps
		if s.fees.MaxProofworkFeeBps > 0 && bps > s.fees.MaxProofworkFeeBps {
			bps = s.fees.MaxProofworkFeeBps
		}
		fee = row.GrossCents * int64(bps) / payout.FeeDenominator
	}
	credit := row.GrossCents - fee
	if err := tx.Model(&models.Org{}).Where("id = ?", row.OrgID).
		Updates(map[string]any{
			"balance_cents": gorm.Expr("balance_cents + ?", credit),
			"updated_at":    now,
		}).Error; err != nil {
		return fmt.Errorf("credit org: %w", err)
	}
	row.State = models.PayoutRefunded
	row.BlockedReason = models.BlockedNone
	row.UpdatedAt = now
	if err := tx.Save(&row).Error; err != nil {
		return fmt.Errorf("refund payout: %w", err)
	}
	return tx.Model(&models.Submission{}).Where("id = ?", row.SubmissionID).
		Updates(map[string]any{"payout_status": models.SubmissionPayoutReversed, "updated_at": now}).Error
}

// release clears the dispute block and requeues execution at
// max(now, hold_until).
func (s *Service) release(tx *gorm.DB, payoutID uuid.UUID, now time.Time) error {
	var row models.Payout
	if err := storage.LockForUpdate(tx, &row, "id = ?", payoutID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPayoutNotFound
		}
		return fmt.Errorf("lock payout: %w", err)
	}
	if row.BlockedReason == models.BlockedDisputeOpen {
		row.BlockedReason = models.BlockedNone
	}
	row.UpdatedAt = now
	if err := tx.Save(&row).Error; err != nil {
		return fmt.Errorf("unblock payout: %w", err)
	}
	availableAt := now
	if row.HoldUntil != nil && row.HoldUntil.After(availableAt) {
		availableAt = *row.HoldUntil
	}
	reopened, err := s.store.ReopenOutbox(tx, outbox.TopicPayoutRequested, outbox.PayoutKey(row.ID), availableAt)
	if err != nil {
		return fmt.Errorf("requeue execution: %w", err)
	}
	if reopened {
		return nil
	}
	payload, err := json.Marshal(outbox.PayoutRequested{PayoutID: row.ID})
	if err != nil {
		return fmt.Errorf("encode execution payload: %w", err)
	}
	return s.store.ScheduleOutbox(tx, outbox.TopicPayoutRequested, outbox.PayoutKey(row.ID), string(payload), availableAt)
}

func lockDispute(tx *gorm.DB, disputeID uuid.UUID) (*models.Dispute, error) {
	var dispute models.Dispute
	if err := storage.LockForUpdate(tx, &dispute, "id = ?", disputeID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDisputeNotFound
		}
		return nil, fmt.Errorf("lock dispute: %w", err)
	}
	return &dispute, nil
}

func bountyForPayout(tx *gorm.DB, row *models.Payout) (uuid.UUID, error) {
	var submission models.Submission
	if err := tx.First(&submission, "id = ?", row.SubmissionID).Error; err != nil {
		return uuid.Nil, fmt.Errorf("load submission: %w", err)
	}
	var job models.Job
	if err := tx.First(&job, "id = ?", submission.JobID).Error; err != nil {
		return uuid.Nil, fmt.Errorf("load job: %w", err)
	}
	return job.BountyID, nil
}
