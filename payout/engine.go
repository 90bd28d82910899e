// Package payout settles passed submissions. The engine computes the fee
// split and hands execution to a provider; providers broadcast through the
// Base splitter contract or an off-chain payment API. All entry points are
// replay-safe because the outbox delivers at-least-once.
package payout

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/models"
	"proofwork/observability"
	"proofwork/storage"
)

// FeeDenominator is the basis-point scale for fee math.
const FeeDenominator = 10_000

// ErrPayoutNotFound is returned when the referenced payout row is missing.
var ErrPayoutNotFound = errors.New("payout: payout not found")

// Provider executes a settlement whose fee split has already been persisted
// on the payout row. Execute must be idempotent under outbox replay.
type Provider interface {
	Name() string
	Execute(ctx context.Context, payout *models.Payout) error
}

// Split is the three-way division of a gross amount.
type Split struct {
	NetCents          int64
	PlatformFeeCents  int64
	ProofworkFeeCents int64
}

// ComputeSplit divides grossCents by floor basis-point math. The platform leg
// collapses to zero when the org has no fee wallet; the proofwork leg is
// capped at maxProofworkBps and collapses to zero without a wallet. The
// worker net must stay positive.
func ComputeSplit(grossCents int64, platformBps int, platformWallet string, proofworkBps int, proofworkWallet string, maxProofworkBps int) (Split, error) {
	if grossCents <= 0 {
		return Split{}, fmt.Errorf("payout: gross must be positive, got %d", grossCents)
	}
	var split Split
	if platformWallet != "" && platformBps > 0 {
		split.PlatformFeeCents = grossCents * int64(platformBps) / FeeDenominator
	}
	if proofworkWallet != "" && proofworkBps > 0 {
		capped := proofworkBps
		if maxProofworkBps > 0 && capped > maxProofworkBps {
			capped = maxProofworkBps
		}
		split.ProofworkFeeCents = grossCents * int64(capped) / FeeDenominator
	}
	split.NetCents = grossCents - split.PlatformFeeCents - split.ProofworkFeeCents
	if split.NetCents <= 0 {
		return Split{}, fmt.Errorf("payout: fee split leaves no net for gross %d", grossCents)
	}
	return split, nil
}

// FeeConfig carries the marketplace-side fee policy applied to every payout.
type FeeConfig struct {
	ProofworkFeeBps    int
	MaxProofworkFeeBps int
	ProofworkWallet    string
}

// Engine drives payout.requested events: split persistence, provider
// dispatch, and the idempotency checks that make replays harmless.
type Engine struct {
	store    *storage.Store
	provider Provider
	fees     FeeConfig
	metrics  *observability.PayoutMetrics
}

// NewEngine constructs an engine that settles through provider.
func NewEngine(store *storage.Store, provider Provider, fees FeeConfig) *Engine {
	return &Engine{
		store:    store,
		provider: provider,
		fees:     fees,
		metrics:  observability.Payouts(),
	}
}

// Execute settles the identified payout. Paid and refunded rows no-op, as do
// rows carrying a blocked reason; those re-enter through dispute resolution
// or the payout-address unblock path, never through replay of this event.
func (e *Engine) Execute(ctx context.Context, payoutID uuid.UUID) error {
	var (
		payout  models.Payout
		proceed bool
	)
	err := e.store.WithTx(ctx, func(tx *gorm.DB) error {
		if err := storage.LockForUpdate(tx, &payout, "id = ?", payoutID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPayoutNotFound
			}
			return fmt.Errorf("lock payout: %w", err)
		}
		if payout.State == models.PayoutPaid || payout.State == models.PayoutRefunded {
			return nil
		}
		if payout.BlockedReason != models.BlockedNone {
			return nil
		}
		cappedBps := e.fees.ProofworkFeeBps
		if e.fees.MaxProofworkFeeBps > 0 && cappedBps > e.fees.MaxProofworkFeeBps {
			cappedBps = e.fees.MaxProofworkFeeBps
		}
		split, err := ComputeSplit(payout.GrossCents, payout.PlatformFeeBps, payout.PlatformWallet,
			e.fees.ProofworkFeeBps, e.fees.ProofworkWallet, e.fees.MaxProofworkFeeBps)
		if err != nil {
			// Misconfigured fees are a terminal business outcome, not a retry.
			payout.State = models.PayoutFailed
			payout.UpdatedAt = e.store.Now()
			e.metrics.RecordError(e.provider.Name(), "fee_split")
			return tx.Save(&payout).Error
		}
		payout.NetCents = split.NetCents
		payout.PlatformFeeCents = split.PlatformFeeCents
		payout.ProofworkFeeCents = split.ProofworkFeeCents
		payout.ProofworkFeeBps = cappedBps
		payout.ProofworkWallet = e.fees.ProofworkWallet
		payout.Provider = e.provider.Name()
		payout.UpdatedAt = e.store.Now()
		if err := tx.Save(&payout).Error; err != nil {
			return fmt.Errorf("persist split: %w", err)
		}
		proceed = true
		return nil
	})
	if err != nil || !proceed {
		return err
	}
	return e.provider.Execute(ctx, &payout)
}

// markPaid finalises a payout and its submission in one transaction. Shared
// by the providers and the confirmer.
func markPaid(tx *gorm.DB, store *storage.Store, payout *models.Payout) error {
	now := store.Now()
	payout.State = models.PayoutPaid
	payout.UpdatedAt = now
	if err := tx.Save(payout).Error; err != nil {
		return fmt.Errorf("mark payout paid: %w", err)
	}
	return tx.Model(&models.Submission{}).Where("id = ?", payout.SubmissionID).
		Updates(map[string]any{"payout_status": models.SubmissionPayoutPaid, "updated_at": now}).Error
}
