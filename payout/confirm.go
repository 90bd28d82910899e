package payout

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/models"
	"proofwork/observability"
	"proofwork/storage"
)

// Confirmer resolves payout.confirm.requested events by checking the
// broadcast transaction's receipt against the required confirmation depth.
// Transient conditions (receipt pending, depth not reached) surface as
// errors so the outbox retries with backoff.
type Confirmer struct {
	store         *storage.Store
	client        EVMClient
	metrics       *observability.PayoutMetrics
	confirmations uint64
}

// NewConfirmer constructs a confirmer requiring the given depth.
func NewConfirmer(store *storage.Store, client EVMClient, confirmations uint64) *Confirmer {
	return &Confirmer{
		store:         store,
		client:        client,
		metrics:       observability.Payouts(),
		confirmations: confirmations,
	}
}

// Confirm checks the settlement transaction for the identified payout.
func (c *Confirmer) Confirm(ctx context.Context, payoutID uuid.UUID) error {
	var payout models.Payout
	if err := c.store.DB().WithContext(ctx).First(&payout, "id = ?", payoutID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPayoutNotFound
		}
		return fmt.Errorf("load payout: %w", err)
	}
	if payout.State == models.PayoutPaid || payout.State == models.PayoutRefunded {
		return nil
	}
	var transfers []models.PayoutTransfer
	if err := c.store.DB().WithContext(ctx).Where("payout_id = ?", payout.ID).Find(&transfers).Error; err != nil {
		return fmt.Errorf("load transfers: %w", err)
	}
	if len(transfers) == 0 {
		// Nothing was broadcast; the execution event was preempted or the
		// payout settled off-chain.
		return nil
	}

	hash := common.HexToHash(transfers[0].TxHash)
	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return fmt.Errorf("receipt pending for %s", hash.Hex())
		}
		return fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return fmt.Errorf("receipt pending for %s", hash.Hex())
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		c.metrics.RecordError(payout.Provider, "reverted")
		return c.finalize(ctx, payout.ID, models.TransferFailed, models.PayoutFailed)
	}
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return fmt.Errorf("block metadata unavailable for %s", hash.Hex())
	}
	confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	if confirmed.Sign() < 0 || confirmed.Cmp(new(big.Int).SetUint64(c.confirmations)) < 0 {
		return fmt.Errorf("insufficient confirmations for %s: have %s want %d", hash.Hex(), confirmed, c.confirmations)
	}

	if err := c.finalize(ctx, payout.ID, models.TransferConfirmed, models.PayoutPaid); err != nil {
		return err
	}
	c.metrics.RecordFees(payout.NetCents, payout.PlatformFeeCents, payout.ProofworkFeeCents)
	c.metrics.ObserveLatency(payout.Provider, c.store.Now().Sub(payout.CreatedAt))
	return nil
}

func (c *Confirmer) finalize(ctx context.Context, payoutID uuid.UUID, transferState models.TransferState, payoutState models.PayoutState) error {
	return c.store.WithTx(ctx, func(tx *gorm.DB) error {
		var payout models.Payout
		if err := storage.LockForUpdate(tx, &payout, "id = ?", payoutID); err != nil {
			return fmt.Errorf("lock payout: %w", err)
		}
		if payout.State == models.PayoutPaid || payout.State == models.PayoutRefunded {
			return nil
		}
		now := c.store.Now()
		if err := tx.Model(&models.PayoutTransfer{}).Where("payout_id = ?", payoutID).
			Updates(map[string]any{"state": transferState, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("mark transfers: %w", err)
		}
		if payoutState == models.PayoutPaid {
			return markPaid(tx, c.store, &payout)
		}
		payout.State = payoutState
		payout.UpdatedAt = now
		return tx.Save(&payout).Error
	})
}
