package storage

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/models"
)

// AllocateNonce reserves the next transaction nonce for (chainID, from)
// inside the caller's transaction. The row stays locked until the broadcast
// transaction commits, serialising concurrent payout workers on the same
// signer. chainPending is the chain's reported pending nonce; the allocation
// reconciles by taking the maximum of the stored and chain values.
func (s *Store) AllocateNonce(tx *gorm.DB, chainID uint64, from string, chainPending uint64) (uint64, error) {
	addr := strings.ToLower(strings.TrimSpace(from))
	if addr == "" {
		return 0, fmt.Errorf("storage: signer address required")
	}
	var row models.CryptoNonce
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&row, "chain_id = ? AND from_address = ?", chainID, addr).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = models.CryptoNonce{ChainID: chainID, FromAddress: addr, NextNonce: chainPending, UpdatedAt: s.now()}
		if err := tx.Create(&row).Error; err != nil {
			return 0, fmt.Errorf("create nonce row: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("lock nonce row: %w", err)
	}
	allocated := row.NextNonce
	if chainPending > allocated {
		allocated = chainPending
	}
	row.NextNonce = allocated + 1
	row.UpdatedAt = s.now()
	if err := tx.Save(&row).Error; err != nil {
		return 0, fmt.Errorf("persist nonce: %w", err)
	}
	return allocated, nil
}
