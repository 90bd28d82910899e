package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/models"
	"proofwork/observability/logging"
	"proofwork/outbox"
)

// PayoutAddressMessage issues the challenge the worker must sign with the
// key controlling the payout address. A fresh nonce replaces any prior
// outstanding challenge.
func (s *Server) PayoutAddressMessage(w http.ResponseWriter, r *http.Request) {
	worker, err := WorkerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "nonce generation failed")
		return
	}
	message := fmt.Sprintf("proofwork payout address verification\nworker: %s\nnonce: %s",
		worker.ID, hex.EncodeToString(buf))
	record := models.IdempotencyKey{
		Key:       addressChallengeKey(worker.ID),
		RequestID: uuid.NewString(),
		Method:    http.MethodPost,
		Path:      r.URL.Path,
		Status:    http.StatusOK,
		Response:  message,
		CreatedAt: s.store.Now(),
	}
	if err := s.store.DB().WithContext(r.Context()).Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "challenge persistence failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

// SetPayoutAddress verifies the signed challenge, records the payout
// address, and releases payouts blocked on the missing address.
func (s *Server) SetPayoutAddress(w http.ResponseWriter, r *http.Request) {
	worker, err := WorkerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	var req struct {
		Chain     string `json:"chain"`
		Address   string `json:"address"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}
	if !common.IsHexAddress(req.Address) {
		writeError(w, http.StatusBadRequest, "invalid_address", "address is not a hex address")
		return
	}

	var record models.IdempotencyKey
	if err := s.store.DB().WithContext(r.Context()).First(&record, "key = ?", addressChallengeKey(worker.ID)).Error; err != nil {
		writeError(w, http.StatusConflict, "no_challenge", "request a challenge message first")
		return
	}
	now := s.store.Now()
	if now.Sub(record.CreatedAt) > s.addressTTL {
		writeError(w, http.StatusConflict, "challenge_expired", "challenge message expired")
		return
	}
	recovered, err := recoverSigner(record.Response, req.Signature)
	if err != nil || !strings.EqualFold(recovered.Hex(), req.Address) {
		writeError(w, http.StatusForbidden, "signature_mismatch", "signature does not prove address control")
		return
	}

	unblocked := 0
	err = s.store.WithTx(r.Context(), func(tx *gorm.DB) error {
		if err := tx.Model(&models.Worker{}).Where("id = ?", worker.ID).
			Updates(map[string]any{
				"payout_chain":       req.Chain,
				"payout_address":     common.HexToAddress(req.Address).Hex(),
				"payout_verified_at": now,
				"updated_at":         now,
			}).Error; err != nil {
			return fmt.Errorf("record address: %w", err)
		}
		if err := tx.Delete(&models.IdempotencyKey{}, "key = ?", record.Key).Error; err != nil {
			return fmt.Errorf("consume challenge: %w", err)
		}

		var blocked []models.Payout
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("worker_id = ? AND state = ? AND blocked_reason = ?",
				worker.ID, models.PayoutPending, models.BlockedAddressMissing).
			Find(&blocked).Error; err != nil {
			return fmt.Errorf("scan blocked payouts: %w", err)
		}
		for i := range blocked {
			row := &blocked[i]
			row.BlockedReason = models.BlockedNone
			row.UpdatedAt = now
			if err := tx.Save(row).Error; err != nil {
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
			if !reopened {
				payload, err := json.Marshal(outbox.PayoutRequested{PayoutID: row.ID})
				if err != nil {
					return err
				}
				if err := s.store.ScheduleOutbox(tx, outbox.TopicPayoutRequested,
					outbox.PayoutKey(row.ID), string(payload), availableAt); err != nil {
					return err
				}
			}
			unblocked++
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "address update failed")
		return
	}
	slog.Info("payout address verified",
		logging.MaskField("worker_id", worker.ID.String()),
		logging.MaskField("payout_address", req.Address),
		slog.Int("unblocked_payouts", unblocked))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"address":          common.HexToAddress(req.Address).Hex(),
		"unblockedPayouts": unblocked,
	})
}

func addressChallengeKey(workerID uuid.UUID) string {
	return "payout_addr_challenge:" + workerID.String()
}

// recoverSigner applies EIP-191 personal-message recovery to the challenge.
func recoverSigner(message, signature string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, errors.New("signature must be 65 bytes")
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	digest := gethcrypto.Keccak256([]byte(prefixed))
	pub, err := gethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return gethcrypto.PubkeyToAddress(*pub), nil
}
