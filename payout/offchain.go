package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/models"
	"proofwork/observability"
	"proofwork/storage"
)

const offchainTimeout = 15 * time.Second

// OffChainProvider settles payouts through an external payment API instead of
// the chain. The provider's createPayout call is synchronous; a "failed"
// status is a terminal business outcome rather than a retryable fault.
type OffChainProvider struct {
	store    *storage.Store
	baseURL  string
	currency string
	client   *http.Client
	metrics  *observability.PayoutMetrics
}

// NewOffChainProvider constructs a provider posting to baseURL.
func NewOffChainProvider(store *storage.Store, baseURL, currency string) (*OffChainProvider, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("payout: provider base url required")
	}
	if currency == "" {
		currency = "USD"
	}
	return &OffChainProvider{
		store:    store,
		baseURL:  trimmed,
		currency: currency,
		client:   &http.Client{Timeout: offchainTimeout},
		metrics:  observability.Payouts(),
	}, nil
}

// Name identifies the provider on payout rows and metric labels.
func (p *OffChainProvider) Name() string {
	return "offchain"
}

type createPayoutRequest struct {
	PayoutID    uuid.UUID `json:"payoutId"`
	AmountCents int64     `json:"amountCents"`
	WorkerID    uuid.UUID `json:"workerId"`
	Currency    string    `json:"currency"`
}

type createPayoutResponse struct {
	Status      string `json:"status"`
	Provider    string `json:"provider"`
	ProviderRef string `json:"providerRef"`
}

// Execute sends the worker net to the payment provider and records the
// outcome. A previously recorded provider reference short-circuits replays.
func (p *OffChainProvider) Execute(ctx context.Context, payout *models.Payout) error {
	if payout.ProviderRef != "" {
		return nil
	}
	body, err := json.Marshal(createPayoutRequest{
		PayoutID:    payout.ID,
		AmountCents: payout.NetCents,
		WorkerID:    payout.WorkerID,
		Currency:    p.currency,
	})
	if err != nil {
		return fmt.Errorf("encode createPayout: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/payouts", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build createPayout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		p.metrics.RecordError(p.Name(), "transport")
		return fmt.Errorf("createPayout: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.metrics.RecordError(p.Name(), fmt.Sprintf("http_%d", resp.StatusCode))
		return fmt.Errorf("createPayout status %d", resp.StatusCode)
	}
	var result createPayoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode createPayout response: %w", err)
	}
	provider := result.Provider
	if provider == "" {
		provider = p.Name()
	}

	switch result.Status {
	case "paid":
		err := p.store.WithTx(ctx, func(tx *gorm.DB) error {
			var current models.Payout
			if err := storage.LockForUpdate(tx, &current, "id = ?", payout.ID); err != nil {
				return fmt.Errorf("lock payout: %w", err)
			}
			if current.State == models.PayoutPaid || current.State == models.PayoutRefunded {
				return nil
			}
			current.Provider = provider
			current.ProviderRef = result.ProviderRef
			return markPaid(tx, p.store, &current)
		})
		if err != nil {
			return err
		}
		p.metrics.RecordFees(payout.NetCents, payout.PlatformFeeCents, payout.ProofworkFeeCents)
		p.metrics.ObserveLatency(p.Name(), p.store.Now().Sub(payout.CreatedAt))
		return nil
	case "failed":
		p.metrics.RecordError(p.Name(), "provider_failed")
		return p.store.WithTx(ctx, func(tx *gorm.DB) error {
			return tx.Model(&models.Payout{}).Where("id = ?", payout.ID).
				Updates(map[string]any{
					"state":        models.PayoutFailed,
					"provider":     provider,
					"provider_ref": result.ProviderRef,
					"updated_at":   p.store.Now(),
				}).Error
		})
	default:
		return fmt.Errorf("createPayout returned status %q", result.Status)
	}
}
