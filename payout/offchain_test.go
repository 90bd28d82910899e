package payout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"proofwork/models"
)

func offchainServer(t *testing.T, status int, response createPayoutResponse) (*httptest.Server, *int) {
	t.Helper()
	calls := new(int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		if r.Method != http.MethodPost || r.URL.Path != "/payouts" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req createPayoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			json.NewEncoder(w).Encode(response)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func TestOffChainProviderMarksPaid(t *testing.T) {
	f := setupPayoutTest(t)
	persistSplit(t, f)
	srv, calls := offchainServer(t, http.StatusOK, createPayoutResponse{
		Status: "paid", Provider: "stripe", ProviderRef: "po_123",
	})
	provider, err := NewOffChainProvider(f.store, srv.URL, "USD")
	if err != nil {
		t.Fatalf("provider: %v", err)
	}

	var payout models.Payout
	if err := f.store.DB().First(&payout, "id = ?", f.payout.ID).Error; err != nil {
		t.Fatalf("load payout: %v", err)
	}
	if err := provider.Execute(context.Background(), &payout); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if *calls != 1 {
		t.Fatalf("provider calls: got %d, want 1", *calls)
	}

	var reloaded models.Payout
	if err := f.store.DB().First(&reloaded, "id = ?", f.payout.ID).Error; err != nil {
		t.Fatalf("reload payout: %v", err)
	}
	if reloaded.State != models.PayoutPaid {
		t.Fatalf("state: got %s, want paid", reloaded.State)
	}
	if reloaded.Provider != "stripe" || reloaded.ProviderRef != "po_123" {
		t.Fatalf("provider fields: %q %q", reloaded.Provider, reloaded.ProviderRef)
	}
	var submission models.Submission
	if err := f.store.DB().First(&submission, "id = ?", f.submission.ID).Error; err != nil {
		t.Fatalf("reload submission: %v", err)
	}
	if submission.PayoutStatus != models.SubmissionPayoutPaid {
		t.Fatalf("submission payout status: got %s", submission.PayoutStatus)
	}
}

func TestOffChainProviderFailedStatusIsTerminal(t *testing.T) {
	f := setupPayoutTest(t)
	persistSplit(t, f)
	srv, _ := offchainServer(t, http.StatusOK, createPayoutResponse{Status: "failed", ProviderRef: "po_err"})
	provider, err := NewOffChainProvider(f.store, srv.URL, "USD")
	if err != nil {
		t.Fatalf("provider: %v", err)
	}

	var payout models.Payout
	if err := f.store.DB().First(&payout, "id = ?", f.payout.ID).Error; err != nil {
		t.Fatalf("load payout: %v", err)
	}
	if err := provider.Execute(context.Background(), &payout); err != nil {
		t.Fatalf("terminal failure must not retry: %v", err)
	}

	var reloaded models.Payout
	if err := f.store.DB().First(&reloaded, "id = ?", f.payout.ID).Error; err != nil {
		t.Fatalf("reload payout: %v", err)
	}
	if reloaded.State != models.PayoutFailed {
		t.Fatalf("state: got %s, want failed", reloaded.State)
	}
	if reloaded.ProviderRef != "po_err" {
		t.Fatalf("provider ref: got %q", reloaded.ProviderRef)
	}
}

func TestOffChainProviderRetryableFaults(t *testing.T) {
	f := setupPayoutTest(t)
	persistSplit(t, f)
	var payout models.Payout
	if err := f.store.DB().First(&payout, "id = ?", f.payout.ID).Error; err != nil {
		t.Fatalf("load payout: %v", err)
	}
	ctx := context.Background()

	srv, _ := offchainServer(t, http.StatusBadGateway, createPayoutResponse{})
	provider, err := NewOffChainProvider(f.store, srv.URL, "USD")
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	if err := provider.Execute(ctx, &payout); err == nil || !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("http fault: got %v", err)
	}

	srv2, _ := offchainServer(t, http.StatusOK, createPayoutResponse{Status: "processing"})
	provider2, err := NewOffChainProvider(f.store, srv2.URL, "USD")
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	if err := provider2.Execute(ctx, &payout); err == nil || !strings.Contains(err.Error(), "processing") {
		t.Fatalf("unknown status: got %v", err)
	}

	var reloaded models.Payout
	if err := f.store.DB().First(&reloaded, "id = ?", f.payout.ID).Error; err != nil {
		t.Fatalf("reload payout: %v", err)
	}
	if reloaded.State != models.PayoutPending {
		t.Fatalf("state after retryable faults: got %s", reloaded.State)
	}
}

func TestOffChainProviderSkipsReplays(t *testing.T) {
	f := setupPayoutTest(t)
	srv, calls := offchainServer(t, http.StatusOK, createPayoutResponse{Status: "paid"})
	provider, err := NewOffChainProvider(f.store, srv.URL, "USD")
	if err != nil {
		t.Fatalf("provider: %v", err)
	}

	payout := f.payout
	payout.ProviderRef = "po_done"
	if err := provider.Execute(context.Background(), &payout); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if *calls != 0 {
		t.Fatalf("replay must not call the provider, got %d calls", *calls)
	}
}

func TestNewOffChainProviderValidatesBaseURL(t *testing.T) {
	if _, err := NewOffChainProvider(nil, "   ", "USD"); err == nil {
		t.Fatalf("blank base url should error")
	}
	provider, err := NewOffChainProvider(nil, "https://pay.example.com/", "")
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	if provider.baseURL != "https://pay.example.com" {
		t.Fatalf("base url: got %q", provider.baseURL)
	}
	if provider.currency != "USD" {
		t.Fatalf("currency default: got %q", provider.currency)
	}
}
