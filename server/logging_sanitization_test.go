package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"proofwork/observability/logging"
)

func TestPayoutAddressLogRedactsAddress(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{}))

	workerID := "0b6f3a0e-7d6e-4be1-9a1d-44f0a7c2a001"
	address := "0x2222222222222222222222222222222222222222"
	logger.Info("payout address verified",
		logging.MaskField("worker_id", workerID),
		logging.MaskField("payout_address", address),
		slog.Int("unblocked_payouts", 1))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log payload: %v", err)
	}

	if logging.IsAllowlisted("payout_address") {
		t.Fatalf("payout_address should not be allowlisted for logging: %v", logging.RedactionAllowlist())
	}
	if bytes.Contains(buf.Bytes(), []byte(address)) {
		t.Fatalf("log output leaked payout address: %s", buf.Bytes())
	}
	masked, ok := entry["payout_address"].(string)
	if !ok || masked != logging.RedactedValue {
		t.Fatalf("expected redacted payout_address, got %v", entry["payout_address"])
	}

	// Correlation ids stay readable.
	if got, _ := entry["worker_id"].(string); got != workerID {
		t.Fatalf("worker_id must survive masking, got %v", entry["worker_id"])
	}
}
