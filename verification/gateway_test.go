package verification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"proofwork/models"
)

func TestGatewayRun(t *testing.T) {
	var status int
	var result RunResult
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/run" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.VerificationID == uuid.Nil {
			t.Errorf("verification id missing")
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(result)
	}))
	defer srv.Close()

	gateway, err := NewGateway(srv.URL + "/")
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	ctx := context.Background()
	req := RunRequest{VerificationID: uuid.New(), SubmissionID: uuid.New(), Attempt: 1}

	status = http.StatusOK
	result = RunResult{Verdict: models.VerdictPass, Scorecard: Scorecard{QualityScore: 0.8}}
	got, err := gateway.Run(ctx, req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Verdict != models.VerdictPass || got.Scorecard.QualityScore != 0.8 {
		t.Fatalf("result: %+v", got)
	}

	result = RunResult{Verdict: "maybe"}
	if _, err := gateway.Run(ctx, req); err == nil || !strings.Contains(err.Error(), "verdict") {
		t.Fatalf("unknown verdict: %v", err)
	}

	status = http.StatusBadGateway
	if _, err := gateway.Run(ctx, req); err == nil || !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("server fault: %v", err)
	}

	if _, err := NewGateway(""); err == nil {
		t.Fatalf("blank base url should error")
	}
}
