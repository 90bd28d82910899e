package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"proofwork/models"
	"proofwork/queue"
)

const gatewayTimeout = 15 * time.Second

// RunRequest is the evidence bundle posted to the verifier gateway.
type RunRequest struct {
	VerificationID uuid.UUID         `json:"verificationId"`
	SubmissionID   uuid.UUID         `json:"submissionId"`
	Attempt        int               `json:"attemptNo"`
	JobSpec        queue.JobSpec     `json:"jobSpec"`
	Submission     SubmissionPackage `json:"submission"`
}

// RunResult is the gateway's adjudication outcome.
type RunResult struct {
	Verdict           models.Verdict  `json:"verdict"`
	Reason            string          `json:"reason,omitempty"`
	Scorecard         Scorecard       `json:"scorecard"`
	EvidenceArtifacts []uuid.UUID     `json:"evidenceArtifacts,omitempty"`
	RunMetadata       json.RawMessage `json:"runMetadata,omitempty"`
}

// Gateway calls the external verifier over HTTP. Transport failures and
// non-200 statuses surface as errors so the outbox retries the attempt.
type Gateway struct {
	baseURL string
	client  *http.Client
}

// NewGateway constructs a client for the verifier at baseURL.
func NewGateway(baseURL string) (*Gateway, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("verification: gateway base url required")
	}
	return &Gateway{
		baseURL: trimmed,
		client:  &http.Client{Timeout: gatewayTimeout},
	}, nil
}

// Run submits the claim package for adjudication.
func (g *Gateway) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode run request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build run request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway run: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway run status %d", resp.StatusCode)
	}
	var result RunResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode run result: %w", err)
	}
	switch result.Verdict {
	case models.VerdictPass, models.VerdictFail, models.VerdictInconclusive:
	default:
		return nil, fmt.Errorf("gateway returned verdict %q", result.Verdict)
	}
	return &result, nil
}
