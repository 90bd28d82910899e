// Package handlers binds outbox topics to the domain engines. Handlers
// return nil for terminal business outcomes and errors only for transient
// faults, so the dispatcher's retry budget is spent on conditions that can
// actually heal.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"proofwork/artifacts"
	"proofwork/dispute"
	"proofwork/models"
	"proofwork/outbox"
	"proofwork/payout"
	"proofwork/verification"
)

// Runner adjudicates a claimed submission. Satisfied by
// *verification.Gateway; tests inject fakes.
type Runner interface {
	Run(ctx context.Context, req verification.RunRequest) (*verification.RunResult, error)
}

// Deps collects the engines the topic handlers drive.
type Deps struct {
	Coordinator *verification.Coordinator
	Gateway     Runner
	Payouts     *payout.Engine
	Confirmer   *payout.Confirmer
	Disputes    *dispute.Service
	Artifacts   *artifacts.Service
}

// RegisterAll wires every topic the engine produces onto the dispatcher.
func RegisterAll(d *outbox.Dispatcher, deps Deps) {
	d.Register(outbox.TopicVerificationRequested, VerificationRequested(deps.Coordinator, deps.Gateway))
	d.Register(outbox.TopicPayoutRequested, PayoutRequested(deps.Payouts))
	if deps.Confirmer != nil {
		// Off-chain settlements finalize inline and never schedule a confirm.
		d.Register(outbox.TopicPayoutConfirmRequested, PayoutConfirmRequested(deps.Confirmer))
	}
	d.Register(outbox.TopicDisputeAutoRefund, DisputeAutoRefund(deps.Disputes))
	d.Register(outbox.TopicArtifactScanRequested, ArtifactScanRequested(deps.Artifacts))
	d.Register(outbox.TopicArtifactDeleteRequested, ArtifactDeleteRequested(deps.Artifacts))
}

// VerificationRequested claims the attempt, runs the gateway, and posts the
// verdict. The event's idempotency key doubles as the claim key, so a replay
// after a crash resumes with the original claim payload.
func VerificationRequested(coordinator *verification.Coordinator, gateway Runner) outbox.Handler {
	return func(ctx context.Context, event models.OutboxEvent) error {
		var payload outbox.VerificationRequested
		if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		claim, err := coordinator.Claim(ctx, verification.ClaimRequest{
			SubmissionID:   payload.SubmissionID,
			Attempt:        payload.Attempt,
			IdempotencyKey: event.IdempotencyKey,
			InstanceID:     event.LockedBy,
		})
		switch {
		case errors.Is(err, verification.ErrSubmissionNotFound),
			errors.Is(err, verification.ErrNotClaimable),
			errors.Is(err, verification.ErrStaleAttempt):
			// The attempt was adjudicated or superseded; the event is spent.
			return nil
		case errors.Is(err, verification.ErrAlreadyClaimed):
			return fmt.Errorf("attempt in flight: %w", err)
		case err != nil:
			return err
		}

		result, err := gateway.Run(ctx, verification.RunRequest{
			VerificationID: claim.VerificationID,
			SubmissionID:   payload.SubmissionID,
			Attempt:        payload.Attempt,
			JobSpec:        claim.JobSpec,
			Submission:     claim.Submission,
		})
		if err != nil {
			return err
		}
		err = coordinator.SubmitVerdict(ctx, verification.VerdictRequest{
			VerificationID: claim.VerificationID,
			ClaimToken:     claim.ClaimToken,
			Verdict:        result.Verdict,
			Reason:         result.Reason,
			Scorecard:      result.Scorecard,
			RunMetadata:    result.RunMetadata,
		})
		if errors.Is(err, verification.ErrFinished) {
			return nil
		}
		return err
	}
}

// PayoutRequested executes a settlement.
func PayoutRequested(engine *payout.Engine) outbox.Handler {
	return func(ctx context.Context, event models.OutboxEvent) error {
		var payload outbox.PayoutRequested
		if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return engine.Execute(ctx, payload.PayoutID)
	}
}

// PayoutConfirmRequested checks a broadcast settlement for confirmation depth.
func PayoutConfirmRequested(confirmer *payout.Confirmer) outbox.Handler {
	return func(ctx context.Context, event models.OutboxEvent) error {
		var payload outbox.PayoutConfirmRequested
		if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return confirmer.Confirm(ctx, payload.PayoutID)
	}
}

// DisputeAutoRefund refunds disputes left unresolved past their hold window.
func DisputeAutoRefund(service *dispute.Service) outbox.Handler {
	return func(ctx context.Context, event models.OutboxEvent) error {
		var payload outbox.DisputeAutoRefund
		if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return service.AutoRefund(ctx, payload.DisputeID)
	}
}

// ArtifactScanRequested runs the content scanner for an upload.
func ArtifactScanRequested(service *artifacts.Service) outbox.Handler {
	return func(ctx context.Context, event models.OutboxEvent) error {
		var payload outbox.ArtifactScanRequested
		if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return service.HandleScan(ctx, payload.ArtifactID)
	}
}

// ArtifactDeleteRequested applies retention deletion.
func ArtifactDeleteRequested(service *artifacts.Service) outbox.Handler {
	return func(ctx context.Context, event models.OutboxEvent) error {
		var payload outbox.ArtifactDeleteRequested
		if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return service.HandleDelete(ctx, payload.ArtifactID)
	}
}
