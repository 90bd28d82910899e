package outbox

import (
	"fmt"

	"github.com/google/uuid"
)

// Topics carried on the internal wire. Delivery is at-least-once and
// unordered; every payload carries the idempotency data its handler needs.
const (
	TopicVerificationRequested   = "verification.requested"
	TopicPayoutRequested         = "payout.requested"
	TopicPayoutConfirmRequested  = "payout.confirm.requested"
	TopicArtifactScanRequested   = "artifact.scan.requested"
	TopicArtifactDeleteRequested = "artifact.delete.requested"
	TopicDisputeAutoRefund       = "dispute.auto_refund.requested"
)

// VerificationRequested asks the coordinator to adjudicate an attempt.
type VerificationRequested struct {
	SubmissionID uuid.UUID `json:"submissionId"`
	Attempt      int       `json:"attemptNo"`
}

// PayoutRequested asks the payout engine to execute a settlement.
type PayoutRequested struct {
	PayoutID uuid.UUID `json:"payoutId"`
}

// PayoutConfirmRequested asks the engine to confirm a broadcast payout.
type PayoutConfirmRequested struct {
	PayoutID uuid.UUID `json:"payoutId"`
}

// ArtifactScanRequested triggers the external content scanner.
type ArtifactScanRequested struct {
	ArtifactID uuid.UUID `json:"artifactId"`
}

// ArtifactDeleteRequested triggers retention deletion.
type ArtifactDeleteRequested struct {
	ArtifactID     uuid.UUID  `json:"artifactId"`
	RetentionJobID *uuid.UUID `json:"retentionJobId,omitempty"`
}

// DisputeAutoRefund fires when a dispute's hold window elapses unresolved.
type DisputeAutoRefund struct {
	DisputeID uuid.UUID `json:"disputeId"`
}

// VerificationKey builds the idempotency key for a verification attempt.
func VerificationKey(submissionID uuid.UUID, attempt int) string {
	return fmt.Sprintf("verification:%s:%d", submissionID, attempt)
}

// PayoutKey builds the idempotency key for payout execution.
func PayoutKey(payoutID uuid.UUID) string {
	return fmt.Sprintf("payout:%s", payoutID)
}

// PayoutConfirmKey builds the idempotency key for payout confirmation.
func PayoutConfirmKey(payoutID uuid.UUID) string {
	return fmt.Sprintf("payout_confirm:%s", payoutID)
}

// ArtifactScanKey builds the idempotency key for a scan request.
func ArtifactScanKey(artifactID uuid.UUID) string {
	return fmt.Sprintf("artifact_scan:%s", artifactID)
}

// ArtifactDeleteKey builds the idempotency key for retention deletion.
func ArtifactDeleteKey(artifactID uuid.UUID) string {
	return fmt.Sprintf("artifact_delete:%s", artifactID)
}

// DisputeAutoRefundKey builds the idempotency key for auto refunds.
func DisputeAutoRefundKey(disputeID uuid.UUID) string {
	return fmt.Sprintf("dispute:auto_refund:%s", disputeID)
}
