package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BountyState tracks the buyer-facing bounty lifecycle.
type BountyState string

const (
	BountyDraft     BountyState = "draft"
	BountyPublished BountyState = "published"
	BountyClosed    BountyState = "closed"
)

// JobState tracks a claimable unit of work derived from a bounty.
type JobState string

const (
	JobOpen      JobState = "open"
	JobClaimed   JobState = "claimed"
	JobSubmitted JobState = "submitted"
	JobDone      JobState = "done"
	JobCancelled JobState = "cancelled"
)

// SubmissionState tracks a worker attempt through verification.
type SubmissionState string

const (
	SubmissionPending      SubmissionState = "pending"
	SubmissionVerifying    SubmissionState = "verifying"
	SubmissionPassed       SubmissionState = "passed"
	SubmissionFailed       SubmissionState = "failed"
	SubmissionInconclusive SubmissionState = "inconclusive"
)

// PayoutStatus values attached to a submission once settlement resolves.
const (
	SubmissionPayoutPending  = "pending"
	SubmissionPayoutPaid     = "paid"
	SubmissionPayoutReversed = "reversed"
)

// Verdict enumerates adjudication outcomes.
type Verdict string

const (
	VerdictPass         Verdict = "pass"
	VerdictFail         Verdict = "fail"
	VerdictInconclusive Verdict = "inconclusive"
)

// PayoutState tracks monetary settlement.
type PayoutState string

const (
	PayoutPending  PayoutState = "pending"
	PayoutPaid     PayoutState = "paid"
	PayoutFailed   PayoutState = "failed"
	PayoutRefunded PayoutState = "refunded"
)

// BlockedReason explains why a pending payout must not execute.
type BlockedReason string

const (
	BlockedNone           BlockedReason = ""
	BlockedAddressMissing BlockedReason = "worker_payout_address_missing"
	BlockedDisputeOpen    BlockedReason = "dispute_open"
	BlockedInsufficient   BlockedReason = "insufficient_funds"
)

// TransferKind identifies a leg of a split payout.
type TransferKind string

const (
	TransferNet          TransferKind = "net"
	TransferPlatformFee  TransferKind = "platform_fee"
	TransferProofworkFee TransferKind = "proofwork_fee"
)

// TransferState tracks an on-chain transfer leg.
type TransferState string

const (
	TransferBroadcast TransferState = "broadcast"
	TransferConfirmed TransferState = "confirmed"
	TransferFailed    TransferState = "failed"
)

// DisputeState tracks buyer contests against a payout.
type DisputeState string

const (
	DisputeOpen           DisputeState = "open"
	DisputeResolvedRefund DisputeState = "resolved_refund"
	DisputeResolvedUphold DisputeState = "resolved_uphold"
	DisputeCancelled      DisputeState = "cancelled"
)

// OutboxState tracks transactional event delivery.
type OutboxState string

const (
	OutboxPending    OutboxState = "pending"
	OutboxProcessing OutboxState = "processing"
	OutboxSent       OutboxState = "sent"
	OutboxDeadletter OutboxState = "deadletter"
)

// ArtifactState tracks uploaded evidence through scanning.
type ArtifactState string

const (
	ArtifactUploaded    ArtifactState = "uploaded"
	ArtifactScanning    ArtifactState = "scanning"
	ArtifactClean       ArtifactState = "clean"
	ArtifactQuarantined ArtifactState = "quarantined"
	ArtifactDeleted     ArtifactState = "deleted"
)

// Org is a buyer tenant with a billing balance and fee policy.
type Org struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name              string    `gorm:"uniqueIndex;size:128"`
	BalanceCents      int64     `gorm:"not null"`
	PlatformFeeBps    int       `gorm:"not null"`
	PlatformFeeWallet string    `gorm:"size:64"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Bounty is a funded specification of work.
type Bounty struct {
	ID               uuid.UUID   `gorm:"type:uuid;primaryKey"`
	OrgID            uuid.UUID   `gorm:"type:uuid;index"`
	RewardCents      int64       `gorm:"not null"`
	RequiredProofs   int         `gorm:"not null"`
	AllowedOrigins   string      `gorm:"type:text"`
	RequiredClasses  string      `gorm:"type:text"`
	DisputeWindowSec int64       `gorm:"not null"`
	TaskDescriptor   string      `gorm:"type:text"`
	State            BountyState `gorm:"size:16;index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Job is a single claimable execution unit.
type Job struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey"`
	BountyID          uuid.UUID  `gorm:"type:uuid;index"`
	TaskDescriptor    string     `gorm:"type:text"`
	State             JobState   `gorm:"size:16;index"`
	ClaimedBy         *uuid.UUID `gorm:"type:uuid;index"`
	LeaseExpiresAt    *time.Time
	FreshnessDeadline *time.Time
	FinalVerdict      *Verdict `gorm:"size:16"`
	CreatedAt         time.Time `gorm:"index"`
	UpdatedAt         time.Time
}

// Worker is an autonomous executor identified by a hashed bearer token.
type Worker struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	TokenPrefix      string    `gorm:"uniqueIndex;size:16"`
	TokenHash        string    `gorm:"size:128"`
	CapabilityTags   string    `gorm:"type:text"`
	PayoutChain      string    `gorm:"size:32"`
	PayoutAddress    string    `gorm:"size:64"`
	PayoutVerifiedAt *time.Time
	Disabled         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Submission is one worker attempt for a job.
type Submission struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	JobID         uuid.UUID       `gorm:"type:uuid;index;uniqueIndex:idx_submission_attempt,priority:1"`
	WorkerID      uuid.UUID       `gorm:"type:uuid;index;uniqueIndex:idx_submission_attempt,priority:2"`
	Attempt       int             `gorm:"not null;uniqueIndex:idx_submission_attempt,priority:3"`
	Manifest      string          `gorm:"type:text"`
	ArtifactIndex string          `gorm:"type:text"`
	State         SubmissionState `gorm:"size:16;index"`
	VerifyAttempt int             `gorm:"not null;default:1"`
	PayoutStatus  string          `gorm:"size:16"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Verification is a server-coordinated adjudication run.
type Verification struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	SubmissionID uuid.UUID `gorm:"type:uuid;index"`
	Attempt      int       `gorm:"not null"`
	ClaimToken   string    `gorm:"size:128"`
	ClaimExpires time.Time
	Verdict      *Verdict `gorm:"size:16"`
	Reason       string   `gorm:"type:text"`
	Scorecard    string   `gorm:"type:text"`
	RunMetadata  string   `gorm:"type:text"`
	CreatedAt    time.Time
	FinishedAt   *time.Time
}

// Payout settles a passed submission into three fee legs.
type Payout struct {
	ID                uuid.UUID     `gorm:"type:uuid;primaryKey"`
	SubmissionID      uuid.UUID     `gorm:"type:uuid;uniqueIndex"`
	WorkerID          uuid.UUID     `gorm:"type:uuid;index"`
	OrgID             uuid.UUID     `gorm:"type:uuid;index"`
	GrossCents        int64         `gorm:"not null"`
	NetCents          int64         `gorm:"not null"`
	PlatformFeeCents  int64         `gorm:"not null"`
	PlatformFeeBps    int           `gorm:"not null"`
	PlatformWallet    string        `gorm:"size:64"`
	ProofworkFeeCents int64         `gorm:"not null"`
	ProofworkFeeBps   int           `gorm:"not null"`
	ProofworkWallet   string        `gorm:"size:64"`
	Provider          string        `gorm:"size:32"`
	ProviderRef       string        `gorm:"size:128"`
	State             PayoutState   `gorm:"size:16;index"`
	BlockedReason     BlockedReason `gorm:"size:48;index"`
	HoldUntil         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PayoutTransfer is one on-chain leg of a split payout. All legs of a payout
// executed through the splitter share a single tx hash and nonce.
type PayoutTransfer struct {
	ID          uuid.UUID     `gorm:"type:uuid;primaryKey"`
	PayoutID    uuid.UUID     `gorm:"type:uuid;index;uniqueIndex:idx_transfer_kind,priority:1"`
	Kind        TransferKind  `gorm:"size:16;uniqueIndex:idx_transfer_kind,priority:2"`
	FromAddress string        `gorm:"size:64"`
	ToAddress   string        `gorm:"size:64"`
	TokenID     string        `gorm:"size:64"`
	AmountBase  string        `gorm:"size:96"`
	TxHash      string        `gorm:"size:96;index"`
	Nonce       uint64        `gorm:"not null"`
	State       TransferState `gorm:"size:16;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Dispute is a buyer contest opened inside the payout hold window.
type Dispute struct {
	ID         uuid.UUID    `gorm:"type:uuid;primaryKey"`
	BountyID   uuid.UUID    `gorm:"type:uuid;index"`
	PayoutID   uuid.UUID    `gorm:"type:uuid;index"`
	State      DisputeState `gorm:"size:24;index"`
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// OutboxEvent drives exactly-at-least-once external side effects.
type OutboxEvent struct {
	ID             uuid.UUID   `gorm:"type:uuid;primaryKey"`
	Topic          string      `gorm:"size:64;index;uniqueIndex:idx_outbox_key,priority:1"`
	IdempotencyKey string      `gorm:"size:160;uniqueIndex:idx_outbox_key,priority:2"`
	Payload        string      `gorm:"type:text"`
	State          OutboxState `gorm:"size:16;index:idx_outbox_ready,priority:1"`
	Attempts       int         `gorm:"not null"`
	AvailableAt    time.Time   `gorm:"index:idx_outbox_ready,priority:2"`
	LockedAt       *time.Time
	LockedBy       string `gorm:"size:64"`
	LastError      string `gorm:"type:text"`
	CreatedAt      time.Time
	SentAt         *time.Time
}

// CryptoNonce tracks the next nonce per (chain, signer). Row-locked during
// broadcast preparation.
type CryptoNonce struct {
	ChainID     uint64 `gorm:"primaryKey;autoIncrement:false"`
	FromAddress string `gorm:"primaryKey;size:64"`
	NextNonce   uint64 `gorm:"not null"`
	UpdatedAt   time.Time
}

// Artifact is uploaded evidence moving through the scan pipeline.
type Artifact struct {
	ID        uuid.UUID     `gorm:"type:uuid;primaryKey"`
	WorkerID  uuid.UUID     `gorm:"type:uuid;index"`
	Kind      string        `gorm:"size:16"`
	Label     string        `gorm:"size:128"`
	ObjectKey string        `gorm:"size:255"`
	SizeBytes int64
	State     ArtifactState `gorm:"size:16;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClaimAudit records claim grants, reaps, and expiry steals.
type ClaimAudit struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	JobID     uuid.UUID  `gorm:"type:uuid;index"`
	WorkerID  *uuid.UUID `gorm:"type:uuid"`
	Action    string     `gorm:"size:32"`
	Detail    string     `gorm:"size:255"`
	CreatedAt time.Time
}

// RuntimeSetting backs hot toggles such as the universal worker pause. Each
// write bumps the version so readers can detect changes.
type RuntimeSetting struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"size:255"`
	Version   int64  `gorm:"not null"`
	UpdatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata for the API surface.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the engine.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Org{},
		&Bounty{},
		&Job{},
		&Worker{},
		&Submission{},
		&Verification{},
		&Payout{},
		&PayoutTransfer{},
		&Dispute{},
		&OutboxEvent{},
		&CryptoNonce{},
		&Artifact{},
		&ClaimAudit{},
		&RuntimeSetting{},
		&IdempotencyKey{},
	)
}
