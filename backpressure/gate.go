// Package backpressure computes the intake-idle signal the job queue serves
// to workers when the system is overloaded.
package backpressure

import (
	"context"
	"time"

	"proofwork/outbox"
	"proofwork/storage"
)

// Stable reason strings returned with a paused signal.
const (
	ReasonUniversalPause     = "universal_worker_pause"
	ReasonVerifierBacklog    = "verifier_backlog"
	ReasonVerifierBacklogAge = "verifier_backlog_age"
	ReasonOutboxPendingAge   = "outbox_pending_age"
	ReasonArtifactScanAge    = "artifact_scan_backlog_age"
)

// Thresholds configure the gate. A zero value disables the corresponding
// check.
type Thresholds struct {
	MaxVerifierBacklog    int64
	MaxVerifierBacklogAge time.Duration
	MaxOutboxPendingAge   time.Duration
	MaxArtifactScanAge    time.Duration
}

// Signal is the gate's output. Reason is set only when paused.
type Signal struct {
	Paused bool   `json:"paused"`
	Reason string `json:"reason,omitempty"`
}

// Gate aggregates pause flags and queue ages into a single intake signal.
type Gate struct {
	store      *storage.Store
	thresholds Thresholds
}

// New constructs a gate over the store.
func New(store *storage.Store, thresholds Thresholds) *Gate {
	return &Gate{store: store, thresholds: thresholds}
}

// Check evaluates the gate. Any queue exceeding its threshold pauses intake
// with a specific reason; the universal pause flag wins over all of them.
func (g *Gate) Check(ctx context.Context) Signal {
	if g == nil || g.store == nil {
		return Signal{}
	}
	if g.store.SettingBool(ctx, storage.SettingUniversalPause, false) {
		return Signal{Paused: true, Reason: ReasonUniversalPause}
	}

	count, age, err := g.store.OutboxBacklog(ctx, []string{outbox.TopicVerificationRequested})
	if err == nil {
		if g.thresholds.MaxVerifierBacklog > 0 && count > g.thresholds.MaxVerifierBacklog {
			return Signal{Paused: true, Reason: ReasonVerifierBacklog}
		}
		if g.thresholds.MaxVerifierBacklogAge > 0 && age > g.thresholds.MaxVerifierBacklogAge {
			return Signal{Paused: true, Reason: ReasonVerifierBacklogAge}
		}
	}

	if g.thresholds.MaxOutboxPendingAge > 0 {
		if _, age, err := g.store.OutboxBacklog(ctx, nil); err == nil && age > g.thresholds.MaxOutboxPendingAge {
			return Signal{Paused: true, Reason: ReasonOutboxPendingAge}
		}
	}

	if g.thresholds.MaxArtifactScanAge > 0 {
		if _, age, err := g.store.OutboxBacklog(ctx, []string{outbox.TopicArtifactScanRequested}); err == nil && age > g.thresholds.MaxArtifactScanAge {
			return Signal{Paused: true, Reason: ReasonArtifactScanAge}
		}
	}

	return Signal{}
}
