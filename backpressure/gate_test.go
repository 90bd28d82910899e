package backpressure

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/models"
	"proofwork/outbox"
	"proofwork/storage"
)

func setupGateTest(t *testing.T) (*storage.Store, time.Time) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	return storage.New(db, storage.WithClock(func() time.Time { return now })), now
}

func seedPending(t *testing.T, store *storage.Store, topic string, age time.Duration, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		event := models.OutboxEvent{
			ID:             uuid.New(),
			Topic:          topic,
			IdempotencyKey: fmt.Sprintf("%s:%s", topic, uuid.NewString()),
			Payload:        `{}`,
			State:          models.OutboxPending,
			AvailableAt:    store.Now().Add(-age),
			CreatedAt:      store.Now().Add(-age),
		}
		if err := store.DB().Create(&event).Error; err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}
}

func TestCheckOpenByDefault(t *testing.T) {
	store, _ := setupGateTest(t)
	gate := New(store, Thresholds{
		MaxVerifierBacklog:    10,
		MaxVerifierBacklogAge: time.Minute,
		MaxOutboxPendingAge:   time.Minute,
		MaxArtifactScanAge:    time.Minute,
	})

	signal := gate.Check(context.Background())
	if signal.Paused || signal.Reason != "" {
		t.Fatalf("idle system must not pause: %+v", signal)
	}
}

func TestCheckUniversalPauseWins(t *testing.T) {
	store, _ := setupGateTest(t)
	ctx := context.Background()
	if err := store.PutSetting(ctx, storage.SettingUniversalPause, "true"); err != nil {
		t.Fatalf("put setting: %v", err)
	}
	// Backlog thresholds are exceeded too; the pause flag takes precedence.
	seedPending(t, store, outbox.TopicVerificationRequested, 10*time.Minute, 5)
	gate := New(store, Thresholds{MaxVerifierBacklog: 1, MaxVerifierBacklogAge: time.Minute})

	signal := gate.Check(ctx)
	if !signal.Paused || signal.Reason != ReasonUniversalPause {
		t.Fatalf("universal pause: %+v", signal)
	}

	if err := store.PutSetting(ctx, storage.SettingUniversalPause, "false"); err != nil {
		t.Fatalf("clear setting: %v", err)
	}
	signal = gate.Check(ctx)
	if signal.Reason != ReasonVerifierBacklog {
		t.Fatalf("after unpause: %+v", signal)
	}
}

func TestCheckVerifierBacklogThresholds(t *testing.T) {
	store, _ := setupGateTest(t)
	ctx := context.Background()
	seedPending(t, store, outbox.TopicVerificationRequested, 30*time.Second, 3)

	gate := New(store, Thresholds{MaxVerifierBacklog: 2})
	if signal := gate.Check(ctx); signal.Reason != ReasonVerifierBacklog {
		t.Fatalf("count threshold: %+v", signal)
	}

	gate = New(store, Thresholds{MaxVerifierBacklog: 10, MaxVerifierBacklogAge: 10 * time.Second})
	if signal := gate.Check(ctx); signal.Reason != ReasonVerifierBacklogAge {
		t.Fatalf("age threshold: %+v", signal)
	}

	gate = New(store, Thresholds{MaxVerifierBacklog: 10, MaxVerifierBacklogAge: time.Minute})
	if signal := gate.Check(ctx); signal.Paused {
		t.Fatalf("under thresholds: %+v", signal)
	}
}

func TestCheckOutboxAndArtifactAges(t *testing.T) {
	store, _ := setupGateTest(t)
	ctx := context.Background()

	seedPending(t, store, outbox.TopicPayoutRequested, 5*time.Minute, 1)
	gate := New(store, Thresholds{MaxOutboxPendingAge: time.Minute})
	if signal := gate.Check(ctx); signal.Reason != ReasonOutboxPendingAge {
		t.Fatalf("outbox age: %+v", signal)
	}

	store2, _ := setupGateTest(t)
	seedPending(t, store2, outbox.TopicArtifactScanRequested, 5*time.Minute, 1)
	gate = New(store2, Thresholds{MaxArtifactScanAge: time.Minute})
	if signal := gate.Check(ctx); signal.Reason != ReasonArtifactScanAge {
		t.Fatalf("artifact scan age: %+v", signal)
	}
}

func TestCheckZeroThresholdsDisableChecks(t *testing.T) {
	store, _ := setupGateTest(t)
	ctx := context.Background()
	seedPending(t, store, outbox.TopicVerificationRequested, time.Hour, 50)
	seedPending(t, store, outbox.TopicArtifactScanRequested, time.Hour, 5)

	gate := New(store, Thresholds{})
	if signal := gate.Check(ctx); signal.Paused {
		t.Fatalf("disabled gate must stay open: %+v", signal)
	}
	if signal := (*Gate)(nil).Check(ctx); signal.Paused {
		t.Fatalf("nil gate must stay open: %+v", signal)
	}
}
