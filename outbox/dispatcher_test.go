package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/models"
	"proofwork/storage"
)

func setupDispatcherTest(t *testing.T, now time.Time) *storage.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return storage.New(db, storage.WithClock(func() time.Time { return now }))
}

func schedule(t *testing.T, store *storage.Store, topic, key string, availableAt time.Time) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx *gorm.DB) error {
		return store.ScheduleOutbox(tx, topic, key, `{}`, availableAt)
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{50, 60 * time.Second},
		{0, time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempts); got != tc.want {
			t.Errorf("Backoff(%d): got %s, want %s", tc.attempts, got, tc.want)
		}
	}
}

func TestProcessOnceDeliversAndMarksSent(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	store := setupDispatcherTest(t, now)
	ctx := context.Background()

	schedule(t, store, TopicPayoutRequested, "payout:a", now.Add(-time.Minute))
	schedule(t, store, TopicPayoutRequested, "payout:b", now.Add(-time.Minute))

	var mu sync.Mutex
	seen := map[string]int{}
	d := NewDispatcher(store, "test-worker", WithClock(func() time.Time { return now }))
	d.Register(TopicPayoutRequested, func(ctx context.Context, event models.OutboxEvent) error {
		mu.Lock()
		seen[event.IdempotencyKey]++
		mu.Unlock()
		return nil
	})

	processed, err := d.ProcessOnce(ctx)
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if processed != 2 {
		t.Fatalf("processed: got %d, want 2", processed)
	}
	if seen["payout:a"] != 1 || seen["payout:b"] != 1 {
		t.Fatalf("handler calls: %v", seen)
	}

	var sent int64
	if err := store.DB().Model(&models.OutboxEvent{}).Where("state = ?", models.OutboxSent).Count(&sent).Error; err != nil {
		t.Fatalf("count sent: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent rows: got %d, want 2", sent)
	}
}

func TestProcessOnceReschedulesFailures(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	store := setupDispatcherTest(t, now)
	ctx := context.Background()

	schedule(t, store, TopicPayoutRequested, "payout:retry", now.Add(-time.Minute))

	d := NewDispatcher(store, "test-worker", WithClock(func() time.Time { return now }))
	d.Register(TopicPayoutRequested, func(ctx context.Context, event models.OutboxEvent) error {
		return errors.New("provider unavailable")
	})

	if _, err := d.ProcessOnce(ctx); err != nil {
		t.Fatalf("process once: %v", err)
	}

	var event models.OutboxEvent
	if err := store.DB().First(&event, "idempotency_key = ?", "payout:retry").Error; err != nil {
		t.Fatalf("load event: %v", err)
	}
	if event.State != models.OutboxPending {
		t.Fatalf("state: got %s, want pending", event.State)
	}
	if event.Attempts != 1 {
		t.Fatalf("attempts: got %d, want 1", event.Attempts)
	}
	if got := event.AvailableAt.Sub(now); got != time.Second {
		t.Fatalf("backoff delay: got %s, want 1s", got)
	}
	if event.LastError != "provider unavailable" {
		t.Fatalf("last error: got %q", event.LastError)
	}
}

func TestProcessOnceDeadlettersAtBudget(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	store := setupDispatcherTest(t, now)
	ctx := context.Background()

	schedule(t, store, TopicPayoutRequested, "payout:dead", now.Add(-time.Minute))
	if err := store.DB().Model(&models.OutboxEvent{}).
		Where("idempotency_key = ?", "payout:dead").
		Update("attempts", 9).Error; err != nil {
		t.Fatalf("seed attempts: %v", err)
	}

	d := NewDispatcher(store, "test-worker", WithClock(func() time.Time { return now }))
	d.Register(TopicPayoutRequested, func(ctx context.Context, event models.OutboxEvent) error {
		return errors.New("still failing")
	})

	if _, err := d.ProcessOnce(ctx); err != nil {
		t.Fatalf("process once: %v", err)
	}

	var event models.OutboxEvent
	if err := store.DB().First(&event, "idempotency_key = ?", "payout:dead").Error; err != nil {
		t.Fatalf("load event: %v", err)
	}
	if event.State != models.OutboxDeadletter {
		t.Fatalf("state: got %s, want deadletter", event.State)
	}
	if event.Attempts != 10 {
		t.Fatalf("attempts: got %d, want 10", event.Attempts)
	}
}

func TestProcessOnceRecoversHandlerPanic(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	store := setupDispatcherTest(t, now)
	ctx := context.Background()

	schedule(t, store, TopicPayoutRequested, "payout:panic", now.Add(-time.Minute))

	d := NewDispatcher(store, "test-worker", WithClock(func() time.Time { return now }))
	d.Register(TopicPayoutRequested, func(ctx context.Context, event models.OutboxEvent) error {
		panic("unexpected state")
	})

	if _, err := d.ProcessOnce(ctx); err != nil {
		t.Fatalf("process once: %v", err)
	}

	var event models.OutboxEvent
	if err := store.DB().First(&event, "idempotency_key = ?", "payout:panic").Error; err != nil {
		t.Fatalf("load event: %v", err)
	}
	if event.State != models.OutboxPending {
		t.Fatalf("state: got %s, want pending", event.State)
	}
	if event.LastError == "" {
		t.Fatalf("expected recorded panic message")
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	store := setupDispatcherTest(t, time.Now().UTC())
	d := NewDispatcher(store, "test-worker")
	handler := func(ctx context.Context, event models.OutboxEvent) error { return nil }
	d.Register(TopicPayoutRequested, handler)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	d.Register(TopicPayoutRequested, handler)
}
