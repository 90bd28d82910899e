package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/models"
)

func setupStoreTest(t *testing.T, now time.Time) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db, WithClock(func() time.Time { return now }))
}

func TestRuntimeSettings(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	store := setupStoreTest(t, now)
	ctx := context.Background()

	if got := store.SettingBool(ctx, SettingUniversalPause, false); got {
		t.Fatalf("unset pause: got %v, want false", got)
	}
	if got := store.SettingInt(ctx, SettingCanaryPercent, 100); got != 100 {
		t.Fatalf("unset canary: got %d, want 100", got)
	}

	if err := store.PutSetting(ctx, SettingUniversalPause, "true"); err != nil {
		t.Fatalf("put setting: %v", err)
	}
	if got := store.SettingBool(ctx, SettingUniversalPause, false); !got {
		t.Fatalf("pause after put: got %v, want true", got)
	}

	if err := store.PutSetting(ctx, SettingUniversalPause, "false"); err != nil {
		t.Fatalf("update setting: %v", err)
	}
	var setting models.RuntimeSetting
	if err := store.DB().First(&setting, "key = ?", SettingUniversalPause).Error; err != nil {
		t.Fatalf("load setting: %v", err)
	}
	if setting.Version != 2 {
		t.Fatalf("version after update: got %d, want 2", setting.Version)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	store := setupStoreTest(t, now)
	ctx := context.Background()

	boom := fmt.Errorf("boom")
	err := store.WithTx(ctx, func(tx *gorm.DB) error {
		org := models.Org{ID: uuid.New(), Name: "acme", BalanceCents: 100, CreatedAt: now, UpdatedAt: now}
		if err := tx.Create(&org).Error; err != nil {
			return err
		}
		return boom
	})
	if err != boom {
		t.Fatalf("tx error: got %v, want boom", err)
	}
	var count int64
	if err := store.DB().Model(&models.Org{}).Count(&count).Error; err != nil {
		t.Fatalf("count orgs: %v", err)
	}
	if count != 0 {
		t.Fatalf("rows after rollback: got %d, want 0", count)
	}
}
