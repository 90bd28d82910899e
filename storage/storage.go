package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/models"
)

// Store wraps the relational persistence layer. Every side-effect-producing
// transition runs inside a single transaction that mutates domain state and
// inserts the outbox row driving the external effect.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option customises the store instance.
type Option func(*Store)

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a store over an open gorm database handle.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle for read paths and middleware.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Now returns the store clock reading.
func (s *Store) Now() time.Time {
	return s.now()
}

// WithTx runs fn inside a transaction scoped to ctx.
func (s *Store) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage: store not configured")
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// LockForUpdate loads dest by primary key under a row lock.
func LockForUpdate(tx *gorm.DB, dest any, query string, args ...any) error {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(dest, append([]any{query}, args...)...).Error
}

// Runtime setting keys backing hot toggles.
const (
	SettingUniversalPause = "universal_worker_pause"
	SettingCanaryPercent  = "canary_percent"
)

// SettingBool reads a boolean runtime setting, returning def when unset.
func (s *Store) SettingBool(ctx context.Context, key string, def bool) bool {
	raw, ok := s.settingValue(ctx, key)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return parsed
}

// SettingInt reads an integer runtime setting, returning def when unset.
func (s *Store) SettingInt(ctx context.Context, key string, def int) int {
	raw, ok := s.settingValue(ctx, key)
	if !ok {
		return def
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return parsed
}

// PutSetting writes a runtime setting, bumping its version.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	return s.WithTx(ctx, func(tx *gorm.DB) error {
		var setting models.RuntimeSetting
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&setting, "key = ?", key).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			setting = models.RuntimeSetting{Key: key, Value: value, Version: 1, UpdatedAt: s.now()}
			return tx.Create(&setting).Error
		case err != nil:
			return err
		}
		setting.Value = value
		setting.Version++
		setting.UpdatedAt = s.now()
		return tx.Save(&setting).Error
	})
}

func (s *Store) settingValue(ctx context.Context, key string) (string, bool) {
	if s == nil || s.db == nil {
		return "", false
	}
	var setting models.RuntimeSetting
	if err := s.db.WithContext(ctx).First(&setting, "key = ?", key).Error; err != nil {
		return "", false
	}
	return setting.Value, true
}
