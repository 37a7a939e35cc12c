package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdempotencyKey stores the response of a mutating request so a retry with
// the same caller-scoped key is answered without executing it again.
type IdempotencyKey struct {
	Scope       string `gorm:"primaryKey;size:64"`
	Caller      string `gorm:"size:64;index"`
	Key         string `gorm:"size:255;not null"`
	RequestHash string `gorm:"size:64;not null"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
	ExpiresAt   *time.Time `gorm:"index"`
}

// Expired reports whether the stored response lapsed before now. Rows
// without an expiry are kept indefinitely.
func (k *IdempotencyKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// LoadIdempotencyKey returns the stored response for scope, or nil when none
// exists.
func (j *Journal) LoadIdempotencyKey(ctx context.Context, scope string) (*IdempotencyKey, error) {
	var rec IdempotencyKey
	err := j.db.WithContext(ctx).First(&rec, "scope = ?", scope).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: load idempotency key: %w", err)
	}
	return &rec, nil
}

// SaveIdempotencyKey stores rec, replacing an earlier row for the same scope.
func (j *Journal) SaveIdempotencyKey(ctx context.Context, rec *IdempotencyKey) error {
	if rec == nil || rec.Scope == "" {
		return errors.New("journal: idempotency scope required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = j.now().UTC()
	}
	err := j.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}},
		UpdateAll: true,
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("journal: save idempotency key: %w", err)
	}
	return nil
}
