package journal

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JournalEvent is the durable copy of a committed escrow event.
type JournalEvent struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"index;not null"`
	JobID      uint64    `gorm:"index;not null"`
	Digest     string    `gorm:"size:64;not null"`
	Attributes string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"index"`
}

// Reputation aggregates per-identity outcomes derived from settled escrows.
type Reputation struct {
	Identity      string `gorm:"primaryKey;size:64"`
	JobsPosted    uint64 `gorm:"not null;default:0"`
	JobsCompleted uint64 `gorm:"not null;default:0"`
	TotalEarned   uint64 `gorm:"not null;default:0"`
	TotalSpent    uint64 `gorm:"not null;default:0"`
	DisputeWins   uint64 `gorm:"not null;default:0"`
	DisputeLosses uint64 `gorm:"not null;default:0"`
	UpdatedAt     time.Time
}

// AutoMigrate creates or updates the journal tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&JournalEvent{},
		&Reputation{},
		&IdempotencyKey{},
	)
}
