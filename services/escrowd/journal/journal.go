package journal

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"jobescrow/config"
	"jobescrow/core/events"
	"jobescrow/core/types"
	"jobescrow/observability/metrics"
)

// MaxPageSize caps the number of events returned by a single Events call.
const MaxPageSize = 500

// Open connects to the journal database for the configured driver.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case config.JournalDriverSQLite:
		dialector = sqlite.Open(dsn)
	case config.JournalDriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	return db, nil
}

// Journal persists committed escrow events and maintains the reputation
// projection. It implements events.Emitter so it can be attached to the hub.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	seq uint64
}

// New migrates the schema and resumes the sequence from the stored events.
func New(db *gorm.DB, logger *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: nil database")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	var last struct{ Max uint64 }
	if err := db.Model(&JournalEvent{}).Select("COALESCE(MAX(sequence), 0) AS max").Scan(&last).Error; err != nil {
		return nil, fmt.Errorf("journal: load sequence: %w", err)
	}
	return &Journal{db: db, logger: logger, now: time.Now, seq: last.Max}, nil
}

// SetNowFunc overrides the clock used for CreatedAt stamps.
func (j *Journal) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	j.now = now
}

// Emit implements events.Emitter. Failures are logged and counted; the engine
// has already committed, so the event is never retried here.
func (j *Journal) Emit(evt events.Event) {
	payload, ok := events.Payload(evt)
	if !ok {
		return
	}
	metrics.Events().RecordEmitted(payload.Type)
	if _, err := j.Append(context.Background(), payload); err != nil {
		metrics.Events().RecordJournalError()
		j.logger.Error("journal append failed",
			slog.String("type", payload.Type),
			slog.Uint64("jobId", payload.JobID),
			slog.Any("error", err))
	}
}

// Append stores evt with the next sequence number and applies its reputation
// effects in the same transaction.
func (j *Journal) Append(ctx context.Context, evt *types.Event) (*JournalEvent, error) {
	if evt == nil {
		return nil, errors.New("journal: nil event")
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return nil, fmt.Errorf("journal: encode attributes: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	row := &JournalEvent{
		ID:         uuid.New(),
		Sequence:   j.seq + 1,
		Type:       evt.Type,
		JobID:      evt.JobID,
		Digest:     Digest(evt),
		Attributes: string(attrs),
		CreatedAt:  j.now().UTC(),
	}
	err = j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		return applyReputation(tx, evt, row.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("journal: append %s: %w", evt.Type, err)
	}
	j.seq = row.Sequence
	return row, nil
}

// Events returns up to limit events with a sequence greater than after.
func (j *Journal) Events(ctx context.Context, after uint64, limit int) ([]JournalEvent, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	var rows []JournalEvent
	err := j.db.WithContext(ctx).
		Where("sequence > ?", after).
		Order("sequence ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("journal: list events: %w", err)
	}
	return rows, nil
}

// Reputation returns the projection for identity. Unknown identities yield a
// zero-valued row.
func (j *Journal) Reputation(ctx context.Context, identity string) (*Reputation, error) {
	var rep Reputation
	err := j.db.WithContext(ctx).First(&rep, "identity = ?", identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Reputation{Identity: identity}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: load reputation: %w", err)
	}
	return &rep, nil
}

// DecodeAttributes parses the stored attribute JSON of row.
func (row *JournalEvent) DecodeAttributes() (map[string]string, error) {
	attrs := make(map[string]string)
	if row == nil || row.Attributes == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(row.Attributes), &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// Digest returns the hex blake3 digest of the event type, job and sorted
// attributes. Identical events always hash identically.
func Digest(evt *types.Event) string {
	if evt == nil {
		return ""
	}
	keys := make([]string, 0, len(evt.Attributes))
	for k := range evt.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%d\n", evt.Type, evt.JobID)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, evt.Attributes[k])
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
