// Package journal persists vault events to a SQL database and fans them out
// to live subscribers. Entries carry a monotonically increasing sequence that
// stream clients use as a resume cursor.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lpvault/core/events"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Entry is one journaled event.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Sequence   uint64    `gorm:"uniqueIndex;not null" json:"sequence"`
	Type       string    `gorm:"size:64;index" json:"type"`
	Module     string    `gorm:"size:32;index" json:"module"`
	PositionID string    `gorm:"size:32;index" json:"positionId,omitempty"`
	Attributes string    `gorm:"type:text" json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Attrs decodes the stored attribute map.
func (e Entry) Attrs() map[string]string {
	out := map[string]string{}
	if e.Attributes != "" {
		_ = json.Unmarshal([]byte(e.Attributes), &out)
	}
	return out
}

// MarshalJSON inlines the attribute map.
func (e Entry) MarshalJSON() ([]byte, error) {
	type plain Entry
	return json.Marshal(struct {
		plain
		Attributes map[string]string `json:"attributes"`
	}{plain: plain(e), Attributes: e.Attrs()})
}

// Open connects to the journal database. postgres:// and postgresql:// DSNs
// use the Postgres driver; anything else is handed to SQLite.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("journal: dsn required")
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	isPostgres := strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://")
	var dialector gorm.Dialector
	if isPostgres {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if !isPostgres {
		// sqlite allows a single writer
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("journal: open: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Entry{})
}

// Journal implements events.Emitter.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time

	mu   sync.Mutex
	next uint64

	subMu  sync.RWMutex
	subs   map[uint64]chan Entry
	nextID uint64
}

// New resumes the sequence from the highest stored entry.
func New(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if log == nil {
		log = slog.Default()
	}
	var last Entry
	err := db.Order("sequence desc").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("journal: load cursor: %w", err)
	}
	return &Journal{
		db:     db,
		logger: log,
		nowFn:  time.Now,
		next:   last.Sequence + 1,
		subs:   make(map[uint64]chan Entry),
	}, nil
}

var _ events.Emitter = (*Journal)(nil)

// Emit persists ev and publishes it to subscribers. Persistence failures are
// logged; committed state is never rolled back because of the journal.
func (j *Journal) Emit(ev events.Event) {
	if ev == nil {
		return
	}
	if _, err := j.Append(context.Background(), ev); err != nil {
		j.logger.Error("journal append failed", slog.String("type", ev.EventType()), slog.Any("error", err))
	}
}

// Append persists ev and returns the stored entry.
func (j *Journal) Append(ctx context.Context, ev events.Event) (Entry, error) {
	rendered := events.Render(ev)
	if rendered == nil {
		return Entry{}, errors.New("journal: nil event")
	}
	attrs, err := json.Marshal(rendered.Attributes)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: encode attributes: %w", err)
	}
	module, _, found := strings.Cut(rendered.Type, ".")
	if !found {
		module = "unknown"
	}

	j.mu.Lock()
	entry := Entry{
		ID:         uuid.New(),
		Sequence:   j.next,
		Type:       rendered.Type,
		Module:     module,
		PositionID: rendered.Attributes["positionId"],
		Attributes: string(attrs),
		CreatedAt:  j.nowFn().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		j.mu.Unlock()
		return Entry{}, fmt.Errorf("journal: insert: %w", err)
	}
	j.next++
	j.publish(entry)
	j.mu.Unlock()
	return entry, nil
}

// Query filters journal reads. Zero values match everything.
type Query struct {
	Type       string
	Module     string
	PositionID string
	After      uint64
	Limit      int
}

// List returns entries ordered by sequence.
func (j *Journal) List(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	tx := j.db.WithContext(ctx).Model(&Entry{}).Where("sequence > ?", q.After)
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	if q.Module != "" {
		tx = tx.Where("module = ?", q.Module)
	}
	if q.PositionID != "" {
		tx = tx.Where("position_id = ?", q.PositionID)
	}
	var out []Entry
	if err := tx.Order("sequence asc").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	return out, nil
}

// Subscribe registers a live listener. Slow listeners miss entries rather
// than blocking writers; they can recover through List using the last
// sequence they saw.
func (j *Journal) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)
	j.subMu.Lock()
	id := j.nextID
	j.nextID++
	j.subs[id] = ch
	j.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.subMu.Lock()
			delete(j.subs, id)
			j.subMu.Unlock()
			close(ch)
		})
	}
}

func (j *Journal) publish(entry Entry) {
	j.subMu.RLock()
	defer j.subMu.RUnlock()
	for _, ch := range j.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}
