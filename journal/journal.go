// Package journal keeps an audit trail of claim attempts and applied
// notifications. It is write-mostly and never consulted for sync decisions.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pixelwar/ledger"
)

// ClaimAttempt is one optimistic claim and how it ended.
type ClaimAttempt struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	GameID     uint64    `gorm:"index" json:"game_id"`
	X          int       `json:"x"`
	Y          int       `json:"y"`
	Actor      string    `gorm:"size:42;index" json:"actor"`
	Outcome    string    `gorm:"size:32;index" json:"outcome"`
	Reason     string    `gorm:"size:256" json:"reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	CreatedAt  time.Time `json:"-"`
}

// AppliedEvent is a claim notification that changed the local grid.
type AppliedEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	GameID    uint64    `gorm:"index" json:"game_id"`
	TxHash    string    `gorm:"size:66;uniqueIndex:idx_event_position" json:"tx_hash"`
	LogIndex  uint      `gorm:"uniqueIndex:idx_event_position" json:"log_index"`
	Block     uint64    `gorm:"index" json:"block"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Actor     string    `gorm:"size:42" json:"actor"`
	Source    string    `gorm:"size:16" json:"source"`
	CreatedAt time.Time `json:"-"`
}

// AutoMigrate creates or updates the journal tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ClaimAttempt{}, &AppliedEvent{})
}

// Store writes journal rows through gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to dsn: a postgres:// URL selects PostgreSQL, anything else is
// treated as a SQLite path (":memory:" included).
func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("journal: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return New(db), nil
}

// New wraps an already migrated db.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordClaim stores one claim attempt.
func (s *Store) RecordClaim(ctx context.Context, gameID uint64, x, y int, actor common.Address, outcome, reason string, started time.Time) error {
	row := ClaimAttempt{
		ID:         uuid.New(),
		GameID:     gameID,
		X:          x,
		Y:          y,
		Actor:      actor.Hex(),
		Outcome:    outcome,
		Reason:     reason,
		StartedAt:  started.UTC(),
		FinishedAt: s.now().UTC(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// RecordNotification stores an applied notification. A notification seen twice
// (stream and fallback) is stored once.
func (s *Store) RecordNotification(ctx context.Context, ev ledger.CellPainted, source string) error {
	row := AppliedEvent{
		ID:       uuid.New(),
		GameID:   ev.GameID,
		TxHash:   ev.TxHash.Hex(),
		LogIndex: ev.Index,
		Block:    ev.Block,
		X:        ev.X,
		Y:        ev.Y,
		Actor:    ev.Player.Hex(),
		Source:   source,
	}
	var existing int64
	if err := s.db.WithContext(ctx).Model(&AppliedEvent{}).
		Where("tx_hash = ? AND log_index = ?", row.TxHash, row.LogIndex).
		Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// RecentClaims returns up to limit attempts for gameID, newest first.
func (s *Store) RecentClaims(ctx context.Context, gameID uint64, limit int) ([]ClaimAttempt, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []ClaimAttempt
	err := s.db.WithContext(ctx).
		Where("game_id = ?", gameID).
		Order("finished_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// RecentEvents returns up to limit applied notifications for gameID, newest first.
func (s *Store) RecentEvents(ctx context.Context, gameID uint64, limit int) ([]AppliedEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []AppliedEvent
	err := s.db.WithContext(ctx).
		Where("game_id = ?", gameID).
		Order("block DESC, log_index DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// OutcomeCounts aggregates claim outcomes for gameID.
func (s *Store) OutcomeCounts(ctx context.Context, gameID uint64) (map[string]int64, error) {
	type bucket struct {
		Outcome string
		Total   int64
	}
	var buckets []bucket
	err := s.db.WithContext(ctx).Model(&ClaimAttempt{}).
		Select("outcome, count(*) as total").
		Where("game_id = ?", gameID).
		Group("outcome").
		Scan(&buckets).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(buckets))
	for _, b := range buckets {
		out[b.Outcome] = b.Total
	}
	return out, nil
}
