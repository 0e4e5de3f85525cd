// Package postgres persists chat messages through gorm.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
)

// messageRow is the chat_messages table.
type messageRow struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	RoomID      int64     `gorm:"index;not null"`
	SenderID    string    `gorm:"size:128;not null"`
	Content     string    `gorm:"type:text"`
	Attachments []string  `gorm:"serializer:json"`
	CreatedAt   time.Time `gorm:"index"`
}

func (messageRow) TableName() string { return "chat_messages" }

func (r messageRow) toDomain() domain.ChatMessage {
	attachments := r.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	return domain.ChatMessage{
		ID:          r.ID,
		RoomID:      r.RoomID,
		SenderID:    domain.UserID(r.SenderID),
		Content:     r.Content,
		Attachments: attachments,
		CreatedAt:   r.CreatedAt.UTC(),
	}
}

// Open connects to dsn and migrates the schema.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&messageRow{}); err != nil {
		return nil, fmt.Errorf("migrate chat_messages: %w", err)
	}
	return db, nil
}

// MessageStore writes messages behind a circuit breaker. While the breaker
// is open calls fail at once with an External error.
type MessageStore struct {
	db    *gorm.DB
	clock clockwork.Clock
	cb    *gobreaker.CircuitBreaker
}

func NewMessageStore(db *gorm.DB, clock clockwork.Clock) *MessageStore {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgres",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= 5 && float64(c.TotalFailures)/float64(c.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("module", "adapters.postgres").Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	metrics.CircuitBreakerState.WithLabelValues("postgres").Set(0)
	return &MessageStore{db: db, clock: clock, cb: cb}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func (s *MessageStore) SaveMessage(ctx context.Context, m domain.NewChatMessage) (domain.ChatMessage, error) {
	row := messageRow{
		RoomID:      m.RoomID,
		SenderID:    string(m.SenderID),
		Content:     m.Content,
		Attachments: m.Attachments,
		CreatedAt:   s.clock.Now().UTC(),
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.db.WithContext(ctx).Create(&row).Error
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.ChatMessage{}, domain.ExternalError("message store unavailable", err)
	}
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return row.toDomain(), nil
}

// RecentMessages returns up to limit messages of a room, oldest first.
func (s *MessageStore) RecentMessages(ctx context.Context, roomID int64, limit int) ([]domain.ChatMessage, error) {
	var rows []messageRow
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.db.WithContext(ctx).
			Where("room_id = ?", roomID).
			Order("id desc").
			Limit(limit).
			Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("query chat messages for room %d: %w", roomID, err)
	}
	out := make([]domain.ChatMessage, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.toDomain()
	}
	return out, nil
}

// State reports the breaker state.
func (s *MessageStore) State() gobreaker.State { return s.cb.State() }
