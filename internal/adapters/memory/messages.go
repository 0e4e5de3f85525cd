package memory

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/dkeye/huddle/internal/domain"
)

// MessageStore persists chat messages in a slice with an auto-incrementing id.
type MessageStore struct {
	clock clockwork.Clock

	mu       sync.Mutex
	nextID   int64
	messages []domain.ChatMessage
	// Fail, when set, is returned by SaveMessage. Tests use it to simulate an outage.
	Fail error
}

func NewMessageStore(clock clockwork.Clock) *MessageStore {
	return &MessageStore{clock: clock}
}

func (s *MessageStore) SaveMessage(_ context.Context, m domain.NewChatMessage) (domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return domain.ChatMessage{}, s.Fail
	}
	s.nextID++
	attachments := m.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	msg := domain.ChatMessage{
		ID:          s.nextID,
		RoomID:      m.RoomID,
		SenderID:    m.SenderID,
		Content:     m.Content,
		Attachments: attachments,
		CreatedAt:   s.clock.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

// RecentMessages returns up to limit messages of a room, oldest first.
func (s *MessageStore) RecentMessages(_ context.Context, roomID int64, limit int) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ChatMessage
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if s.messages[i].RoomID == roomID {
			out = append(out, s.messages[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MessageStore) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChatMessage(nil), s.messages...)
}
