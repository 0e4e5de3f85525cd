package domain

import (
	"strings"
	"time"
)

const MaxMessageLen = 4000

// NewChatMessage is what the broker hands to the message store.
type NewChatMessage struct {
	RoomID      int64
	SenderID    UserID
	Content     string
	Attachments []string
}

func (m NewChatMessage) Validate() error {
	if m.RoomID <= 0 {
		return ValidationError("roomId must be a positive number")
	}
	if m.SenderID == "" {
		return ValidationError("sender is required")
	}
	if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
		return ValidationError("message is empty")
	}
	if len(m.Content) > MaxMessageLen {
		return ValidationError("message too long")
	}
	return nil
}

// ChatMessage is a persisted message as republished to room subscribers.
type ChatMessage struct {
	ID          int64     `json:"id"`
	RoomID      int64     `json:"roomId"`
	SenderID    UserID    `json:"senderId"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments"`
	CreatedAt   time.Time `json:"createdAt"`
}
