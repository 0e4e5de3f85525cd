package room

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/huddle/internal/domain"
)

// Snapshot is the full room state handed to clients.
type Snapshot struct {
	domain.Room
	CurrentParticipants int `json:"currentParticipants"`
}

func (a *Actor) snapshot() Snapshot {
	r := *a.room
	r.Metadata = copyMap(a.room.Metadata)
	r.Settings = copySettings(a.room.Settings)
	r.Participants = append([]domain.Participant{}, a.room.Participants...)
	return Snapshot{Room: r, CurrentParticipants: a.liveCount()}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copySettings(s domain.Settings) domain.Settings {
	s.ICEServers = append([]webrtc.ICEServer{}, s.ICEServers...)
	return s
}

type connected struct {
	Type   string        `json:"type"`
	UserID domain.UserID `json:"userId"`
	Room   Snapshot      `json:"room"`
}

type participantEvent struct {
	Type        string             `json:"type"`
	Participant domain.Participant `json:"participant"`
}

type participantLeft struct {
	Type   string        `json:"type"`
	UserID domain.UserID `json:"userId"`
}

type settingsUpdated struct {
	Type     string          `json:"type"`
	Settings domain.Settings `json:"settings"`
}

type metadataUpdated struct {
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata"`
}

type errorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

type pong struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type chatEvent struct {
	Type      string        `json:"type"`
	FromID    domain.UserID `json:"fromId"`
	FromName  string        `json:"fromName"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

type recordingEvent struct {
	Type      string        `json:"type"`
	UserID    domain.UserID `json:"userId"`
	Timestamp time.Time     `json:"timestamp"`
}

type chunkMeta struct {
	ChunkIndex int    `json:"chunkIndex"`
	Size       int64  `json:"size"`
	MimeType   string `json:"mimeType,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

type chunkAck struct {
	Type       string `json:"type"`
	ChunkIndex int    `json:"chunkIndex"`
}

type chunkEvent struct {
	Type   string        `json:"type"`
	FromID domain.UserID `json:"fromId"`
	chunkMeta
}

type qualityAlert struct {
	Type       string        `json:"type"`
	UserID     domain.UserID `json:"userId"`
	Quality    string        `json:"quality"`
	PacketLoss float64       `json:"packetLoss"`
}
