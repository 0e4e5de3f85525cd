package domain

import (
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

type RoomID string

type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

const (
	QualityUnknown = "unknown"
	QualityGood    = "good"
	QualityFair    = "fair"
	QualityPoor    = "poor"
	QualityBad     = "bad"

	// DegradedPacketLoss is the packet loss percentage at which a report
	// counts as degraded regardless of its declared quality.
	DegradedPacketLoss = 5.0
)

func ParseRoomID(raw string) (RoomID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ValidationError("roomId is required")
	}
	if len(id) > 64 {
		return "", ValidationError("roomId too long")
	}
	return RoomID(id), nil
}

// ParseMediaType defaults to video when raw is empty.
func ParseMediaType(raw string) (MediaType, error) {
	switch MediaType(strings.ToLower(strings.TrimSpace(raw))) {
	case "", MediaVideo:
		return MediaVideo, nil
	case MediaAudio:
		return MediaAudio, nil
	default:
		return "", ValidationError("roomType must be audio or video")
	}
}

type RecordingConfig struct {
	Quality            string `json:"quality"`
	Format             string `json:"format"`
	MaxDurationMinutes int    `json:"maxDurationMinutes"`
}

type Settings struct {
	ICEServers       []webrtc.ICEServer `json:"iceServers"`
	AllowScreenShare bool               `json:"allowScreenShare"`
	AllowRecording   bool               `json:"allowRecording"`
	RecordingConfig  RecordingConfig    `json:"recordingConfig"`
}

func DefaultSettings(iceServers []webrtc.ICEServer) Settings {
	servers := make([]webrtc.ICEServer, len(iceServers))
	copy(servers, iceServers)
	return Settings{
		ICEServers:       servers,
		AllowScreenShare: true,
		AllowRecording:   false,
		RecordingConfig: RecordingConfig{
			Quality:            "720p",
			Format:             "webm",
			MaxDurationMinutes: 120,
		},
	}
}

type RecordingConfigPatch struct {
	Quality            *string `json:"quality,omitempty"`
	Format             *string `json:"format,omitempty"`
	MaxDurationMinutes *int    `json:"maxDurationMinutes,omitempty"`
}

// SettingsPatch carries only the fields a caller wants to change. Nested
// recording config is merged field by field.
type SettingsPatch struct {
	ICEServers       *[]webrtc.ICEServer   `json:"iceServers,omitempty"`
	AllowScreenShare *bool                 `json:"allowScreenShare,omitempty"`
	AllowRecording   *bool                 `json:"allowRecording,omitempty"`
	RecordingConfig  *RecordingConfigPatch `json:"recordingConfig,omitempty"`
}

// Merge returns s with the patch applied. s is left untouched.
func (s Settings) Merge(p SettingsPatch) (Settings, error) {
	out := s
	if p.ICEServers != nil {
		if err := ValidateICEServers(*p.ICEServers); err != nil {
			return s, err
		}
		out.ICEServers = append([]webrtc.ICEServer(nil), *p.ICEServers...)
	}
	if p.AllowScreenShare != nil {
		out.AllowScreenShare = *p.AllowScreenShare
	}
	if p.AllowRecording != nil {
		out.AllowRecording = *p.AllowRecording
	}
	if rc := p.RecordingConfig; rc != nil {
		if rc.Quality != nil {
			out.RecordingConfig.Quality = *rc.Quality
		}
		if rc.Format != nil {
			out.RecordingConfig.Format = *rc.Format
		}
		if rc.MaxDurationMinutes != nil {
			if *rc.MaxDurationMinutes <= 0 {
				return s, ValidationError("recordingConfig.maxDurationMinutes must be positive")
			}
			out.RecordingConfig.MaxDurationMinutes = *rc.MaxDurationMinutes
		}
	}
	return out, nil
}

// ValidateICEServers checks every url is a well-formed stun/turn uri.
func ValidateICEServers(servers []webrtc.ICEServer) error {
	for _, srv := range servers {
		if len(srv.URLs) == 0 {
			return ValidationError("ice server without urls")
		}
		for _, raw := range srv.URLs {
			if _, err := stun.ParseURI(raw); err != nil {
				return ValidationError("invalid ice server url %q", raw)
			}
		}
	}
	return nil
}

type Metrics struct {
	TotalJoins        int       `json:"totalJoins"`
	PeakParticipants  int       `json:"peakParticipants"`
	MessagesExchanged int       `json:"messagesExchanged"`
	ErrorCount        int       `json:"errorCount"`
	LastActivity      time.Time `json:"lastActivity"`
	SessionDuration   int64     `json:"sessionDuration"` // seconds since creation
}

type Participant struct {
	UserID            UserID    `json:"userId"`
	DisplayName       string    `json:"displayName"`
	JoinedAt          time.Time `json:"joinedAt"`
	AudioEnabled      bool      `json:"audioEnabled"`
	VideoEnabled      bool      `json:"videoEnabled"`
	ScreenSharing     bool      `json:"screenSharing"`
	ConnectionQuality string    `json:"connectionQuality"`
}

// Room is the durable state of one signaling room.
type Room struct {
	ID              RoomID         `json:"roomId"`
	Type            MediaType      `json:"roomType"`
	CreatedAt       time.Time      `json:"createdAt"`
	MaxParticipants int            `json:"maxParticipants"`
	Metadata        map[string]any `json:"metadata"`
	Settings        Settings       `json:"settings"`
	Metrics         Metrics        `json:"metrics"`
	Participants    []Participant  `json:"participants"`
}

func (r *Room) Participant(id UserID) (*Participant, bool) {
	for i := range r.Participants {
		if r.Participants[i].UserID == id {
			return &r.Participants[i], true
		}
	}
	return nil, false
}

// AddParticipant appends a roster entry, or renames the existing one.
func (r *Room) AddParticipant(id UserID, name string, now time.Time) *Participant {
	if p, ok := r.Participant(id); ok {
		p.DisplayName = name
		return p
	}
	r.Participants = append(r.Participants, Participant{
		UserID:            id,
		DisplayName:       name,
		JoinedAt:          now,
		AudioEnabled:      true,
		VideoEnabled:      r.Type == MediaVideo,
		ConnectionQuality: QualityUnknown,
	})
	return &r.Participants[len(r.Participants)-1]
}

func (r *Room) RemoveParticipant(id UserID) bool {
	for i := range r.Participants {
		if r.Participants[i].UserID == id {
			r.Participants = append(r.Participants[:i], r.Participants[i+1:]...)
			return true
		}
	}
	return false
}

// MergeMetadata is a shallow merge: top level keys of patch replace those in
// the room, nested values are not merged.
func (r *Room) MergeMetadata(patch map[string]any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		r.Metadata[k] = v
	}
}

// Touch records activity and refreshes the derived session duration.
func (r *Room) Touch(now time.Time) {
	r.Metrics.LastActivity = now
	r.Metrics.SessionDuration = int64(now.Sub(r.CreatedAt) / time.Second)
}

// Attachment is kept next to each room socket so a fresh actor can tell
// who owns it.
type Attachment struct {
	UserID      UserID    `json:"userId"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
}

type QualityReport struct {
	Quality    string    `json:"quality"`
	PacketLoss float64   `json:"packetLoss"`
	RTT        float64   `json:"rtt"`
	Jitter     float64   `json:"jitter"`
	ReportedAt time.Time `json:"reportedAt"`
}

func (q QualityReport) Degraded() bool {
	return q.Quality == QualityPoor || q.Quality == QualityBad || q.PacketLoss >= DegradedPacketLoss
}

// RoomSummary is the entry a room publishes to the room index.
type RoomSummary struct {
	ID                  RoomID         `json:"roomId"`
	Type                MediaType      `json:"roomType"`
	MaxParticipants     int            `json:"maxParticipants"`
	CurrentParticipants int            `json:"currentParticipants"`
	CreatedAt           time.Time      `json:"createdAt"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}
