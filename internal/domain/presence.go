package domain

import (
	"strings"
	"time"
)

type Status string

const (
	StatusOnline   Status = "ONLINE"
	StatusStudying Status = "STUDYING"
	StatusAway     Status = "AWAY"
	StatusOffline  Status = "OFFLINE"
)

func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StatusOnline, StatusStudying, StatusAway, StatusOffline:
		return s, nil
	default:
		return "", ValidationError("status must be one of ONLINE, STUDYING, AWAY, OFFLINE")
	}
}

// PresenceRecord is the single status record kept per user.
type PresenceRecord struct {
	UserID     UserID         `json:"userId"`
	Status     Status         `json:"status"`
	LastSeen   time.Time      `json:"lastSeen"`
	SessionID  string         `json:"sessionId,omitempty"`
	DeviceInfo map[string]any `json:"deviceInfo,omitempty"`
}

func OfflineRecord(id UserID) PresenceRecord {
	return PresenceRecord{UserID: id, Status: StatusOffline}
}
