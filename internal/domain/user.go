// Package domain contains entities and their validation, without transport or storage logic.
package domain

import (
	"strings"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 64
)

type UserID string

// Identity is what the identity verifier hands back for a credential.
type Identity struct {
	UserID      UserID `json:"userId"`
	DisplayName string `json:"displayName"`
}

// NewUserID trims and validates a raw user id coming from a request.
func NewUserID(raw string) (UserID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ValidationError("userId is required")
	}
	if len(id) > MaxUserIDLen {
		return "", ValidationError("userId too long")
	}
	return UserID(id), nil
}

// NormalizeUsername validates a display name, falling back to the user id.
func NormalizeUsername(name string, id UserID) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return string(id), nil
	}
	if len(name) > MaxUsernameLen {
		return "", ValidationError("userName too long")
	}
	return name, nil
}
