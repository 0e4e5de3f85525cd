package core

import (
	"context"
	"time"
)

// Storage is durable key/value storage scoped to one actor. Values are
// JSON encoded by the implementation.
type Storage interface {
	// Get decodes the value under key into dst and reports whether it existed.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Put(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, keys ...string) error
	// DeleteAll removes every key of the scope.
	DeleteAll(ctx context.Context) error
}

// StorageProvider hands out the storage scope of one actor.
type StorageProvider interface {
	Scope(namespace, id string) Storage
}

// Alarm is one pending wake-up.
type Alarm struct {
	Namespace string
	ID        string
	At        time.Time
}

// AlarmStore persists pending alarms so they survive a restart.
type AlarmStore interface {
	SaveAlarm(ctx context.Context, a Alarm) error
	DeleteAlarm(ctx context.Context, namespace, id string) error
	LoadAlarms(ctx context.Context) ([]Alarm, error)
}
