// Package memory holds process-local implementations of the storage,
// index and persistence ports. They back the dev profile and the tests.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/dkeye/huddle/internal/core"
)

// Store keeps actor scopes and alarms in maps.
type Store struct {
	mu     sync.Mutex
	scopes map[string]map[string][]byte
	alarms map[string]core.Alarm
}

var (
	_ core.StorageProvider = (*Store)(nil)
	_ core.AlarmStore      = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		scopes: make(map[string]map[string][]byte),
		alarms: make(map[string]core.Alarm),
	}
}

func (s *Store) Scope(namespace, id string) core.Storage {
	return &scope{store: s, name: namespace + ":" + id}
}

// Keys lists the keys held under a scope. Used by tests.
func (s *Store) Keys(namespace, id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.scopes[namespace+":"+id] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type scope struct {
	store *Store
	name  string
}

func (sc *scope) Get(_ context.Context, key string, dst any) (bool, error) {
	sc.store.mu.Lock()
	raw, ok := sc.store.scopes[sc.name][key]
	sc.store.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (sc *scope) Put(_ context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sc.store.mu.Lock()
	defer sc.store.mu.Unlock()
	m, ok := sc.store.scopes[sc.name]
	if !ok {
		m = make(map[string][]byte)
		sc.store.scopes[sc.name] = m
	}
	m[key] = raw
	return nil
}

func (sc *scope) Delete(_ context.Context, keys ...string) error {
	sc.store.mu.Lock()
	defer sc.store.mu.Unlock()
	m := sc.store.scopes[sc.name]
	for _, k := range keys {
		delete(m, k)
	}
	if len(m) == 0 {
		delete(sc.store.scopes, sc.name)
	}
	return nil
}

func (sc *scope) DeleteAll(_ context.Context) error {
	sc.store.mu.Lock()
	defer sc.store.mu.Unlock()
	delete(sc.store.scopes, sc.name)
	return nil
}

func (s *Store) SaveAlarm(_ context.Context, a core.Alarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms[a.Namespace+":"+a.ID] = a
	return nil
}

func (s *Store) DeleteAlarm(_ context.Context, namespace, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alarms, namespace+":"+id)
	return nil
}

func (s *Store) LoadAlarms(_ context.Context) ([]core.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Alarm, 0, len(s.alarms))
	for _, a := range s.alarms {
		out = append(out, a)
	}
	return out, nil
}
