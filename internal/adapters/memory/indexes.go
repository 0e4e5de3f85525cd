package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/huddle/internal/domain"
)

// RoomIndex is the in-process room directory.
type RoomIndex struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]domain.RoomSummary
}

func NewRoomIndex() *RoomIndex {
	return &RoomIndex{rooms: make(map[domain.RoomID]domain.RoomSummary)}
}

func (ix *RoomIndex) Upsert(_ context.Context, s domain.RoomSummary) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.rooms[s.ID] = s
	return nil
}

func (ix *RoomIndex) Remove(_ context.Context, id domain.RoomID) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.rooms, id)
	return nil
}

func (ix *RoomIndex) List(_ context.Context) ([]domain.RoomSummary, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]domain.RoomSummary, 0, len(ix.rooms))
	for _, s := range ix.rooms {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PresenceStore keeps presence records and both presence indexes under one
// lock, so readers never see them disagree.
type PresenceStore struct {
	mu       sync.RWMutex
	records  map[domain.UserID]domain.PresenceRecord
	online   map[domain.UserID]domain.Status
	sessions map[string]map[domain.UserID]struct{}
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		records:  make(map[domain.UserID]domain.PresenceRecord),
		online:   make(map[domain.UserID]domain.Status),
		sessions: make(map[string]map[domain.UserID]struct{}),
	}
}

func (p *PresenceStore) Load(_ context.Context, id domain.UserID) (domain.PresenceRecord, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[id]
	return rec, ok, nil
}

func (p *PresenceStore) Save(_ context.Context, rec domain.PresenceRecord, prevSessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[rec.UserID] = rec
	if rec.Status != domain.StatusOffline {
		p.online[rec.UserID] = rec.Status
	} else {
		delete(p.online, rec.UserID)
	}
	if prevSessionID != "" && prevSessionID != rec.SessionID {
		if members, ok := p.sessions[prevSessionID]; ok {
			delete(members, rec.UserID)
			if len(members) == 0 {
				delete(p.sessions, prevSessionID)
			}
		}
	}
	if rec.SessionID != "" {
		members, ok := p.sessions[rec.SessionID]
		if !ok {
			members = make(map[domain.UserID]struct{})
			p.sessions[rec.SessionID] = members
		}
		members[rec.UserID] = struct{}{}
	}
	return nil
}

func (p *PresenceStore) OnlineUsers(_ context.Context) (map[domain.UserID]domain.Status, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[domain.UserID]domain.Status, len(p.online))
	for k, v := range p.online {
		out[k] = v
	}
	return out, nil
}

func (p *PresenceStore) SessionMembers(_ context.Context, sessionID string) ([]domain.UserID, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.UserID, 0, len(p.sessions[sessionID]))
	for id := range p.sessions[sessionID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
