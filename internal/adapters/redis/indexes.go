package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dkeye/huddle/internal/domain"
)

const (
	roomIndexKey   = "rooms:index"
	onlineKey      = "presence:online"
	presencePrefix = "presence:user:"
	sessionPrefix  = "presence:session:"
)

// RoomIndex is the room directory kept in one hash, room id -> summary.
type RoomIndex struct {
	rdb *goredis.Client
}

func NewRoomIndex(rdb *goredis.Client) *RoomIndex { return &RoomIndex{rdb: rdb} }

func (ix *RoomIndex) Upsert(ctx context.Context, s domain.RoomSummary) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return ix.rdb.HSet(ctx, roomIndexKey, string(s.ID), raw).Err()
}

func (ix *RoomIndex) Remove(ctx context.Context, id domain.RoomID) error {
	return ix.rdb.HDel(ctx, roomIndexKey, string(id)).Err()
}

func (ix *RoomIndex) List(ctx context.Context) ([]domain.RoomSummary, error) {
	all, err := ix.rdb.HGetAll(ctx, roomIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read room index: %w", err)
	}
	out := make([]domain.RoomSummary, 0, len(all))
	for id, raw := range all {
		var s domain.RoomSummary
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("decode room %s: %w", id, err)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PresenceStore keeps one JSON record per user plus the online hash and a
// member set per session. Save writes all of them in one MULTI/EXEC.
type PresenceStore struct {
	rdb *goredis.Client
}

func NewPresenceStore(rdb *goredis.Client) *PresenceStore { return &PresenceStore{rdb: rdb} }

func recordKey(id domain.UserID) string { return presencePrefix + string(id) }

func sessionKey(sessionID string) string { return sessionPrefix + sessionID }

func (p *PresenceStore) Load(ctx context.Context, id domain.UserID) (domain.PresenceRecord, bool, error) {
	raw, err := p.rdb.Get(ctx, recordKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.PresenceRecord{}, false, nil
	}
	if err != nil {
		return domain.PresenceRecord{}, false, fmt.Errorf("load presence %s: %w", id, err)
	}
	var rec domain.PresenceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.PresenceRecord{}, false, fmt.Errorf("decode presence %s: %w", id, err)
	}
	return rec, true, nil
}

func (p *PresenceStore) Save(ctx context.Context, rec domain.PresenceRecord, prevSessionID string) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	uid := string(rec.UserID)
	_, err = p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, recordKey(rec.UserID), raw, 0)
		if rec.Status != domain.StatusOffline {
			pipe.HSet(ctx, onlineKey, uid, string(rec.Status))
		} else {
			pipe.HDel(ctx, onlineKey, uid)
		}
		if prevSessionID != "" && prevSessionID != rec.SessionID {
			pipe.SRem(ctx, sessionKey(prevSessionID), uid)
		}
		if rec.SessionID != "" {
			pipe.SAdd(ctx, sessionKey(rec.SessionID), uid)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save presence %s: %w", uid, err)
	}
	return nil
}

func (p *PresenceStore) OnlineUsers(ctx context.Context) (map[domain.UserID]domain.Status, error) {
	all, err := p.rdb.HGetAll(ctx, onlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read online index: %w", err)
	}
	out := make(map[domain.UserID]domain.Status, len(all))
	for uid, status := range all {
		out[domain.UserID(uid)] = domain.Status(status)
	}
	return out, nil
}

func (p *PresenceStore) SessionMembers(ctx context.Context, sessionID string) ([]domain.UserID, error) {
	members, err := p.rdb.SMembers(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	sort.Strings(members)
	out := make([]domain.UserID, len(members))
	for i, m := range members {
		out[i] = domain.UserID(m)
	}
	return out, nil
}
