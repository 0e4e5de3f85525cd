package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dkeye/huddle/internal/core"
)

const alarmsKey = "alarms"

// Store keeps each actor scope in one hash and all pending alarms in a
// sorted set scored by unix milliseconds.
type Store struct {
	rdb *goredis.Client
}

var (
	_ core.StorageProvider = (*Store)(nil)
	_ core.AlarmStore      = (*Store)(nil)
)

func NewStore(rdb *goredis.Client) *Store {
	return &Store{rdb: rdb}
}

func scopeKey(namespace, id string) string { return "actor:" + namespace + ":" + id }

func alarmMember(namespace, id string) string { return namespace + "|" + id }

func (s *Store) Scope(namespace, id string) core.Storage {
	return &scope{rdb: s.rdb, key: scopeKey(namespace, id)}
}

type scope struct {
	rdb *goredis.Client
	key string
}

func (sc *scope) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := sc.rdb.HGet(ctx, sc.key, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("hget %s %s: %w", sc.key, key, err)
	}
	return true, json.Unmarshal(raw, dst)
}

func (sc *scope) Put(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := sc.rdb.HSet(ctx, sc.key, key, raw).Err(); err != nil {
		return fmt.Errorf("hset %s %s: %w", sc.key, key, err)
	}
	return nil
}

func (sc *scope) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return sc.rdb.HDel(ctx, sc.key, keys...).Err()
}

func (sc *scope) DeleteAll(ctx context.Context) error {
	return sc.rdb.Del(ctx, sc.key).Err()
}

func (s *Store) SaveAlarm(ctx context.Context, a core.Alarm) error {
	return s.rdb.ZAdd(ctx, alarmsKey, goredis.Z{
		Score:  float64(a.At.UnixMilli()),
		Member: alarmMember(a.Namespace, a.ID),
	}).Err()
}

func (s *Store) DeleteAlarm(ctx context.Context, namespace, id string) error {
	return s.rdb.ZRem(ctx, alarmsKey, alarmMember(namespace, id)).Err()
}

func (s *Store) LoadAlarms(ctx context.Context) ([]core.Alarm, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, alarmsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load alarms: %w", err)
	}
	out := make([]core.Alarm, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		ns, id, ok := strings.Cut(member, "|")
		if !ok {
			continue
		}
		out = append(out, core.Alarm{
			Namespace: ns,
			ID:        id,
			At:        time.UnixMilli(int64(z.Score)),
		})
	}
	return out, nil
}
