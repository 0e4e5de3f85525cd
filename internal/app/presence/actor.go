// Package presence tracks one status record per user and flips it to
// OFFLINE after a period without activity.
package presence

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
)

// Store persists a record together with the online and session indexes.
// Save must apply all three atomically.
type Store interface {
	Load(ctx context.Context, id domain.UserID) (domain.PresenceRecord, bool, error)
	Save(ctx context.Context, rec domain.PresenceRecord, prevSessionID string) error
	OnlineUsers(ctx context.Context) (map[domain.UserID]domain.Status, error)
	SessionMembers(ctx context.Context, sessionID string) ([]domain.UserID, error)
}

type Alarmer interface {
	SetAlarm(ctx context.Context, namespace, id string, at time.Time) error
}

const retryDelay = time.Minute

// SetParams is the input of Set. A nil SessionID drops session membership;
// a nil DeviceInfo keeps the previous descriptor.
type SetParams struct {
	Status     domain.Status
	SessionID  *string
	DeviceInfo map[string]any
}

// Actor owns the presence of one user.
type Actor struct {
	id        domain.UserID
	clock     clockwork.Clock
	store     Store
	alarms    Alarmer
	threshold time.Duration
	logger    zerolog.Logger

	loaded bool
	rec    domain.PresenceRecord
	exists bool
}

func (a *Actor) ensureLoaded(ctx context.Context) error {
	if a.loaded {
		return nil
	}
	rec, ok, err := a.store.Load(ctx, a.id)
	if err != nil {
		return domain.InternalError("load presence", err)
	}
	if ok {
		a.rec, a.exists = rec, true
	} else {
		a.rec = domain.OfflineRecord(a.id)
	}
	a.loaded = true
	return nil
}

// commit writes next and its index entries, then adopts it.
func (a *Actor) commit(ctx context.Context, next domain.PresenceRecord) error {
	if err := a.store.Save(ctx, next, a.rec.SessionID); err != nil {
		return domain.InternalError("save presence", err)
	}
	if next.Status != a.rec.Status {
		a.logger.Info().Str("from", string(a.rec.Status)).Str("to", string(next.Status)).Msg("status changed")
	}
	a.rec, a.exists = next, true
	return nil
}

func (a *Actor) arm(ctx context.Context) {
	a.armAt(ctx, a.rec.LastSeen.Add(a.threshold))
}

func (a *Actor) armAt(ctx context.Context, at time.Time) {
	if err := a.alarms.SetAlarm(ctx, Namespace, string(a.id), at); err != nil {
		a.logger.Error().Err(err).Msg("arm inactivity alarm")
	}
}

func (a *Actor) Set(ctx context.Context, p SetParams) (domain.PresenceRecord, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return domain.PresenceRecord{}, err
	}
	next := a.rec
	next.Status = p.Status
	next.LastSeen = a.clock.Now().UTC()
	next.SessionID = ""
	if p.SessionID != nil {
		next.SessionID = *p.SessionID
	}
	if p.DeviceInfo != nil {
		next.DeviceInfo = p.DeviceInfo
	}
	if err := a.commit(ctx, next); err != nil {
		return domain.PresenceRecord{}, err
	}
	metrics.PresenceTransitions.WithLabelValues(string(next.Status), "set").Inc()
	a.arm(ctx)
	return a.rec, nil
}

// Touch refreshes last-seen and re-arms the inactivity alarm.
func (a *Actor) Touch(ctx context.Context) (domain.PresenceRecord, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return domain.PresenceRecord{}, err
	}
	if !a.exists {
		return domain.PresenceRecord{}, domain.NotFoundError("no presence for user %s", a.id)
	}
	next := a.rec
	next.LastSeen = a.clock.Now().UTC()
	if err := a.commit(ctx, next); err != nil {
		return domain.PresenceRecord{}, err
	}
	a.arm(ctx)
	return a.rec, nil
}

func (a *Actor) Get(ctx context.Context) (domain.PresenceRecord, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return domain.PresenceRecord{}, err
	}
	return a.rec, nil
}

func (a *Actor) GoOffline(ctx context.Context) (domain.PresenceRecord, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return domain.PresenceRecord{}, err
	}
	next := a.rec
	next.Status = domain.StatusOffline
	next.SessionID = ""
	next.LastSeen = a.clock.Now().UTC()
	if err := a.commit(ctx, next); err != nil {
		return domain.PresenceRecord{}, err
	}
	metrics.PresenceTransitions.WithLabelValues(string(domain.StatusOffline), "explicit").Inc()
	return a.rec, nil
}

// OnAlarm forces OFFLINE once last-seen is older than the threshold. A
// record that is already OFFLINE is left alone and not re-armed.
func (a *Actor) OnAlarm(ctx context.Context) {
	if err := a.ensureLoaded(ctx); err != nil {
		a.logger.Error().Err(err).Msg("alarm")
		return
	}
	if !a.exists || a.rec.Status == domain.StatusOffline {
		return
	}
	if a.clock.Since(a.rec.LastSeen) < a.threshold {
		a.arm(ctx)
		return
	}
	next := a.rec
	next.Status = domain.StatusOffline
	next.SessionID = ""
	if err := a.commit(ctx, next); err != nil {
		a.logger.Error().Err(err).Msg("expire presence")
		a.armAt(ctx, a.clock.Now().Add(retryDelay))
		return
	}
	metrics.PresenceTransitions.WithLabelValues(string(domain.StatusOffline), "inactivity").Inc()
	a.logger.Info().Dur("threshold", a.threshold).Msg("presence expired")
}

func newActor(id domain.UserID, clock clockwork.Clock, store Store, alarms Alarmer, threshold time.Duration) *Actor {
	return &Actor{
		id:        id,
		clock:     clock,
		store:     store,
		alarms:    alarms,
		threshold: threshold,
		logger:    log.With().Str("module", "app.presence").Str("user_id", string(id)).Logger(),
	}
}
