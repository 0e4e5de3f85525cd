package room

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
)

const (
	keyRoom       = "room"
	qualityPrefix = "quality:"
)

// Alarmer arms the wake-up of one actor.
type Alarmer interface {
	SetAlarm(ctx context.Context, namespace, id string, at time.Time) error
}

// Index is the external room directory kept in sync with each room.
type Index interface {
	Upsert(ctx context.Context, s domain.RoomSummary) error
	Remove(ctx context.Context, id domain.RoomID) error
	List(ctx context.Context) ([]domain.RoomSummary, error)
}

// Actor owns one room. Every method must run on the room's mailbox.
type Actor struct {
	id      domain.RoomID
	cfg     Config
	clock   clockwork.Clock
	store   core.Storage
	sockets *core.SocketSet
	alarms  Alarmer
	index   Index
	logger  zerolog.Logger

	loaded bool
	room   *domain.Room
	// conns maps every attached socket to its participant.
	conns map[core.SocketID]domain.UserID
	// reserved holds users admitted over HTTP that have not attached a
	// socket yet. It is process-local and expires after the grace window.
	reserved map[domain.UserID]time.Time
	// statsDirty marks counter changes not yet written; savedAt is the last
	// successful write.
	statsDirty bool
	savedAt    time.Time
}

func newActor(id domain.RoomID, deps deps) *Actor {
	return &Actor{
		id:       id,
		cfg:      deps.cfg,
		clock:    deps.clock,
		store:    deps.storage.Scope(Namespace, string(id)),
		sockets:  deps.sockets,
		alarms:   deps.alarms,
		index:    deps.index,
		logger:   log.With().Str("module", "app.room").Str("room_id", string(id)).Logger(),
		conns:    make(map[core.SocketID]domain.UserID),
		reserved: make(map[domain.UserID]time.Time),
	}
}

func (a *Actor) owner() string { return string(a.id) }

// ensureLoaded rebuilds in-memory state from storage and from the sockets
// still held for this room. Sockets without a roster entry are closed.
func (a *Actor) ensureLoaded(ctx context.Context) error {
	if a.loaded {
		return nil
	}
	var r domain.Room
	ok, err := a.store.Get(ctx, keyRoom, &r)
	if err != nil {
		return domain.InternalError("load room", err)
	}
	if ok {
		a.room = &r
	}

	for _, s := range a.sockets.List(a.owner()) {
		var att domain.Attachment
		has, err := s.Decode(&att)
		if err == nil && has && a.room != nil {
			if _, inRoster := a.room.Participant(att.UserID); inRoster {
				a.conns[s.ID] = att.UserID
				continue
			}
		}
		a.logger.Warn().Str("socket", string(s.ID)).Msg("dropping socket without roster entry")
		a.sockets.Remove(a.owner(), s.ID)
		core.CloseWith(s.Conn, core.CloseNormal, "session expired")
	}
	a.loaded = true
	if len(a.conns) > 0 {
		a.logger.Info().Int("sockets", len(a.conns)).Msg("room rehydrated")
	}
	return nil
}

func (a *Actor) load(ctx context.Context) error {
	if err := a.ensureLoaded(ctx); err != nil {
		return err
	}
	if a.room == nil {
		return domain.NotFoundError("room %s not found", a.id)
	}
	return nil
}

// liveUsers returns the roster members with at least one attached socket.
func (a *Actor) liveUsers() map[domain.UserID]struct{} {
	live := make(map[domain.UserID]struct{}, len(a.conns))
	for _, uid := range a.conns {
		if _, ok := a.room.Participant(uid); ok {
			live[uid] = struct{}{}
		}
	}
	return live
}

func (a *Actor) liveCount() int { return len(a.liveUsers()) }

// occupancy is what capacity is checked against: live users plus
// unexpired HTTP reservations.
func (a *Actor) occupancy() int {
	now := a.clock.Now()
	seats := a.liveUsers()
	for uid, until := range a.reserved {
		if !now.Before(until) {
			delete(a.reserved, uid)
			continue
		}
		if _, ok := a.room.Participant(uid); ok {
			seats[uid] = struct{}{}
		}
	}
	return len(seats)
}

func (a *Actor) isLive(uid domain.UserID) bool {
	for _, u := range a.conns {
		if u == uid {
			return true
		}
	}
	return false
}

func (a *Actor) save(ctx context.Context) error {
	a.room.Touch(a.clock.Now())
	if err := a.store.Put(ctx, keyRoom, a.room); err != nil {
		return domain.InternalError("persist room", err)
	}
	a.statsDirty = false
	a.savedAt = a.clock.Now()
	if err := a.index.Upsert(ctx, a.summary()); err != nil {
		a.logger.Warn().Err(err).Msg("room index upsert failed")
	}
	return nil
}

func (a *Actor) summary() domain.RoomSummary {
	return domain.RoomSummary{
		ID:                  a.room.ID,
		Type:                a.room.Type,
		MaxParticipants:     a.room.MaxParticipants,
		CurrentParticipants: a.liveCount(),
		CreatedAt:           a.room.CreatedAt,
		Metadata:            copyMap(a.room.Metadata),
	}
}

func (a *Actor) armCleanup(ctx context.Context, at time.Time) {
	if err := a.alarms.SetAlarm(ctx, Namespace, string(a.id), at); err != nil {
		a.logger.Error().Err(err).Msg("arm cleanup alarm")
		return
	}
	a.logger.Debug().Time("at", at).Msg("cleanup alarm armed")
}

// Initialize creates the room. Calling it on an existing room returns the
// room unchanged.
func (a *Actor) Initialize(ctx context.Context, p InitParams) (Snapshot, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return Snapshot{}, err
	}
	if a.room != nil {
		return a.snapshot(), nil
	}
	now := a.clock.Now().UTC()
	a.room = &domain.Room{
		ID:              a.id,
		Type:            p.Type,
		CreatedAt:       now,
		MaxParticipants: p.MaxParticipants,
		Metadata:        copyMap(p.Metadata),
		Settings:        domain.DefaultSettings(a.cfg.ICEServers),
		Participants:    []domain.Participant{},
	}
	if a.room.Metadata == nil {
		a.room.Metadata = map[string]any{}
	}
	if err := a.save(ctx); err != nil {
		a.room = nil
		return Snapshot{}, err
	}
	// An abandoned room is collected like an emptied one.
	a.armCleanup(ctx, now.Add(a.cfg.CleanupGrace))
	a.logger.Info().Str("type", string(p.Type)).Int("max", p.MaxParticipants).Msg("room created")
	return a.snapshot(), nil
}

// Join admits a user over the control surface. A user already on the roster
// gets the current snapshot back untouched.
func (a *Actor) Join(ctx context.Context, uid domain.UserID, name string) (Snapshot, error) {
	if err := a.load(ctx); err != nil {
		return Snapshot{}, err
	}
	if _, ok := a.room.Participant(uid); ok {
		return a.snapshot(), nil
	}
	if occ := a.occupancy(); occ >= a.room.MaxParticipants {
		return Snapshot{}, domain.CapacityError("room is full (%d/%d)", occ, a.room.MaxParticipants)
	}
	now := a.clock.Now().UTC()
	a.room.AddParticipant(uid, name, now)
	a.reserved[uid] = now.Add(a.cfg.CleanupGrace)
	if err := a.save(ctx); err != nil {
		a.room.RemoveParticipant(uid)
		delete(a.reserved, uid)
		return Snapshot{}, err
	}
	a.logger.Info().Str("user_id", string(uid)).Msg("participant joined")
	return a.snapshot(), nil
}

// Leave removes a user and closes every socket it still has here.
func (a *Actor) Leave(ctx context.Context, uid domain.UserID) error {
	if err := a.load(ctx); err != nil {
		return err
	}
	delete(a.reserved, uid)
	for sid, u := range a.conns {
		if u != uid {
			continue
		}
		delete(a.conns, sid)
		if conn, ok := a.sockets.Get(a.owner(), sid); ok {
			a.sockets.Remove(a.owner(), sid)
			core.CloseWith(conn, core.CloseNormal, "left room")
		}
	}
	return a.leave(ctx, uid)
}

func (a *Actor) leave(ctx context.Context, uid domain.UserID) error {
	if !a.room.RemoveParticipant(uid) {
		return nil
	}
	if err := a.store.Delete(ctx, qualityPrefix+string(uid)); err != nil {
		a.logger.Warn().Err(err).Msg("drop quality record")
	}
	if err := a.save(ctx); err != nil {
		return err
	}
	a.broadcast(participantLeft{Type: "participant-left", UserID: uid}, nil)
	a.logger.Info().Str("user_id", string(uid)).Int("live", a.liveCount()).Msg("participant left")

	if a.liveCount() == 0 {
		a.armCleanup(ctx, a.clock.Now().Add(a.cfg.CleanupGrace))
	}
	return nil
}

// Attach binds a socket to the room. The caller owns the transport and must
// close it when Attach fails.
func (a *Actor) Attach(ctx context.Context, sid core.SocketID, conn core.SignalConnection, uid domain.UserID, name string) error {
	if err := a.load(ctx); err != nil {
		return err
	}
	alreadyLive := a.isLive(uid)
	if !alreadyLive {
		occ := a.occupancy()
		if _, reserved := a.reserved[uid]; !reserved && occ >= a.room.MaxParticipants {
			return domain.CapacityError("room is full (%d/%d)", occ, a.room.MaxParticipants)
		}
	}

	now := a.clock.Now().UTC()
	att := domain.Attachment{UserID: uid, DisplayName: name, JoinedAt: now}
	if err := a.sockets.Add(a.owner(), sid, conn, att); err != nil {
		return domain.InternalError("store attachment", err)
	}
	roster := append([]domain.Participant(nil), a.room.Participants...)
	stats := a.room.Metrics
	until, hadReservation := a.reserved[uid]
	a.conns[sid] = uid
	delete(a.reserved, uid)

	p := a.room.AddParticipant(uid, name, now)
	if !alreadyLive {
		a.room.Metrics.TotalJoins++
	}
	if live := a.liveCount(); live > a.room.Metrics.PeakParticipants {
		a.room.Metrics.PeakParticipants = live
	}
	if err := a.save(ctx); err != nil {
		delete(a.conns, sid)
		a.sockets.Remove(a.owner(), sid)
		a.room.Participants = roster
		a.room.Metrics = stats
		if hadReservation {
			a.reserved[uid] = until
		}
		return err
	}

	joined := participantEvent{Type: "participant-joined", Participant: *p}
	a.broadcast(joined, func(other core.SocketID, _ domain.UserID) bool { return other == sid })
	a.send(sid, connected{Type: "connected", UserID: uid, Room: a.snapshot()})
	a.logger.Info().Str("user_id", string(uid)).Str("socket", string(sid)).Int("live", a.liveCount()).Msg("socket attached")
	return nil
}

// Detach handles a closed or failed socket the same way as a leave, unless
// the user still has another socket open here.
func (a *Actor) Detach(ctx context.Context, sid core.SocketID) {
	if err := a.ensureLoaded(ctx); err != nil {
		a.logger.Error().Err(err).Msg("detach")
		return
	}
	uid, ok := a.conns[sid]
	delete(a.conns, sid)
	a.sockets.Remove(a.owner(), sid)
	if !ok || a.room == nil {
		return
	}
	if a.isLive(uid) {
		return
	}
	if err := a.leave(ctx, uid); err != nil {
		a.logger.Error().Err(err).Str("user_id", string(uid)).Msg("leave on detach")
	}
}

// OnAlarm purges the room when nobody came back during the grace window.
func (a *Actor) OnAlarm(ctx context.Context) {
	if err := a.ensureLoaded(ctx); err != nil {
		a.logger.Error().Err(err).Msg("alarm")
		return
	}
	if a.room == nil {
		return
	}
	if a.liveCount() > 0 {
		return
	}
	if a.occupancy() > 0 {
		// Only reservations keep the room; look again once they lapse.
		latest := a.clock.Now()
		for _, until := range a.reserved {
			if until.After(latest) {
				latest = until
			}
		}
		a.armCleanup(ctx, latest)
		return
	}

	if err := a.store.DeleteAll(ctx); err != nil {
		a.logger.Error().Err(err).Msg("purge room state")
		return
	}
	if err := a.index.Remove(ctx, a.id); err != nil {
		a.logger.Warn().Err(err).Msg("room index remove failed")
	}
	for sid := range a.conns {
		delete(a.conns, sid)
		a.sockets.Remove(a.owner(), sid)
	}
	a.room = nil
	metrics.RoomsPurged.Inc()
	a.logger.Info().Msg("room purged after grace window")
}

func (a *Actor) Info(ctx context.Context) (Snapshot, error) {
	if err := a.load(ctx); err != nil {
		return Snapshot{}, err
	}
	a.refreshQuality(ctx)
	return a.snapshot(), nil
}

func (a *Actor) refreshQuality(ctx context.Context) {
	if !a.expireQuality(ctx) {
		return
	}
	if err := a.save(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("persist expired quality")
	}
}

func (a *Actor) Settings(ctx context.Context) (domain.Settings, error) {
	if err := a.load(ctx); err != nil {
		return domain.Settings{}, err
	}
	return copySettings(a.room.Settings), nil
}

func (a *Actor) PatchSettings(ctx context.Context, patch domain.SettingsPatch) (domain.Settings, error) {
	if err := a.load(ctx); err != nil {
		return domain.Settings{}, err
	}
	merged, err := a.room.Settings.Merge(patch)
	if err != nil {
		return domain.Settings{}, err
	}
	a.room.Settings = merged
	if err := a.save(ctx); err != nil {
		return domain.Settings{}, err
	}
	a.broadcast(settingsUpdated{Type: "settings-updated", Settings: copySettings(merged)}, nil)
	return copySettings(merged), nil
}

func (a *Actor) PatchMetadata(ctx context.Context, patch map[string]any) (map[string]any, error) {
	if err := a.load(ctx); err != nil {
		return nil, err
	}
	a.room.MergeMetadata(patch)
	if err := a.save(ctx); err != nil {
		return nil, err
	}
	a.broadcast(metadataUpdated{Type: "metadata-updated", Metadata: copyMap(a.room.Metadata)}, nil)
	return copyMap(a.room.Metadata), nil
}

type TraversalServers struct {
	Servers []webrtc.ICEServer `json:"servers"`
	TTL     int64              `json:"ttl"`
}

func (a *Actor) TraversalServers(ctx context.Context) (TraversalServers, error) {
	if err := a.load(ctx); err != nil {
		return TraversalServers{}, err
	}
	return TraversalServers{
		Servers: copySettings(a.room.Settings).ICEServers,
		TTL:     int64(a.cfg.ICETTL / time.Second),
	}, nil
}

type MetricsReport struct {
	RoomID              domain.RoomID        `json:"roomId"`
	CurrentParticipants int                  `json:"currentParticipants"`
	Metrics             domain.Metrics       `json:"metrics"`
	Participants        []domain.Participant `json:"participants"`
}

// Metrics recomputes live occupancy as roster ∩ attached sockets.
func (a *Actor) Metrics(ctx context.Context) (MetricsReport, error) {
	if err := a.load(ctx); err != nil {
		return MetricsReport{}, err
	}
	a.refreshQuality(ctx)
	m := a.room.Metrics
	m.SessionDuration = int64(a.clock.Since(a.room.CreatedAt) / time.Second)
	return MetricsReport{
		RoomID:              a.id,
		CurrentParticipants: a.liveCount(),
		Metrics:             m,
		Participants:        append([]domain.Participant{}, a.room.Participants...),
	}, nil
}

// send writes one event to one socket. A socket that cannot keep up is closed;
// its read loop then detaches it.
func (a *Actor) send(sid core.SocketID, v any) {
	conn, ok := a.sockets.Get(a.owner(), sid)
	if !ok {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		a.logger.Error().Err(err).Msg("marshal event")
		return
	}
	if err := conn.TrySend(b); err != nil {
		if errors.Is(err, core.ErrBackpressure) {
			a.logger.Warn().Str("socket", string(sid)).Msg("socket backpressure, closing")
			core.CloseWith(conn, core.CloseTryAgainLater, "too slow")
		}
	}
}

// broadcast sends v to every attached socket except those skip matches.
func (a *Actor) broadcast(v any, skip func(core.SocketID, domain.UserID) bool) {
	for sid, uid := range a.conns {
		if skip != nil && skip(sid, uid) {
			continue
		}
		a.send(sid, v)
	}
}

func (a *Actor) sendError(sid core.SocketID, err error) {
	e := domain.AsError(err)
	a.send(sid, errorEvent{Type: "error", Error: e.Message, Code: string(e.Kind)})
}
