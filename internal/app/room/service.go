// Package room implements the signaling room actor and the service that
// routes control calls and socket events onto it.
package room

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

// Namespace is the actor, storage and alarm namespace of rooms.
const Namespace = "room"

type Config struct {
	CleanupGrace           time.Duration
	DefaultMaxParticipants int
	MaxParticipantsLimit   int
	ICEServers             []webrtc.ICEServer
	ICETTL                 time.Duration
}

func DefaultConfig() Config {
	return Config{
		CleanupGrace:           60 * time.Second,
		DefaultMaxParticipants: 8,
		MaxParticipantsLimit:   50,
		ICEServers:             []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		ICETTL:                 24 * time.Hour,
	}
}

type InitParams struct {
	Type            domain.MediaType
	MaxParticipants int
	Metadata        map[string]any
}

type deps struct {
	cfg     Config
	clock   clockwork.Clock
	storage core.StorageProvider
	sockets *core.SocketSet
	alarms  Alarmer
	index   Index
}

// Scheduler is the part of core.Scheduler the service needs.
type Scheduler interface {
	Alarmer
	Handle(namespace string, fn func(id string))
}

// Service is the entry point of the room control surface and room sockets.
type Service struct {
	cfg     Config
	actors  *core.Namespace[*Actor]
	sockets *core.SocketSet
	index   Index
}

func NewService(cfg Config, clock clockwork.Clock, storage core.StorageProvider, sched Scheduler, index Index) *Service {
	d := deps{
		cfg:     cfg,
		clock:   clock,
		storage: storage,
		sockets: core.NewSocketSet(Namespace),
		alarms:  sched,
		index:   index,
	}
	s := &Service{
		cfg:     cfg,
		sockets: d.sockets,
		index:   index,
		actors: core.NewNamespace(Namespace, clock, func(id string) *Actor {
			return newActor(domain.RoomID(id), d)
		}),
	}
	sched.Handle(Namespace, func(id string) {
		err := s.actors.Post(context.Background(), id, func(a *Actor) { a.OnAlarm(context.Background()) })
		if err != nil {
			log.Error().Err(err).Str("module", "app.room").Str("room_id", id).Msg("deliver alarm")
		}
	})
	return s
}

// Actors exposes the actor registry for the idle sweeper.
func (s *Service) Actors() *core.Namespace[*Actor] { return s.actors }

func (s *Service) Create(ctx context.Context, p InitParams) (Snapshot, error) {
	if p.MaxParticipants == 0 {
		p.MaxParticipants = s.cfg.DefaultMaxParticipants
	}
	if p.MaxParticipants < 1 || p.MaxParticipants > s.cfg.MaxParticipantsLimit {
		return Snapshot{}, domain.ValidationError("maxParticipants must be between 1 and %d", s.cfg.MaxParticipantsLimit)
	}
	if p.Type == "" {
		p.Type = domain.MediaVideo
	}
	id := domain.RoomID(uuid.NewString())
	return core.Call(ctx, s.actors, string(id), func(a *Actor) (Snapshot, error) {
		return a.Initialize(ctx, p)
	})
}

func (s *Service) Join(ctx context.Context, id domain.RoomID, uid domain.UserID, name string) (Snapshot, error) {
	return core.Call(ctx, s.actors, string(id), func(a *Actor) (Snapshot, error) {
		return a.Join(ctx, uid, name)
	})
}

func (s *Service) Leave(ctx context.Context, id domain.RoomID, uid domain.UserID) error {
	return s.actors.Do(ctx, string(id), func(a *Actor) error {
		return a.Leave(ctx, uid)
	})
}

func (s *Service) Info(ctx context.Context, id domain.RoomID) (Snapshot, error) {
	return core.Call(ctx, s.actors, string(id), func(a *Actor) (Snapshot, error) {
		return a.Info(ctx)
	})
}

func (s *Service) Settings(ctx context.Context, id domain.RoomID) (domain.Settings, error) {
	return core.Call(ctx, s.actors, string(id), func(a *Actor) (domain.Settings, error) {
		return a.Settings(ctx)
	})
}

func (s *Service) PatchSettings(ctx context.Context, id domain.RoomID, patch domain.SettingsPatch) (domain.Settings, error) {
	return core.Call(ctx, s.actors, string(id), func(a *Actor) (domain.Settings, error) {
		return a.PatchSettings(ctx, patch)
	})
}

func (s *Service) PatchMetadata(ctx context.Context, id domain.RoomID, patch map[string]any) (map[string]any, error) {
	return core.Call(ctx, s.actors, string(id), func(a *Actor) (map[string]any, error) {
		return a.PatchMetadata(ctx, patch)
	})
}

func (s *Service) TraversalServers(ctx context.Context, id domain.RoomID) (TraversalServers, error) {
	return core.Call(ctx, s.actors, string(id), func(a *Actor) (TraversalServers, error) {
		return a.TraversalServers(ctx)
	})
}

func (s *Service) Metrics(ctx context.Context, id domain.RoomID) (MetricsReport, error) {
	return core.Call(ctx, s.actors, string(id), func(a *Actor) (MetricsReport, error) {
		return a.Metrics(ctx)
	})
}

// List reads the room index.
func (s *Service) List(ctx context.Context) ([]domain.RoomSummary, error) {
	rooms, err := s.index.List(ctx)
	if err != nil {
		return nil, domain.InternalError("list rooms", err)
	}
	return rooms, nil
}

// Attach admits a socket. On error the caller closes the transport.
func (s *Service) Attach(ctx context.Context, id domain.RoomID, sid core.SocketID, conn core.SignalConnection, uid domain.UserID, name string) error {
	return s.actors.Do(ctx, string(id), func(a *Actor) error {
		return a.Attach(ctx, sid, conn, uid, name)
	})
}

// Receive queues one inbound socket message.
func (s *Service) Receive(ctx context.Context, id domain.RoomID, sid core.SocketID, data []byte) {
	err := s.actors.Post(ctx, string(id), func(a *Actor) { a.HandleFrame(context.Background(), sid, data) })
	if err != nil {
		log.Warn().Err(err).Str("module", "app.room").Str("room_id", string(id)).Msg("drop inbound frame")
	}
}

// Detach queues the cleanup of a closed socket.
func (s *Service) Detach(id domain.RoomID, sid core.SocketID) {
	err := s.actors.Post(context.Background(), string(id), func(a *Actor) { a.Detach(context.Background(), sid) })
	if err != nil {
		log.Warn().Err(err).Str("module", "app.room").Str("room_id", string(id)).Msg("drop detach")
	}
}

func (s *Service) Close() { s.actors.Close() }
