package presence

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

const Namespace = "presence"

type Scheduler interface {
	Alarmer
	Handle(namespace string, fn func(id string))
}

// Service routes presence calls onto the per-user actors.
type Service struct {
	actors *core.Namespace[*Actor]
	store  Store
}

func NewService(clock clockwork.Clock, store Store, sched Scheduler, threshold time.Duration) *Service {
	s := &Service{
		store: store,
		actors: core.NewNamespace(Namespace, clock, func(id string) *Actor {
			return newActor(domain.UserID(id), clock, store, sched, threshold)
		}),
	}
	sched.Handle(Namespace, func(id string) {
		err := s.actors.Post(context.Background(), id, func(a *Actor) { a.OnAlarm(context.Background()) })
		if err != nil {
			log.Error().Err(err).Str("module", "app.presence").Str("user_id", id).Msg("deliver alarm")
		}
	})
	return s
}

func (s *Service) Actors() *core.Namespace[*Actor] { return s.actors }

func (s *Service) do(ctx context.Context, id domain.UserID, fn func(*Actor) (domain.PresenceRecord, error)) (domain.PresenceRecord, error) {
	return core.Call(ctx, s.actors, string(id), fn)
}

func (s *Service) Set(ctx context.Context, id domain.UserID, p SetParams) (domain.PresenceRecord, error) {
	return s.do(ctx, id, func(a *Actor) (domain.PresenceRecord, error) { return a.Set(ctx, p) })
}

func (s *Service) Touch(ctx context.Context, id domain.UserID) (domain.PresenceRecord, error) {
	return s.do(ctx, id, func(a *Actor) (domain.PresenceRecord, error) { return a.Touch(ctx) })
}

func (s *Service) Get(ctx context.Context, id domain.UserID) (domain.PresenceRecord, error) {
	return s.do(ctx, id, func(a *Actor) (domain.PresenceRecord, error) { return a.Get(ctx) })
}

func (s *Service) GoOffline(ctx context.Context, id domain.UserID) (domain.PresenceRecord, error) {
	return s.do(ctx, id, func(a *Actor) (domain.PresenceRecord, error) { return a.GoOffline(ctx) })
}

// Online lists users whose status is not OFFLINE.
func (s *Service) Online(ctx context.Context) (map[domain.UserID]domain.Status, error) {
	out, err := s.store.OnlineUsers(ctx)
	if err != nil {
		return nil, domain.InternalError("read online index", err)
	}
	return out, nil
}

// SessionMembers lists users whose presence points at sessionID.
func (s *Service) SessionMembers(ctx context.Context, sessionID string) ([]domain.UserID, error) {
	out, err := s.store.SessionMembers(ctx, sessionID)
	if err != nil {
		return nil, domain.InternalError("read session index", err)
	}
	return out, nil
}

func (s *Service) Close() { s.actors.Close() }
