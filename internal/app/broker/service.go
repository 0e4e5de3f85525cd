// Package broker relays a STOMP style publish/subscribe protocol over many
// sockets through one serialized actor.
package broker

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

const (
	Namespace = "broker"
	// owner is the id of the single broker instance.
	owner = "main"
)

type Config struct {
	HeartbeatMin    time.Duration
	ExternalTimeout time.Duration
	SendRate        float64
	SendBurst       int
}

func DefaultConfig() Config {
	return Config{
		HeartbeatMin:    10 * time.Second,
		ExternalTimeout: 5 * time.Second,
		SendRate:        20,
		SendBurst:       40,
	}
}

type deps struct {
	cfg      Config
	clock    clockwork.Clock
	sockets  *core.SocketSet
	verifier IdentityVerifier
	messages MessageStore
	limiter  *SendRateLimiter
}

// Service owns the broker actor and the sockets attached to it.
type Service struct {
	actors *core.Namespace[*Broker]
}

func NewService(cfg Config, clock clockwork.Clock, verifier IdentityVerifier, messages MessageStore) *Service {
	d := deps{
		cfg:      cfg,
		clock:    clock,
		sockets:  core.NewSocketSet(Namespace),
		verifier: verifier,
		messages: messages,
		limiter:  NewSendRateLimiter(cfg.SendRate, cfg.SendBurst),
	}
	return &Service{
		actors: core.NewNamespace(Namespace, clock, func(string) *Broker { return newBroker(d) }),
	}
}

func (s *Service) Actors() *core.Namespace[*Broker] { return s.actors }

// Open registers a socket before its read loop starts.
func (s *Service) Open(ctx context.Context, sid core.SocketID, conn core.SignalConnection) error {
	return s.actors.Do(ctx, owner, func(b *Broker) error { return b.Open(sid, conn) })
}

// Receive queues raw inbound bytes of one socket.
func (s *Service) Receive(ctx context.Context, sid core.SocketID, data []byte) {
	err := s.actors.Post(ctx, owner, func(b *Broker) { b.Receive(context.Background(), sid, data) })
	if err != nil {
		log.Warn().Err(err).Str("module", "app.broker").Str("conn_id", string(sid)).Msg("drop inbound bytes")
	}
}

// Close queues the cleanup of a socket that went away.
func (s *Service) Close(sid core.SocketID) {
	err := s.actors.Post(context.Background(), owner, func(b *Broker) { b.Close(sid) })
	if err != nil {
		log.Warn().Err(err).Str("module", "app.broker").Str("conn_id", string(sid)).Msg("drop close")
	}
}

// Publish pushes body onto destination for every current subscriber and
// returns how many deliveries were made.
func (s *Service) Publish(ctx context.Context, destination string, body []byte, user domain.UserID) (int, error) {
	return core.Call(ctx, s.actors, owner, func(b *Broker) (int, error) {
		return b.Publish(destination, body, user)
	})
}

func (s *Service) Shutdown() { s.actors.Close() }
