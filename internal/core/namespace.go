package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/metrics"
)

type entry[A any] struct {
	actor A
	mb    *Mailbox
}

// Namespace is a registry of actors of one kind, addressed by id. Actors are
// created on first use and may be hibernated at any time; the next command
// for the same id builds a fresh actor that starts only after the old one
// has drained.
type Namespace[A any] struct {
	name     string
	clock    clockwork.Clock
	newActor func(id string) A

	mu       sync.Mutex
	entries  map[string]*entry[A]
	draining map[string]<-chan struct{}
	closed   bool
}

func NewNamespace[A any](name string, clock clockwork.Clock, newActor func(id string) A) *Namespace[A] {
	return &Namespace[A]{
		name:     name,
		clock:    clock,
		newActor: newActor,
		entries:  make(map[string]*entry[A]),
		draining: make(map[string]<-chan struct{}),
	}
}

func (n *Namespace[A]) Name() string { return n.name }

var errNamespaceClosed = errors.New("namespace closed")

// Flusher is implemented by actors that hold writes back. Flush runs on the
// actor's mailbox before the actor leaves memory.
type Flusher interface {
	Flush()
}

func (n *Namespace[A]) flush(e *entry[A]) {
	f, ok := any(e.actor).(Flusher)
	if !ok {
		return
	}
	if err := e.mb.Post(context.Background(), f.Flush); err != nil {
		log.Warn().Err(err).Str("module", "core.namespace").Str("namespace", n.name).Msg("flush before stop")
	}
}

func (n *Namespace[A]) get(id string) (*entry[A], error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, errNamespaceClosed
	}
	if e, ok := n.entries[id]; ok {
		return e, nil
	}
	prev := n.draining[id]
	delete(n.draining, id)
	e := &entry[A]{
		actor: n.newActor(id),
		mb:    NewMailbox(n.clock, n.name+"/"+id, prev),
	}
	n.entries[id] = e
	metrics.ActorsActive.WithLabelValues(n.name).Inc()
	return e, nil
}

// Do runs fn on the actor for id and waits for its result.
func (n *Namespace[A]) Do(ctx context.Context, id string, fn func(A) error) error {
	for {
		e, err := n.get(id)
		if err != nil {
			return err
		}
		var ferr error
		err = e.mb.Do(ctx, func() { ferr = fn(e.actor) })
		if errors.Is(err, ErrMailboxClosed) {
			continue
		}
		if err != nil {
			return err
		}
		return ferr
	}
}

// Call runs fn on the actor for id and returns its result. If ctx ends before
// fn has run, Call returns the zero value and fn's late result is dropped.
func Call[A, T any](ctx context.Context, n *Namespace[A], id string, fn func(A) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	err := n.Do(ctx, id, func(a A) error {
		v, err := fn(a)
		ch <- result{v: v, err: err}
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	r := <-ch
	return r.v, r.err
}

// Post queues fn on the actor for id without waiting.
func (n *Namespace[A]) Post(ctx context.Context, id string, fn func(A)) error {
	for {
		e, err := n.get(id)
		if err != nil {
			return err
		}
		err = e.mb.Post(ctx, func() { fn(e.actor) })
		if errors.Is(err, ErrMailboxClosed) {
			continue
		}
		return err
	}
}

// Hibernate drops the in-memory actor for id. Sockets and durable state are
// untouched.
func (n *Namespace[A]) Hibernate(id string) bool {
	n.mu.Lock()
	e, ok := n.entries[id]
	if !ok {
		n.mu.Unlock()
		return false
	}
	delete(n.entries, id)
	done := e.mb.Done()
	n.draining[id] = done
	n.mu.Unlock()

	n.flush(e)
	e.mb.Stop()
	metrics.ActorsActive.WithLabelValues(n.name).Dec()
	metrics.ActorsHibernated.WithLabelValues(n.name).Inc()
	log.Debug().Str("module", "core.namespace").Str("namespace", n.name).Str("id", id).Msg("actor hibernated")

	go func() {
		<-done
		n.mu.Lock()
		if n.draining[id] == done {
			delete(n.draining, id)
		}
		n.mu.Unlock()
	}()
	return true
}

// SweepIdle hibernates every actor idle for at least maxIdle.
func (n *Namespace[A]) SweepIdle(maxIdle time.Duration) int {
	n.mu.Lock()
	var idle []string
	for id, e := range n.entries {
		if e.mb.Idle() >= maxIdle {
			idle = append(idle, id)
		}
	}
	n.mu.Unlock()

	count := 0
	for _, id := range idle {
		if n.Hibernate(id) {
			count++
		}
	}
	return count
}

// Len is the number of in-memory actors.
func (n *Namespace[A]) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}

// RunSweeper hibernates idle actors every interval until ctx is done.
func (n *Namespace[A]) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := n.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if c := n.SweepIdle(maxIdle); c > 0 {
				log.Info().Str("module", "core.namespace").Str("namespace", n.name).Int("count", c).Msg("idle actors hibernated")
			}
		}
	}
}

// Close stops every actor and waits for queued commands to finish.
func (n *Namespace[A]) Close() {
	n.mu.Lock()
	n.closed = true
	entries := n.entries
	n.entries = make(map[string]*entry[A])
	n.mu.Unlock()

	for _, e := range entries {
		n.flush(e)
		e.mb.Stop()
	}
	for _, e := range entries {
		<-e.mb.Done()
	}
	metrics.ActorsActive.WithLabelValues(n.name).Sub(float64(len(entries)))
}
