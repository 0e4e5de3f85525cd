package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrMailboxClosed is returned when posting to a stopped mailbox.
var ErrMailboxClosed = errors.New("mailbox closed")

const mailboxSize = 256

// Mailbox runs commands one at a time on a single goroutine. A command runs
// to completion before the next one starts.
type Mailbox struct {
	clock clockwork.Clock
	name  string

	mu     sync.Mutex
	closed bool
	cmdCh  chan func()
	done   chan struct{}

	pending    atomic.Int64
	lastActive atomic.Int64
}

// NewMailbox starts the worker. When after is non-nil the worker waits for
// it to close before running anything, so a replacement never overlaps the
// mailbox it replaces.
func NewMailbox(clock clockwork.Clock, name string, after <-chan struct{}) *Mailbox {
	m := &Mailbox{
		clock: clock,
		name:  name,
		cmdCh: make(chan func(), mailboxSize),
		done:  make(chan struct{}),
	}
	m.lastActive.Store(clock.Now().UnixNano())
	go m.run(after)
	return m
}

func (m *Mailbox) run(after <-chan struct{}) {
	defer close(m.done)
	if after != nil {
		<-after
	}
	for fn := range m.cmdCh {
		m.exec(fn)
		m.pending.Add(-1)
		m.lastActive.Store(m.clock.Now().UnixNano())
	}
}

func (m *Mailbox) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "core.mailbox").Str("actor", m.name).Interface("panic", r).Msg("command panicked")
		}
	}()
	fn()
}

// Post enqueues fn without waiting for it.
func (m *Mailbox) Post(ctx context.Context, fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMailboxClosed
	}
	select {
	case m.cmdCh <- fn:
		m.pending.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do enqueues fn and waits until it has run.
func (m *Mailbox) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := m.Post(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new commands. Already queued ones still run.
func (m *Mailbox) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.cmdCh)
}

// Done is closed once the worker has drained and exited.
func (m *Mailbox) Done() <-chan struct{} { return m.done }

// Idle reports how long the mailbox has had nothing to do.
func (m *Mailbox) Idle() time.Duration {
	if m.pending.Load() > 0 {
		return 0
	}
	return m.clock.Since(time.Unix(0, m.lastActive.Load()))
}
