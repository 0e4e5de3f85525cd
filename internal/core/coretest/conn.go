// Package coretest provides an in-memory socket for actor tests.
package coretest

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/core"
)

// Conn records everything an actor sends to it.
type Conn struct {
	mu        sync.Mutex
	frames    []core.Frame
	closed    bool
	code      int
	reason    string
	heartbeat time.Duration
	// Full makes TrySend fail with backpressure.
	Full bool
}

var (
	_ core.SignalConnection = (*Conn)(nil)
	_ core.CodeCloser       = (*Conn)(nil)
	_ core.Heartbeater      = (*Conn)(nil)
)

func NewConn() *Conn { return &Conn{} }

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, append(core.Frame(nil), f...))
	return nil
}

func (c *Conn) Close() { c.CloseWithCode(core.CloseNormal, "") }

func (c *Conn) CloseWithCode(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed, c.code, c.reason = true, code, reason
}

func (c *Conn) SetHeartbeat(every time.Duration, _ core.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeat = every
}

func (c *Conn) Frames() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Frame(nil), c.frames...)
}

// Reset forgets recorded frames.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

// Events decodes every recorded frame as a JSON object.
func (c *Conn) Events() []map[string]any {
	var out []map[string]any
	for _, f := range c.Frames() {
		var m map[string]any
		if json.Unmarshal(f, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

// EventsOfType returns the decoded events whose "type" equals typ.
func (c *Conn) EventsOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, e := range c.Events() {
		if e["type"] == typ {
			out = append(out, e)
		}
	}
	return out
}

func (c *Conn) Closed() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code, c.reason
}

func (c *Conn) Heartbeat() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat
}
