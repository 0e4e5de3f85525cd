// Package ws adapts gorilla websockets to the actors' socket contract.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
)

var ErrClosed = errors.New("connection closed")

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Options struct {
	SendBuffer  int
	PingPeriod  time.Duration
	WriteWait   time.Duration
	MessageType int
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:  256,
		PingPeriod:  54 * time.Second,
		WriteWait:   5 * time.Second,
		MessageType: websocket.TextMessage,
	}
}

type heartbeat struct {
	every   time.Duration
	payload core.Frame
}

// Conn is a transport endpoint. It implements core.SignalConnection,
// core.CodeCloser and core.Heartbeater.
type Conn struct {
	id   core.SocketID
	conn WSConn
	opts Options

	send      chan core.Frame
	closeReq  chan []byte
	hb        chan heartbeat
	done      chan struct{}
	closeOnce sync.Once
	downOnce  sync.Once
}

func NewConn(id core.SocketID, conn WSConn, opts Options) *Conn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 5 * time.Second
	}
	if opts.MessageType == 0 {
		opts.MessageType = websocket.TextMessage
	}
	return &Conn{
		id:       id,
		conn:     conn,
		opts:     opts,
		send:     make(chan core.Frame, opts.SendBuffer),
		closeReq: make(chan []byte, 1),
		hb:       make(chan heartbeat, 1),
		done:     make(chan struct{}),
	}
}

func (c *Conn) ID() core.SocketID { return c.id }

func (c *Conn) TrySend(f core.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

// CloseWithCode flushes what is already queued, sends a close frame and
// shuts the socket.
func (c *Conn) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeReq <- websocket.FormatCloseMessage(code, reason)
	})
}

func (c *Conn) Close() { c.CloseWithCode(websocket.CloseNormalClosure, "") }

// SetHeartbeat makes the write loop emit payload every interval.
func (c *Conn) SetHeartbeat(every time.Duration, payload core.Frame) {
	select {
	case <-c.hb:
	default:
	}
	c.hb <- heartbeat{every: every, payload: payload}
}

// Done is closed once the socket is shut.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) shutdown() {
	c.downOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Conn) write(mt int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(mt, data)
}

// StartWriteLoop pumps frames to the network.
// Adapter owns transport resources and closes them on exit.
func (c *Conn) StartWriteLoop(ctx context.Context) {
	go func() {
		defer c.shutdown()

		var ping <-chan time.Time
		if c.opts.PingPeriod > 0 {
			t := time.NewTicker(c.opts.PingPeriod)
			defer t.Stop()
			ping = t.C
		}
		var beat <-chan time.Time
		var beatPayload core.Frame
		var beatTicker *time.Ticker
		defer func() {
			if beatTicker != nil {
				beatTicker.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case data := <-c.send:
				if err := c.write(c.opts.MessageType, data); err != nil {
					log.Debug().Err(err).Str("module", "adapters.ws").Str("socket", string(c.id)).Msg("write error")
					return
				}
			case msg := <-c.closeReq:
				c.flush()
				_ = c.write(websocket.CloseMessage, msg)
				return
			case <-ping:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			case hb := <-c.hb:
				if beatTicker != nil {
					beatTicker.Stop()
				}
				beatTicker = time.NewTicker(hb.every)
				beat, beatPayload = beatTicker.C, hb.payload
			case <-beat:
				if err := c.write(c.opts.MessageType, beatPayload); err != nil {
					return
				}
			}
		}
	}()
}

func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(c.opts.MessageType, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// StartReadLoop reads messages and hands them to onMessage. On exit, for any
// reason, onClose runs once and the socket is shut.
func (c *Conn) StartReadLoop(ctx context.Context, onMessage func([]byte), onClose func()) {
	go func() {
		defer func() {
			onClose()
			c.shutdown()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			default:
			}
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug().Err(err).Str("module", "adapters.ws").Str("socket", string(c.id)).Msg("read error")
				}
				return
			}
			onMessage(data)
		}
	}()
}
