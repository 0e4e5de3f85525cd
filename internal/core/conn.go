package core

import (
	"errors"
	"time"
)

// Frame is a raw payload written to one socket.
type Frame []byte

// ErrBackpressure is returned by TrySend when the socket's outbound queue is full.
var ErrBackpressure = errors.New("backpressure")

// SignalConnection abstracts a socket for the actors.
// Owned by the adapter; actors only send and ask for a close.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// CodeCloser is implemented by transports able to send a close reason.
type CodeCloser interface {
	CloseWithCode(code int, reason string)
}

// Heartbeater is implemented by transports able to emit periodic keepalive frames.
type Heartbeater interface {
	SetHeartbeat(every time.Duration, payload Frame)
}

// Close codes used when a socket is shut by the server.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseTryAgainLater   = 1013
	CloseAuthFailed      = 4001
	CloseNotFound        = 4004
	CloseRoomFull        = 4009
)

// CloseWith closes conn, passing code and reason along when the transport supports it.
func CloseWith(conn SignalConnection, code int, reason string) {
	if cc, ok := conn.(CodeCloser); ok {
		cc.CloseWithCode(code, reason)
		return
	}
	conn.Close()
}
