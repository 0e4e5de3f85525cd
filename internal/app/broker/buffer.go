package broker

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/dkeye/huddle/internal/domain"
)

// MaxFrameSize bounds how many bytes may wait for a terminator.
const MaxFrameSize = 1 << 20

// FrameBuffer accumulates the inbound bytes of one connection and cuts them
// into frames. A frame may arrive across any number of writes.
type FrameBuffer struct {
	buf []byte
}

func (b *FrameBuffer) Write(p []byte) { b.buf = append(b.buf, p...) }

// Pending returns the bytes not yet consumed by a complete frame.
func (b *FrameBuffer) Pending() []byte { return b.buf }

// Restore replaces the pending bytes, e.g. after rehydration.
func (b *FrameBuffer) Restore(p []byte) { b.buf = append([]byte(nil), p...) }

// Next returns the next complete frame, or nil when more bytes are needed.
// A frame that is complete but unparsable is consumed and reported as a
// protocol error, so the stream stays in sync.
func (b *FrameBuffer) Next() (*Frame, error) {
	b.skipHeartbeats()
	if len(b.buf) == 0 {
		return nil, nil
	}

	headerEnd, bodyStart := findHeaderEnd(b.buf)
	nulAt := bytes.IndexByte(b.buf, nul)
	if nulAt >= 0 && (headerEnd < 0 || nulAt < headerEnd) {
		b.buf = b.buf[nulAt+1:]
		return nil, domain.ProtocolError("frame without header terminator")
	}
	if headerEnd < 0 {
		return nil, b.checkSize()
	}

	head := string(b.buf[:headerEnd])
	bodyEnd := -1
	if n, ok := rawContentLength(head); ok {
		if n < 0 {
			b.dropThroughNul(bodyStart)
			return nil, domain.ProtocolError("invalid content-length")
		}
		if len(b.buf) < bodyStart+n+1 {
			return nil, b.checkSize()
		}
		if b.buf[bodyStart+n] != nul {
			b.dropThroughNul(bodyStart)
			return nil, domain.ProtocolError("content-length does not match body")
		}
		bodyEnd = bodyStart + n
	} else {
		i := bytes.IndexByte(b.buf[bodyStart:], nul)
		if i < 0 {
			return nil, b.checkSize()
		}
		bodyEnd = bodyStart + i
	}

	body := append([]byte(nil), b.buf[bodyStart:bodyEnd]...)
	b.buf = b.buf[bodyEnd+1:]

	f, err := parseHead(head)
	if err != nil {
		return nil, err
	}
	f.Body = body
	return f, nil
}

func (b *FrameBuffer) skipHeartbeats() {
	for len(b.buf) > 0 {
		switch {
		case b.buf[0] == '\n':
			b.buf = b.buf[1:]
		case len(b.buf) >= 2 && b.buf[0] == '\r' && b.buf[1] == '\n':
			b.buf = b.buf[2:]
		default:
			return
		}
	}
}

func (b *FrameBuffer) checkSize() error {
	if len(b.buf) > MaxFrameSize {
		b.buf = nil
		return domain.ProtocolError("frame exceeds %d bytes", MaxFrameSize)
	}
	return nil
}

func (b *FrameBuffer) dropThroughNul(from int) {
	if i := bytes.IndexByte(b.buf[from:], nul); i >= 0 {
		b.buf = b.buf[from+i+1:]
		return
	}
	b.buf = nil
}

// findHeaderEnd locates the blank line closing the header block. It
// accepts both LF and CRLF line endings.
func findHeaderEnd(buf []byte) (headerEnd, bodyStart int) {
	lf := bytes.Index(buf, []byte("\n\n"))
	crlf := bytes.Index(buf, []byte("\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return -1, -1
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf, lf + 2
	default:
		return crlf, crlf + 3
	}
}

func rawContentLength(head string) (int, bool) {
	lines := strings.Split(head, "\n")
	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if v, ok := strings.CutPrefix(line, "content-length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return -1, true
			}
			return n, true
		}
	}
	return 0, false
}

func parseHead(head string) (*Frame, error) {
	lines := strings.Split(head, "\n")
	cmd := strings.TrimSuffix(lines[0], "\r")
	if cmd == "" {
		return nil, domain.ProtocolError("missing command")
	}
	f := &Frame{Command: cmd}
	raw := rawHeaders(cmd)
	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, domain.ProtocolError("malformed header %q", line)
		}
		if !raw {
			var okK, okV bool
			k, okK = unescape(k)
			v, okV = unescape(v)
			if !okK || !okV {
				return nil, domain.ProtocolError("invalid escape in header %q", line)
			}
		}
		f.Headers = append(f.Headers, Header{Key: k, Value: v})
	}
	return f, nil
}
