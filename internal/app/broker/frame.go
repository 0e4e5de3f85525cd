package broker

import (
	"bytes"
	"strconv"
	"strings"
)

// Commands of the frame protocol.
const (
	CmdConnect     = "CONNECT"
	CmdStomp       = "STOMP"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
	CmdDisconnect  = "DISCONNECT"
)

const nul = 0x00

// Header is one key:value line. Order is kept; for repeated keys the first wins.
type Header struct {
	Key   string
	Value string
}

type Frame struct {
	Command string
	Headers []Header
	Body    []byte
}

func NewFrame(command string, headers ...string) *Frame {
	f := &Frame{Command: command}
	for i := 0; i+1 < len(headers); i += 2 {
		f.Headers = append(f.Headers, Header{Key: headers[i], Value: headers[i+1]})
	}
	return f
}

func (f *Frame) Get(key string) (string, bool) {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// Value returns the header or "" when it is absent.
func (f *Frame) Value(key string) string {
	v, _ := f.Get(key)
	return v
}

// Set replaces the first header with key, or appends it.
func (f *Frame) Set(key, value string) {
	for i := range f.Headers {
		if f.Headers[i].Key == key {
			f.Headers[i].Value = value
			return
		}
	}
	f.Headers = append(f.Headers, Header{Key: key, Value: value})
}

// rawHeaders reports whether headers of cmd are sent without escaping, as
// the protocol requires for the handshake frames.
func rawHeaders(cmd string) bool {
	return cmd == CmdConnect || cmd == CmdConnected || cmd == CmdStomp
}

// Encode serializes the frame including the terminating NUL. A
// content-length header is added when the frame has a body.
func (f *Frame) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(f.Command)
	b.WriteByte('\n')
	raw := rawHeaders(f.Command)
	hasLength := false
	for _, h := range f.Headers {
		if h.Key == "content-length" {
			hasLength = true
		}
		if raw {
			b.WriteString(h.Key + ":" + h.Value)
		} else {
			b.WriteString(escape(h.Key) + ":" + escape(h.Value))
		}
		b.WriteByte('\n')
	}
	if len(f.Body) > 0 && !hasLength {
		b.WriteString("content-length:" + strconv.Itoa(len(f.Body)) + "\n")
	}
	b.WriteByte('\n')
	b.Write(f.Body)
	b.WriteByte(nul)
	return b.Bytes()
}

var (
	escaper   = strings.NewReplacer("\\", "\\\\", "\r", "\\r", "\n", "\\n", ":", "\\c")
	unescaper = strings.NewReplacer("\\\\", "\\", "\\r", "\r", "\\n", "\n", "\\c", ":")
)

func escape(s string) string { return escaper.Replace(s) }

func unescape(s string) (string, bool) {
	// A backslash followed by anything other than the four defined escapes
	// is a protocol error.
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			continue
		}
		if i+1 >= len(s) || !strings.ContainsRune(`\rnc`, rune(s[i+1])) {
			return "", false
		}
		i++
	}
	return unescaper.Replace(s), true
}
