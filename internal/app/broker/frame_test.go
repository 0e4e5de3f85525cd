package broker

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/domain"
)

func TestEncode_EscapesHeadersAndAddsLength(t *testing.T) {
	f := NewFrame(CmdMessage, "subscription", "a:b", "note", "line1\nline2")
	f.Body = []byte("hi")

	assert.Equal(t, "MESSAGE\nsubscription:a\\cb\nnote:line1\\nline2\ncontent-length:2\n\nhi\x00", string(f.Encode()))
}

func TestEncode_HandshakeHeadersAreRaw(t *testing.T) {
	f := NewFrame(CmdConnected, "heart-beat", "10000,10000", "server", "huddle:1")

	assert.Equal(t, "CONNECTED\nheart-beat:10000,10000\nserver:huddle:1\n\n\x00", string(f.Encode()))
}

func TestFrame_FirstHeaderWins(t *testing.T) {
	var buf FrameBuffer
	buf.Write([]byte("SEND\ndestination:/a\ndestination:/b\n\n\x00"))

	f, err := buf.Next()
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "/a", f.Value("destination"))

	f.Set("destination", "/c")
	assert.Equal(t, "/c", f.Value("destination"))
	assert.Len(t, f.Headers, 2)
}

func TestBuffer_FrameAcrossWrites(t *testing.T) {
	var buf FrameBuffer
	parts := []string{"SE", "ND\ndestination:/app/typ", "ing\n", "\n{\"roomId\":1}", "\x00"}

	for i, p := range parts {
		buf.Write([]byte(p))
		f, err := buf.Next()
		require.NoError(t, err)
		if i < len(parts)-1 {
			assert.Nil(t, f, "frame complete after part %d", i)
			continue
		}
		require.NotNil(t, f)
		assert.Equal(t, CmdSend, f.Command)
		assert.Equal(t, DestTyping, f.Value("destination"))
		assert.Equal(t, `{"roomId":1}`, string(f.Body))
	}
	assert.Empty(t, buf.Pending())
}

func TestBuffer_SkipsHeartbeatsAndCRLF(t *testing.T) {
	var buf FrameBuffer
	buf.Write([]byte("\n\r\n\nCONNECT\r\naccept-version:1.2\r\n\r\n\x00\n"))

	f, err := buf.Next()
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, CmdConnect, f.Command)
	assert.Equal(t, "1.2", f.Value("accept-version"))

	f, err = buf.Next()
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.Empty(t, buf.Pending())
}

func TestBuffer_ContentLengthAllowsNulInBody(t *testing.T) {
	var buf FrameBuffer
	buf.Write([]byte("SEND\ndestination:/x\ncontent-length:3\n\na\x00b\x00SEND\ndestination:/y\n\n\x00"))

	f, err := buf.Next()
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, []byte("a\x00b"), f.Body)

	f, err = buf.Next()
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "/y", f.Value("destination"))
}

func TestBuffer_MalformedFrameIsConsumed(t *testing.T) {
	cases := map[string]string{
		"bad escape":      "SEND\nkey:\\x\n\n\x00",
		"no colon":        "SEND\nnocolon\n\n\x00",
		"length mismatch": "SEND\ncontent-length:1\n\nabc\x00",
		"bad length":      "SEND\ncontent-length:abc\n\nx\x00",
		"nul in headers":  "SEND\nkey:v\x00",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var buf FrameBuffer
			buf.Write([]byte(raw + "DISCONNECT\n\n\x00"))

			_, err := buf.Next()
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, domain.KindProtocol))

			f, err := buf.Next()
			require.NoError(t, err)
			require.NotNil(t, f)
			assert.Equal(t, CmdDisconnect, f.Command)
		})
	}
}

func TestBuffer_OversizedFrameIsDropped(t *testing.T) {
	var buf FrameBuffer
	buf.Write([]byte("SEND\n\n"))
	buf.Write(bytes.Repeat([]byte("a"), MaxFrameSize))

	_, err := buf.Next()
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindProtocol))
	assert.Empty(t, buf.Pending())
}

func TestBuffer_RestoreContinuesPartialFrame(t *testing.T) {
	var first FrameBuffer
	first.Write([]byte("SUBSCRIBE\nid:s1\n"))
	f, err := first.Next()
	require.NoError(t, err)
	require.Nil(t, f)

	var second FrameBuffer
	second.Restore(first.Pending())
	second.Write([]byte("destination:/topic/x\n\n\x00"))

	f, err = second.Next()
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "s1", f.Value("id"))
	assert.Equal(t, "/topic/x", f.Value("destination"))
}

func TestParseHeartBeat(t *testing.T) {
	cx, cy := parseHeartBeat("1000, 2000")
	assert.Equal(t, 1000, cx)
	assert.Equal(t, 2000, cy)

	cx, cy = parseHeartBeat("junk")
	assert.Zero(t, cx)
	assert.Zero(t, cy)

	cx, cy = parseHeartBeat("-5,x")
	assert.Zero(t, cx)
	assert.Zero(t, cy)
}
