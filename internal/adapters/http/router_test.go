package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/adapters/auth"
	"github.com/dkeye/huddle/internal/adapters/memory"
	"github.com/dkeye/huddle/internal/adapters/ws"
	"github.com/dkeye/huddle/internal/app/broker"
	"github.com/dkeye/huddle/internal/app/presence"
	"github.com/dkeye/huddle/internal/app/room"
	"github.com/dkeye/huddle/internal/core"
)

const testSecret = "router-test-secret"

type server struct {
	*httptest.Server
	verifier *auth.JWTVerifier
	msgs     *memory.MessageStore
}

func newServer(t *testing.T, checks map[string]HealthCheck) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := clockwork.NewRealClock()
	store := memory.NewStore()
	sched := core.NewScheduler(clock, store)
	rooms := room.NewService(room.DefaultConfig(), clock, store, sched, memory.NewRoomIndex())
	users := presence.NewService(clock, memory.NewPresenceStore(), sched, time.Minute)
	msgs := memory.NewMessageStore(clock)
	verifier := auth.NewJWTVerifier(testSecret)
	brk := broker.NewService(broker.DefaultConfig(), clock, verifier, msgs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()

	r := SetupRouter(ctx, Deps{
		Mode:     "test",
		Rooms:    rooms,
		Presence: users,
		Broker:   brk,
		History:  msgs,
		Sockets:  &ws.Controller{Rooms: rooms, Broker: brk, Options: ws.DefaultOptions(), ReadLimit: 1 << 16},
		Checks:   checks,
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		brk.Shutdown()
		rooms.Close()
		users.Close()
	})
	return &server{Server: srv, verifier: verifier, msgs: msgs}
}

func (s *server) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (s *server) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func (s *server) createRoom(t *testing.T, body string) string {
	t.Helper()
	code, out := s.do(t, http.MethodPost, "/api/rooms", body)
	require.Equal(t, http.StatusCreated, code, out)
	return out["roomId"].(string)
}

func readFrame(t *testing.T, conn *websocket.Conn) *broker.Frame {
	t.Helper()
	var buf broker.FrameBuffer
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		buf.Write(data)
		f, err := buf.Next()
		require.NoError(t, err)
		if f != nil {
			return f
		}
	}
}

func TestRooms_Lifecycle(t *testing.T) {
	s := newServer(t, nil)
	id := s.createRoom(t, `{"roomType":"audio","maxParticipants":1,"metadata":{"topic":"standup"}}`)

	code, out := s.do(t, http.MethodGet, "/api/rooms/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "audio", out["roomType"])

	code, _ = s.do(t, http.MethodPost, "/api/rooms/"+id+"/join", `{"userId":"u1","userName":"Ann"}`)
	require.Equal(t, http.StatusOK, code)
	code, out = s.do(t, http.MethodPost, "/api/rooms/"+id+"/join", `{"userId":"u2"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "capacity", out["code"])

	code, out = s.do(t, http.MethodPatch, "/api/rooms/"+id+"/metadata", `{"agenda":"retro"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"topic": "standup", "agenda": "retro"}, out["metadata"])

	code, out = s.do(t, http.MethodPatch, "/api/rooms/"+id+"/settings", `{"allowRecording":true}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["allowRecording"])

	code, out = s.do(t, http.MethodPost, "/api/rooms/"+id+"/leave", `{"userId":"u1"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["success"])

	code, out = s.do(t, http.MethodGet, "/api/rooms", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, out["rooms"], 1)
}

func TestRooms_Errors(t *testing.T) {
	s := newServer(t, nil)

	code, out := s.do(t, http.MethodPost, "/api/rooms", `{"roomType":"hologram"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", out["code"])

	code, _ = s.do(t, http.MethodPost, "/api/rooms", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, out = s.do(t, http.MethodGet, "/api/rooms/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", out["code"])
}

func TestPresence_Endpoints(t *testing.T) {
	s := newServer(t, nil)

	code, out := s.do(t, http.MethodGet, "/api/presence/u1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OFFLINE", out["status"])

	code, _ = s.do(t, http.MethodPost, "/api/presence/u1/touch", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, out = s.do(t, http.MethodPut, "/api/presence/u1", `{"status":"studying","sessionId":"s-1"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "STUDYING", out["status"])

	code, out = s.do(t, http.MethodGet, "/api/sessions/s-1/members", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, out["members"], "u1")

	code, out = s.do(t, http.MethodGet, "/api/online", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"u1": "STUDYING"}, out["users"])

	code, out = s.do(t, http.MethodPost, "/api/presence/u1/offline", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OFFLINE", out["status"])

	code, _ = s.do(t, http.MethodPut, "/api/presence/u1", `{"status":"busy"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRoomSocket_ConnectedThenRejectUnknown(t *testing.T) {
	s := newServer(t, nil)
	id := s.createRoom(t, `{}`)

	conn := s.dial(t, "/api/rooms/"+id+"/ws?userId=u1&userName=Ann")
	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "connected", ev["type"])
	assert.Equal(t, "u1", ev["userId"])

	gone := s.dial(t, "/api/rooms/nope/ws?userId=u2")
	require.NoError(t, gone.ReadJSON(&ev))
	assert.Equal(t, "error", ev["type"])
	_, _, err := gone.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, core.CloseNotFound, ce.Code)
}

func TestBrokerSocket_PublishAndHistory(t *testing.T) {
	s := newServer(t, nil)
	token, err := s.verifier.Issue("u-7", "Gus", time.Hour)
	require.NoError(t, err)

	conn := s.dial(t, "/ws/broker")
	write := func(f *broker.Frame) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, f.Encode()))
	}

	write(broker.NewFrame(broker.CmdConnect, "accept-version", "1.2", "Authorization", "Bearer "+token))
	f := readFrame(t, conn)
	require.Equal(t, broker.CmdConnected, f.Command)
	assert.Equal(t, "u-7", f.Value("user-name"))

	write(broker.NewFrame(broker.CmdSubscribe, "id", "s1", "destination", broker.RoomTopic(9), "receipt", "sub"))
	f = readFrame(t, conn)
	require.Equal(t, broker.CmdReceipt, f.Command)

	code, out := s.do(t, http.MethodPost, "/api/broker/publish", `{"destination":"/topic/room.9","body":{"notice":"hi"}}`)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, out["delivered"])
	f = readFrame(t, conn)
	require.Equal(t, broker.CmdMessage, f.Command)
	assert.JSONEq(t, `{"notice":"hi"}`, string(f.Body))

	send := broker.NewFrame(broker.CmdSend, "destination", broker.DestChat)
	send.Body = []byte(`{"roomId":9,"content":"from socket"}`)
	write(send)
	f = readFrame(t, conn)
	require.Equal(t, broker.CmdMessage, f.Command)
	assert.Equal(t, "s1", f.Value("subscription"))

	code, out = s.do(t, http.MethodGet, "/api/chat/9/messages?limit=10", "")
	require.Equal(t, http.StatusOK, code)
	msgs := out["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "from socket", msgs[0].(map[string]any)["content"])

	code, _ = s.do(t, http.MethodGet, "/api/chat/9/messages?limit=1000", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBrokerSocket_BadTokenClosesWithAuthCode(t *testing.T) {
	s := newServer(t, nil)
	conn := s.dial(t, "/ws/broker")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		broker.NewFrame(broker.CmdConnect, "Authorization", "Bearer nope").Encode()))
	f := readFrame(t, conn)
	assert.Equal(t, broker.CmdError, f.Command)

	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, core.CloseAuthFailed, ce.Code)
}

func TestHealthz(t *testing.T) {
	s := newServer(t, map[string]HealthCheck{
		"ok":   func(context.Context) error { return nil },
		"down": func(context.Context) error { return errors.New("refused") },
	})

	code, out := s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]any{"ok": "ok", "down": "refused"}, out["checks"])
}
