package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

// RoomService is what the room socket endpoint needs from the room service.
type RoomService interface {
	Attach(ctx context.Context, id domain.RoomID, sid core.SocketID, conn core.SignalConnection, uid domain.UserID, name string) error
	Receive(ctx context.Context, id domain.RoomID, sid core.SocketID, data []byte)
	Detach(id domain.RoomID, sid core.SocketID)
}

// BrokerService is what the broker socket endpoint needs from the broker.
type BrokerService interface {
	Open(ctx context.Context, sid core.SocketID, conn core.SignalConnection) error
	Receive(ctx context.Context, sid core.SocketID, data []byte)
	Close(sid core.SocketID)
}

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return true },
	Subprotocols: []string{"v12.stomp", "v11.stomp", "v10.stomp"},
}

type Controller struct {
	Rooms     RoomService
	Broker    BrokerService
	Options   Options
	ReadLimit int64
}

func (ctl *Controller) upgrade(c *gin.Context) (*Conn, bool) {
	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.ws").Msg("upgrade failed")
		return nil, false
	}
	if ctl.ReadLimit > 0 {
		raw.SetReadLimit(ctl.ReadLimit)
	}
	return NewConn(core.SocketID(uuid.NewString()), raw, ctl.Options), true
}

// HandleRoom upgrades GET /api/rooms/:id/ws?userId=&userName= and binds the
// socket to the room.
func (ctl *Controller) HandleRoom(ctx context.Context, c *gin.Context) {
	roomID, err := domain.ParseRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	uid, err := domain.NewUserID(c.Query("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": domain.AsError(err).Message})
		return
	}
	name, err := domain.NormalizeUsername(c.Query("userName"), uid)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": domain.AsError(err).Message})
		return
	}

	conn, ok := ctl.upgrade(c)
	if !ok {
		return
	}
	conn.StartWriteLoop(ctx)

	if err := ctl.Rooms.Attach(ctx, roomID, conn.ID(), conn, uid, name); err != nil {
		e := domain.AsError(err)
		log.Info().Str("module", "adapters.ws").Str("room_id", string(roomID)).Str("user_id", string(uid)).Str("reason", e.Message).Msg("room socket rejected")
		_ = conn.TrySend(errorFrame(e))
		conn.CloseWithCode(closeCodeFor(e), e.Message)
		return
	}

	conn.StartReadLoop(ctx,
		func(data []byte) { ctl.Rooms.Receive(ctx, roomID, conn.ID(), data) },
		func() { ctl.Rooms.Detach(roomID, conn.ID()) },
	)
}

// HandleBroker upgrades the frame protocol endpoint. Authentication happens
// inside the protocol with CONNECT.
func (ctl *Controller) HandleBroker(ctx context.Context, c *gin.Context) {
	conn, ok := ctl.upgrade(c)
	if !ok {
		return
	}
	conn.StartWriteLoop(ctx)

	if err := ctl.Broker.Open(ctx, conn.ID(), conn); err != nil {
		log.Error().Err(err).Str("module", "adapters.ws").Msg("broker open")
		conn.CloseWithCode(core.CloseTryAgainLater, "unavailable")
		return
	}
	conn.StartReadLoop(ctx,
		func(data []byte) { ctl.Broker.Receive(ctx, conn.ID(), data) },
		func() { ctl.Broker.Close(conn.ID()) },
	)
}

func errorFrame(e *domain.Error) core.Frame {
	b, _ := json.Marshal(struct {
		Type  string `json:"type"`
		Error string `json:"error"`
		Code  string `json:"code"`
	}{Type: "error", Error: e.Message, Code: string(e.Kind)})
	return b
}

func closeCodeFor(e *domain.Error) int {
	switch e.Kind {
	case domain.KindCapacity:
		return core.CloseRoomFull
	case domain.KindNotFound:
		return core.CloseNotFound
	case domain.KindAuth:
		return core.CloseAuthFailed
	default:
		return core.ClosePolicyViolation
	}
}
