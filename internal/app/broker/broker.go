package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
)

// Destinations understood by the broker.
const (
	DestChat   = "/app/chat.send"
	DestTyping = "/app/typing"

	topicPrefix = "/topic/"
)

func RoomTopic(roomID int64) string       { return fmt.Sprintf("/topic/room.%d", roomID) }
func RoomTypingTopic(roomID int64) string { return fmt.Sprintf("/topic/room.%d.typing", roomID) }

// IdentityVerifier turns a bearer credential into an identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (domain.Identity, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, m domain.NewChatMessage) (domain.ChatMessage, error)
}

type subscription struct {
	Destination string `json:"destination"`
	Key         string `json:"key"`
}

// attachment is what survives hibernation next to each broker socket.
type attachment struct {
	Identity *domain.Identity       `json:"identity,omitempty"`
	Subs     map[string]subscription `json:"subs,omitempty"`
	Pending  []byte                  `json:"pending,omitempty"`
}

type connState struct {
	id       core.SocketID
	conn     core.SignalConnection
	identity *domain.Identity
	subs     map[string]subscription
	buf      FrameBuffer
}

func (cs *connState) attachment() attachment {
	return attachment{Identity: cs.identity, Subs: cs.subs, Pending: cs.buf.Pending()}
}

// Broker is the single publish/subscribe actor. Every method must run on its
// mailbox.
type Broker struct {
	cfg      Config
	clock    clockwork.Clock
	sockets  *core.SocketSet
	verifier IdentityVerifier
	messages MessageStore
	limiter  *SendRateLimiter
	logger   zerolog.Logger

	loaded bool
	conns  map[core.SocketID]*connState
	routes *routeTable
}

func newBroker(d deps) *Broker {
	return &Broker{
		cfg:      d.cfg,
		clock:    d.clock,
		sockets:  d.sockets,
		verifier: d.verifier,
		messages: d.messages,
		limiter:  d.limiter,
		logger:   log.With().Str("module", "app.broker").Logger(),
		conns:    make(map[core.SocketID]*connState),
		routes:   newRouteTable(),
	}
}

// ensureLoaded rebuilds connections and the route table from the sockets
// still attached and their attachments.
func (b *Broker) ensureLoaded() {
	if b.loaded {
		return
	}
	b.loaded = true
	for _, s := range b.sockets.List(owner) {
		var att attachment
		if _, err := s.Decode(&att); err != nil {
			b.logger.Warn().Err(err).Str("conn_id", string(s.ID)).Msg("dropping socket with unreadable attachment")
			b.sockets.Remove(owner, s.ID)
			core.CloseWith(s.Conn, core.CloseNormal, "session lost")
			continue
		}
		cs := &connState{id: s.ID, conn: s.Conn, identity: att.Identity, subs: att.Subs}
		if cs.subs == nil {
			cs.subs = make(map[string]subscription)
		}
		cs.buf.Restore(att.Pending)
		for subID, sub := range cs.subs {
			b.routes.add(sub.Key, subscriber{socket: cs.id, subID: subID})
		}
		b.conns[cs.id] = cs
	}
	metrics.BrokerDestinations.Set(float64(b.routes.size()))
	if len(b.conns) > 0 {
		b.logger.Info().Int("connections", len(b.conns)).Int("destinations", b.routes.size()).Msg("broker rehydrated")
	}
}

// Open registers a new socket. It stays unauthenticated until CONNECT.
func (b *Broker) Open(sid core.SocketID, conn core.SignalConnection) error {
	b.ensureLoaded()
	cs := &connState{id: sid, conn: conn, subs: make(map[string]subscription)}
	if err := b.sockets.Add(owner, sid, conn, cs.attachment()); err != nil {
		return domain.InternalError("store attachment", err)
	}
	b.conns[sid] = cs
	b.logger.Debug().Str("conn_id", string(sid)).Msg("connection opened")
	return nil
}

// Receive feeds raw bytes of one connection through its frame buffer.
func (b *Broker) Receive(ctx context.Context, sid core.SocketID, data []byte) {
	b.ensureLoaded()
	cs, ok := b.conns[sid]
	if !ok {
		return
	}
	hadPending := len(cs.buf.Pending()) > 0
	cs.buf.Write(data)
	for {
		f, err := cs.buf.Next()
		if err != nil {
			metrics.MalformedFrames.WithLabelValues("broker").Inc()
			b.logger.Warn().Err(err).Str("conn_id", string(sid)).Msg("malformed frame")
			if !b.fail(cs, err, nil) {
				return
			}
			continue
		}
		if f == nil {
			break
		}
		if !b.handle(ctx, cs, f) {
			return
		}
	}
	if hadPending || len(cs.buf.Pending()) > 0 {
		b.saveAttachment(cs)
	}
}

// handle processes one frame and reports whether the connection is still open.
func (b *Broker) handle(ctx context.Context, cs *connState, f *Frame) bool {
	metrics.BrokerFrames.WithLabelValues(f.Command).Inc()

	if cs.identity == nil && f.Command != CmdConnect && f.Command != CmdStomp {
		return b.fail(cs, domain.ProtocolError("%s before CONNECT", f.Command), f)
	}

	var err error
	switch f.Command {
	case CmdConnect, CmdStomp:
		err = b.handleConnect(ctx, cs, f)
	case CmdSubscribe:
		err = b.handleSubscribe(cs, f)
	case CmdUnsubscribe:
		err = b.handleUnsubscribe(cs, f)
	case CmdSend:
		err = b.handleSend(ctx, cs, f)
	case CmdDisconnect:
		b.receipt(cs, f)
		b.closeConn(cs, core.CloseNormal, "disconnect")
		return false
	default:
		err = domain.ProtocolError("unknown command %q", f.Command)
	}
	if err != nil {
		return b.fail(cs, err, f)
	}
	b.receipt(cs, f)
	return true
}

// fail answers with an ERROR frame. Authentication failures and anything
// before a completed handshake also close the connection. It reports
// whether the connection is still open.
func (b *Broker) fail(cs *connState, err error, f *Frame) bool {
	e := domain.AsError(err)
	out := NewFrame(CmdError, "message", e.Message, "content-type", "text/plain")
	if f != nil {
		if r, ok := f.Get("receipt"); ok {
			out.Set("receipt-id", r)
		}
	}
	if e.Cause != nil {
		out.Body = []byte(e.Cause.Error())
	}
	b.write(cs, out.Encode())

	switch {
	case e.Kind == domain.KindAuth:
		b.closeConn(cs, core.CloseAuthFailed, "authentication failed")
		return false
	case cs.identity == nil && e.Kind == domain.KindExternal:
		b.closeConn(cs, core.CloseTryAgainLater, "identity check unavailable")
		return false
	case cs.identity == nil:
		b.closeConn(cs, core.ClosePolicyViolation, "handshake required")
		return false
	}
	return true
}

func (b *Broker) receipt(cs *connState, f *Frame) {
	if r, ok := f.Get("receipt"); ok {
		b.write(cs, NewFrame(CmdReceipt, "receipt-id", r).Encode())
	}
}

func (b *Broker) handleConnect(ctx context.Context, cs *connState, f *Frame) error {
	if cs.identity != nil {
		return domain.ProtocolError("already connected")
	}
	cred := bearer(f)
	if cred == "" {
		return domain.AuthError("missing credential", nil)
	}

	vctx, cancel := context.WithTimeout(ctx, b.cfg.ExternalTimeout)
	defer cancel()
	start := b.clock.Now()
	id, err := b.verifier.Verify(vctx, cred)
	observe("verify_identity", start, b.clock, err)
	if err != nil {
		if domain.IsKind(err, domain.KindAuth) {
			return err
		}
		return domain.ExternalError("identity verification failed", err)
	}
	if id.DisplayName == "" {
		id.DisplayName = string(id.UserID)
	}

	cx, cy := parseHeartBeat(f.Value("heart-beat"))
	minMs := int(b.cfg.HeartbeatMin / time.Millisecond)
	out, in := max(cy, minMs), max(cx, minMs)

	cs.identity = &id
	b.saveAttachment(cs)
	if hb, ok := cs.conn.(core.Heartbeater); ok && out > 0 {
		hb.SetHeartbeat(time.Duration(out)*time.Millisecond, core.Frame("\n"))
	}
	b.write(cs, NewFrame(CmdConnected,
		"version", "1.2",
		"heart-beat", strconv.Itoa(out)+","+strconv.Itoa(in),
		"user-name", string(id.UserID),
		"server", "huddle/1.0",
	).Encode())
	b.logger.Info().Str("conn_id", string(cs.id)).Str("user_id", string(id.UserID)).Msg("connection authenticated")
	return nil
}

// bearer reads the credential from the authorization header, falling back
// to passcode and token.
func bearer(f *Frame) string {
	if auth := strings.TrimSpace(f.Value("Authorization")); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if v := f.Value("passcode"); v != "" {
		return v
	}
	return f.Value("token")
}

func parseHeartBeat(v string) (cx, cy int) {
	a, c, ok := strings.Cut(v, ",")
	if !ok {
		return 0, 0
	}
	cx, _ = strconv.Atoi(strings.TrimSpace(a))
	cy, _ = strconv.Atoi(strings.TrimSpace(c))
	return max(cx, 0), max(cy, 0)
}

func (b *Broker) handleSubscribe(cs *connState, f *Frame) error {
	subID, dest := f.Value("id"), f.Value("destination")
	if subID == "" || dest == "" {
		return domain.ProtocolError("SUBSCRIBE requires id and destination")
	}
	if _, exists := cs.subs[subID]; exists {
		return domain.ValidationError("subscription %s already exists", subID)
	}
	var key string
	switch {
	case isUserDestination(dest):
		key = destinationKey(dest, cs.identity.UserID)
	case strings.HasPrefix(dest, topicPrefix):
		key = destinationKey(dest, "")
	default:
		return domain.ValidationError("cannot subscribe to %s", dest)
	}
	cs.subs[subID] = subscription{Destination: dest, Key: key}
	b.routes.add(key, subscriber{socket: cs.id, subID: subID})
	metrics.BrokerDestinations.Set(float64(b.routes.size()))
	b.saveAttachment(cs)
	b.logger.Debug().Str("conn_id", string(cs.id)).Str("sub", subID).Str("destination", key).Msg("subscribed")
	return nil
}

func (b *Broker) handleUnsubscribe(cs *connState, f *Frame) error {
	subID := f.Value("id")
	if subID == "" {
		return domain.ProtocolError("UNSUBSCRIBE requires id")
	}
	sub, ok := cs.subs[subID]
	if !ok {
		return nil
	}
	delete(cs.subs, subID)
	b.routes.remove(sub.Key, subscriber{socket: cs.id, subID: subID})
	metrics.BrokerDestinations.Set(float64(b.routes.size()))
	b.saveAttachment(cs)
	return nil
}

func (b *Broker) handleSend(ctx context.Context, cs *connState, f *Frame) error {
	if !b.limiter.Allow(cs.id) {
		return domain.ValidationError("rate limited")
	}
	switch dest := f.Value("destination"); dest {
	case DestChat:
		return b.handleChat(ctx, cs, f)
	case DestTyping:
		return b.handleTyping(cs, f)
	case "":
		return domain.ProtocolError("SEND requires destination")
	default:
		return domain.ValidationError("cannot publish to %s", dest)
	}
}

type chatPayload struct {
	RoomID      json.RawMessage `json:"roomId"`
	Content     string          `json:"content"`
	Attachments []string        `json:"attachments"`
}

func (b *Broker) handleChat(ctx context.Context, cs *connState, f *Frame) error {
	var p chatPayload
	if err := json.Unmarshal(f.Body, &p); err != nil {
		return domain.ValidationError("invalid chat payload")
	}
	roomID, err := parseRoomID(p.RoomID)
	if err != nil {
		return err
	}
	msg := domain.NewChatMessage{
		RoomID:      roomID,
		SenderID:    cs.identity.UserID,
		Content:     p.Content,
		Attachments: p.Attachments,
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, b.cfg.ExternalTimeout)
	defer cancel()
	start := b.clock.Now()
	saved, err := b.messages.SaveMessage(sctx, msg)
	observe("save_message", start, b.clock, err)
	if err != nil {
		b.logger.Error().Err(err).Int64("room", roomID).Str("user_id", string(cs.identity.UserID)).Msg("persist chat message")
		return domain.ExternalError("failed to persist message", err)
	}

	body, err := json.Marshal(saved)
	if err != nil {
		return domain.InternalError("encode message", err)
	}
	b.publish(RoomTopic(roomID), body, "")
	return nil
}

type typingPayload struct {
	RoomID json.RawMessage `json:"roomId"`
	Typing *bool           `json:"typing"`
}

type typingEvent struct {
	RoomID      int64         `json:"roomId"`
	UserID      domain.UserID `json:"userId"`
	DisplayName string        `json:"displayName"`
	Typing      bool          `json:"typing"`
	Timestamp   time.Time     `json:"timestamp"`
}

func (b *Broker) handleTyping(cs *connState, f *Frame) error {
	var p typingPayload
	if err := json.Unmarshal(f.Body, &p); err != nil {
		return domain.ValidationError("invalid typing payload")
	}
	roomID, err := parseRoomID(p.RoomID)
	if err != nil {
		return err
	}
	typing := true
	if p.Typing != nil {
		typing = *p.Typing
	}
	body, err := json.Marshal(typingEvent{
		RoomID:      roomID,
		UserID:      cs.identity.UserID,
		DisplayName: cs.identity.DisplayName,
		Typing:      typing,
		Timestamp:   b.clock.Now().UTC(),
	})
	if err != nil {
		return domain.InternalError("encode typing event", err)
	}
	b.publish(RoomTypingTopic(roomID), body, "")
	return nil
}

// parseRoomID accepts a positive integer given as a JSON number or a
// numeric string.
func parseRoomID(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, domain.ValidationError("roomId is required")
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, domain.ValidationError("roomId must be numeric")
		}
	}
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ValidationError("roomId must be a positive integer")
	}
	return id, nil
}

// publish fans body out to every subscriber of destination. Each MESSAGE
// carries the receiving connection's own subscription id.
func (b *Broker) publish(destination string, body []byte, owner domain.UserID) int {
	key := destinationKey(destination, owner)
	delivered := 0
	for _, sub := range b.routes.subscribers(key) {
		cs, ok := b.conns[sub.socket]
		if !ok {
			continue
		}
		msg := NewFrame(CmdMessage,
			"subscription", sub.subID,
			"message-id", uuid.NewString(),
			"destination", cs.subs[sub.subID].Destination,
			"content-type", "application/json",
		)
		msg.Body = body
		if b.write(cs, msg.Encode()) {
			delivered++
		}
	}
	metrics.BrokerDeliveries.Add(float64(delivered))
	return delivered
}

// Publish is the in-process entry point for the control plane. A non-empty
// user scopes the destination to that identity.
func (b *Broker) Publish(destination string, body []byte, user domain.UserID) (int, error) {
	b.ensureLoaded()
	if destination == "" {
		return 0, domain.ValidationError("destination is required")
	}
	if user != "" && !isUserDestination(destination) {
		return 0, domain.ValidationError("user scoped publish needs a %s destination", userPrefix)
	}
	if user == "" && !strings.HasPrefix(destination, topicPrefix) {
		return 0, domain.ValidationError("destination must start with %s", topicPrefix)
	}
	return b.publish(destination, body, user), nil
}

// Close cleans up after a socket that went away.
func (b *Broker) Close(sid core.SocketID) {
	b.ensureLoaded()
	if cs, ok := b.conns[sid]; ok {
		b.cleanup(cs)
	}
}

func (b *Broker) closeConn(cs *connState, code int, reason string) {
	b.cleanup(cs)
	core.CloseWith(cs.conn, code, reason)
}

// cleanup removes every subscription of cs and prunes emptied destinations.
func (b *Broker) cleanup(cs *connState) {
	for subID, sub := range cs.subs {
		b.routes.remove(sub.Key, subscriber{socket: cs.id, subID: subID})
	}
	delete(b.conns, cs.id)
	b.sockets.Remove(owner, cs.id)
	b.limiter.Forget(cs.id)
	metrics.BrokerDestinations.Set(float64(b.routes.size()))
	b.logger.Debug().Str("conn_id", string(cs.id)).Int("subs", len(cs.subs)).Msg("connection closed")
}

// write sends raw bytes; a connection that cannot keep up is closed.
func (b *Broker) write(cs *connState, data []byte) bool {
	if err := cs.conn.TrySend(data); err != nil {
		if errors.Is(err, core.ErrBackpressure) {
			b.logger.Warn().Str("conn_id", string(cs.id)).Msg("connection backpressure, closing")
			b.closeConn(cs, core.CloseTryAgainLater, "too slow")
		}
		return false
	}
	return true
}

func (b *Broker) saveAttachment(cs *connState) {
	if err := b.sockets.SetAttachment(owner, cs.id, cs.attachment()); err != nil {
		b.logger.Error().Err(err).Str("conn_id", string(cs.id)).Msg("store attachment")
	}
}

func observe(call string, start time.Time, clock clockwork.Clock, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ExternalCallDuration.WithLabelValues(call, status).Observe(clock.Since(start).Seconds())
}
