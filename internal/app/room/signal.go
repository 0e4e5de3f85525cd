package room

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/metrics"
)

const (
	// statsFlushInterval bounds how often counter-only changes are written.
	statsFlushInterval = 10 * time.Second
	// qualityTTL is how long a quality report stays current.
	qualityTTL = 2 * time.Minute
)

// HandleFrame dispatches one socket message. Bad input is answered with an
// error event; the socket stays open.
func (a *Actor) HandleFrame(ctx context.Context, sid core.SocketID, data []byte) {
	if err := a.ensureLoaded(ctx); err != nil {
		a.logger.Error().Err(err).Msg("handle frame")
		return
	}
	uid, ok := a.conns[sid]
	if !ok || a.room == nil {
		return
	}

	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		a.malformed(ctx, sid, domain.ProtocolError("invalid message"))
		return
	}
	metrics.RoomEvents.WithLabelValues(env.Type).Inc()

	var (
		changed bool
		err     error
	)
	switch env.Type {
	case "offer", "answer", "ice-candidate":
		err = a.handleRelay(sid, uid, data)
	case "toggle-audio", "toggle-video", "toggle-screen-share":
		err = a.handleToggle(ctx, uid, env.Type, data)
	case "chat":
		err = a.handleChat(uid, data)
	case "start-recording", "stop-recording":
		err = a.handleRecording(uid, env.Type)
	case "recording-chunk":
		err = a.handleChunk(sid, uid, data)
	case "quality-report":
		changed, err = a.handleQuality(ctx, uid, data)
	case "ping":
		a.send(sid, pong{Type: "pong", Timestamp: a.clock.Now().UTC()})
		return
	default:
		err = domain.ProtocolError("unknown message type %q", env.Type)
	}

	if err != nil {
		if domain.IsKind(err, domain.KindProtocol) {
			a.malformed(ctx, sid, err)
			return
		}
		a.sendError(sid, err)
	}
	a.persist(ctx, changed)
}

// persist writes the room at once when the roster changed. Counter-only
// changes are written at most once per statsFlushInterval.
func (a *Actor) persist(ctx context.Context, changed bool) {
	if !changed && (!a.statsDirty || a.clock.Since(a.savedAt) < statsFlushInterval) {
		return
	}
	if err := a.save(ctx); err != nil {
		a.logger.Error().Err(err).Msg("persist after frame")
	}
}

// Flush writes counters still held in memory. It runs before the actor is
// dropped from memory.
func (a *Actor) Flush() {
	if a.room == nil || !a.statsDirty {
		return
	}
	if err := a.save(context.Background()); err != nil {
		a.logger.Error().Err(err).Msg("flush room counters")
	}
}

func (a *Actor) malformed(ctx context.Context, sid core.SocketID, err error) {
	a.logger.Warn().Err(err).Str("socket", string(sid)).Msg("malformed frame")
	metrics.MalformedFrames.WithLabelValues("room").Inc()
	a.room.Metrics.ErrorCount++
	a.statsDirty = true
	a.sendError(sid, err)
	a.persist(ctx, false)
}

// handleRelay forwards offer/answer/ice-candidate untouched to every socket
// of the target, adding who it came from.
func (a *Actor) handleRelay(sid core.SocketID, uid domain.UserID, data []byte) error {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.ProtocolError("invalid signaling payload")
	}
	var target domain.UserID
	if raw, ok := msg["targetId"]; !ok || json.Unmarshal(raw, &target) != nil || target == "" {
		return domain.ProtocolError("targetId is required")
	}
	if target == uid {
		return domain.ValidationError("cannot signal yourself")
	}
	from, _ := json.Marshal(uid)
	msg["fromId"] = from

	delivered := false
	for other, owner := range a.conns {
		if owner != target {
			continue
		}
		a.send(other, msg)
		delivered = true
	}
	if !delivered {
		return domain.NotFoundError("participant %s is not connected", target)
	}
	a.room.Metrics.MessagesExchanged++
	a.statsDirty = true
	a.logger.Debug().Str("user_id", string(uid)).Str("target", string(target)).Str("socket", string(sid)).Msg("signal relayed")
	return nil
}

func (a *Actor) handleToggle(ctx context.Context, uid domain.UserID, kind string, data []byte) error {
	var p struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Enabled == nil {
		return domain.ProtocolError("%s requires enabled", kind)
	}
	part, ok := a.room.Participant(uid)
	if !ok {
		return domain.NotFoundError("participant %s not found", uid)
	}
	switch kind {
	case "toggle-audio":
		part.AudioEnabled = *p.Enabled
	case "toggle-video":
		part.VideoEnabled = *p.Enabled
	case "toggle-screen-share":
		if *p.Enabled && !a.room.Settings.AllowScreenShare {
			return domain.ValidationError("screen sharing is disabled in this room")
		}
		part.ScreenSharing = *p.Enabled
	}
	if err := a.save(ctx); err != nil {
		return err
	}
	a.broadcast(participantEvent{Type: "participant-updated", Participant: *part}, nil)
	return nil
}

func (a *Actor) handleChat(uid domain.UserID, data []byte) error {
	var p struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Message == "" {
		return domain.ProtocolError("chat requires message")
	}
	if len(p.Message) > domain.MaxMessageLen {
		return domain.ValidationError("message too long")
	}
	name := string(uid)
	if part, ok := a.room.Participant(uid); ok {
		name = part.DisplayName
	}
	a.room.Metrics.MessagesExchanged++
	a.statsDirty = true
	a.broadcast(chatEvent{
		Type:      "chat",
		FromID:    uid,
		FromName:  name,
		Message:   p.Message,
		Timestamp: a.clock.Now().UTC(),
	}, nil)
	return nil
}

func (a *Actor) handleRecording(uid domain.UserID, kind string) error {
	if !a.room.Settings.AllowRecording {
		return domain.ValidationError("recording is disabled in this room")
	}
	evt := "recording-started"
	if kind == "stop-recording" {
		evt = "recording-stopped"
	}
	a.broadcast(recordingEvent{Type: evt, UserID: uid, Timestamp: a.clock.Now().UTC()}, nil)
	a.logger.Info().Str("user_id", string(uid)).Str("event", evt).Msg("recording")
	return nil
}

func (a *Actor) handleChunk(sid core.SocketID, uid domain.UserID, data []byte) error {
	if !a.room.Settings.AllowRecording {
		return domain.ValidationError("recording is disabled in this room")
	}
	var meta chunkMeta
	if err := json.Unmarshal(data, &meta); err != nil || meta.ChunkIndex < 0 {
		return domain.ProtocolError("invalid recording chunk")
	}
	a.send(sid, chunkAck{Type: "recording-chunk-ack", ChunkIndex: meta.ChunkIndex})
	a.broadcast(chunkEvent{Type: "recording-chunk", FromID: uid, chunkMeta: meta}, func(_ core.SocketID, other domain.UserID) bool {
		return other == uid
	})
	return nil
}

// handleQuality stores the report as a side record and reports whether the
// participant's connection quality changed.
func (a *Actor) handleQuality(ctx context.Context, uid domain.UserID, data []byte) (bool, error) {
	var report domain.QualityReport
	if err := json.Unmarshal(data, &report); err != nil {
		return false, domain.ProtocolError("invalid quality report")
	}
	if report.Quality == "" {
		report.Quality = domain.QualityUnknown
	}
	report.ReportedAt = a.clock.Now().UTC()
	if err := a.store.Put(ctx, qualityPrefix+string(uid), report); err != nil {
		return false, domain.InternalError("store quality report", err)
	}
	changed := false
	if part, ok := a.room.Participant(uid); ok && part.ConnectionQuality != report.Quality {
		part.ConnectionQuality = report.Quality
		changed = true
	}
	if report.Degraded() {
		a.broadcast(qualityAlert{
			Type:       "quality-alert",
			UserID:     uid,
			Quality:    report.Quality,
			PacketLoss: report.PacketLoss,
		}, func(_ core.SocketID, other domain.UserID) bool { return other == uid })
	}
	return changed, nil
}

// expireQuality drops quality records older than qualityTTL and resets the
// owner's connection quality. It reports whether the roster changed.
func (a *Actor) expireQuality(ctx context.Context) bool {
	now := a.clock.Now()
	changed := false
	for i := range a.room.Participants {
		p := &a.room.Participants[i]
		var report domain.QualityReport
		ok, err := a.store.Get(ctx, qualityPrefix+string(p.UserID), &report)
		if err != nil {
			a.logger.Warn().Err(err).Str("user_id", string(p.UserID)).Msg("read quality record")
			continue
		}
		if ok && now.Sub(report.ReportedAt) < qualityTTL {
			continue
		}
		if ok {
			if err := a.store.Delete(ctx, qualityPrefix+string(p.UserID)); err != nil {
				a.logger.Warn().Err(err).Msg("drop stale quality record")
				continue
			}
		}
		if p.ConnectionQuality != domain.QualityUnknown {
			p.ConnectionQuality = domain.QualityUnknown
			changed = true
		}
	}
	return changed
}
