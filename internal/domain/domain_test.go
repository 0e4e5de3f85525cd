package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestSettingsMerge(t *testing.T) {
	base := DefaultSettings([]webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}})

	got, err := base.Merge(SettingsPatch{
		AllowRecording:  ptr(true),
		RecordingConfig: &RecordingConfigPatch{Format: ptr("mp4")},
	})
	require.NoError(t, err)
	assert.True(t, got.AllowRecording)
	assert.True(t, got.AllowScreenShare)
	assert.Equal(t, "mp4", got.RecordingConfig.Format)
	assert.Equal(t, "720p", got.RecordingConfig.Quality)
	assert.Equal(t, 120, got.RecordingConfig.MaxDurationMinutes)
	assert.False(t, base.AllowRecording)
}

func TestSettingsMerge_Rejects(t *testing.T) {
	base := DefaultSettings(nil)

	_, err := base.Merge(SettingsPatch{RecordingConfig: &RecordingConfigPatch{MaxDurationMinutes: ptr(0)}})
	assert.True(t, IsKind(err, KindValidation))

	_, err = base.Merge(SettingsPatch{ICEServers: &[]webrtc.ICEServer{{URLs: []string{"http://nope"}}}})
	assert.True(t, IsKind(err, KindValidation))

	_, err = base.Merge(SettingsPatch{ICEServers: &[]webrtc.ICEServer{{}}})
	assert.True(t, IsKind(err, KindValidation))
}

func TestValidateICEServers(t *testing.T) {
	ok := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.org:3478"}},
		{URLs: []string{"turn:turn.example.org:3478?transport=udp"}, Username: "u", Credential: "p"},
	}
	assert.NoError(t, ValidateICEServers(ok))
}

func TestMergeMetadata_IsShallow(t *testing.T) {
	r := &Room{Metadata: map[string]any{"topic": "old", "nested": map[string]any{"a": 1}}}

	r.MergeMetadata(map[string]any{"topic": "new", "nested": map[string]any{"b": 2}})

	assert.Equal(t, "new", r.Metadata["topic"])
	assert.Equal(t, map[string]any{"b": 2}, r.Metadata["nested"])

	empty := &Room{}
	empty.MergeMetadata(map[string]any{"k": "v"})
	assert.Equal(t, "v", empty.Metadata["k"])
}

func TestRoster(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r := &Room{Type: MediaAudio, CreatedAt: now}

	p := r.AddParticipant("u1", "Ann", now)
	assert.True(t, p.AudioEnabled)
	assert.False(t, p.VideoEnabled)
	assert.Equal(t, QualityUnknown, p.ConnectionQuality)

	r.AddParticipant("u1", "Annie", now.Add(time.Minute))
	require.Len(t, r.Participants, 1)
	assert.Equal(t, "Annie", r.Participants[0].DisplayName)
	assert.Equal(t, now, r.Participants[0].JoinedAt)

	assert.True(t, r.RemoveParticipant("u1"))
	assert.False(t, r.RemoveParticipant("u1"))

	r.Touch(now.Add(90 * time.Second))
	assert.Equal(t, int64(90), r.Metrics.SessionDuration)
}

func TestQualityReportDegraded(t *testing.T) {
	assert.False(t, QualityReport{Quality: QualityGood, PacketLoss: 1}.Degraded())
	assert.True(t, QualityReport{Quality: QualityGood, PacketLoss: DegradedPacketLoss}.Degraded())
	assert.True(t, QualityReport{Quality: QualityPoor}.Degraded())
	assert.True(t, QualityReport{Quality: QualityBad}.Degraded())
}

func TestParsers(t *testing.T) {
	mt, err := ParseMediaType("")
	require.NoError(t, err)
	assert.Equal(t, MediaVideo, mt)
	mt, err = ParseMediaType(" Audio ")
	require.NoError(t, err)
	assert.Equal(t, MediaAudio, mt)
	_, err = ParseMediaType("hologram")
	assert.True(t, IsKind(err, KindValidation))

	st, err := ParseStatus("studying")
	require.NoError(t, err)
	assert.Equal(t, StatusStudying, st)
	_, err = ParseStatus("busy")
	assert.True(t, IsKind(err, KindValidation))

	_, err = ParseRoomID("  ")
	assert.True(t, IsKind(err, KindValidation))
	_, err = ParseRoomID(strings.Repeat("r", 65))
	assert.True(t, IsKind(err, KindValidation))

	_, err = NewUserID(strings.Repeat("u", MaxUserIDLen+1))
	assert.True(t, IsKind(err, KindValidation))
	name, err := NormalizeUsername("  ", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", name)
}

func TestNewChatMessageValidate(t *testing.T) {
	cases := []struct {
		name string
		msg  NewChatMessage
		ok   bool
	}{
		{"text", NewChatMessage{RoomID: 1, SenderID: "u", Content: "hi"}, true},
		{"attachment only", NewChatMessage{RoomID: 1, SenderID: "u", Attachments: []string{"a.png"}}, true},
		{"no room", NewChatMessage{SenderID: "u", Content: "hi"}, false},
		{"no sender", NewChatMessage{RoomID: 1, Content: "hi"}, false},
		{"blank", NewChatMessage{RoomID: 1, SenderID: "u", Content: " \n"}, false},
		{"too long", NewChatMessage{RoomID: 1, SenderID: "u", Content: strings.Repeat("x", MaxMessageLen+1)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, IsKind(err, KindValidation))
		})
	}
}

func TestErrors(t *testing.T) {
	wrapped := fmt.Errorf("join: %w", CapacityError("room full"))
	assert.True(t, IsKind(wrapped, KindCapacity))
	assert.Equal(t, http.StatusConflict, AsError(wrapped).HTTPStatus())

	cause := errors.New("boom")
	e := AsError(cause)
	assert.Equal(t, KindInternal, e.Kind)
	assert.ErrorIs(t, e, cause)
	assert.Equal(t, http.StatusInternalServerError, e.HTTPStatus())

	assert.Equal(t, http.StatusBadGateway, ExternalError("x", nil).HTTPStatus())
	assert.Equal(t, http.StatusUnauthorized, AuthError("x", nil).HTTPStatus())
	assert.Equal(t, http.StatusNotFound, NotFoundError("x").HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, ProtocolError("x").HTTPStatus())
	assert.Nil(t, AsError(nil))
}
