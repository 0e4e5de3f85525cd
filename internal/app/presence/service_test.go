package presence

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/adapters/memory"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

const threshold = 5 * time.Minute

type fixture struct {
	svc   *Service
	clock *clockwork.FakeClock
	store *memory.PresenceStore
	sched *core.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	store := memory.NewPresenceStore()
	sched := core.NewScheduler(clock, memory.NewStore())
	svc := NewService(clock, store, sched, threshold)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		svc.Close()
	})
	return &fixture{svc: svc, clock: clock, store: store, sched: sched}
}

func sessionID(s string) *string { return &s }

// fireAlarm moves the clock to the pending alarm of uid and waits for it to
// be consumed.
func (f *fixture) fireAlarm(t *testing.T, uid domain.UserID) {
	t.Helper()
	at, ok := f.sched.Alarm(Namespace, string(uid))
	require.True(t, ok, "no alarm armed")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(at.Sub(f.clock.Now()))
	require.Eventually(t, func() bool {
		next, pending := f.sched.Alarm(Namespace, string(uid))
		return !pending || !next.Equal(at)
	}, time.Second, time.Millisecond)
}

func TestGet_UnknownIsOffline(t *testing.T) {
	f := newFixture(t)
	rec, err := f.svc.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOffline, rec.Status)
	assert.True(t, rec.LastSeen.IsZero())
}

func TestTouch_UnknownIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Touch(context.Background(), "ghost")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestTouch_KeepsOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Set(ctx, "u1", SetParams{Status: domain.StatusOnline})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		f.clock.Advance(threshold - time.Minute)
		rec, err := f.svc.Touch(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusOnline, rec.Status)
	}
	at, ok := f.sched.Alarm(Namespace, "u1")
	require.True(t, ok)
	assert.Equal(t, f.clock.Now().Add(threshold), at)
}

func TestInactivity_FlipsOfflineOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Set(ctx, "u1", SetParams{Status: domain.StatusStudying, SessionID: sessionID("s1")})
	require.NoError(t, err)

	f.fireAlarm(t, "u1")

	var rec domain.PresenceRecord
	require.Eventually(t, func() bool {
		rec, err = f.svc.Get(ctx, "u1")
		return err == nil && rec.Status == domain.StatusOffline
	}, time.Second, time.Millisecond)
	assert.Empty(t, rec.SessionID)

	_, pending := f.sched.Alarm(Namespace, "u1")
	assert.False(t, pending, "an offline record is not re-armed")

	online, err := f.svc.Online(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)
	members, err := f.svc.SessionMembers(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestAlarm_ReArmsWhenTouchedMeanwhile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Set(ctx, "u1", SetParams{Status: domain.StatusOnline})
	require.NoError(t, err)

	expiry := f.clock.Now().Add(threshold)

	// A stale alarm from an earlier arm must not expire a fresh record.
	require.NoError(t, f.sched.SetAlarm(ctx, Namespace, "u1", f.clock.Now().Add(time.Minute)))
	f.fireAlarm(t, "u1")

	require.Eventually(t, func() bool {
		at, pending := f.sched.Alarm(Namespace, "u1")
		return pending && at.Equal(expiry)
	}, time.Second, time.Millisecond)
	rec, err := f.svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOnline, rec.Status)
}

func TestSet_SessionAndDeviceSemantics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Set(ctx, "u1", SetParams{
		Status:     domain.StatusOnline,
		SessionID:  sessionID("s1"),
		DeviceInfo: map[string]any{"os": "linux"},
	})
	require.NoError(t, err)
	_, err = f.svc.Set(ctx, "u2", SetParams{Status: domain.StatusAway, SessionID: sessionID("s1")})
	require.NoError(t, err)

	members, err := f.svc.SessionMembers(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"u1", "u2"}, members)

	rec, err := f.svc.Set(ctx, "u1", SetParams{Status: domain.StatusAway})
	require.NoError(t, err)
	assert.Empty(t, rec.SessionID)
	assert.Equal(t, map[string]any{"os": "linux"}, rec.DeviceInfo)

	members, err = f.svc.SessionMembers(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"u2"}, members)

	online, err := f.svc.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.UserID]domain.Status{"u1": domain.StatusAway, "u2": domain.StatusAway}, online)
}

func TestGoOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Set(ctx, "u1", SetParams{Status: domain.StatusOnline, SessionID: sessionID("s1")})
	require.NoError(t, err)

	rec, err := f.svc.GoOffline(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOffline, rec.Status)

	online, err := f.svc.Online(ctx)
	require.NoError(t, err)
	assert.NotContains(t, online, domain.UserID("u1"))
}

func TestHibernation_ReloadsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Set(ctx, "u1", SetParams{Status: domain.StatusStudying})
	require.NoError(t, err)

	require.True(t, f.svc.Actors().Hibernate("u1"))
	rec, err := f.svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStudying, rec.Status)
	_, err = f.svc.Touch(ctx, "u1")
	require.NoError(t, err)
}
