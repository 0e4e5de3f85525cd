package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	id    string
	calls int
}

func TestNamespace_OneActorPerID(t *testing.T) {
	var built atomic.Int32
	ns := NewNamespace("test", clockwork.NewFakeClock(), func(id string) *counter {
		built.Add(1)
		return &counter{id: id}
	})
	defer ns.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, ns.Do(ctx, "a", func(c *counter) error { c.calls++; return nil }))
	}
	require.NoError(t, ns.Do(ctx, "b", func(c *counter) error { c.calls++; return nil }))

	var calls int
	require.NoError(t, ns.Do(ctx, "a", func(c *counter) error { calls = c.calls; return nil }))
	assert.Equal(t, 3, calls)
	assert.Equal(t, int32(2), built.Load())
	assert.Equal(t, 2, ns.Len())
}

func TestNamespace_HibernateBuildsFreshActor(t *testing.T) {
	ns := NewNamespace("test", clockwork.NewFakeClock(), func(id string) *counter { return &counter{id: id} })
	defer ns.Close()
	ctx := context.Background()

	require.NoError(t, ns.Do(ctx, "a", func(c *counter) error { c.calls = 5; return nil }))
	assert.True(t, ns.Hibernate("a"))
	assert.False(t, ns.Hibernate("a"))

	var calls int
	require.NoError(t, ns.Do(ctx, "a", func(c *counter) error { calls = c.calls; return nil }))
	assert.Zero(t, calls, "in-memory state does not survive hibernation")
}

func TestNamespace_SuccessorWaitsForDrain(t *testing.T) {
	ns := NewNamespace("test", clockwork.NewFakeClock(), func(id string) *counter { return &counter{id: id} })
	defer ns.Close()
	ctx := context.Background()

	release := make(chan struct{})
	var order []string
	require.NoError(t, ns.Post(ctx, "a", func(*counter) {
		<-release
		order = append(order, "old")
	}))
	ns.Hibernate("a")

	done := make(chan error, 1)
	go func() {
		done <- ns.Do(ctx, "a", func(*counter) error { order = append(order, "new"); return nil })
	}()
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"old", "new"}, order)
}

func TestNamespace_SweepIdle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ns := NewNamespace("test", clock, func(id string) *counter { return &counter{id: id} })
	defer ns.Close()
	ctx := context.Background()

	require.NoError(t, ns.Do(ctx, "a", func(*counter) error { return nil }))
	require.NoError(t, ns.Do(ctx, "b", func(*counter) error { return nil }))
	require.Eventually(t, func() bool { return ns.SweepIdle(0) == 2 }, time.Second, time.Millisecond)
	assert.Zero(t, ns.Len())
}

func TestNamespace_ClosedRejects(t *testing.T) {
	ns := NewNamespace("test", clockwork.NewFakeClock(), func(id string) *counter { return &counter{id: id} })
	ns.Close()
	err := ns.Do(context.Background(), "a", func(*counter) error { return nil })
	assert.ErrorIs(t, err, errNamespaceClosed)
}

func TestCall_ReturnsResult(t *testing.T) {
	ns := NewNamespace("test", clockwork.NewFakeClock(), func(id string) *counter { return &counter{id: id} })
	defer ns.Close()

	got, err := Call(context.Background(), ns, "a", func(c *counter) (string, error) { return c.id, nil })
	require.NoError(t, err)
	assert.Equal(t, "a", got)
}

func TestCall_CancelledDropsLateResult(t *testing.T) {
	ns := NewNamespace("test", clockwork.NewFakeClock(), func(id string) *counter { return &counter{id: id} })
	defer ns.Close()

	release := make(chan struct{})
	require.NoError(t, ns.Post(context.Background(), "a", func(*counter) { <-release }))

	var ran atomic.Bool
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	got, err := Call(ctx, ns, "a", func(*counter) (*counter, error) {
		ran.Store(true)
		return &counter{id: "late"}, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, got)

	close(release)
	require.Eventually(t, ran.Load, time.Second, time.Millisecond)
	require.NoError(t, ns.Do(context.Background(), "a", func(*counter) error { return nil }))
}

type buffered struct {
	pending int
	flushed *atomic.Int32
}

func (b *buffered) Flush() { b.flushed.Add(int32(b.pending)) }

func TestNamespace_FlushesBeforeDroppingActor(t *testing.T) {
	var flushed atomic.Int32
	ns := NewNamespace("test", clockwork.NewFakeClock(), func(string) *buffered {
		return &buffered{flushed: &flushed}
	})
	ctx := context.Background()

	require.NoError(t, ns.Do(ctx, "a", func(b *buffered) error { b.pending = 2; return nil }))
	require.True(t, ns.Hibernate("a"))
	require.NoError(t, ns.Do(ctx, "a", func(*buffered) error { return nil }))
	assert.EqualValues(t, 2, flushed.Load(), "successor starts after the flush")

	require.NoError(t, ns.Do(ctx, "b", func(b *buffered) error { b.pending = 3; return nil }))
	ns.Close()
	assert.EqualValues(t, 5, flushed.Load())
}
