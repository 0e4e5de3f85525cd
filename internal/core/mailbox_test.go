package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_RunsInOrder(t *testing.T) {
	mb := NewMailbox(clockwork.NewFakeClock(), "t", nil)
	defer mb.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, mb.Post(context.Background(), func() { got = append(got, i) }))
	}
	require.NoError(t, mb.Do(context.Background(), func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestMailbox_StopDrainsQueued(t *testing.T) {
	mb := NewMailbox(clockwork.NewFakeClock(), "t", nil)
	release := make(chan struct{})
	var ran int
	require.NoError(t, mb.Post(context.Background(), func() { <-release }))
	require.NoError(t, mb.Post(context.Background(), func() { ran++ }))

	mb.Stop()
	assert.ErrorIs(t, mb.Post(context.Background(), func() {}), ErrMailboxClosed)

	close(release)
	<-mb.Done()
	assert.Equal(t, 1, ran)
}

func TestMailbox_WaitsForPredecessor(t *testing.T) {
	clock := clockwork.NewFakeClock()
	prev := NewMailbox(clock, "prev", nil)
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	require.NoError(t, prev.Post(context.Background(), func() {
		<-release
		mu.Lock()
		order = append(order, "prev")
		mu.Unlock()
	}))
	prev.Stop()

	next := NewMailbox(clock, "next", prev.Done())
	defer next.Stop()
	doneNext := make(chan struct{})
	go func() {
		_ = next.Do(context.Background(), func() {
			mu.Lock()
			order = append(order, "next")
			mu.Unlock()
		})
		close(doneNext)
	}()

	close(release)
	<-doneNext
	assert.Equal(t, []string{"prev", "next"}, order)
}

func TestMailbox_PanicDoesNotKillWorker(t *testing.T) {
	mb := NewMailbox(clockwork.NewFakeClock(), "t", nil)
	defer mb.Stop()

	require.NoError(t, mb.Post(context.Background(), func() { panic("boom") }))
	ran := false
	require.NoError(t, mb.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestMailbox_Idle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	mb := NewMailbox(clock, "t", nil)
	defer mb.Stop()

	require.NoError(t, mb.Do(context.Background(), func() {}))
	require.Eventually(t, func() bool { return mb.pending.Load() == 0 }, time.Second, time.Millisecond)
	clock.Advance(3 * time.Minute)
	assert.GreaterOrEqual(t, mb.Idle(), 3*time.Minute)
}

func TestMailbox_DoRespectsContext(t *testing.T) {
	mb := NewMailbox(clockwork.NewFakeClock(), "t", nil)
	defer mb.Stop()
	block := make(chan struct{})
	defer close(block)
	require.NoError(t, mb.Post(context.Background(), func() { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, mb.Do(ctx, func() {}), context.DeadlineExceeded)
}
