package core

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/huddle/internal/metrics"
)

type alarmKey struct {
	namespace string
	id        string
}

type alarmItem struct {
	key   alarmKey
	at    time.Time
	index int
}

type alarmHeap []*alarmItem

func (h alarmHeap) Len() int           { return len(h) }
func (h alarmHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h alarmHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *alarmHeap) Push(x any) {
	item := x.(*alarmItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *alarmHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Scheduler keeps at most one pending alarm per actor and delivers it to the
// handler registered for the actor's namespace. Setting a new alarm
// overwrites the previous one; there is no cancel.
type Scheduler struct {
	clock clockwork.Clock
	store AlarmStore

	mu       sync.Mutex
	heap     alarmHeap
	index    map[alarmKey]*alarmItem
	handlers map[string]func(id string)
	wake     chan struct{}
}

func NewScheduler(clock clockwork.Clock, store AlarmStore) *Scheduler {
	return &Scheduler{
		clock:    clock,
		store:    store,
		index:    make(map[alarmKey]*alarmItem),
		handlers: make(map[string]func(id string)),
		wake:     make(chan struct{}, 1),
	}
}

// Handle registers the callback for alarms of namespace. The callback runs
// on the scheduler goroutine and must only hand the work off.
func (s *Scheduler) Handle(namespace string, fn func(id string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[namespace] = fn
}

// SetAlarm persists and arms the alarm for (namespace, id), replacing any
// earlier one.
func (s *Scheduler) SetAlarm(ctx context.Context, namespace, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SaveAlarm(ctx, Alarm{Namespace: namespace, ID: id, At: at}); err != nil {
		return fmt.Errorf("save alarm: %w", err)
	}
	s.upsert(alarmKey{namespace: namespace, id: id}, at)
	s.signal()
	return nil
}

// Alarm returns the pending wake time for (namespace, id).
func (s *Scheduler) Alarm(namespace, id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.index[alarmKey{namespace: namespace, id: id}]
	if !ok {
		return time.Time{}, false
	}
	return item.at, true
}

func (s *Scheduler) upsert(key alarmKey, at time.Time) {
	if item, ok := s.index[key]; ok {
		item.at = at
		heap.Fix(&s.heap, item.index)
		return
	}
	item := &alarmItem{key: key, at: at}
	heap.Push(&s.heap, item)
	s.index[key] = item
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) restore(ctx context.Context) error {
	alarms, err := s.store.LoadAlarms(ctx)
	if err != nil {
		return fmt.Errorf("load alarms: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range alarms {
		s.upsert(alarmKey{namespace: a.Namespace, id: a.ID}, a.At)
	}
	if len(alarms) > 0 {
		log.Info().Str("module", "core.scheduler").Int("count", len(alarms)).Msg("alarms restored")
	}
	return nil
}

// Run restores persisted alarms and delivers them as they come due, until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return err
	}
	for {
		s.mu.Lock()
		if len(s.heap) == 0 {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
				continue
			}
		}

		next := s.heap[0]
		wait := next.at.Sub(s.clock.Now())
		if wait <= 0 {
			heap.Pop(&s.heap)
			delete(s.index, next.key)
			if err := s.store.DeleteAlarm(ctx, next.key.namespace, next.key.id); err != nil {
				log.Error().Err(err).Str("module", "core.scheduler").Str("namespace", next.key.namespace).Str("id", next.key.id).Msg("delete fired alarm")
			}
			fn := s.handlers[next.key.namespace]
			s.mu.Unlock()
			s.fire(fn, next.key)
			continue
		}
		s.mu.Unlock()

		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.wake:
			timer.Stop()
		case <-timer.Chan():
		}
	}
}

func (s *Scheduler) fire(fn func(id string), key alarmKey) {
	if fn == nil {
		log.Warn().Str("module", "core.scheduler").Str("namespace", key.namespace).Str("id", key.id).Msg("alarm without handler")
		return
	}
	metrics.AlarmsFired.WithLabelValues(key.namespace).Inc()
	log.Debug().Str("module", "core.scheduler").Str("namespace", key.namespace).Str("id", key.id).Msg("alarm fired")
	fn(key.id)
}
