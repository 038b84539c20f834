package stream

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/TheMacroeconomicDao/GybernatyUnitManager/internal/governance"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 16

type subscriber struct {
	ch    chan governance.Event
	types []governance.EventType
}

func (s subscriber) wants(t governance.EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Stream fans committed governance events out to live subscribers (SSE clients).
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	buffer  int
	dropped atomic.Uint64
}

var _ governance.EventSink = (*Stream)(nil)

// New initialises an empty stream. A non-positive buffer selects DefaultBuffer.
func New(buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Stream{subs: make(map[int]subscriber), buffer: buffer}
}

// Subscribe registers a subscriber for the given event types (all when none
// are given). The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, types ...governance.EventType) <-chan governance.Event {
	ch := make(chan governance.Event, s.buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, types: types}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fans the event out to all matching subscribers without blocking.
func (s *Stream) Publish(_ context.Context, evt governance.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Slow subscriber; drop.
			s.dropped.Add(1)
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }
