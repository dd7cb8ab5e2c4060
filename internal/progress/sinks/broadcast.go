package sinks

import (
	"context"
	"sync"

	"github.com/netzbureau/tariffscout/internal/progress"
)

// BroadcastSink fans events out to live subscribers, e.g. SSE streams. Sends
// never block: a subscriber that stops draining its channel loses events
// rather than stalling the hub.
type BroadcastSink struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	jobID string
	ch    chan progress.Event
}

const defaultSubscriberBuffer = 64

// NewBroadcastSink constructs an empty BroadcastSink.
func NewBroadcastSink() *BroadcastSink {
	return &BroadcastSink{subs: make(map[int]*subscriber)}
}

// Subscribe registers a listener for events. An empty jobID receives every
// event; otherwise only events for that job are delivered. The returned
// cancel func must be called to release the subscription; the channel is
// closed once the subscription ends or the sink shuts down.
func (s *BroadcastSink) Subscribe(jobID string, buffer int) (<-chan progress.Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan progress.Event, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = &subscriber{jobID: jobID, ch: ch}

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

// Consume delivers each event to every matching subscriber.
func (s *BroadcastSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, evt := range batch {
		for _, sub := range s.subs {
			if sub.jobID != "" && sub.jobID != evt.JobID {
				continue
			}
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
	return nil
}

// Close terminates all subscriptions.
func (s *BroadcastSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
	return nil
}
