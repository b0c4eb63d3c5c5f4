// Package broadcast implements the live fan-out of freshly ingested
// reports to SSE subscribers. Publish never blocks: a subscriber that
// falls behind has its oldest buffered report dropped to make room,
// rather than stalling ingestion.
package broadcast

import (
	"sync"

	"iris/internal/models"
)

const defaultDepth = 16

// Hub fans a stream of reports out to any number of subscribers, each
// with its own bounded, drop-oldest queue.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]chan models.MetricsReport
	nextID uint64
	depth  int
}

// New builds a Hub whose subscriber queues hold depth reports each. A
// non-positive depth falls back to the default of 16.
func New(depth int) *Hub {
	if depth <= 0 {
		depth = defaultDepth
	}
	return &Hub{
		subs:  make(map[uint64]chan models.MetricsReport),
		depth: depth,
	}
}

// Subscription is a live handle to one subscriber's feed. Callers must
// call Close when done reading, reclaiming the slot in the hub.
type Subscription struct {
	id  uint64
	hub *Hub
	ch  chan models.MetricsReport
}

// Subscribe registers a new subscriber and returns its feed.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan models.MetricsReport, h.depth)
	h.subs[id] = ch
	return &Subscription{id: id, hub: h, ch: ch}
}

// C returns the channel of live reports for this subscription.
func (s *Subscription) C() <-chan models.MetricsReport {
	return s.ch
}

// Close unsubscribes, reclaiming the slot. It is the only way a slot
// is reclaimed: a subscriber who stops reading without calling Close
// keeps its slot and simply accumulates dropped-oldest reports until
// it does.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.subs[s.id]; ok {
		delete(s.hub.subs, s.id)
		close(s.ch)
	}
}

// Publish fans report out to every current subscriber. A subscriber
// whose queue is full has its oldest entry dropped to make room; the
// publisher itself never blocks.
func (h *Hub) Publish(report models.MetricsReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- report:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- report:
			default:
			}
		}
	}
}

// SubscriberCount reports the current number of live subscriptions,
// for diagnostics.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
