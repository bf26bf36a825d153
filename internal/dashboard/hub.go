package dashboard

import (
	"context"
	"sync"

	"mlmengine/internal/domain"
)

// Hub fans committed cycle summaries out to stream subscribers. A subscriber
// that cannot keep up misses summaries rather than blocking the engine.
type Hub struct {
	mu      sync.Mutex
	subs    map[chan *domain.CycleSummary]struct{}
	buffer  int
	dropped int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 8
	}
	return &Hub{
		subs:   make(map[chan *domain.CycleSummary]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a listener. The returned cancel func must be called
// when the listener goes away; it closes the channel.
func (h *Hub) Subscribe() (<-chan *domain.CycleSummary, func()) {
	ch := make(chan *domain.CycleSummary, h.buffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Publish delivers summary to every subscriber. Batches without a cycle
// summary are ignored.
func (h *Hub) Publish(ctx context.Context, summary *domain.CycleSummary, entries []*domain.CommissionEntry) error {
	if summary == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- summary:
		default:
			h.dropped++
		}
	}
	return nil
}
