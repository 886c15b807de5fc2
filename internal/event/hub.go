package event

import (
	"log/slog"
	"sync"
)

const subscriberBuffer = 32

// Hub fans events out to per-tenant subscribers. Publish never blocks;
// a subscriber that falls behind loses events.
type Hub struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:  log.With(slog.String("component", "event_hub")),
		subs: make(map[string]map[chan Event]struct{}),
	}
}

// Subscribe registers a listener for one tenant's events. The returned
// cancel func must be called to release the subscription.
func (h *Hub) Subscribe(tenantID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	set, ok := h.subs[tenantID]
	if !ok {
		set = make(map[chan Event]struct{})
		h.subs[tenantID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[tenantID]; ok {
			if _, present := set[ch]; present {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subs, tenantID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[evt.TenantID] {
		select {
		case ch <- evt:
		default:
			h.log.Debug("subscriber behind, event dropped",
				slog.String("tenant_id", evt.TenantID),
				slog.String("type", string(evt.Type)))
		}
	}
}
