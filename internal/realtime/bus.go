// Package realtime fans gateway events out to per-tenant subscribers
// (the SSE feed) without blocking the producers.
package realtime

import (
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Event is a single realtime notification for one tenant.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
	Time    time.Time   `json:"time"`
}

type Hub struct {
	bus  EventBus.Bus
	pool *ants.Pool
}

func NewHub() *Hub {
	pool, err := ants.NewPool(64, ants.WithNonblocking(true))
	if err != nil {
		panic(err)
	}
	return &Hub{bus: EventBus.New(), pool: pool}
}

func topicOf(tenantID string) string {
	return "tenant:" + tenantID
}

// Publish delivers an event to every subscriber of the tenant. Delivery
// happens on the worker pool so callers never wait on slow consumers.
func (h *Hub) Publish(tenantID, event string, payload interface{}) {
	evt := Event{Type: event, Payload: payload, Time: time.Now()}
	err := h.pool.Submit(func() {
		h.bus.Publish(topicOf(tenantID), evt)
	})
	if err != nil {
		// pool saturated, drop rather than block the session loop
		zap.L().Debug("realtime: event dropped", zap.String("tenant", tenantID), zap.String("event", event))
	}
}

// Subscribe registers fn for the tenant's events and returns an
// unsubscribe func.
func (h *Hub) Subscribe(tenantID string, fn func(evt Event)) (func(), error) {
	handler := func(evt Event) { fn(evt) }
	if err := h.bus.Subscribe(topicOf(tenantID), handler); err != nil {
		return nil, err
	}
	return func() {
		_ = h.bus.Unsubscribe(topicOf(tenantID), handler)
	}, nil
}

func (h *Hub) Release() {
	h.pool.Release()
}
