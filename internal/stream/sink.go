package stream

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ecolom-kz/kreel-core/internal/market/event"
	"github.com/ecolom-kz/kreel-core/pkg/metrics"
)

const publishTimeout = 5 * time.Second

// Broadcaster adapts the engine event sink onto the hub and an optional
// pub/sub backend. It marshals each envelope once and hands the same
// bytes to both.
type Broadcaster struct {
	log     *zap.Logger
	backend PubSubBackend
	hub     *Hub
	channel string
}

// NewBroadcaster wires the sink. Either backend or hub may be nil.
func NewBroadcaster(log *zap.Logger, backend PubSubBackend, hub *Hub, channel string) *Broadcaster {
	if channel == "" {
		channel = "kreel.events"
	}
	return &Broadcaster{log: log, backend: backend, hub: hub, channel: channel}
}

// Push implements event.Sink.
func (b *Broadcaster) Push(e event.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		b.log.Error("event marshal failed",
			zap.String("kind", string(e.Kind)), zap.Error(err))
		metrics.EventsPublished.WithLabelValues("marshal", "error").Inc()
		return
	}

	if b.hub != nil {
		b.hub.Broadcast(data)
		metrics.EventsPublished.WithLabelValues("ws", "ok").Inc()
	}

	if b.backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := b.backend.Publish(ctx, b.channel, json.RawMessage(data)); err != nil {
			b.log.Error("event publish failed",
				zap.String("kind", string(e.Kind)), zap.Error(err))
			metrics.EventsPublished.WithLabelValues("broker", "error").Inc()
			return
		}
		metrics.EventsPublished.WithLabelValues("broker", "ok").Inc()
	}
}
