// Package events publishes search-lifecycle events to kafka for offline
// analytics. Emission is synchronous and best-effort: a broker failure is
// logged and ignored, nothing in the request path depends on it, and no
// consumer runs inside this service.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ethxnwzng/ClothingImageSearch/internal/logger"
)

const (
	SearchStarted = "search.started"
	SearchRefined = "search.refined"
)

type Producer struct {
	writer *kafka.Writer
	log    *logger.Logger
}

// New returns nil when no broker is configured; a nil Producer silently
// drops every Emit.
func New(broker, topic string, log *logger.Logger) *Producer {
	if broker == "" || topic == "" {
		return nil
	}
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: []string{broker},
		Topic:   topic,
	})
	return &Producer{writer: writer, log: log}
}

func (p *Producer) Emit(ctx context.Context, event, sessionToken string, payload map[string]interface{}) {
	if p == nil {
		return
	}
	msg := map[string]interface{}{
		"event":      event,
		"session_id": sessionToken,
		"emitted_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range payload {
		msg[k] = v
	}
	value, err := json.Marshal(msg)
	if err != nil {
		p.log.Warn("event encode failed", "event", event, "error", err)
		return
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(sessionToken), Value: value}); err != nil {
		p.log.Warn("event publish failed", "event", event, "error", err)
	}
}

func (p *Producer) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
