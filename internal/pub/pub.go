package pub

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const TariffEventsTopic = "tariff-events"

const (
	EventTariffCreated     = "tariff.created"
	EventTariffUpdated     = "tariff.updated"
	EventTariffActivated   = "tariff.activated"
	EventTariffDeactivated = "tariff.deactivated"
	EventTariffDeleted     = "tariff.deleted"
	EventTariffExpired     = "tariff.expired"
)

// TariffEvent is the fire-and-forget notification sent to external
// collaborators (billing, invoicing, operator tooling). It is not part of the
// engine's consistency guarantees.
type TariffEvent struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	TariffID   int64                  `json:"tariff_id"`
	TariffCode string                 `json:"tariff_code"`
	TariffType string                 `json:"tariff_type"`
	Actor      string                 `json:"actor,omitempty"`
	Delta      map[string]interface{} `json:"delta,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// EventPublisher is what the usecases depend on; mocked in tests.
type EventPublisher interface {
	Publish(ctx context.Context, event *TariffEvent)
}

// TariffEventPublisher publishes tariff lifecycle events to Kafka. Publish
// failures are logged and swallowed: events never fail the operation that
// emitted them.
type TariffEventPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewTariffEventPublisher(brokers []string, logger *zap.Logger) *TariffEventPublisher {
	return &TariffEventPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        TariffEventsTopic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger,
	}
}

func (p *TariffEventPublisher) Publish(ctx context.Context, event *TariffEvent) {
	if event.EventID == "" {
		event.EventID = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	}
	event.Timestamp = time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal tariff event",
			zap.Error(err),
			zap.String("event_type", event.EventType))
		return
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TariffCode),
		Value: payload,
	})
	if err != nil {
		p.logger.Error("failed to publish tariff event",
			zap.Error(err),
			zap.String("event_type", event.EventType),
			zap.String("tariff_code", event.TariffCode))
		return
	}

	p.logger.Info("published tariff event",
		zap.String("event_type", event.EventType),
		zap.String("tariff_code", event.TariffCode))
}

func (p *TariffEventPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
