package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"

	"github.com/korepay/reconciler/internal/infrastructure/observability"
	"github.com/korepay/reconciler/internal/models"
	"github.com/korepay/reconciler/internal/provider"
	"github.com/korepay/reconciler/internal/reconcile"
	"github.com/korepay/reconciler/internal/repository"
	pkgerrors "github.com/korepay/reconciler/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// Consumer ingests provider callback payloads delivered over the broker and
// funnels them through the same coordinator as the HTTP webhook. Delivery is
// at-least-once; duplicates are absorbed by terminal-state no-ops.
type Consumer struct {
	reader      *kafka.Reader
	corrIndex   repository.CorrelationIndex
	coordinator *reconcile.Coordinator
}

func NewConsumer(brokers []string, topic, groupID string, corrIndex repository.CorrelationIndex, coordinator *reconcile.Coordinator) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		}),
		corrIndex:   corrIndex,
		coordinator: coordinator,
	}
}

func (c *Consumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if stderrors.Is(err, context.Canceled) {
				return
			}
			slog.Error("failed to read Kafka message", "topic", c.reader.Config().Topic, "error", err)
			continue
		}

		var payload provider.StatusPayload
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			slog.Error("failed to unmarshal provider callback", "topic", msg.Topic, "key", string(msg.Key), "error", err)
			continue
		}
		if payload.CorrelationToken == "" {
			slog.Error("provider callback missing correlation token", "topic", msg.Topic, "key", string(msg.Key))
			continue
		}

		transactionID, err := c.corrIndex.Resolve(ctx, payload.CorrelationToken)
		if stderrors.Is(err, pkgerrors.ErrUnresolvedCorrelation) {
			observability.UnresolvedCallbacks.Inc()
			slog.Error("callback for unknown correlation token",
				"correlation_token", payload.CorrelationToken,
				"source", models.SourceBroker)
			continue
		}
		if err != nil {
			slog.Error("failed to resolve correlation token", "correlation_token", payload.CorrelationToken, "error", err)
			continue
		}

		ev := provider.Normalize(&payload, models.SourceBroker)
		if _, err := c.coordinator.Apply(ctx, transactionID, ev); err != nil {
			slog.Error("failed to apply broker callback", "transaction_id", transactionID, "error", err)
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
