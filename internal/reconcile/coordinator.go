package reconcile

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/korepay/reconciler/internal/infrastructure/observability"
	"github.com/korepay/reconciler/internal/models"
	"github.com/korepay/reconciler/internal/repository"
	pkgerrors "github.com/korepay/reconciler/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Coordinator funnels every reconciliation event, whatever its source,
// through one entry point and guarantees at most one concurrent state machine
// application per transaction id in this process. The in-process lock is a
// latency optimization; the store's compare-and-set is the correctness
// backstop across instances.
type Coordinator struct {
	repo  repository.TransactionRepository
	locks sync.Map // transaction id -> *sync.Mutex
}

func NewCoordinator(repo repository.TransactionRepository) *Coordinator {
	return &Coordinator{repo: repo}
}

func (c *Coordinator) lockFor(id string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Apply serializes the event against the transaction's current persisted
// state and returns the post-transition record. Duplicate and late events
// come back as the unchanged record, never as an error.
func (c *Coordinator) Apply(ctx context.Context, transactionID string, ev models.ProviderEvent) (*models.Transaction, error) {
	tracer := otel.Tracer("reconciliation-coordinator")
	ctx, span := tracer.Start(ctx, "ApplyReconciliationEvent")
	span.SetAttributes(
		attribute.String("transaction_id", transactionID),
		attribute.String("event_source", string(ev.Source)),
		attribute.String("event_outcome", string(ev.Outcome)),
	)
	defer span.End()

	mu := c.lockFor(transactionID)
	mu.Lock()
	defer mu.Unlock()

	// One stale-write retry: the re-read state then classifies the event as
	// terminal absorption or applies it cleanly.
	const attempts = 2
	var lastErr error
	for i := 0; i < attempts; i++ {
		tx, err := c.repo.GetByID(ctx, transactionID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transaction lookup failed")
			return nil, err
		}

		transition := Decide(tx.State, ev)
		switch t := transition.(type) {
		case NoOp:
			observability.ReconciliationEvents.WithLabelValues(string(ev.Source), "noop").Inc()
			slog.Info("reconciliation no-op",
				"transaction_id", transactionID,
				"state", tx.State,
				"source", ev.Source,
				"reason", t.Reason)
			if t.Reason == ReasonMalformedSuccess {
				slog.Error("success event without provider reference",
					"transaction_id", transactionID,
					"correlation_token", ev.CorrelationToken,
					"source", ev.Source)
			}
			return tx, nil

		case ApplyCompleted:
			if t.ConfirmedAmount != nil && *t.ConfirmedAmount != tx.Amount {
				slog.Warn("provider confirmed amount differs from requested amount",
					"transaction_id", transactionID,
					"requested", tx.Amount,
					"confirmed", *t.ConfirmedAmount)
			}
			updated, err := c.repo.CompareAndSet(ctx, transactionID, tx.State, repository.StateChange{
				NewState:        models.StateCompleted,
				ProviderRef:     t.ProviderRef,
				ResultDetail:    t.Detail,
				ConfirmedAmount: t.ConfirmedAmount,
			})
			if stderrors.Is(err, pkgerrors.ErrStaleWrite) {
				lastErr = err
				continue
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "compare-and-set failed")
				return nil, err
			}
			observability.ReconciliationEvents.WithLabelValues(string(ev.Source), "completed").Inc()
			slog.Info("transaction completed",
				"transaction_id", transactionID,
				"provider_reference", t.ProviderRef,
				"source", ev.Source)
			return updated, nil

		case ApplyFailed:
			updated, err := c.repo.CompareAndSet(ctx, transactionID, tx.State, repository.StateChange{
				NewState:     models.StateFailed,
				ResultDetail: t.Detail,
			})
			if stderrors.Is(err, pkgerrors.ErrStaleWrite) {
				lastErr = err
				continue
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "compare-and-set failed")
				return nil, err
			}
			observability.ReconciliationEvents.WithLabelValues(string(ev.Source), "failed").Inc()
			slog.Info("transaction failed",
				"transaction_id", transactionID,
				"detail", t.Detail,
				"source", ev.Source)
			return updated, nil
		}
	}

	span.SetStatus(codes.Error, "stale write persisted across retry")
	return nil, fmt.Errorf("reconciliation retry exhausted for transaction %s: %w", transactionID, lastErr)
}
