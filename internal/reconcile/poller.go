package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/korepay/reconciler/internal/infrastructure/observability"
	"github.com/korepay/reconciler/internal/models"
	"github.com/korepay/reconciler/internal/provider"
	"github.com/korepay/reconciler/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Poller queries the provider for a transaction's current state and funnels
// the result through the coordinator. It never schedules its own retries;
// callers own the cadence.
type Poller struct {
	repo         repository.TransactionRepository
	querier      provider.StatusQuerier
	coordinator  *Coordinator
	queryTimeout time.Duration
}

func NewPoller(repo repository.TransactionRepository, querier provider.StatusQuerier, coordinator *Coordinator, queryTimeout time.Duration) *Poller {
	return &Poller{
		repo:         repo,
		querier:      querier,
		coordinator:  coordinator,
		queryTimeout: queryTimeout,
	}
}

// Poll returns the best-known state of the transaction. Terminal rows come
// back without a provider round trip. A provider query failure is absorbed as
// a no-information event: the record stays pending and the caller may retry
// later, with backoff.
func (p *Poller) Poll(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tracer := otel.Tracer("status-poller")
	ctx, span := tracer.Start(ctx, "PollTransactionStatus")
	span.SetAttributes(attribute.String("transaction_id", transactionID))
	defer span.End()

	tx, err := p.repo.GetByID(ctx, transactionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction lookup failed")
		return nil, err
	}

	if tx.State.Terminal() {
		slog.Info("poll short-circuited on terminal state", "transaction_id", transactionID, "state", tx.State)
		return tx, nil
	}

	// The query must survive caller abandonment: a client navigating away
	// must not cancel an update that is already in flight. Detach from the
	// caller's cancellation and bound the call by the query timeout alone.
	queryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.queryTimeout)
	defer cancel()

	ev := models.ProviderEvent{
		CorrelationToken: tx.CorrelationToken,
		Outcome:          models.OutcomeUnknown,
		Source:           models.SourcePoll,
	}
	payload, err := p.querier.QueryStatus(queryCtx, tx.CorrelationToken)
	if err != nil {
		observability.ProviderQueryFailures.Inc()
		slog.Warn("provider query failed, treating as still pending",
			"transaction_id", transactionID,
			"correlation_token", tx.CorrelationToken,
			"error", err)
	} else {
		ev = provider.Normalize(payload, models.SourcePoll)
		ev.CorrelationToken = tx.CorrelationToken
	}

	return p.coordinator.Apply(queryCtx, transactionID, ev)
}
