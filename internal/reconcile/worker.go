package reconcile

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/korepay/reconciler/internal/infrastructure/observability"
	redisclient "github.com/korepay/reconciler/internal/infrastructure/redis"
	"github.com/korepay/reconciler/internal/models"
	"github.com/korepay/reconciler/internal/repository"
)

// EventSink receives operator-facing observability events. Implemented by the
// service layer, which fans them out to the audit topic.
type EventSink interface {
	StuckPending(ctx context.Context, tx models.Transaction)
}

var errStillPending = stderrors.New("transaction still pending")

// Worker is the timer-driven poll caller. It sweeps transactions that have
// sat in pending, polls each with exponential backoff between provider
// retries, and surfaces records stuck past the configured age for manual
// reconciliation. It never force-fails a transaction.
type Worker struct {
	repo        repository.TransactionRepository
	poller      *Poller
	sink        EventSink
	redisClient redisclient.RedisClient
	interval    time.Duration
	stuckAfter  time.Duration
	batchSize   int
}

func NewWorker(repo repository.TransactionRepository, poller *Poller, sink EventSink, redisClient redisclient.RedisClient, interval, stuckAfter time.Duration) *Worker {
	return &Worker{
		repo:        repo,
		poller:      poller,
		sink:        sink,
		redisClient: redisClient,
		interval:    interval,
		stuckAfter:  stuckAfter,
		batchSize:   100,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("reconciliation worker started", "interval", w.interval, "stuck_after", w.stuckAfter)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciliation worker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	// Only rows that predate the current interval; fresh transactions get
	// their first poll from the client or the next tick.
	olderThan := time.Now().Add(-w.interval)
	pending, err := w.repo.ListStalePending(ctx, olderThan, w.batchSize)
	if err != nil {
		slog.Error("failed to list stale pending transactions", "error", err)
		return
	}

	for _, tx := range pending {
		if ctx.Err() != nil {
			return
		}
		w.pollWithBackoff(ctx, tx.ID)
		w.flagIfStuck(ctx, tx)
	}
}

func (w *Worker) pollWithBackoff(ctx context.Context, transactionID string) {
	operation := func() error {
		tx, err := w.poller.Poll(ctx, transactionID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if tx.State.Terminal() {
			return nil
		}
		return errStillPending
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if stderrors.Is(err, errStillPending) {
			return
		}
		slog.Error("poll sweep failed for transaction", "transaction_id", transactionID, "error", err)
	}
}

func (w *Worker) flagIfStuck(ctx context.Context, tx models.Transaction) {
	if time.Since(tx.CreatedAt) < w.stuckAfter {
		return
	}

	// SetNX so each transaction is flagged once, not once per sweep.
	flagged, err := w.redisClient.SetNX(ctx, fmt.Sprintf("stuck:%s", tx.ID), time.Now().UTC().Format(time.RFC3339), 0)
	if err != nil {
		slog.Error("failed to record stuck flag", "transaction_id", tx.ID, "error", err)
		return
	}
	if !flagged {
		return
	}

	observability.StuckPendingTransactions.Inc()
	slog.Error("transaction stuck in pending past threshold",
		"transaction_id", tx.ID,
		"correlation_token", tx.CorrelationToken,
		"created_at", tx.CreatedAt,
		"stuck_after", w.stuckAfter)
	if w.sink != nil {
		w.sink.StuckPending(ctx, tx)
	}
}
