package redis

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	redisclient "github.com/korepay/reconciler/internal/infrastructure/redis"
	"github.com/korepay/reconciler/internal/repository"
	pkgerrors "github.com/korepay/reconciler/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const correlationTTL = 24 * time.Hour

// CorrelationIndex resolves provider correlation tokens to transaction ids.
// Redis is a cache in front of the transactions table: the token lives as a
// unique column on the row itself, so the index entry and the row commit
// together and a miss here is never authoritative.
type CorrelationIndex struct {
	redisClient redisclient.RedisClient
	txRepo      repository.TransactionRepository
}

func NewCorrelationIndex(redisClient redisclient.RedisClient, txRepo repository.TransactionRepository) *CorrelationIndex {
	return &CorrelationIndex{redisClient: redisClient, txRepo: txRepo}
}

func correlationKey(token string) string {
	return fmt.Sprintf("corr:%s", token)
}

func (i *CorrelationIndex) Resolve(ctx context.Context, token string) (string, error) {
	tracer := otel.Tracer("correlation-index")
	ctx, span := tracer.Start(ctx, "ResolveCorrelationToken")
	defer span.End()

	if token == "" {
		span.SetStatus(codes.Error, "empty correlation token")
		return "", pkgerrors.ErrUnresolvedCorrelation
	}

	key := correlationKey(token)
	id, err := i.redisClient.Get(ctx, key)
	if err == nil {
		return id, nil
	}
	if !stderrors.Is(err, redisclient.ErrKeyNotFound) {
		// Cache trouble is not a resolution failure; fall through to the store.
		slog.Warn("correlation cache lookup failed", "correlation_token", token, "error", err)
	}

	tx, err := i.txRepo.GetByCorrelationToken(ctx, token)
	if stderrors.Is(err, pkgerrors.ErrTransactionNotFound) {
		span.SetStatus(codes.Error, "correlation token not found")
		return "", pkgerrors.ErrUnresolvedCorrelation
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "correlation lookup failed")
		return "", fmt.Errorf("failed to resolve correlation token: %w", err)
	}

	if err := i.redisClient.Set(ctx, key, tx.ID, correlationTTL); err != nil {
		slog.Warn("failed to cache correlation token", "correlation_token", token, "error", err)
	}
	return tx.ID, nil
}

// Register caches a freshly issued token. Called at initiation, after the
// transaction row is committed; a lost cache write only costs a store lookup.
func (i *CorrelationIndex) Register(ctx context.Context, token, transactionID string) {
	if err := i.redisClient.Set(ctx, correlationKey(token), transactionID, correlationTTL); err != nil {
		slog.Warn("failed to cache correlation token", "correlation_token", token, "transaction_id", transactionID, "error", err)
	}
}
