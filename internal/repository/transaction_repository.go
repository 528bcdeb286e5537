package repository

import (
	"context"
	"time"

	"github.com/korepay/reconciler/internal/models"
)

// StateChange carries the fields a compare-and-set may touch. Everything else
// on a transaction is immutable after creation.
type StateChange struct {
	NewState        models.TransactionState
	ProviderRef     string
	ResultDetail    string
	ConfirmedAmount *int64
}

type TransactionRepository interface {
	Create(ctx context.Context, tx *models.Transaction) error
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	GetByCorrelationToken(ctx context.Context, token string) (*models.Transaction, error)
	// CompareAndSet applies change only if the stored state still equals
	// expected, returning the fresh row. A state mismatch on an existing row
	// yields pkg/errors.ErrStaleWrite. This is the single mutation entry
	// point and the authoritative guard against racing updaters.
	CompareAndSet(ctx context.Context, id string, expected models.TransactionState, change StateChange) (*models.Transaction, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Transaction, error)
	ListRecent(ctx context.Context, limit int) ([]models.Transaction, error)
}

// CorrelationIndex maps the provider-issued correlation token back to the
// internal transaction id. Populated at initiation, in the same atomic write
// as the transaction row.
type CorrelationIndex interface {
	Resolve(ctx context.Context, token string) (string, error)
}
