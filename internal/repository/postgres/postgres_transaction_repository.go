package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/korepay/reconciler/internal/infrastructure/observability"
	"github.com/korepay/reconciler/internal/models"
	"github.com/korepay/reconciler/internal/repository"
	pkgerrors "github.com/korepay/reconciler/pkg/errors"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const transactionColumns = `id, correlation_token, kind, amount, confirmed_amount, state, provider_reference, result_detail, created_at, updated_at`

type PostgresTransactionRepository struct {
	db *sql.DB
}

func NewPostgresTransactionRepository(db *sql.DB) *PostgresTransactionRepository {
	return &PostgresTransactionRepository{db: db}
}

func (r *PostgresTransactionRepository) Create(ctx context.Context, tx *models.Transaction) error {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "CreateTransaction")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("CreateTransaction", status).Inc()
		observability.RepositoryDuration.WithLabelValues("CreateTransaction").Observe(time.Since(start).Seconds())
	}()

	if tx == nil {
		err = pkgerrors.ErrNilTransaction
		slog.Error("failed to create transaction", "method", "Create", "error", err)
		return err
	}
	if !tx.Kind.Valid() {
		err = pkgerrors.ErrInvalidTransactionKind
		slog.Error("invalid transaction kind", "method", "Create", "kind", tx.Kind, "error", err)
		return err
	}
	if tx.CorrelationToken == "" {
		err = fmt.Errorf("correlation token must not be empty")
		slog.Error("missing correlation token", "method", "Create", "transaction_id", tx.ID, "error", err)
		return err
	}

	span.SetAttributes(
		attribute.String("transaction_id", tx.ID),
		attribute.String("kind", string(tx.Kind)),
		attribute.Int64("amount", tx.Amount),
	)

	// New rows always start pending; the state machine owns every move out.
	query := `INSERT INTO transactions (id, correlation_token, kind, amount, state) VALUES ($1, $2, $3, $4, $5) RETURNING created_at, updated_at`
	err = r.db.QueryRowContext(ctx, query, tx.ID, tx.CorrelationToken, tx.Kind, tx.Amount, models.StatePending).
		Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			slog.Error("correlation token already in use", "method", "Create", "correlation_token", tx.CorrelationToken)
			err = pkgerrors.ErrCorrelationTokenTaken
			return err
		}
		slog.Error("failed to create transaction", "method", "Create", "transaction_id", tx.ID, "error", err)
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	tx.State = models.StatePending
	slog.Info("transaction created", "method", "Create", "transaction_id", tx.ID, "correlation_token", tx.CorrelationToken, "kind", tx.Kind, "amount", tx.Amount)
	return nil
}

func (r *PostgresTransactionRepository) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "GetTransactionByID")
	span.SetAttributes(attribute.String("transaction_id", id))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("GetTransactionByID", status).Inc()
		observability.RepositoryDuration.WithLabelValues("GetTransactionByID").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get transaction by id", "method", "GetByID", "transaction_id", id, "error", err)
		return nil, fmt.Errorf("failed to get transaction by id: %w", err)
	}
	return tx, nil
}

func (r *PostgresTransactionRepository) GetByCorrelationToken(ctx context.Context, token string) (*models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "GetTransactionByCorrelationToken")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("GetTransactionByCorrelationToken", status).Inc()
		observability.RepositoryDuration.WithLabelValues("GetTransactionByCorrelationToken").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE correlation_token = $1`
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, token))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get transaction by correlation token", "method", "GetByCorrelationToken", "correlation_token", token, "error", err)
		return nil, fmt.Errorf("failed to get transaction by correlation token: %w", err)
	}
	return tx, nil
}

// CompareAndSet atomically applies change if and only if the stored state
// still equals expected. A vanished-row-with-existing-id outcome is reported
// as ErrStaleWrite so callers can re-read and re-decide against fresh state.
func (r *PostgresTransactionRepository) CompareAndSet(ctx context.Context, id string, expected models.TransactionState, change repository.StateChange) (*models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "CompareAndSetTransaction")
	span.SetAttributes(
		attribute.String("transaction_id", id),
		attribute.String("expected_state", string(expected)),
		attribute.String("new_state", string(change.NewState)),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("CompareAndSetTransaction", status).Inc()
		observability.RepositoryDuration.WithLabelValues("CompareAndSetTransaction").Observe(time.Since(start).Seconds())
	}()

	if !change.NewState.Valid() {
		err = pkgerrors.ErrInvalidTransactionState
		slog.Error("invalid target state", "method", "CompareAndSet", "state", change.NewState, "error", err)
		return nil, err
	}
	if change.NewState == models.StateCompleted && change.ProviderRef == "" {
		err = fmt.Errorf("completed state requires a provider reference")
		slog.Error("missing provider reference", "method", "CompareAndSet", "transaction_id", id, "error", err)
		return nil, err
	}
	if change.NewState != models.StateCompleted && change.ProviderRef != "" {
		err = fmt.Errorf("provider reference is only set on completion")
		slog.Error("unexpected provider reference", "method", "CompareAndSet", "transaction_id", id, "state", change.NewState, "error", err)
		return nil, err
	}

	query := `UPDATE transactions
		SET state = $3,
			provider_reference = CASE WHEN $4 = '' THEN provider_reference ELSE $4 END,
			result_detail = $5,
			confirmed_amount = COALESCE($6, confirmed_amount),
			updated_at = NOW()
		WHERE id = $1 AND state = $2
		RETURNING ` + transactionColumns
	var confirmed sql.NullInt64
	if change.ConfirmedAmount != nil {
		confirmed = sql.NullInt64{Int64: *change.ConfirmedAmount, Valid: true}
	}
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, id, expected, change.NewState, change.ProviderRef, change.ResultDetail, confirmed))
	if stderrors.Is(err, sql.ErrNoRows) {
		// Either the row is gone or someone else won the race. Distinguish so
		// the coordinator can retry against fresh state.
		if _, getErr := r.GetByID(ctx, id); stderrors.Is(getErr, pkgerrors.ErrTransactionNotFound) {
			err = pkgerrors.ErrTransactionNotFound
			return nil, err
		}
		slog.Warn("compare-and-set conflict", "method", "CompareAndSet", "transaction_id", id, "expected_state", expected, "new_state", change.NewState)
		err = pkgerrors.ErrStaleWrite
		return nil, err
	}
	if err != nil {
		slog.Error("failed to compare-and-set transaction", "method", "CompareAndSet", "transaction_id", id, "error", err)
		return nil, fmt.Errorf("failed to compare-and-set transaction: %w", err)
	}

	slog.Info("transaction state transitioned", "method", "CompareAndSet", "transaction_id", id, "from", expected, "to", tx.State, "provider_reference", tx.ProviderRef)
	return tx, nil
}

func (r *PostgresTransactionRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "ListStalePendingTransactions")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("ListStalePendingTransactions", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ListStalePendingTransactions").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE state = $1 AND updated_at < $2 ORDER BY updated_at ASC LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, models.StatePending, olderThan, limit)
	if err != nil {
		slog.Error("failed to list stale pending transactions", "method", "ListStalePending", "error", err)
		return nil, fmt.Errorf("failed to list stale pending transactions: %w", err)
	}
	defer rows.Close()

	txs, err := collectTransactions(rows)
	if err != nil {
		slog.Error("failed to scan stale pending transactions", "method", "ListStalePending", "error", err)
		return nil, err
	}
	return txs, nil
}

func (r *PostgresTransactionRepository) ListRecent(ctx context.Context, limit int) ([]models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "ListRecentTransactions")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("ListRecentTransactions", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ListRecentTransactions").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT ` + transactionColumns + ` FROM transactions ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		slog.Error("failed to list recent transactions", "method", "ListRecent", "error", err)
		return nil, fmt.Errorf("failed to list recent transactions: %w", err)
	}
	defer rows.Close()

	txs, err := collectTransactions(rows)
	if err != nil {
		slog.Error("failed to scan recent transactions", "method", "ListRecent", "error", err)
		return nil, err
	}
	return txs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		tx           models.Transaction
		confirmed    sql.NullInt64
		providerRef  sql.NullString
		resultDetail sql.NullString
	)
	err := row.Scan(&tx.ID, &tx.CorrelationToken, &tx.Kind, &tx.Amount, &confirmed, &tx.State, &providerRef, &resultDetail, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if confirmed.Valid {
		tx.ConfirmedAmount = &confirmed.Int64
	}
	tx.ProviderRef = providerRef.String
	tx.ResultDetail = resultDetail.String
	return &tx, nil
}

func collectTransactions(rows *sql.Rows) ([]models.Transaction, error) {
	var txs []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transaction rows: %w", err)
	}
	return txs, nil
}
