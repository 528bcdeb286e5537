package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/korepay/reconciler/internal/infrastructure/kafka"
	"github.com/korepay/reconciler/internal/infrastructure/observability"
	"github.com/korepay/reconciler/internal/models"
	"github.com/korepay/reconciler/internal/provider"
	"github.com/korepay/reconciler/internal/reconcile"
	"github.com/korepay/reconciler/internal/repository"
	redisindex "github.com/korepay/reconciler/internal/repository/redis"
	pkgerrors "github.com/korepay/reconciler/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const auditTopic = "reconciliation.audit"

type ReconciliationService interface {
	Initiate(ctx context.Context, kind models.TransactionKind, amount int64, destination string) (*models.Transaction, error)
	HandleCallback(ctx context.Context, payload *provider.StatusPayload) (*models.Transaction, error)
	Poll(ctx context.Context, transactionID string) (*models.Transaction, error)
	Get(ctx context.Context, transactionID string) (*models.Transaction, error)
	GetRegistrationStatus(ctx context.Context, transactionID string) (*models.Transaction, error)
	History(ctx context.Context, limit int) ([]models.Transaction, error)
}

type reconciliationService struct {
	txRepo      repository.TransactionRepository
	corrIndex   *redisindex.CorrelationIndex
	coordinator *reconcile.Coordinator
	poller      *reconcile.Poller
	initiator   provider.Initiator
	producer    kafka.KafkaProducer
}

func NewReconciliationService(
	txRepo repository.TransactionRepository,
	corrIndex *redisindex.CorrelationIndex,
	coordinator *reconcile.Coordinator,
	poller *reconcile.Poller,
	initiator provider.Initiator,
	producer kafka.KafkaProducer,
) *reconciliationService {
	return &reconciliationService{
		txRepo:      txRepo,
		corrIndex:   corrIndex,
		coordinator: coordinator,
		poller:      poller,
		initiator:   initiator,
		producer:    producer,
	}
}

func (s *reconciliationService) Initiate(ctx context.Context, kind models.TransactionKind, amount int64, destination string) (*models.Transaction, error) {
	tracer := otel.Tracer("reconciliation-service")
	ctx, span := tracer.Start(ctx, "InitiatePayment")
	defer span.End()

	if !kind.Valid() {
		span.SetStatus(codes.Error, "invalid transaction kind")
		return nil, pkgerrors.ErrInvalidTransactionKind
	}
	if amount <= 0 || destination == "" {
		span.SetStatus(codes.Error, "invalid amount or destination")
		return nil, pkgerrors.ErrInvalidInput
	}

	token, err := s.initiator.InitiatePushPayment(ctx, amount, destination)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider initiation failed")
		slog.Error("failed to initiate push payment", "kind", kind, "amount", amount, "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("correlation_token", token))

	tx := &models.Transaction{
		ID:               uuid.NewString(),
		CorrelationToken: token,
		Kind:             kind,
		Amount:           amount,
	}
	if err := s.txRepo.Create(ctx, tx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction creation failed")
		slog.Error("failed to create transaction after initiation",
			"correlation_token", token,
			"kind", kind,
			"error", err)
		return nil, err
	}
	s.corrIndex.Register(ctx, token, tx.ID)

	s.publishAudit(tx.ID, map[string]interface{}{
		"event_type":        "transaction_initiated",
		"transaction_id":    tx.ID,
		"correlation_token": token,
		"kind":              string(kind),
		"amount":            amount,
		"created_at":        time.Now().UTC().Format(time.RFC3339),
	})

	slog.Info("transaction initiated", "transaction_id", tx.ID, "correlation_token", token, "kind", kind, "amount", amount)
	return tx, nil
}

// HandleCallback processes one provider push notification. An unresolvable
// correlation token comes back as ErrUnresolvedCorrelation; the handler still
// acks the provider at the transport level and the failure is recorded for
// operators here.
func (s *reconciliationService) HandleCallback(ctx context.Context, payload *provider.StatusPayload) (*models.Transaction, error) {
	tracer := otel.Tracer("reconciliation-service")
	ctx, span := tracer.Start(ctx, "HandleProviderCallback")
	defer span.End()

	if payload == nil || payload.CorrelationToken == "" {
		span.SetStatus(codes.Error, "malformed callback payload")
		return nil, pkgerrors.ErrMalformedEvent
	}
	span.SetAttributes(attribute.String("correlation_token", payload.CorrelationToken))

	transactionID, err := s.corrIndex.Resolve(ctx, payload.CorrelationToken)
	if stderrors.Is(err, pkgerrors.ErrUnresolvedCorrelation) {
		observability.UnresolvedCallbacks.Inc()
		span.SetStatus(codes.Error, "unresolved correlation token")
		slog.Error("callback for unknown correlation token",
			"correlation_token", payload.CorrelationToken,
			"outcome_code", payload.OutcomeCode)
		s.publishAudit(payload.CorrelationToken, map[string]interface{}{
			"event_type":        "callback_unresolved",
			"correlation_token": payload.CorrelationToken,
			"outcome_code":      payload.OutcomeCode,
			"received_at":       time.Now().UTC().Format(time.RFC3339),
		})
		return nil, err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "correlation resolution failed")
		return nil, err
	}

	ev := provider.Normalize(payload, models.SourceCallback)
	tx, err := s.coordinator.Apply(ctx, transactionID, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconciliation failed")
		return nil, err
	}
	return tx, nil
}

func (s *reconciliationService) Poll(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tracer := otel.Tracer("reconciliation-service")
	ctx, span := tracer.Start(ctx, "PollTransaction")
	span.SetAttributes(attribute.String("transaction_id", transactionID))
	defer span.End()

	tx, err := s.poller.Poll(ctx, transactionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "poll failed")
		return nil, err
	}
	return tx, nil
}

func (s *reconciliationService) Get(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tracer := otel.Tracer("reconciliation-service")
	ctx, span := tracer.Start(ctx, "GetTransaction")
	span.SetAttributes(attribute.String("transaction_id", transactionID))
	defer span.End()

	return s.txRepo.GetByID(ctx, transactionID)
}

// GetRegistrationStatus serves the unauthenticated status check for pending
// registration payments. Any other kind is reported as not found rather than
// confirming the transaction exists.
func (s *reconciliationService) GetRegistrationStatus(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tracer := otel.Tracer("reconciliation-service")
	ctx, span := tracer.Start(ctx, "GetRegistrationStatus")
	span.SetAttributes(attribute.String("transaction_id", transactionID))
	defer span.End()

	tx, err := s.txRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !tx.Kind.UnauthenticatedPollable() {
		slog.Warn("unauthenticated status check for ineligible kind", "transaction_id", transactionID, "kind", tx.Kind)
		return nil, pkgerrors.ErrNotPollable
	}
	if tx.State.Terminal() {
		return tx, nil
	}
	return s.poller.Poll(ctx, transactionID)
}

func (s *reconciliationService) History(ctx context.Context, limit int) ([]models.Transaction, error) {
	tracer := otel.Tracer("reconciliation-service")
	ctx, span := tracer.Start(ctx, "GetTransactionHistory")
	defer span.End()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	txs, err := s.txRepo.ListRecent(ctx, limit)
	if err != nil {
		slog.Error("failed to get transaction history", "error", err)
		return nil, err
	}
	return txs, nil
}

// StuckPending implements reconcile.EventSink.
func (s *reconciliationService) StuckPending(ctx context.Context, tx models.Transaction) {
	s.publishAudit(tx.ID, map[string]interface{}{
		"event_type":        "stuck_pending",
		"transaction_id":    tx.ID,
		"correlation_token": tx.CorrelationToken,
		"kind":              string(tx.Kind),
		"created_at":        tx.CreatedAt.UTC().Format(time.RFC3339),
		"flagged_at":        time.Now().UTC().Format(time.RFC3339),
	})
}

// publishAudit sends fire-and-forget: audit events must never block or fail
// a reconciliation path.
func (s *reconciliationService) publishAudit(key string, event map[string]interface{}) {
	if s.producer == nil {
		return
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal audit event", "key", key, "error", err)
		return
	}
	go func() {
		retries := 3
		for i := 0; i < retries; i++ {
			if err := s.producer.Send(context.Background(), auditTopic, key, eventBytes); err == nil {
				return
			}
			time.Sleep(time.Second * time.Duration(i+1))
		}
		slog.Error("failed to send audit event after retries", "key", key, "event_type", fmt.Sprint(event["event_type"]))
	}()
}
