package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	redisclient "github.com/korepay/reconciler/internal/infrastructure/redis"
	"github.com/korepay/reconciler/internal/models"
	"github.com/korepay/reconciler/internal/provider"
	"github.com/korepay/reconciler/internal/reconcile"
	"github.com/korepay/reconciler/internal/repository"
	redisindex "github.com/korepay/reconciler/internal/repository/redis"
	pkgerrors "github.com/korepay/reconciler/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	mu  sync.Mutex
	txs map[string]*models.Transaction
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{txs: map[string]*models.Transaction{}}
}

func (r *memoryRepo) Create(ctx context.Context, tx *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	tx.State = models.StatePending
	tx.CreatedAt = now
	tx.UpdatedAt = now
	cp := *tx
	r.txs[tx.ID] = &cp
	return nil
}

func (r *memoryRepo) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[id]
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (r *memoryRepo) GetByCorrelationToken(ctx context.Context, token string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.txs {
		if tx.CorrelationToken == token {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, pkgerrors.ErrTransactionNotFound
}

func (r *memoryRepo) CompareAndSet(ctx context.Context, id string, expected models.TransactionState, change repository.StateChange) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[id]
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	if tx.State != expected {
		return nil, pkgerrors.ErrStaleWrite
	}
	tx.State = change.NewState
	if change.ProviderRef != "" {
		tx.ProviderRef = change.ProviderRef
	}
	tx.ResultDetail = change.ResultDetail
	if change.ConfirmedAmount != nil {
		amount := *change.ConfirmedAmount
		tx.ConfirmedAmount = &amount
	}
	tx.UpdatedAt = time.Now().UTC()
	cp := *tx
	return &cp, nil
}

func (r *memoryRepo) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Transaction, error) {
	return nil, nil
}

func (r *memoryRepo) ListRecent(ctx context.Context, limit int) ([]models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Transaction
	for _, tx := range r.txs {
		out = append(out, *tx)
	}
	return out, nil
}

type memoryRedis struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMemoryRedis() *memoryRedis {
	return &memoryRedis{keys: map[string]string{}}
}

func (f *memoryRedis) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	val, ok := f.keys[key]
	if !ok {
		return "", redisclient.ErrKeyNotFound
	}
	return val, nil
}

func (f *memoryRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key] = fmt.Sprint(value)
	return nil
}

func (f *memoryRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; ok {
		return false, nil
	}
	f.keys[key] = fmt.Sprint(value)
	return true, nil
}

func (f *memoryRedis) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}

func (f *memoryRedis) Close() error { return nil }

type fakeInitiator struct {
	token string
	err   error
	calls int
}

func (f *fakeInitiator) InitiatePushPayment(ctx context.Context, amount int64, destination string) (string, error) {
	f.calls++
	return f.token, f.err
}

type fakeQuerier struct {
	payload *provider.StatusPayload
	err     error
}

func (f *fakeQuerier) QueryStatus(ctx context.Context, token string) (*provider.StatusPayload, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

func newTestService(repo *memoryRepo, querier provider.StatusQuerier, initiator provider.Initiator) *reconciliationService {
	cache := newMemoryRedis()
	index := redisindex.NewCorrelationIndex(cache, repo)
	coordinator := reconcile.NewCoordinator(repo)
	poller := reconcile.NewPoller(repo, querier, coordinator, time.Second)
	return NewReconciliationService(repo, index, coordinator, poller, initiator, nil)
}

func TestReconciliationService_Initiate(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		repo := newMemoryRepo()
		initiator := &fakeInitiator{token: "CHK-1"}
		svc := newTestService(repo, &fakeQuerier{}, initiator)

		tx, err := svc.Initiate(ctx, models.KindDeposit, 1000, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatePending, tx.State)
		assert.Equal(t, "CHK-1", tx.CorrelationToken)
		assert.NotEmpty(t, tx.ID)

		stored, err := repo.GetByCorrelationToken(ctx, "CHK-1")
		require.NoError(t, err)
		assert.Equal(t, tx.ID, stored.ID)
	})

	t.Run("InvalidKind", func(t *testing.T) {
		initiator := &fakeInitiator{token: "CHK-1"}
		svc := newTestService(newMemoryRepo(), &fakeQuerier{}, initiator)

		_, err := svc.Initiate(ctx, "bogus", 1000, "acct-1")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransactionKind)
		assert.Zero(t, initiator.calls, "provider must not be touched on invalid input")
	})

	t.Run("ProviderFailure", func(t *testing.T) {
		initiator := &fakeInitiator{err: pkgerrors.ErrProviderUnavailable}
		svc := newTestService(newMemoryRepo(), &fakeQuerier{}, initiator)

		_, err := svc.Initiate(ctx, models.KindWithdrawal, 1000, "acct-1")
		assert.ErrorIs(t, err, pkgerrors.ErrProviderUnavailable)
	})
}

func TestReconciliationService_HandleCallback(t *testing.T) {
	ctx := context.Background()

	t.Run("MalformedPayload", func(t *testing.T) {
		svc := newTestService(newMemoryRepo(), &fakeQuerier{}, &fakeInitiator{})
		_, err := svc.HandleCallback(ctx, &provider.StatusPayload{OutcomeCode: "00"})
		assert.ErrorIs(t, err, pkgerrors.ErrMalformedEvent)
	})

	t.Run("UnresolvedToken", func(t *testing.T) {
		svc := newTestService(newMemoryRepo(), &fakeQuerier{}, &fakeInitiator{})
		_, err := svc.HandleCallback(ctx, &provider.StatusPayload{
			CorrelationToken: "CHK-404",
			OutcomeCode:      "00",
		})
		assert.ErrorIs(t, err, pkgerrors.ErrUnresolvedCorrelation)
	})

	t.Run("CompletesTransaction", func(t *testing.T) {
		repo := newMemoryRepo()
		svc := newTestService(repo, &fakeQuerier{}, &fakeInitiator{token: "CHK-1"})

		created, err := svc.Initiate(ctx, models.KindDeposit, 1000, "acct-1")
		require.NoError(t, err)

		tx, err := svc.HandleCallback(ctx, &provider.StatusPayload{
			CorrelationToken:  "CHK-1",
			OutcomeCode:       "00",
			ResultDescription: "approved",
			MetadataItems: []provider.MetadataItem{
				{Name: provider.MetaReceiptReference, Value: "MPR-9"},
				{Name: provider.MetaConfirmedAmount, Value: "1000"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, created.ID, tx.ID)
		assert.Equal(t, models.StateCompleted, tx.State)
		assert.Equal(t, "MPR-9", tx.ProviderRef)
	})

	t.Run("DuplicateCallbackAbsorbed", func(t *testing.T) {
		repo := newMemoryRepo()
		svc := newTestService(repo, &fakeQuerier{}, &fakeInitiator{token: "CHK-1"})

		_, err := svc.Initiate(ctx, models.KindDeposit, 1000, "acct-1")
		require.NoError(t, err)

		payload := &provider.StatusPayload{
			CorrelationToken: "CHK-1",
			OutcomeCode:      "00",
			MetadataItems:    []provider.MetadataItem{{Name: provider.MetaReceiptReference, Value: "MPR-9"}},
		}
		first, err := svc.HandleCallback(ctx, payload)
		require.NoError(t, err)
		second, err := svc.HandleCallback(ctx, payload)
		require.NoError(t, err)
		assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
	})
}

func TestReconciliationService_GetRegistrationStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("IneligibleKind", func(t *testing.T) {
		repo := newMemoryRepo()
		svc := newTestService(repo, &fakeQuerier{}, &fakeInitiator{token: "CHK-1"})
		created, err := svc.Initiate(ctx, models.KindDeposit, 1000, "acct-1")
		require.NoError(t, err)

		_, err = svc.GetRegistrationStatus(ctx, created.ID)
		assert.ErrorIs(t, err, pkgerrors.ErrNotPollable)
	})

	t.Run("PendingRegistrationPolled", func(t *testing.T) {
		repo := newMemoryRepo()
		querier := &fakeQuerier{payload: &provider.StatusPayload{
			OutcomeCode:   "00",
			MetadataItems: []provider.MetadataItem{{Name: provider.MetaReceiptReference, Value: "MPR-3"}},
		}}
		svc := newTestService(repo, querier, &fakeInitiator{token: "CHK-2"})
		created, err := svc.Initiate(ctx, models.KindRegistrationFee, 500, "acct-2")
		require.NoError(t, err)

		tx, err := svc.GetRegistrationStatus(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateCompleted, tx.State)
	})

	t.Run("TerminalReturnedWithoutPolling", func(t *testing.T) {
		repo := newMemoryRepo()
		querier := &fakeQuerier{err: errors.New("provider must not be called")}
		svc := newTestService(repo, querier, &fakeInitiator{token: "CHK-3"})
		created, err := svc.Initiate(ctx, models.KindRegistrationFee, 500, "acct-3")
		require.NoError(t, err)

		_, err = repo.CompareAndSet(ctx, created.ID, models.StatePending, repository.StateChange{
			NewState:     models.StateFailed,
			ResultDetail: "expired",
		})
		require.NoError(t, err)

		tx, err := svc.GetRegistrationStatus(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateFailed, tx.State)
	})
}
