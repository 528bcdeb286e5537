package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/korepay/reconciler/internal/models"
	"github.com/korepay/reconciler/internal/provider"
	"github.com/korepay/reconciler/internal/reconcile"
	pkgerrors "github.com/korepay/reconciler/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuerier struct {
	payload *provider.StatusPayload
	err     error
	calls   int
	gate    chan struct{} // when set, QueryStatus blocks until closed
}

func (q *fakeQuerier) QueryStatus(ctx context.Context, token string) (*provider.StatusPayload, error) {
	q.calls++
	if q.gate != nil {
		<-q.gate
	}
	if q.err != nil {
		return nil, q.err
	}
	return q.payload, nil
}

func TestPoller_TerminalShortCircuit(t *testing.T) {
	repo := newMemRepo()
	coordinator := reconcile.NewCoordinator(repo)
	seedPending(t, repo, "t1", "CHK-1")

	_, err := coordinator.Apply(context.Background(), "t1", models.ProviderEvent{
		Outcome: models.OutcomeFailure,
		Detail:  "expired",
		Source:  models.SourceCallback,
	})
	require.NoError(t, err)

	querier := &fakeQuerier{}
	poller := reconcile.NewPoller(repo, querier, coordinator, time.Second)

	tx, err := poller.Poll(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, tx.State)
	assert.Zero(t, querier.calls, "terminal transactions must not trigger a provider query")
}

func TestPoller_ProviderFailureLeavesPending(t *testing.T) {
	repo := newMemRepo()
	coordinator := reconcile.NewCoordinator(repo)
	seedPending(t, repo, "t1", "CHK-1")

	querier := &fakeQuerier{err: pkgerrors.ErrProviderUnavailable}
	poller := reconcile.NewPoller(repo, querier, coordinator, time.Second)

	tx, err := poller.Poll(context.Background(), "t1")
	require.NoError(t, err, "a failed provider query is not an error for the caller")
	assert.Equal(t, models.StatePending, tx.State)
	assert.Equal(t, 1, querier.calls)
}

func TestPoller_AppliesSuccessfulQuery(t *testing.T) {
	repo := newMemRepo()
	coordinator := reconcile.NewCoordinator(repo)
	seedPending(t, repo, "t1", "CHK-1")

	querier := &fakeQuerier{payload: &provider.StatusPayload{
		CorrelationToken:  "CHK-1",
		OutcomeCode:       "00",
		ResultDescription: "paid",
		MetadataItems: []provider.MetadataItem{
			{Name: provider.MetaReceiptReference, Value: "MPR-4"},
			{Name: provider.MetaConfirmedAmount, Value: "1000"},
		},
	}}
	poller := reconcile.NewPoller(repo, querier, coordinator, time.Second)

	tx, err := poller.Poll(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, tx.State)
	assert.Equal(t, "MPR-4", tx.ProviderRef)
	require.NotNil(t, tx.ConfirmedAmount)
	assert.Equal(t, int64(1000), *tx.ConfirmedAmount)
}

func TestPoller_PollSurvivesCallerAbandonment(t *testing.T) {
	repo := newMemRepo()
	coordinator := reconcile.NewCoordinator(repo)
	seedPending(t, repo, "t1", "CHK-1")

	gate := make(chan struct{})
	querier := &fakeQuerier{
		gate: gate,
		payload: &provider.StatusPayload{
			CorrelationToken:  "CHK-1",
			OutcomeCode:       "00",
			ResultDescription: "paid",
			MetadataItems: []provider.MetadataItem{
				{Name: provider.MetaReceiptReference, Value: "MPR-4"},
			},
		},
	}
	poller := reconcile.NewPoller(repo, querier, coordinator, 5*time.Second)

	callerCtx, abandon := context.WithCancel(context.Background())
	done := make(chan *models.Transaction, 1)
	go func() {
		tx, err := poller.Poll(callerCtx, "t1")
		assert.NoError(t, err)
		done <- tx
	}()

	// Caller walks away while the provider query is still in flight; the
	// query must run to completion and the store must still be updated.
	abandon()
	close(gate)

	tx := <-done
	assert.Equal(t, models.StateCompleted, tx.State)

	final, err := repo.GetByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, final.State)
	assert.Equal(t, "MPR-4", final.ProviderRef)
}

// A callback lands while a poll's provider query is still in flight: the
// callback wins, and the slow poll's stale still-pending answer is absorbed.
func TestPoller_SlowPollLosesToCallback(t *testing.T) {
	repo := newMemRepo()
	coordinator := reconcile.NewCoordinator(repo)
	seedPending(t, repo, "t1", "CHK-1")

	gate := make(chan struct{})
	querier := &fakeQuerier{
		gate:    gate,
		payload: &provider.StatusPayload{CorrelationToken: "CHK-1", OutcomeCode: "09", ResultDescription: "processing"},
	}
	poller := reconcile.NewPoller(repo, querier, coordinator, 5*time.Second)

	pollDone := make(chan *models.Transaction, 1)
	go func() {
		tx, err := poller.Poll(context.Background(), "t1")
		assert.NoError(t, err)
		pollDone <- tx
	}()

	// Callback resolves the transaction while the poll's query hangs.
	callbackTx, err := coordinator.Apply(context.Background(), "t1", models.ProviderEvent{
		CorrelationToken: "CHK-1",
		Outcome:          models.OutcomeSuccess,
		ProviderRef:      "MPR-9",
		Source:           models.SourceCallback,
	})
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, callbackTx.State)

	close(gate)
	polled := <-pollDone
	assert.Equal(t, models.StateCompleted, polled.State)
	assert.Equal(t, "MPR-9", polled.ProviderRef)

	final, err := repo.GetByID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, final.State)
	assert.Equal(t, "MPR-9", final.ProviderRef)
	assert.Equal(t, callbackTx.UpdatedAt, final.UpdatedAt, "the slow poll left the record unchanged")
}
