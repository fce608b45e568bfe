package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/azizikri/coupon-issuance/internal/recorder"
)

type failingSink struct{}

func (failingSink) Upsert(context.Context, domain.IssuanceRecord) (bool, error) {
	return false, errors.New("disk full")
}

func TestReconcile_RestoresDroppedRecords(t *testing.T) {
	h := newHarness(t, time.Second)
	require.NoError(t, h.ledger.Provision(context.Background(), domain.Pool{ID: "P1", ProductID: "sku-7", Total: 5}, 0))
	h.queue.err = domain.ErrQueueFull

	for _, user := range []string{"u1", "u2", "u3"} {
		res := h.svc.AttemptIssue(context.Background(), user, "P1", "sku-7")
		require.Equal(t, domain.OutcomeIssued, res.Outcome)
	}

	sink := recorder.NewMemorySink()
	reconciler := NewReconciler(h.ledger, sink, nil)

	report, err := reconciler.Reconcile(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{
		PoolID:     "P1",
		Total:      5,
		Remaining:  2,
		Members:    3,
		Inserted:   3,
		Consistent: true,
	}, report)

	records, err := sink.ListByPool(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.Equal(t, "sku-7", rec.ProductID)
		assert.False(t, rec.IssuedAt.IsZero())
		assert.NotEmpty(t, rec.ID)
	}

	again, err := reconciler.Reconcile(context.Background(), "P1")
	require.NoError(t, err)
	assert.Zero(t, again.Inserted)
	assert.Equal(t, 3, sink.Len())
}

func TestReconcile_UsesRequestedProductAndIssueTime(t *testing.T) {
	h := newHarness(t, time.Second)
	h.provision(t, "P1", 5)
	h.queue.err = domain.ErrQueueFull

	res := h.svc.AttemptIssue(context.Background(), "u1", "P1", "sku-9")
	require.Equal(t, domain.OutcomeIssued, res.Outcome)

	sink := recorder.NewMemorySink()
	_, err := NewReconciler(h.ledger, sink, nil).Reconcile(context.Background(), "P1")
	require.NoError(t, err)

	records, err := sink.ListByPool(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "sku-9", records[0].ProductID)
	assert.Equal(t, res.Record.IssuedAt, records[0].IssuedAt)
}

func TestReconcile_SinkFailure(t *testing.T) {
	h := newHarness(t, time.Second)
	h.provision(t, "P1", 2)
	h.svc.AttemptIssue(context.Background(), "u1", "P1", "x")

	report, err := NewReconciler(h.ledger, failingSink{}, nil).Reconcile(context.Background(), "P1")
	require.Error(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.ErrorContains(t, err, "disk full")
}

func TestReconcile_UnknownPool(t *testing.T) {
	h := newHarness(t, time.Second)

	_, err := NewReconciler(h.ledger, recorder.NewMemorySink(), nil).Reconcile(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrPoolNotFound)
}

func TestReconcile_Run(t *testing.T) {
	h := newHarness(t, time.Second)
	h.provision(t, "P1", 2)
	h.svc.AttemptIssue(context.Background(), "u1", "P1", "x")

	sink := recorder.NewMemorySink()
	reconciler := NewReconciler(h.ledger, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reconciler.Run(ctx, 5*time.Millisecond, []string{"P1"})
		close(done)
	}()

	assert.Eventually(t, func() bool { return sink.Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
