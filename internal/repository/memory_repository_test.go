package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

func newPayment(id, gatewayOrderID string) *models.Payment {
	return &models.Payment{
		ID:             id,
		OrderID:        "order_" + id,
		GatewayOrderID: gatewayOrderID,
		Amount:         decimal.RequireFromString("500.00"),
		Currency:       "INR",
		Status:         models.StatusCreated,
		StudentID:      "42",
		EventID:        "evt-1",
		RegistrationID: "7",
		CreatedAt:      time.Now(),
	}
}

func TestMemoryCreateRejectsDuplicateGatewayOrder(t *testing.T) {
	repo := NewMemoryPaymentRepository()
	ctx := context.Background()

	_, err := repo.Create(ctx, newPayment("p1", "order_abc"))
	require.NoError(t, err)

	_, err = repo.Create(ctx, newPayment("p2", "order_abc"))
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestMemoryFindByKeys(t *testing.T) {
	repo := NewMemoryPaymentRepository()
	ctx := context.Background()
	_, err := repo.Create(ctx, newPayment("p1", "order_abc"))
	require.NoError(t, err)

	got, err := repo.FindByGatewayOrderID(ctx, "order_abc")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)

	_, err = repo.FindByGatewayPaymentID(ctx, "order_abc")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.FindByGatewayPaymentID(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCompareAndSetStatus(t *testing.T) {
	repo := NewMemoryPaymentRepository()
	ctx := context.Background()
	_, err := repo.Create(ctx, newPayment("p1", "order_abc"))
	require.NoError(t, err)

	updated, err := repo.CompareAndSetStatus(ctx, "p1", models.StatusCreated, models.StatusUpdate{
		Status:           models.StatusPaid,
		GatewayPaymentID: "pay_1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, updated.Status)
	assert.Equal(t, "pay_1", updated.GatewayPaymentID)

	_, err = repo.CompareAndSetStatus(ctx, "p1", models.StatusCreated, models.StatusUpdate{Status: models.StatusFailed})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = repo.CompareAndSetStatus(ctx, "nope", models.StatusCreated, models.StatusUpdate{Status: models.StatusPaid})
	assert.ErrorIs(t, err, ErrNotFound)

	byPayment, err := repo.FindByGatewayPaymentID(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, "p1", byPayment.ID)
}

func TestMemoryCompareAndSetSingleWinner(t *testing.T) {
	repo := NewMemoryPaymentRepository()
	ctx := context.Background()
	_, err := repo.Create(ctx, newPayment("p1", "order_abc"))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.CompareAndSetStatus(ctx, "p1", models.StatusCreated, models.StatusUpdate{Status: models.StatusPaid}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 2, repo.Writes())
}

func TestMemoryReturnedCopiesAreIsolated(t *testing.T) {
	repo := NewMemoryPaymentRepository()
	ctx := context.Background()
	p := newPayment("p1", "order_abc")
	p.Notes = map[string]string{"k": "v"}
	_, err := repo.Create(ctx, p)
	require.NoError(t, err)

	got, err := repo.FindByID(ctx, "p1")
	require.NoError(t, err)
	got.Notes["k"] = "changed"
	got.Status = models.StatusRefunded

	again, err := repo.FindByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Notes["k"])
	assert.Equal(t, models.StatusCreated, again.Status)
}

func TestMemoryListPagination(t *testing.T) {
	repo := NewMemoryPaymentRepository()
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		p := newPayment(id, "order_"+id)
		p.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		_, err := repo.Create(ctx, p)
		require.NoError(t, err)
	}

	page, total, err := repo.ListByStudent(ctx, "42", models.ListFilter{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].ID)

	page, _, err = repo.ListByEvent(ctx, "evt-1", models.ListFilter{Page: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a", page[0].ID)

	page, total, err = repo.ListByEvent(ctx, "evt-1", models.ListFilter{Status: models.StatusPaid, Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, page)
}
