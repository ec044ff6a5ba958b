package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billsync/backend/internal/domain"
	"billsync/backend/internal/store"
)

type recorder[T domain.Document] struct {
	mu    sync.Mutex
	snaps []store.Snapshot[T]
}

func (r *recorder[T]) add(s store.Snapshot[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder[T]) at(i int) store.Snapshot[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[i]
}

func TestCreateAssignsIdentityAndTimestamps(t *testing.T) {
	s := New()
	ctx := context.Background()

	bill, err := s.CreateBill(ctx, domain.Bill{BillNumber: "B001", Vendor: "Acme", Status: domain.BillStatusActive})
	require.NoError(t, err)
	assert.NotEmpty(t, bill.ID)
	assert.False(t, bill.CreatedAt.IsZero())
	assert.Equal(t, bill.CreatedAt, bill.UpdatedAt)

	updated, err := s.UpdateBill(ctx, bill.ID, domain.BillPatch{Vendor: ptr("Globex")})
	require.NoError(t, err)
	assert.Equal(t, "Globex", updated.Vendor)
	assert.True(t, updated.UpdatedAt.After(bill.UpdatedAt))

	_, err = s.UpdateBill(ctx, "missing", domain.BillPatch{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBatchIsAllOrNothing(t *testing.T) {
	failOn := ""
	s := New(WithMutationHook(func(m store.Mutation) error {
		if m.ID == failOn {
			return errors.New("forced failure")
		}
		return nil
	}))
	ctx := context.Background()

	bill, err := s.CreateBill(ctx, domain.Bill{BillNumber: "B001"})
	require.NoError(t, err)
	p1, err := s.CreateProduct(ctx, domain.Product{BillID: bill.ID, ProductName: "a"})
	require.NoError(t, err)
	p2, err := s.CreateProduct(ctx, domain.Product{BillID: bill.ID, ProductName: "b"})
	require.NoError(t, err)

	failOn = p2.ID
	err = s.Batch(ctx, []store.Mutation{
		store.DeleteProductOp(p1.ID),
		store.DeleteProductOp(p2.ID),
		store.DeleteBillOp(bill.ID),
	})
	require.ErrorIs(t, err, store.ErrBatchFailed)

	_, err = s.GetProduct(ctx, p1.ID)
	assert.NoError(t, err, "first delete must be rolled back")
	_, err = s.GetBill(ctx, bill.ID)
	assert.NoError(t, err)
}

func TestSubscriptionDeliversInitialAndOrderedSnapshots(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := &recorder[domain.Bill]{}

	unsub := s.SubscribeBills(store.Query{}, rec.add, nil)
	defer unsub()

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.at(0).Items)

	b, err := s.CreateBill(ctx, domain.Bill{BillNumber: "B001"})
	require.NoError(t, err)
	_, err = s.UpdateBill(ctx, b.ID, domain.BillPatch{Vendor: ptr("x")})
	require.NoError(t, err)
	require.NoError(t, s.DeleteBill(ctx, b.ID))

	require.Eventually(t, func() bool { return rec.len() == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.ChangeAdded, rec.at(1).Changes[0].Type)
	assert.Equal(t, domain.ChangeModified, rec.at(2).Changes[0].Type)
	assert.Equal(t, domain.ChangeRemoved, rec.at(3).Changes[0].Type)
}

func TestSubscriptionSkipsUnrelatedWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := &recorder[domain.Product]{}

	unsub := s.SubscribeProducts(store.ProductsOfBill("bill-1"), rec.add, nil)
	defer unsub()
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)

	_, err := s.CreateProduct(ctx, domain.Product{BillID: "bill-2", ProductName: "other"})
	require.NoError(t, err)
	_, err = s.CreateProduct(ctx, domain.Product{BillID: "bill-1", ProductName: "mine"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.at(1).Items, 1)
	assert.Equal(t, "mine", rec.at(1).Items[0].ProductName)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	s := New()
	unsub := s.SubscribeBills(store.Query{}, func(store.Snapshot[domain.Bill]) {}, nil)
	assert.Equal(t, 1, s.ActiveSubscriptions())

	unsub()
	assert.NotPanics(t, assert.PanicTestFunc(unsub))
	assert.Equal(t, 0, s.ActiveSubscriptions())
}

func TestInvalidSubscriptionReportsError(t *testing.T) {
	s := New()
	errs := make(chan error, 1)
	unsub := s.SubscribeBills(store.Query{OrderBy: "nope"}, func(store.Snapshot[domain.Bill]) {}, func(err error) { errs <- err })
	defer unsub()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, store.ErrInvalidQuery)
	case <-time.After(time.Second):
		t.Fatal("expected subscription error")
	}
}

func TestNewSeededTotalsAreConsistent(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	bills, err := s.QueryBills(ctx, store.Query{})
	require.NoError(t, err)
	require.Len(t, bills, 3)
	for _, b := range bills {
		children, err := s.QueryProducts(ctx, store.ProductsOfBill(b.ID))
		require.NoError(t, err)
		assert.Equal(t, domain.ComputeTotals(children), domain.BillTotals(b))
	}
}

func ptr[T any](v T) *T { return &v }
