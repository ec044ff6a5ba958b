package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billsync/backend/internal/cache"
	"billsync/backend/internal/conflict"
	"billsync/backend/internal/domain"
	"billsync/backend/internal/store"
	"billsync/backend/internal/store/memory"
)

var base = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func newManager(t *testing.T, localAt time.Time, caches *cache.Registry) (*Manager, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded(memory.WithClock(func() time.Time { return base }))
	m := NewManager(repo, Options{Now: func() time.Time { return localAt }, Caches: caches})
	t.Cleanup(func() {
		m.UnsubscribeAll()
		_ = repo.Close()
	})
	return m, repo
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	var zero T
	return zero
}

func findBill(items []domain.Bill, id string) domain.Bill {
	for _, b := range items {
		if b.ID == id {
			return b
		}
	}
	return domain.Bill{}
}

func TestNewerOptimisticUpdateWinsOverOlderServerSnapshot(t *testing.T) {
	m, repo := newManager(t, base.Add(time.Hour), nil)
	ctx := context.Background()

	var broadcast []conflict.Record
	m.OnConflict(func(r conflict.Record) { broadcast = append(broadcast, r) })

	snaps := make(chan Snapshot[domain.Bill], 16)
	m.SubscribeBills(store.Query{}, func(s Snapshot[domain.Bill]) { snaps <- s }, nil)
	initial := receive(t, snaps)
	require.Len(t, initial.Items, 3)
	assert.Equal(t, OriginServer, initial.Origin)

	vendor := "Acme"
	shown := m.Engine().ApplyBill("bill-demo-1", domain.BillPatch{Vendor: &vendor}, initial.Items, nil)
	assert.Equal(t, "Acme", findBill(shown, "bill-demo-1").Vendor)

	notes := "unrelated"
	_, err := repo.UpdateBill(ctx, "bill-demo-2", domain.BillPatch{Notes: &notes})
	require.NoError(t, err)

	next := receive(t, snaps)
	assert.Equal(t, "Acme", findBill(next.Items, "bill-demo-1").Vendor)

	pending := m.PendingConflicts()
	require.Len(t, pending, 1)
	assert.Equal(t, conflict.LocalWins, pending[0].Outcome)
	assert.Equal(t, "bill-demo-1", pending[0].EntityID)
	require.Len(t, broadcast, 1)

	status := m.SyncStatus()
	assert.Equal(t, 0, status.PendingOptimisticUpdates)
	assert.Equal(t, 1, status.PendingConflicts)
	assert.Equal(t, 1, status.TotalConflicts)
	assert.Equal(t, 1, status.ActiveSubscriptions)

	require.NoError(t, m.AcknowledgeConflict(0))
	assert.Equal(t, 1, m.ClearAcknowledgedConflicts())
	assert.Equal(t, 0, m.SyncStatus().TotalConflicts)
}

func TestNewerServerSnapshotWins(t *testing.T) {
	m, repo := newManager(t, base.Add(-time.Hour), nil)

	snaps := make(chan Snapshot[domain.Bill], 16)
	m.SubscribeBills(store.Query{}, func(s Snapshot[domain.Bill]) { snaps <- s }, nil)
	initial := receive(t, snaps)

	vendor := "Acme"
	m.Engine().ApplyBill("bill-demo-1", domain.BillPatch{Vendor: &vendor}, initial.Items, nil)
	notes := "unrelated"
	_, err := repo.UpdateBill(context.Background(), "bill-demo-2", domain.BillPatch{Notes: &notes})
	require.NoError(t, err)

	next := receive(t, snaps)
	assert.Equal(t, "Sumber Makmur", findBill(next.Items, "bill-demo-1").Vendor)
	pending := m.PendingConflicts()
	require.Len(t, pending, 1)
	assert.Equal(t, conflict.ServerWins, pending[0].Outcome)
}

func TestMatchingServerVersionConfirmsWithoutConflict(t *testing.T) {
	m, repo := newManager(t, base.Add(time.Hour), nil)

	snaps := make(chan Snapshot[domain.Bill], 16)
	m.SubscribeBills(store.ByID("bill-demo-1"), func(s Snapshot[domain.Bill]) { snaps <- s }, nil)
	initial := receive(t, snaps)

	vendor := "Acme"
	m.Engine().ApplyBill("bill-demo-1", domain.BillPatch{Vendor: &vendor}, initial.Items, nil)
	_, err := repo.UpdateBill(context.Background(), "bill-demo-1", domain.BillPatch{Vendor: &vendor})
	require.NoError(t, err)

	next := receive(t, snaps)
	require.Len(t, next.Items, 1)
	assert.Equal(t, "Acme", next.Items[0].Vendor)
	assert.False(t, next.Items[0].IsOptimistic())
	assert.Empty(t, m.PendingConflicts())
	assert.Equal(t, 0, m.Engine().Count())
}

func TestOptimisticSnapshotsPassThrough(t *testing.T) {
	m, _ := newManager(t, base.Add(time.Hour), nil)
	items := []domain.Bill{{ID: "b1", Vendor: "OldCo", UpdatedAt: base}}
	vendor := "Acme"
	m.Engine().ApplyBill("b1", domain.BillPatch{Vendor: &vendor}, items, nil)

	out := processUpdate(m, domain.KindBill, store.Snapshot[domain.Bill]{
		Items:    items,
		Metadata: store.SnapshotMetadata{HasPendingWrites: true},
	})
	assert.Equal(t, OriginOptimistic, out.Origin)
	assert.Equal(t, "OldCo", out.Items[0].Vendor)
	assert.Equal(t, 1, m.Engine().Count())

	cached := processUpdate(m, domain.KindBill, store.Snapshot[domain.Bill]{
		Items:    items,
		Metadata: store.SnapshotMetadata{FromCache: true},
	})
	assert.Equal(t, OriginCache, cached.Origin)
	assert.Equal(t, "Acme", cached.Items[0].Vendor)
	assert.Equal(t, 0, m.Engine().Count())
}

func TestProductsOfBillCarryLiveTotals(t *testing.T) {
	m, repo := newManager(t, base, nil)

	snaps := make(chan Snapshot[domain.Product], 16)
	m.SubscribeProductsOfBill("bill-demo-1", func(s Snapshot[domain.Product]) { snaps <- s }, nil)

	initial := receive(t, snaps)
	require.NotNil(t, initial.Totals)
	assert.Equal(t, 2, initial.Totals.ProductCount)
	assert.Equal(t, 990.0, initial.Totals.TotalAmount)
	assert.Equal(t, 225.0, initial.Totals.TotalProfit)

	_, err := repo.CreateProduct(context.Background(), domain.Product{
		BillID: "bill-demo-1", BillNumber: "B001", ProductName: "Gula", MRP: 2, TotalQuantity: 10, TotalAmount: 10,
	})
	require.NoError(t, err)

	next := receive(t, snaps)
	assert.Equal(t, 3, next.Totals.ProductCount)
	assert.Equal(t, 1000.0, next.Totals.TotalAmount)
	assert.Equal(t, 235.0, next.Totals.TotalProfit)
	require.Len(t, next.Changes, 1)
	assert.Equal(t, domain.ChangeAdded, next.Changes[0].Type)
}

func TestBillWithProductsViewFollowsDelete(t *testing.T) {
	m, repo := newManager(t, base, nil)
	ctx := context.Background()

	views := make(chan BillView, 16)
	m.SubscribeBillWithProducts("bill-demo-2", func(v BillView) { views <- v }, nil)

	first := receive(t, views)
	require.NotNil(t, first.Bill)
	assert.Equal(t, "B002", first.Bill.BillNumber)
	assert.Len(t, first.Products, 1)
	assert.Equal(t, 1, first.Totals.ProductCount)

	children, err := repo.QueryProducts(ctx, store.ProductsOfBill("bill-demo-2"))
	require.NoError(t, err)
	require.NoError(t, repo.Batch(ctx, []store.Mutation{
		store.DeleteProductOp(children[0].ID),
		store.DeleteBillOp("bill-demo-2"),
	}))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-views:
			if v.Bill == nil && len(v.Products) == 0 {
				assert.Equal(t, 0, v.Totals.ProductCount)
				return
			}
		case <-deadline:
			t.Fatal("view never reflected the delete")
		}
	}
}

func TestUnsubscribeAllReleasesEverything(t *testing.T) {
	m, repo := newManager(t, base, nil)

	unsubBills := m.SubscribeBills(store.Query{}, func(Snapshot[domain.Bill]) {}, nil)
	m.SubscribeProducts(store.Query{}, func(Snapshot[domain.Product]) {}, nil)
	m.SubscribeBillWithProducts("bill-demo-1", func(BillView) {}, nil)
	assert.Equal(t, 4, m.SyncStatus().ActiveSubscriptions)
	assert.Equal(t, 4, repo.ActiveSubscriptions())

	vendor := "Acme"
	m.Engine().ApplyBill("bill-demo-1", domain.BillPatch{Vendor: &vendor}, []domain.Bill{{ID: "bill-demo-1"}}, nil)
	require.Equal(t, 1, m.SyncStatus().PendingOptimisticUpdates)

	m.UnsubscribeAll()
	status := m.SyncStatus()
	assert.Equal(t, 0, status.ActiveSubscriptions)
	assert.Equal(t, 0, status.PendingOptimisticUpdates)
	assert.Equal(t, 0, repo.ActiveSubscriptions())

	assert.NotPanics(t, func() {
		unsubBills()
		unsubBills()
	})
}

func TestSubscriptionErrorsGoToOnError(t *testing.T) {
	m, _ := newManager(t, base, nil)

	errs := make(chan error, 4)
	m.SubscribeBills(store.Query{OrderBy: "colour"}, func(Snapshot[domain.Bill]) {}, func(err error) { errs <- err })
	assert.ErrorIs(t, receive(t, errs), store.ErrInvalidQuery)

	m.SubscribeBills(store.Query{}, func(Snapshot[domain.Bill]) { panic("boom") }, func(err error) { errs <- err })
	assert.Contains(t, receive(t, errs).Error(), "snapshot handler")
}

func TestServerChangesInvalidateLocalCaches(t *testing.T) {
	caches := cache.NewRegistry(cache.Options{})
	m, repo := newManager(t, base, caches)

	snaps := make(chan Snapshot[domain.Bill], 16)
	m.SubscribeBills(store.Query{}, func(s Snapshot[domain.Bill]) { snaps <- s }, nil)
	receive(t, snaps)

	caches.Bills.Set(domain.Bill{ID: "bill-demo-1"})
	caches.Bills.Set(domain.Bill{ID: "bill-demo-2"})

	notes := "from another process"
	_, err := repo.UpdateBill(context.Background(), "bill-demo-2", domain.BillPatch{Notes: &notes})
	require.NoError(t, err)
	receive(t, snaps)

	_, ok := caches.Bills.Get("bill-demo-2")
	assert.False(t, ok)
	_, ok = caches.Bills.Get("bill-demo-1")
	assert.True(t, ok)
}

func TestSubscriptionsShareOneResolutionPerServerVersion(t *testing.T) {
	m, repo := newManager(t, base.Add(time.Hour), nil)

	first := make(chan Snapshot[domain.Bill], 16)
	second := make(chan Snapshot[domain.Bill], 16)
	m.SubscribeBills(store.Query{}, func(s Snapshot[domain.Bill]) { first <- s }, nil)
	m.SubscribeBills(store.Query{}, func(s Snapshot[domain.Bill]) { second <- s }, nil)
	initial := receive(t, first)
	receive(t, second)

	vendor := "Acme"
	m.Engine().ApplyBill("bill-demo-1", domain.BillPatch{Vendor: &vendor}, initial.Items, nil)
	notes := "unrelated"
	_, err := repo.UpdateBill(context.Background(), "bill-demo-2", domain.BillPatch{Notes: &notes})
	require.NoError(t, err)

	assert.Equal(t, "Acme", findBill(receive(t, first).Items, "bill-demo-1").Vendor)
	assert.Equal(t, "Acme", findBill(receive(t, second).Items, "bill-demo-1").Vendor)
	assert.Equal(t, 1, m.Conflicts().Total())
	assert.Equal(t, 0, m.Engine().Count())
}

func TestPanickingConflictListenerDoesNotStallSync(t *testing.T) {
	m, repo := newManager(t, base.Add(time.Hour), nil)
	m.OnConflict(func(conflict.Record) { panic("listener bug") })

	snaps := make(chan Snapshot[domain.Bill], 16)
	errs := make(chan error, 4)
	m.SubscribeBills(store.Query{}, func(s Snapshot[domain.Bill]) { snaps <- s }, func(err error) { errs <- err })
	initial := receive(t, snaps)

	vendor := "Acme"
	m.Engine().ApplyBill("bill-demo-1", domain.BillPatch{Vendor: &vendor}, initial.Items, nil)
	notes := "unrelated"
	_, err := repo.UpdateBill(context.Background(), "bill-demo-2", domain.BillPatch{Notes: &notes})
	require.NoError(t, err)

	next := receive(t, snaps)
	assert.Equal(t, "Acme", findBill(next.Items, "bill-demo-1").Vendor)
	assert.Empty(t, errs)
	status := m.SyncStatus()
	assert.Equal(t, 0, status.PendingOptimisticUpdates)
	assert.Equal(t, 1, status.TotalConflicts)
}
