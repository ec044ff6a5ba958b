package optimistic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billsync/backend/internal/domain"
	"billsync/backend/internal/store"
	"billsync/backend/internal/xid"
)

var base = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func fixedClock() func() time.Time {
	return func() time.Time { return base }
}

func bills() []domain.Bill {
	return []domain.Bill{
		{ID: "b1", BillNumber: "B001", Vendor: "OldCo", UpdatedAt: base.Add(-time.Hour)},
		{ID: "b2", BillNumber: "B002", Vendor: "Other", UpdatedAt: base.Add(-time.Hour)},
	}
}

func TestApplyBillPatchesTagsAndRecords(t *testing.T) {
	e := New(WithClock(fixedClock()))
	current := bills()
	vendor := "Acme"

	var seen Result[domain.Bill]
	next := e.ApplyBill("b1", domain.BillPatch{Vendor: &vendor}, current, func(r Result[domain.Bill]) { seen = r })

	require.Len(t, next, 2)
	assert.Equal(t, "Acme", next[0].Vendor)
	assert.True(t, next[0].IsOptimistic())
	assert.Equal(t, base, next[0].UpdatedAt)
	assert.Equal(t, "OldCo", current[0].Vendor, "input collection is not modified")
	assert.False(t, next[1].IsOptimistic())

	assert.True(t, seen.Metadata.Optimistic)
	assert.Equal(t, []domain.Change{{Type: domain.ChangeModified, ID: "b1"}}, seen.Changes)

	p, ok := e.Pending(domain.KindBill, "b1")
	require.True(t, ok)
	assert.Equal(t, "bill_b1", p.Key)
	assert.Equal(t, store.OpUpdate, p.Op)
	assert.Equal(t, "Acme", p.Value.(domain.Bill).Vendor)
	assert.Equal(t, 1, e.Count())
}

func TestApplyUnknownTargetReturnsCollectionUnchanged(t *testing.T) {
	e := New(WithClock(fixedClock()))
	current := bills()
	called := false

	next := e.ApplyBill("missing", domain.BillPatch{}, current, func(Result[domain.Bill]) { called = true })
	assert.Equal(t, current, next)
	assert.False(t, called)
	assert.Equal(t, 0, e.Count())
}

func TestApplyCallbackPanicDegradesGracefully(t *testing.T) {
	e := New(WithClock(fixedClock()))
	current := bills()
	vendor := "Acme"

	assert.NotPanics(t, func() {
		next := e.ApplyBill("b1", domain.BillPatch{Vendor: &vendor}, current, func(Result[domain.Bill]) {
			panic("render failed")
		})
		assert.Equal(t, current, next)
	})
	assert.Equal(t, 0, e.Count())
}

func TestApplyProductRederivesFields(t *testing.T) {
	e := New(WithClock(fixedClock()))
	current := []domain.Product{domain.DeriveProductFields(domain.Product{ID: "p1", MRP: 5, TotalQuantity: 10, TotalAmount: 40})}
	amount := 30.0

	next := e.ApplyProduct("p1", domain.ProductPatch{TotalAmount: &amount}, current, nil)
	assert.Equal(t, 3.0, next[0].CostPerUnit)
	assert.Equal(t, 2.0, next[0].ProfitPerPiece)
	_, ok := e.Pending(domain.KindProduct, "p1")
	assert.True(t, ok)
}

func TestInsertAndConfirmSplicesRealItem(t *testing.T) {
	e := New(WithClock(fixedClock()))
	current := bills()

	tempID, shown := e.InsertBill(domain.Bill{Vendor: "New"}, current, nil)
	require.True(t, xid.IsTemp(tempID))
	require.Len(t, shown, 3)
	assert.Equal(t, tempID, shown[0].ID)
	assert.True(t, shown[0].IsOptimistic())

	p, ok := e.Pending(domain.KindBill, tempID)
	require.True(t, ok)
	assert.Equal(t, store.OpCreate, p.Op)

	second, _ := e.InsertBill(domain.Bill{Vendor: "Newer"}, shown, nil)
	assert.NotEqual(t, tempID, second)

	persisted := domain.Bill{ID: "bill-real", Vendor: "New", UpdatedAt: base.Add(time.Second)}
	var spliced []domain.Bill
	final := e.ConfirmBill(tempID, persisted, shown, func(items []domain.Bill) { spliced = items })

	require.Len(t, final, 3)
	assert.Equal(t, "bill-real", final[0].ID)
	assert.False(t, final[0].IsOptimistic())
	assert.Equal(t, final, spliced)
	_, ok = e.Pending(domain.KindBill, tempID)
	assert.False(t, ok)
}

func TestConfirmDoesNotDuplicateItemAlreadyDelivered(t *testing.T) {
	e := New(WithClock(fixedClock()))
	tempID, shown := e.InsertBill(domain.Bill{Vendor: "New"}, bills(), nil)
	persisted := domain.Bill{ID: "bill-real", Vendor: "New"}
	shown = append(shown, persisted)

	final := e.ConfirmBill(tempID, persisted, shown, nil)
	assert.Len(t, final, 3)
}

func TestRemoveDoesNotRecordPending(t *testing.T) {
	e := New(WithClock(fixedClock()))
	var seen Result[domain.Bill]
	next := e.RemoveBill("b2", bills(), func(r Result[domain.Bill]) { seen = r })

	require.Len(t, next, 1)
	assert.Equal(t, "b1", next[0].ID)
	assert.Equal(t, domain.ChangeRemoved, seen.Changes[0].Type)
	assert.Equal(t, 0, e.Count())
}

func TestRollbackIsExplicit(t *testing.T) {
	e := New(WithClock(fixedClock()))
	previous := bills()
	vendor := "Acme"
	e.ApplyBill("b1", domain.BillPatch{Vendor: &vendor}, previous, nil)
	require.Equal(t, 1, e.Count())

	var reverted []domain.Bill
	out := Rollback(e, domain.KindBill, "b1", previous, func(r Result[domain.Bill]) { reverted = r.Items })
	assert.Equal(t, previous, out)
	assert.Equal(t, previous, reverted)
	assert.Equal(t, 0, e.Count())
}

func TestPendingUpdatesSortedAndClear(t *testing.T) {
	e := New(WithClock(fixedClock()))
	vendor := "Acme"
	e.ApplyBill("b2", domain.BillPatch{Vendor: &vendor}, bills(), nil)
	e.ApplyBill("b1", domain.BillPatch{Vendor: &vendor}, bills(), nil)

	pending := e.PendingUpdates()
	require.Len(t, pending, 2)
	assert.Equal(t, "bill_b1", pending[0].Key)

	assert.True(t, e.Settle(domain.KindBill, "b2"))
	assert.False(t, e.Settle(domain.KindBill, "b2"))
	e.Clear()
	assert.Equal(t, 0, e.Count())
}
