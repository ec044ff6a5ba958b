package cache

import (
	"context"

	"billsync/backend/internal/domain"
	"billsync/backend/internal/store"
)

// Target names the documents a mutation touched.
type Target struct {
	ID string `json:"id,omitempty"`
	// BillIDs are the parent bills a product mutation affects; a product
	// moved between bills lists both.
	BillIDs []string `json:"bill_ids,omitempty"`
	// ChildIDs are the products removed along with a deleted bill.
	ChildIDs []string `json:"child_ids,omitempty"`
}

type scope int

const (
	dropBill scope = iota
	dropBillRelations
	dropChildProducts
	dropProduct
	dropParentBills
)

type rule struct {
	op   store.Op
	kind domain.EntityKind
}

// Query and analytics caches are cleared for every rule.
var invalidationRules = map[rule][]scope{
	{store.OpCreate, domain.KindBill}:    nil,
	{store.OpUpdate, domain.KindBill}:    {dropBill, dropBillRelations},
	{store.OpDelete, domain.KindBill}:    {dropBill, dropBillRelations, dropChildProducts},
	{store.OpCreate, domain.KindProduct}: {dropParentBills},
	{store.OpUpdate, domain.KindProduct}: {dropProduct, dropParentBills},
	{store.OpDelete, domain.KindProduct}: {dropProduct, dropParentBills},
}

// Invalidate drops the entries a successful mutation made stale, then
// announces it to other instances.
func (r *Registry) Invalidate(ctx context.Context, op store.Op, kind domain.EntityKind, target Target) {
	r.InvalidateLocal(op, kind, target)
	if err := r.Analytics.l2.Delete(ctx, SummaryKey); err != nil {
		r.logger.Warn("analytics l2 delete failed", "error", err)
	}
	ev := Event{Source: r.instanceID, Op: op, Kind: kind, Target: target}
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.logger.Warn("invalidation publish failed", "op", op, "kind", kind, "id", target.ID, "error", err)
	}
}

// InvalidateLocal applies the rule for (op, kind) to this process only.
func (r *Registry) InvalidateLocal(op store.Op, kind domain.EntityKind, target Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	for _, s := range invalidationRules[rule{op, kind}] {
		switch s {
		case dropBill:
			r.Bills.Delete(target.ID)
		case dropBillRelations:
			r.Bills.DeleteWithProducts(target.ID)
			r.Products.DeleteByBill(target.ID)
		case dropChildProducts:
			for _, id := range target.ChildIDs {
				r.Products.Delete(id)
			}
		case dropProduct:
			r.Products.Delete(target.ID)
		case dropParentBills:
			for _, billID := range target.BillIDs {
				if billID == "" {
					continue
				}
				r.Bills.Delete(billID)
				r.Bills.DeleteWithProducts(billID)
				r.Products.DeleteByBill(billID)
			}
		}
	}
	r.Queries.Clear()
	r.Analytics.clearLocal()
}

// Listen applies invalidations published by other instances until ctx is
// done.
func (r *Registry) Listen(ctx context.Context) error {
	return r.bus.Subscribe(ctx, func(ev Event) {
		if ev.Source != "" && ev.Source == r.instanceID {
			return
		}
		r.InvalidateLocal(ev.Op, ev.Kind, ev.Target)
	})
}
