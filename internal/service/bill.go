package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"billsync/backend/internal/cache"
	"billsync/backend/internal/domain"
	"billsync/backend/internal/store"
	"billsync/backend/internal/xid"
)

type BillService struct {
	repo        store.Repository
	caches      *cache.Registry
	validate    *validator.Validate
	debounce    *Debouncer
	recalcDelay time.Duration
	logger      *slog.Logger
	group       singleflight.Group
}

func (s *BillService) Get(ctx context.Context, id string) (domain.Bill, error) {
	if b, ok := s.caches.Bills.Get(id); ok {
		return b.WithMetadata(domain.Metadata{FromCache: true}), nil
	}
	gen := s.caches.Generation()
	b, err := s.repo.GetBill(ctx, id)
	if err != nil {
		return domain.Bill{}, fmt.Errorf("get bill %s: %w", id, err)
	}
	s.caches.Fill(gen, func() { s.caches.Bills.Set(*b) })
	return *b, nil
}

// GetWithProducts returns the bill, its products ordered by creation and the
// totals computed from them.
func (s *BillService) GetWithProducts(ctx context.Context, id string) (domain.BillWithProducts, error) {
	if v, ok := s.caches.Bills.GetWithProducts(id); ok {
		return v, nil
	}
	gen := s.caches.Generation()
	b, err := s.repo.GetBill(ctx, id)
	if err != nil {
		return domain.BillWithProducts{}, fmt.Errorf("get bill %s: %w", id, err)
	}
	products, err := s.products(ctx, id)
	if err != nil {
		return domain.BillWithProducts{}, err
	}
	v := domain.BillWithProducts{Bill: *b, Products: products, Totals: domain.ComputeTotals(products)}
	s.caches.Fill(gen, func() { s.caches.Bills.SetWithProducts(v) })
	return v, nil
}

func (s *BillService) products(ctx context.Context, billID string) ([]domain.Product, error) {
	if products, ok := s.caches.Products.GetByBill(billID); ok {
		return products, nil
	}
	gen := s.caches.Generation()
	products, err := s.repo.QueryProducts(ctx, store.ProductsOfBill(billID))
	if err != nil {
		return nil, fmt.Errorf("products of bill %s: %w", billID, err)
	}
	s.caches.Fill(gen, func() { s.caches.Products.SetByBill(billID, products) })
	return products, nil
}

// All returns every bill ordered by creation time.
func (s *BillService) All(ctx context.Context) ([]domain.Bill, error) {
	bills, err := s.repo.QueryBills(ctx, store.Query{})
	if err != nil {
		return nil, fmt.Errorf("list bills: %w", err)
	}
	return bills, nil
}

// Create validates and persists a new bill. An empty bill number is filled
// with the next generated one. Aggregates start at zero since a new bill has
// no products yet.
func (s *BillService) Create(ctx context.Context, bill domain.Bill) (domain.Bill, error) {
	bill = normalizeBill(bill)
	if bill.BillNumber == "" {
		number, err := s.nextBillNumber(ctx)
		if err != nil {
			return domain.Bill{}, err
		}
		bill.BillNumber = number
	}
	if err := validateBill(s.validate, bill); err != nil {
		return domain.Bill{}, err
	}
	if err := s.ensureUniqueNumber(ctx, bill.BillNumber, ""); err != nil {
		return domain.Bill{}, err
	}

	if bill.ID == "" || xid.IsTemp(bill.ID) {
		bill.ID = xid.New("bill")
	}
	bill.TotalQuantity, bill.TotalAmount, bill.TotalProfit, bill.ProductCount = 0, 0, 0, 0

	created, err := s.repo.CreateBill(ctx, bill)
	if err != nil {
		return domain.Bill{}, fmt.Errorf("create bill: %w", err)
	}
	s.caches.Invalidate(ctx, store.OpCreate, domain.KindBill, cache.Target{ID: created.ID})
	return *created, nil
}

// Update validates the patch against the merged view of the current bill so
// omitted fields never fail the required rules. The bill number is checked
// for uniqueness only when the patch changes it; a changed number is copied
// onto the bill's products in the same batch.
func (s *BillService) Update(ctx context.Context, id string, patch domain.BillPatch) (domain.Bill, error) {
	current, err := s.repo.GetBill(ctx, id)
	if err != nil {
		return domain.Bill{}, fmt.Errorf("update bill %s: %w", id, err)
	}
	if patch.IsEmpty() {
		return *current, nil
	}

	merged := domain.ApplyBillPatch(*current, patch)
	if err := validateBill(s.validate, merged); err != nil {
		return domain.Bill{}, err
	}

	renamed := patch.BillNumber != nil && merged.BillNumber != current.BillNumber
	if !renamed {
		updated, err := s.repo.UpdateBill(ctx, id, patch)
		if err != nil {
			return domain.Bill{}, fmt.Errorf("update bill %s: %w", id, err)
		}
		s.caches.Invalidate(ctx, store.OpUpdate, domain.KindBill, cache.Target{ID: id})
		return *updated, nil
	}

	if err := s.ensureUniqueNumber(ctx, merged.BillNumber, id); err != nil {
		return domain.Bill{}, err
	}
	children, err := s.repo.QueryProducts(ctx, store.ProductsOfBill(id))
	if err != nil {
		return domain.Bill{}, fmt.Errorf("update bill %s: %w", id, err)
	}
	ops := []store.Mutation{store.UpdateBillOp(id, patch)}
	for _, p := range children {
		ops = append(ops, store.UpdateProductOp(p.ID, domain.ProductPatch{BillNumber: &merged.BillNumber}))
	}
	if err := s.repo.Batch(ctx, ops); err != nil {
		return domain.Bill{}, fmt.Errorf("update bill %s: %w", id, err)
	}
	s.caches.Invalidate(ctx, store.OpUpdate, domain.KindBill, cache.Target{ID: id})
	for _, p := range children {
		s.caches.Invalidate(ctx, store.OpUpdate, domain.KindProduct, cache.Target{ID: p.ID, BillIDs: []string{id}})
	}

	updated, err := s.repo.GetBill(ctx, id)
	if err != nil {
		return domain.Bill{}, fmt.Errorf("update bill %s: %w", id, err)
	}
	return *updated, nil
}

// Delete removes the bill and every product that references it in one
// atomic batch. Either all of them are gone afterwards or none is.
func (s *BillService) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.GetBill(ctx, id); err != nil {
		return fmt.Errorf("delete bill %s: %w", id, err)
	}
	children, err := s.repo.QueryProducts(ctx, store.ProductsOfBill(id))
	if err != nil {
		return fmt.Errorf("delete bill %s: %w", id, err)
	}

	ops := make([]store.Mutation, 0, len(children)+1)
	childIDs := make([]string, 0, len(children))
	for _, p := range children {
		ops = append(ops, store.DeleteProductOp(p.ID))
		childIDs = append(childIDs, p.ID)
	}
	ops = append(ops, store.DeleteBillOp(id))

	if err := s.repo.Batch(ctx, ops); err != nil {
		return fmt.Errorf("delete bill %s: %w", id, err)
	}
	s.debounce.Cancel(id)
	s.caches.Invalidate(ctx, store.OpDelete, domain.KindBill, cache.Target{ID: id, ChildIDs: childIDs})
	return nil
}

// Duplicate copies the bill and its products under a freshly generated bill
// number and returns the new bill with recalculated totals.
func (s *BillService) Duplicate(ctx context.Context, id string) (domain.Bill, error) {
	src, err := s.repo.GetBill(ctx, id)
	if err != nil {
		return domain.Bill{}, fmt.Errorf("duplicate bill %s: %w", id, err)
	}
	children, err := s.repo.QueryProducts(ctx, store.ProductsOfBill(id))
	if err != nil {
		return domain.Bill{}, fmt.Errorf("duplicate bill %s: %w", id, err)
	}
	number, err := s.nextBillNumber(ctx)
	if err != nil {
		return domain.Bill{}, err
	}

	dup := domain.DuplicateBill(*src, xid.New("bill"), number)
	ops := make([]store.Mutation, 0, len(children)+1)
	ops = append(ops, store.CreateBillOp(dup))
	for _, p := range children {
		ops = append(ops, store.CreateProductOp(domain.DuplicateProduct(p, xid.New("prd"), dup)))
	}
	if err := s.repo.Batch(ctx, ops); err != nil {
		return domain.Bill{}, fmt.Errorf("duplicate bill %s: %w", id, err)
	}
	s.caches.Invalidate(ctx, store.OpCreate, domain.KindBill, cache.Target{ID: dup.ID})

	return s.RecalculateTotals(ctx, dup.ID)
}

// RecalculateTotals recomputes the four aggregates from the current products
// and persists them.
func (s *BillService) RecalculateTotals(ctx context.Context, billID string) (domain.Bill, error) {
	children, err := s.repo.QueryProducts(ctx, store.ProductsOfBill(billID))
	if err != nil {
		return domain.Bill{}, fmt.Errorf("recalculate bill %s: %w", billID, err)
	}
	totals := domain.ComputeTotals(children)
	updated, err := s.repo.UpdateBill(ctx, billID, totals.Patch())
	if err != nil {
		return domain.Bill{}, fmt.Errorf("recalculate bill %s: %w", billID, err)
	}
	s.caches.Invalidate(ctx, store.OpUpdate, domain.KindBill, cache.Target{ID: billID})
	return *updated, nil
}

// DebouncedRecalculateTotals schedules a recalculation for billID after
// delay. A later call for the same bill replaces the pending one. A
// non-positive delay uses the configured default.
func (s *BillService) DebouncedRecalculateTotals(billID string, delay time.Duration) {
	if strings.TrimSpace(billID) == "" {
		return
	}
	if delay <= 0 {
		delay = s.recalcDelay
	}
	s.debounce.Trigger(billID, delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), recalcTimeout)
		defer cancel()
		if _, err := s.RecalculateTotals(ctx, billID); err != nil {
			s.logger.Warn("debounced totals recalculation failed", "bill_id", billID, "error", err)
		}
	})
}

func (s *BillService) PendingRecalculations() int {
	return s.debounce.Pending()
}

// CheckTotals compares the persisted aggregates of a bill with the ones
// computed from its products.
func (s *BillService) CheckTotals(ctx context.Context, billID string) (domain.TotalsCheck, error) {
	b, err := s.repo.GetBill(ctx, billID)
	if err != nil {
		return domain.TotalsCheck{}, fmt.Errorf("check bill %s: %w", billID, err)
	}
	children, err := s.repo.QueryProducts(ctx, store.ProductsOfBill(billID))
	if err != nil {
		return domain.TotalsCheck{}, fmt.Errorf("check bill %s: %w", billID, err)
	}
	return domain.CompareTotals(billID, domain.BillTotals(*b), domain.ComputeTotals(children)), nil
}

// FindDrift scans every bill and returns the checks that are not consistent,
// ordered by bill id.
func (s *BillService) FindDrift(ctx context.Context) ([]domain.TotalsCheck, error) {
	bills, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	products, err := s.repo.QueryProducts(ctx, store.Query{})
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return DriftedBills(bills, products), nil
}

// DriftedBills compares every bill against the products that reference it.
func DriftedBills(bills []domain.Bill, products []domain.Product) []domain.TotalsCheck {
	byBill := make(map[string][]domain.Product)
	for _, p := range products {
		if p.BillID != "" {
			byBill[p.BillID] = append(byBill[p.BillID], p)
		}
	}
	out := make([]domain.TotalsCheck, 0)
	for _, b := range bills {
		check := domain.CompareTotals(b.ID, domain.BillTotals(b), domain.ComputeTotals(byBill[b.ID]))
		if !check.Consistent() {
			out = append(out, check)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BillID < out[j].BillID })
	return out
}

func (s *BillService) nextBillNumber(ctx context.Context) (string, error) {
	bills, err := s.All(ctx)
	if err != nil {
		return "", fmt.Errorf("generate bill number: %w", err)
	}
	return domain.GenerateBillNumber(bills), nil
}

func (s *BillService) ensureUniqueNumber(ctx context.Context, number string, selfID string) error {
	found, err := s.repo.QueryBills(ctx, store.Query{
		Filters: []store.Filter{store.Where("bill_number", store.OpEq, number)},
		Limit:   2,
	})
	if err != nil {
		return fmt.Errorf("check bill number: %w", err)
	}
	for _, b := range found {
		if b.ID != selfID {
			return fmt.Errorf("%w: %s", ErrDuplicateBillNumber, number)
		}
	}
	return nil
}

func normalizeBill(b domain.Bill) domain.Bill {
	b.BillNumber = strings.TrimSpace(b.BillNumber)
	b.Vendor = strings.TrimSpace(b.Vendor)
	b.Notes = strings.TrimSpace(b.Notes)
	if b.Status == "" {
		b.Status = domain.BillStatusActive
	}
	b.Metadata = nil
	return b
}
