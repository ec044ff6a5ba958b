package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"billsync/backend/internal/cache"
	"billsync/backend/internal/domain"
	"billsync/backend/internal/store"
	"billsync/backend/internal/xid"
)

type ProductService struct {
	repo     store.Repository
	caches   *cache.Registry
	validate *validator.Validate
	bills    *BillService
	logger   *slog.Logger
	group    singleflight.Group
}

func (s *ProductService) Get(ctx context.Context, id string) (domain.Product, error) {
	if p, ok := s.caches.Products.Get(id); ok {
		return p.WithMetadata(domain.Metadata{FromCache: true}), nil
	}
	gen := s.caches.Generation()
	p, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, fmt.Errorf("get product %s: %w", id, err)
	}
	s.caches.Fill(gen, func() { s.caches.Products.Set(*p) })
	return *p, nil
}

func (s *ProductService) ListByBill(ctx context.Context, billID string) ([]domain.Product, error) {
	return s.bills.products(ctx, billID)
}

func (s *ProductService) All(ctx context.Context) ([]domain.Product, error) {
	products, err := s.repo.QueryProducts(ctx, store.Query{})
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

// Grouping buckets every product by bill number and reports the orphans.
func (s *ProductService) Grouping(ctx context.Context) (domain.ProductGrouping, error) {
	products, err := s.All(ctx)
	if err != nil {
		return domain.ProductGrouping{}, err
	}
	return domain.GroupProductsByBill(products), nil
}

// Create persists a product with its derived per-piece figures. When it
// references a bill, the bill must exist and its number is copied onto the
// product. The bill number is never taken from the caller.
func (s *ProductService) Create(ctx context.Context, p domain.Product) (domain.Product, error) {
	p = normalizeProduct(p)
	p.BillNumber = ""
	if p.BillID != "" {
		parent, err := s.repo.GetBill(ctx, p.BillID)
		if err != nil {
			return domain.Product{}, fmt.Errorf("create product: bill %s: %w", p.BillID, err)
		}
		p.BillNumber = parent.BillNumber
	}
	if err := validateProduct(s.validate, p); err != nil {
		return domain.Product{}, err
	}
	if p.ID == "" || xid.IsTemp(p.ID) {
		p.ID = xid.New("prd")
	}

	created, err := s.repo.CreateProduct(ctx, domain.DeriveProductFields(p))
	if err != nil {
		return domain.Product{}, fmt.Errorf("create product: %w", err)
	}
	s.caches.Invalidate(ctx, store.OpCreate, domain.KindProduct, cache.Target{ID: created.ID, BillIDs: billIDs(created.BillID)})
	s.bills.DebouncedRecalculateTotals(created.BillID, 0)
	return *created, nil
}

// Update validates the merged view of the product. Moving a product to
// another bill refreshes its bill number and schedules recalculation of both
// the old and the new bill. A bill number in the patch is ignored; it always
// follows the bill id.
func (s *ProductService) Update(ctx context.Context, id string, patch domain.ProductPatch) (domain.Product, error) {
	current, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, fmt.Errorf("update product %s: %w", id, err)
	}
	patch.BillNumber = nil
	if patch.IsEmpty() {
		return *current, nil
	}

	moves := patch.MovesBill(*current)
	if moves {
		target := strings.TrimSpace(*patch.BillID)
		number := ""
		if target != "" {
			parent, err := s.repo.GetBill(ctx, target)
			if err != nil {
				return domain.Product{}, fmt.Errorf("update product %s: bill %s: %w", id, target, err)
			}
			number = parent.BillNumber
		}
		patch.BillNumber = &number
	}

	merged := domain.ApplyProductPatch(*current, patch)
	if err := validateProduct(s.validate, merged); err != nil {
		return domain.Product{}, err
	}

	updated, err := s.repo.UpdateProduct(ctx, id, patch)
	if err != nil {
		return domain.Product{}, fmt.Errorf("update product %s: %w", id, err)
	}

	affected := billIDs(current.BillID, updated.BillID)
	s.caches.Invalidate(ctx, store.OpUpdate, domain.KindProduct, cache.Target{ID: id, BillIDs: affected})
	for _, billID := range affected {
		s.bills.DebouncedRecalculateTotals(billID, 0)
	}
	return *updated, nil
}

func (s *ProductService) Delete(ctx context.Context, id string) error {
	current, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return fmt.Errorf("delete product %s: %w", id, err)
	}
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return fmt.Errorf("delete product %s: %w", id, err)
	}
	s.caches.Invalidate(ctx, store.OpDelete, domain.KindProduct, cache.Target{ID: id, BillIDs: billIDs(current.BillID)})
	s.bills.DebouncedRecalculateTotals(current.BillID, 0)
	return nil
}

func billIDs(ids ...string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func normalizeProduct(p domain.Product) domain.Product {
	p.BillID = strings.TrimSpace(p.BillID)
	p.BillNumber = strings.TrimSpace(p.BillNumber)
	p.ProductName = strings.TrimSpace(p.ProductName)
	p.Category = strings.TrimSpace(p.Category)
	p.Vendor = strings.TrimSpace(p.Vendor)
	p.Metadata = nil
	return p
}
