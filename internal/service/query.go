package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"billsync/backend/internal/domain"
	"billsync/backend/internal/store"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type BillQuery struct {
	Status domain.BillStatus `json:"status,omitempty"`
	Vendor string            `json:"vendor,omitempty"`
	Search string            `json:"search,omitempty"`
	From   *time.Time        `json:"from,omitempty"`
	To     *time.Time        `json:"to,omitempty"`
	SortBy string            `json:"sort_by,omitempty"`
	Desc   bool              `json:"desc,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Cursor string            `json:"cursor,omitempty"`
}

func (q BillQuery) Query() store.Query {
	out := store.Query{OrderBy: q.SortBy, Desc: q.Desc, Limit: pageSize(q.Limit), Cursor: q.Cursor}
	if q.Status != "" {
		out.Filters = append(out.Filters, store.Where("status", store.OpEq, string(q.Status)))
	}
	if v := strings.TrimSpace(q.Vendor); v != "" {
		out.Filters = append(out.Filters, store.Where("vendor", store.OpEq, v))
	}
	if q.From != nil {
		out.Filters = append(out.Filters, store.Where("date", store.OpGte, *q.From))
	}
	if q.To != nil {
		out.Filters = append(out.Filters, store.Where("date", store.OpLte, *q.To))
	}
	if s := strings.TrimSpace(q.Search); s != "" {
		out.Filters = append(out.Filters, store.Where("", store.OpSearch, s))
	}
	return out
}

type ProductQuery struct {
	BillID   string `json:"bill_id,omitempty"`
	Category string `json:"category,omitempty"`
	Vendor   string `json:"vendor,omitempty"`
	Search   string `json:"search,omitempty"`
	SortBy   string `json:"sort_by,omitempty"`
	Desc     bool   `json:"desc,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
}

func (q ProductQuery) Query() store.Query {
	out := store.Query{OrderBy: q.SortBy, Desc: q.Desc, Limit: pageSize(q.Limit), Cursor: q.Cursor}
	if v := strings.TrimSpace(q.BillID); v != "" {
		out.Filters = append(out.Filters, store.Where("bill_id", store.OpEq, v))
	}
	if v := strings.TrimSpace(q.Category); v != "" {
		out.Filters = append(out.Filters, store.Where("category", store.OpEq, v))
	}
	if v := strings.TrimSpace(q.Vendor); v != "" {
		out.Filters = append(out.Filters, store.Where("vendor", store.OpEq, v))
	}
	if s := strings.TrimSpace(q.Search); s != "" {
		out.Filters = append(out.Filters, store.Where("", store.OpSearch, s))
	}
	return out
}

func pageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// List returns one page of bills. Pages are served from the query cache when
// present; concurrent misses for the same page share one store query.
func (s *BillService) List(ctx context.Context, q BillQuery) (domain.BillPage, error) {
	sq := q.Query()
	if err := sq.Validate(domain.KindBill); err != nil {
		return domain.BillPage{}, err
	}
	key := sq.Key()
	if page, ok := s.caches.Queries.GetBills(key); ok {
		return page, nil
	}
	return coalesce(ctx, &s.group, key, func() (domain.BillPage, error) {
		gen := s.caches.Generation()
		bills, err := s.repo.QueryBills(ctx, sq)
		if err != nil {
			return domain.BillPage{}, fmt.Errorf("list bills: %w", err)
		}
		page := domain.BillPage{Bills: bills}
		if len(bills) == sq.Limit {
			page.NextCursor = bills[len(bills)-1].ID
		}
		s.caches.Fill(gen, func() { s.caches.Queries.SetBills(key, page) })
		return page, nil
	})
}

func (s *ProductService) List(ctx context.Context, q ProductQuery) (domain.ProductPage, error) {
	sq := q.Query()
	if err := sq.Validate(domain.KindProduct); err != nil {
		return domain.ProductPage{}, err
	}
	key := sq.Key()
	if page, ok := s.caches.Queries.GetProducts(key); ok {
		return page, nil
	}
	return coalesce(ctx, &s.group, key, func() (domain.ProductPage, error) {
		gen := s.caches.Generation()
		products, err := s.repo.QueryProducts(ctx, sq)
		if err != nil {
			return domain.ProductPage{}, fmt.Errorf("list products: %w", err)
		}
		page := domain.ProductPage{Products: products}
		if len(products) == sq.Limit {
			page.NextCursor = products[len(products)-1].ID
		}
		s.caches.Fill(gen, func() { s.caches.Queries.SetProducts(key, page) })
		return page, nil
	})
}

func coalesce[T any](ctx context.Context, group *singleflight.Group, key string, fn func() (T, error)) (T, error) {
	ch := group.DoChan(key, func() (any, error) {
		return fn()
	})
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}
