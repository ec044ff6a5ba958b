package service

import (
	"context"
	"log/slog"
	"time"

	"billsync/backend/internal/cache"
	"billsync/backend/internal/domain"
	"billsync/backend/internal/store"
)

const (
	DefaultRecalcDelay = time.Second
	recalcTimeout      = 10 * time.Second
)

type Options struct {
	RecalcDelay time.Duration
	Logger      *slog.Logger
}

// Service bundles the entity services that share one repository, one cache
// registry and one recalculation debouncer.
type Service struct {
	Bills    *BillService
	Products *ProductService

	debounce *Debouncer
}

func New(repo store.Repository, caches *cache.Registry, opts Options) *Service {
	if opts.RecalcDelay <= 0 {
		opts.RecalcDelay = DefaultRecalcDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if caches == nil {
		caches = cache.NewRegistry(cache.Options{Logger: opts.Logger})
	}

	validate := newValidator()
	debounce := NewDebouncer()
	bills := &BillService{
		repo:        repo,
		caches:      caches,
		validate:    validate,
		debounce:    debounce,
		recalcDelay: opts.RecalcDelay,
		logger:      opts.Logger.With("component", "bill-service"),
	}
	products := &ProductService{
		repo:     repo,
		caches:   caches,
		validate: validate,
		bills:    bills,
		logger:   opts.Logger.With("component", "product-service"),
	}
	return &Service{Bills: bills, Products: products, debounce: debounce}
}

// Close cancels every pending debounced recalculation.
func (s *Service) Close() {
	s.debounce.Stop()
}

// Snapshot reads every bill and product fresh from the repository.
func (s *Service) Snapshot(ctx context.Context) ([]domain.Bill, []domain.Product, error) {
	bills, err := s.Bills.All(ctx)
	if err != nil {
		return nil, nil, err
	}
	products, err := s.Products.All(ctx)
	if err != nil {
		return nil, nil, err
	}
	return bills, products, nil
}
