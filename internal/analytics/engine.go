package analytics

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"billsync/backend/internal/cache"
	"billsync/backend/internal/domain"
	"billsync/backend/internal/service"
)

const defaultTopVendors = 5

// Source is the read side the engine summarises.
type Source interface {
	Snapshot(ctx context.Context) ([]domain.Bill, []domain.Product, error)
}

type Options struct {
	TopVendors int
	Now        func() time.Time
	Logger     *slog.Logger
}

type Engine struct {
	source     Source
	cache      *cache.AnalyticsCache
	topVendors int
	now        func() time.Time
	logger     *slog.Logger
	group      singleflight.Group
}

func NewEngine(source Source, caches *cache.Registry, opts Options) *Engine {
	if opts.TopVendors < 1 {
		opts.TopVendors = defaultTopVendors
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if caches == nil {
		caches = cache.NewRegistry(cache.Options{Logger: opts.Logger})
	}
	return &Engine{
		source:     source,
		cache:      caches.Analytics,
		topVendors: opts.TopVendors,
		now:        opts.Now,
		logger:     opts.Logger.With("component", "analytics"),
	}
}

// Summary returns the cached summary, building it when no tier holds one.
// Concurrent misses share one build.
func (e *Engine) Summary(ctx context.Context) (domain.AnalyticsSummary, error) {
	if cached, ok, err := e.cache.Get(ctx, cache.SummaryKey); err == nil && ok {
		return cached, nil
	} else if err != nil {
		e.logger.Warn("analytics cache read failed", "error", err)
	}

	ch := e.group.DoChan(cache.SummaryKey, func() (any, error) {
		return e.Refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return domain.AnalyticsSummary{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.AnalyticsSummary{}, res.Err
		}
		return res.Val.(domain.AnalyticsSummary), nil
	}
}

// Refresh rebuilds the summary from the source and stores it.
func (e *Engine) Refresh(ctx context.Context) (domain.AnalyticsSummary, error) {
	gen := e.cache.Generation()
	bills, products, err := e.source.Snapshot(ctx)
	if err != nil {
		return domain.AnalyticsSummary{}, err
	}
	summary := Summarize(bills, products, e.topVendors)
	summary.GeneratedAt = e.now().UTC()

	if _, err := e.cache.Fill(ctx, gen, cache.SummaryKey, summary); err != nil {
		e.logger.Warn("analytics cache write failed", "error", err)
	}
	return summary, nil
}

func (e *Engine) Orphans(ctx context.Context) ([]domain.Product, error) {
	_, products, err := e.source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return domain.GroupProductsByBill(products).Orphans, nil
}

// Summarize computes a summary from a consistent read of both collections.
// Totals come from the stored bill aggregates; drift against the products
// is reported separately.
func Summarize(bills []domain.Bill, products []domain.Product, topVendors int) domain.AnalyticsSummary {
	summary := domain.AnalyticsSummary{
		BillCount:      len(bills),
		BillsByStatus:  make(map[domain.BillStatus]int),
		ProductCount:   len(products),
		OrphanCount:    len(domain.GroupProductsByBill(products).Orphans),
		TopVendors:     make([]domain.VendorTotal, 0),
		DriftedBillIDs: make([]string, 0),
	}

	vendors := make(map[string]*domain.VendorTotal)
	for _, b := range bills {
		summary.BillsByStatus[b.Status]++
		summary.TotalQuantity += b.TotalQuantity
		summary.TotalAmount += b.TotalAmount
		summary.TotalProfit += b.TotalProfit

		name := strings.TrimSpace(b.Vendor)
		key := strings.ToLower(name)
		v, ok := vendors[key]
		if !ok {
			v = &domain.VendorTotal{Vendor: name}
			vendors[key] = v
		}
		v.Bills++
		v.TotalAmount += b.TotalAmount
	}
	summary.TotalQuantity = round2(summary.TotalQuantity)
	summary.TotalAmount = round2(summary.TotalAmount)
	summary.TotalProfit = round2(summary.TotalProfit)

	for _, v := range vendors {
		v.TotalAmount = round2(v.TotalAmount)
		summary.TopVendors = append(summary.TopVendors, *v)
	}
	sort.Slice(summary.TopVendors, func(i, j int) bool {
		a, b := summary.TopVendors[i], summary.TopVendors[j]
		if a.TotalAmount != b.TotalAmount {
			return a.TotalAmount > b.TotalAmount
		}
		return a.Vendor < b.Vendor
	})
	if topVendors > 0 && len(summary.TopVendors) > topVendors {
		summary.TopVendors = summary.TopVendors[:topVendors]
	}

	for _, check := range service.DriftedBills(bills, products) {
		summary.DriftedBillIDs = append(summary.DriftedBillIDs, check.BillID)
	}
	return summary
}

func round2(val float64) float64 {
	return math.Round(val*100) / 100
}
