package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"billsync/backend/internal/domain"
)

const SummaryKey = "analytics:summary"

type Options struct {
	EntitySize       int
	RelationshipSize int
	QueryTTL         time.Duration
	AnalyticsTTL     time.Duration
	Now              func() time.Time

	// InstanceID tags published invalidations so this process can skip its
	// own events when they come back over the bus.
	InstanceID     string
	Bus            Bus
	AnalyticsStore AnalyticsStore
	Logger         *slog.Logger
}

// Registry owns every cache of the process. Construct it once and share it.
type Registry struct {
	Bills     *BillCache
	Products  *ProductCache
	Queries   *QueryCache
	Analytics *AnalyticsCache

	instanceID string
	bus        Bus
	logger     *slog.Logger

	// mu orders read-through fills against invalidations; gen counts the
	// invalidations applied so far.
	mu  sync.RWMutex
	gen uint64
}

func NewRegistry(opts Options) *Registry {
	if opts.EntitySize < 1 {
		opts.EntitySize = 100
	}
	if opts.RelationshipSize < 1 {
		opts.RelationshipSize = 50
	}
	if opts.QueryTTL <= 0 {
		opts.QueryTTL = 5 * time.Minute
	}
	if opts.AnalyticsTTL <= 0 {
		opts.AnalyticsTTL = 10 * time.Minute
	}
	if opts.Bus == nil {
		opts.Bus = NoopBus{}
	}
	if opts.AnalyticsStore == nil {
		opts.AnalyticsStore = NoopAnalyticsStore{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Registry{
		Bills: &BillCache{
			byID:         NewLRU[string, domain.Bill](opts.EntitySize),
			withProducts: NewLRU[string, domain.BillWithProducts](opts.RelationshipSize),
		},
		Products: &ProductCache{
			byID:   NewLRU[string, domain.Product](opts.EntitySize),
			byBill: NewLRU[string, []domain.Product](opts.RelationshipSize),
		},
		Queries: &QueryCache{
			bills:    NewTTL[string, domain.BillPage](opts.QueryTTL, opts.Now),
			products: NewTTL[string, domain.ProductPage](opts.QueryTTL, opts.Now),
		},
		Analytics: &AnalyticsCache{
			local: NewTTL[string, domain.AnalyticsSummary](opts.AnalyticsTTL, opts.Now),
			l2:    opts.AnalyticsStore,
			ttl:   opts.AnalyticsTTL,
		},
		instanceID: opts.InstanceID,
		bus:        opts.Bus,
		logger:     opts.Logger.With("component", "cache"),
	}
	r.Analytics.registry = r
	return r
}

// Generation returns the number of invalidations applied so far. Take it
// before reading the store and pass it to Fill.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen
}

// Fill runs set only if no invalidation has been applied since gen was
// taken, so a value read before a mutation is never cached after the
// mutation invalidated it. It reports whether set ran.
func (r *Registry) Fill(gen uint64, set func()) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.gen != gen {
		return false
	}
	set()
	return true
}

// StartCleanup sweeps the time-based caches in the background until ctx is
// done.
func (r *Registry) StartCleanup(ctx context.Context, interval time.Duration) {
	go r.Queries.bills.RunCleanup(ctx, interval)
	go r.Queries.products.RunCleanup(ctx, interval)
	go r.Analytics.local.RunCleanup(ctx, interval)
}

type BillCache struct {
	byID         *LRU[string, domain.Bill]
	withProducts *LRU[string, domain.BillWithProducts]
}

func (c *BillCache) Get(id string) (domain.Bill, bool) { return c.byID.Get(id) }
func (c *BillCache) Set(b domain.Bill)                 { c.byID.Set(b.ID, b) }
func (c *BillCache) Delete(id string)                  { c.byID.Delete(id) }

func (c *BillCache) GetWithProducts(id string) (domain.BillWithProducts, bool) {
	return c.withProducts.Get(id)
}

func (c *BillCache) SetWithProducts(v domain.BillWithProducts) {
	c.withProducts.Set(v.Bill.ID, v)
}

func (c *BillCache) DeleteWithProducts(id string) { c.withProducts.Delete(id) }

func (c *BillCache) Clear() {
	c.byID.Clear()
	c.withProducts.Clear()
}

type ProductCache struct {
	byID   *LRU[string, domain.Product]
	byBill *LRU[string, []domain.Product]
}

func (c *ProductCache) Get(id string) (domain.Product, bool) { return c.byID.Get(id) }
func (c *ProductCache) Set(p domain.Product)                 { c.byID.Set(p.ID, p) }
func (c *ProductCache) Delete(id string)                     { c.byID.Delete(id) }

func (c *ProductCache) GetByBill(billID string) ([]domain.Product, bool) {
	return c.byBill.Get(billID)
}

func (c *ProductCache) SetByBill(billID string, products []domain.Product) {
	c.byBill.Set(billID, products)
}

func (c *ProductCache) DeleteByBill(billID string) { c.byBill.Delete(billID) }

func (c *ProductCache) Clear() {
	c.byID.Clear()
	c.byBill.Clear()
}

// QueryCache holds paginated list results keyed by store.Query.Key.
type QueryCache struct {
	bills    *TTL[string, domain.BillPage]
	products *TTL[string, domain.ProductPage]
}

func (c *QueryCache) GetBills(key string) (domain.BillPage, bool) { return c.bills.Get(key) }
func (c *QueryCache) SetBills(key string, page domain.BillPage)   { c.bills.Set(key, page) }

func (c *QueryCache) GetProducts(key string) (domain.ProductPage, bool) {
	return c.products.Get(key)
}

func (c *QueryCache) SetProducts(key string, page domain.ProductPage) { c.products.Set(key, page) }

func (c *QueryCache) Len() int { return c.bills.Len() + c.products.Len() }

func (c *QueryCache) Clear() {
	c.bills.Clear()
	c.products.Clear()
}

func (c *QueryCache) Cleanup() int {
	return c.bills.Cleanup() + c.products.Cleanup()
}

// AnalyticsCache keeps summaries in process and, when configured, in a
// shared second-level store.
type AnalyticsCache struct {
	local    *TTL[string, domain.AnalyticsSummary]
	l2       AnalyticsStore
	ttl      time.Duration
	registry *Registry
}

func (c *AnalyticsCache) Get(ctx context.Context, key string) (domain.AnalyticsSummary, bool, error) {
	if v, ok := c.local.Get(key); ok {
		return v, true, nil
	}
	gen := c.registry.Generation()
	v, ok, err := c.l2.Get(ctx, key)
	if err != nil || !ok {
		return domain.AnalyticsSummary{}, false, err
	}
	c.registry.Fill(gen, func() { c.local.Set(key, *v) })
	return *v, true, nil
}

func (c *AnalyticsCache) Generation() uint64 { return c.registry.Generation() }

// Fill stores a summary computed from a read that started at gen. Nothing
// is stored when an invalidation happened since, and the shared copy is
// withdrawn again if one lands while it is being written.
func (c *AnalyticsCache) Fill(ctx context.Context, gen uint64, key string, summary domain.AnalyticsSummary) (bool, error) {
	if !c.registry.Fill(gen, func() { c.local.Set(key, summary) }) {
		return false, nil
	}
	if err := c.l2.Set(ctx, key, &summary, c.ttl); err != nil {
		return true, err
	}
	if c.registry.Generation() != gen {
		return false, c.l2.Delete(ctx, key)
	}
	return true, nil
}

func (c *AnalyticsCache) Set(ctx context.Context, key string, summary domain.AnalyticsSummary) error {
	c.local.Set(key, summary)
	return c.l2.Set(ctx, key, &summary, c.ttl)
}

func (c *AnalyticsCache) Delete(ctx context.Context, key string) error {
	c.local.Delete(key)
	return c.l2.Delete(ctx, key)
}

func (c *AnalyticsCache) clearLocal() {
	c.local.Clear()
}
