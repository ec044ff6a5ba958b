package memory

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"billsync/backend/internal/domain"
	"billsync/backend/internal/store"
	"billsync/backend/internal/xid"
)

type Option func(*Store)

// WithClock overrides the server timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMutationHook installs a hook that runs for every mutation before it is
// applied. A hook error aborts the whole commit.
func WithMutationHook(hook func(store.Mutation) error) Option {
	return func(s *Store) { s.hook = hook }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	last     time.Time
	hook     func(store.Mutation) error
	logger   *slog.Logger
	bills    map[string]domain.Bill
	products map[string]domain.Product
	subs     map[int]*subscription
	nextSub  int
	closed   bool
}

type subscription struct {
	kind    domain.EntityKind
	publish func(initial bool)
	box     *store.Mailbox
}

func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		bills:    make(map[string]domain.Bill),
		products: make(map[string]domain.Product),
		subs:     make(map[int]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "memory-store")
	return s
}

// NewSeeded returns a store holding a small demo data set.
func NewSeeded(opts ...Option) *Store {
	s := New(opts...)
	day := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	bills := []domain.Bill{
		{ID: "bill-demo-1", BillNumber: "B001", Date: day, Vendor: "Sumber Makmur", Status: domain.BillStatusActive},
		{ID: "bill-demo-2", BillNumber: "B002", Date: day.AddDate(0, 0, 3), Vendor: "Tirta Abadi", Status: domain.BillStatusActive},
		{ID: "bill-demo-3", BillNumber: "B003", Date: day.AddDate(0, 0, 9), Vendor: "Sumber Makmur", Status: domain.BillStatusArchived},
	}
	products := []domain.Product{
		{BillID: "bill-demo-1", BillNumber: "B001", ProductName: "Mie Goreng Instan", Category: "grocery", Vendor: "Sumber Makmur", MRP: 3.5, TotalQuantity: 120, TotalAmount: 300},
		{BillID: "bill-demo-1", BillNumber: "B001", ProductName: "Telur 10 Butir", Category: "grocery", Vendor: "Sumber Makmur", MRP: 26.5, TotalQuantity: 30, TotalAmount: 690},
		{BillID: "bill-demo-2", BillNumber: "B002", ProductName: "Air Mineral 600ml", Category: "beverage", Vendor: "Tirta Abadi", MRP: 3.9, TotalQuantity: 240, TotalAmount: 720},
		{BillID: "bill-demo-3", BillNumber: "B003", ProductName: "Kopi Sachet", Category: "beverage", Vendor: "Sumber Makmur", MRP: 2.6, TotalQuantity: 200, TotalAmount: 340},
		{ProductName: "Sabun Mandi", Category: "household", Vendor: "Unknown", MRP: 7.4, TotalQuantity: 12, TotalAmount: 60},
	}

	for _, b := range bills {
		s.bills[b.ID] = s.stampBill(b)
	}
	for _, p := range products {
		p.ID = xid.New("prd")
		s.products[p.ID] = s.stampProduct(domain.DeriveProductFields(p))
	}
	for id, b := range s.bills {
		var children []domain.Product
		for _, p := range s.products {
			if p.BillID == id {
				children = append(children, p)
			}
		}
		t := domain.ComputeTotals(children)
		s.bills[id] = domain.ApplyBillPatch(b, t.Patch())
	}
	return s
}

// stamp returns a strictly increasing server timestamp.
func (s *Store) stamp() time.Time {
	now := s.now().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	s.last = now
	return now
}

func (s *Store) stampBill(b domain.Bill) domain.Bill {
	at := s.stamp()
	b.CreatedAt, b.UpdatedAt, b.Metadata = at, at, nil
	return b
}

func (s *Store) stampProduct(p domain.Product) domain.Product {
	at := s.stamp()
	p.CreatedAt, p.UpdatedAt, p.Metadata = at, at, nil
	return p
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, sub := range s.subs {
		sub.box.Close()
		delete(s.subs, id)
	}
	return nil
}

func (s *Store) QueryBills(_ context.Context, q store.Query) ([]domain.Bill, error) {
	if err := q.Validate(domain.KindBill); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return store.Evaluate(slices.Collect(maps.Values(s.bills)), q, store.BillField, store.BillSearchText)
}

func (s *Store) GetBill(_ context.Context, id string) (*domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bill, ok := s.bills[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &bill, nil
}

func (s *Store) CreateBill(ctx context.Context, bill domain.Bill) (*domain.Bill, error) {
	if bill.ID == "" {
		bill.ID = xid.New("bill")
	}
	if err := s.commit(ctx, []store.Mutation{store.CreateBillOp(bill)}); err != nil {
		return nil, err
	}
	return s.GetBill(ctx, bill.ID)
}

func (s *Store) UpdateBill(ctx context.Context, id string, patch domain.BillPatch) (*domain.Bill, error) {
	if err := s.commit(ctx, []store.Mutation{store.UpdateBillOp(id, patch)}); err != nil {
		return nil, err
	}
	return s.GetBill(ctx, id)
}

func (s *Store) DeleteBill(ctx context.Context, id string) error {
	return s.commit(ctx, []store.Mutation{store.DeleteBillOp(id)})
}

func (s *Store) QueryProducts(_ context.Context, q store.Query) ([]domain.Product, error) {
	if err := q.Validate(domain.KindProduct); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return store.Evaluate(slices.Collect(maps.Values(s.products)), q, store.ProductField, store.ProductSearchText)
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if err := s.commit(ctx, []store.Mutation{store.CreateProductOp(product)}); err != nil {
		return nil, err
	}
	return s.GetProduct(ctx, product.ID)
}

func (s *Store) UpdateProduct(ctx context.Context, id string, patch domain.ProductPatch) (*domain.Product, error) {
	op := store.Mutation{Op: store.OpUpdate, Kind: domain.KindProduct, ID: id, ProductPatch: &patch}
	if err := s.commit(ctx, []store.Mutation{op}); err != nil {
		return nil, err
	}
	return s.GetProduct(ctx, id)
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	return s.commit(ctx, []store.Mutation{store.DeleteProductOp(id)})
}

func (s *Store) Batch(ctx context.Context, ops []store.Mutation) error {
	if len(ops) == 0 {
		return nil
	}
	if err := s.commit(ctx, ops); err != nil {
		return fmt.Errorf("%w: %w", store.ErrBatchFailed, err)
	}
	return nil
}

// commit applies ops to copies of the collections and swaps them in only
// when every op succeeded.
func (s *Store) commit(ctx context.Context, ops []store.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	bills := maps.Clone(s.bills)
	products := maps.Clone(s.products)
	touched := make(map[domain.EntityKind]bool, 2)

	for _, op := range ops {
		if s.hook != nil {
			if err := s.hook(op); err != nil {
				return err
			}
		}
		if err := s.apply(bills, products, op); err != nil {
			return err
		}
		touched[op.Kind] = true
	}

	s.bills = bills
	s.products = products
	for _, sub := range s.subs {
		if touched[sub.kind] {
			sub.publish(false)
		}
	}
	return nil
}

func (s *Store) apply(bills map[string]domain.Bill, products map[string]domain.Product, op store.Mutation) error {
	switch op.Kind {
	case domain.KindBill:
		switch op.Op {
		case store.OpCreate:
			b := *op.Bill
			if b.ID == "" {
				b.ID = xid.New("bill")
			}
			if _, exists := bills[b.ID]; exists {
				return fmt.Errorf("bill %s: %w", b.ID, store.ErrAlreadyExists)
			}
			bills[b.ID] = s.stampBill(b)
		case store.OpUpdate:
			current, ok := bills[op.ID]
			if !ok {
				return fmt.Errorf("bill %s: %w", op.ID, store.ErrNotFound)
			}
			updated := domain.ApplyBillPatch(current, *op.BillPatch)
			updated.UpdatedAt = s.stamp()
			bills[op.ID] = updated
		case store.OpDelete:
			if _, ok := bills[op.ID]; !ok {
				return fmt.Errorf("bill %s: %w", op.ID, store.ErrNotFound)
			}
			delete(bills, op.ID)
		}
	case domain.KindProduct:
		switch op.Op {
		case store.OpCreate:
			p := *op.Product
			if p.ID == "" {
				p.ID = xid.New("prd")
			}
			if _, exists := products[p.ID]; exists {
				return fmt.Errorf("product %s: %w", p.ID, store.ErrAlreadyExists)
			}
			products[p.ID] = s.stampProduct(domain.DeriveProductFields(p))
		case store.OpUpdate:
			current, ok := products[op.ID]
			if !ok {
				return fmt.Errorf("product %s: %w", op.ID, store.ErrNotFound)
			}
			updated := domain.ApplyProductPatch(current, *op.ProductPatch)
			updated.UpdatedAt = s.stamp()
			products[op.ID] = updated
		case store.OpDelete:
			if _, ok := products[op.ID]; !ok {
				return fmt.Errorf("product %s: %w", op.ID, store.ErrNotFound)
			}
			delete(products, op.ID)
		}
	}
	return nil
}

func (s *Store) SubscribeBills(q store.Query, onSnapshot func(store.Snapshot[domain.Bill]), onError func(error)) store.Unsubscribe {
	return subscribe(s, domain.KindBill, q, func() []domain.Bill {
		return slices.Collect(maps.Values(s.bills))
	}, store.BillField, store.BillSearchText, onSnapshot, onError)
}

func (s *Store) SubscribeProducts(q store.Query, onSnapshot func(store.Snapshot[domain.Product]), onError func(error)) store.Unsubscribe {
	return subscribe(s, domain.KindProduct, q, func() []domain.Product {
		return slices.Collect(maps.Values(s.products))
	}, store.ProductField, store.ProductSearchText, onSnapshot, onError)
}

// subscribe registers a subscription whose publish func runs with s.mu held,
// so snapshots are queued in commit order.
func subscribe[T domain.Document](
	s *Store,
	kind domain.EntityKind,
	q store.Query,
	all func() []T,
	field func(T, string) any,
	search func(T) []string,
	onSnapshot func(store.Snapshot[T]),
	onError func(error),
) store.Unsubscribe {
	box := store.NewMailbox()
	var state store.DiffState

	sub := &subscription{kind: kind, box: box}
	sub.publish = func(initial bool) {
		items, err := store.Evaluate(all(), q, field, search)
		if err != nil {
			s.logger.Warn("subscription query failed", "kind", kind, "error", err)
			if onError != nil {
				box.Post(func() { onError(err) })
			}
			return
		}
		changes, next := store.Diff(state, items)
		state = next
		if !initial && len(changes) == 0 {
			return
		}
		snap := store.Snapshot[T]{Items: items, Changes: changes}
		box.Post(func() { onSnapshot(snap) })
	}

	if err := q.Validate(kind); err != nil {
		if onError != nil {
			box.Post(func() { onError(err) })
		}
		return func() { box.Close() }
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		box.Close()
		return func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	sub.publish(true)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			box.Close()
		})
	}
}

// ActiveSubscriptions is used by tests to detect leaked listeners.
func (s *Store) ActiveSubscriptions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
