package realtime

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"billsync/backend/internal/cache"
	"billsync/backend/internal/conflict"
	"billsync/backend/internal/domain"
	"billsync/backend/internal/optimistic"
	"billsync/backend/internal/store"
)

type Origin string

const (
	OriginServer     Origin = "server"
	OriginCache      Origin = "cache"
	OriginOptimistic Origin = "optimistic"
)

// Snapshot is what subscribers receive after reconciliation. Totals is only
// set on product subscriptions scoped to one bill.
type Snapshot[T any] struct {
	Items    []T                    `json:"items"`
	Changes  []domain.Change        `json:"changes"`
	Origin   Origin                 `json:"origin"`
	Metadata store.SnapshotMetadata `json:"metadata"`
	Totals   *domain.Totals         `json:"totals,omitempty"`
}

// BillView is a bill together with its products and their live totals. Bill
// is nil once the bill has been deleted.
type BillView struct {
	Bill     *domain.Bill     `json:"bill"`
	Products []domain.Product `json:"products"`
	Totals   domain.Totals    `json:"totals"`
	Origin   Origin           `json:"origin"`
}

type Status struct {
	ActiveSubscriptions      int `json:"active_subscriptions"`
	PendingOptimisticUpdates int `json:"pending_optimistic_updates"`
	PendingConflicts         int `json:"pending_conflicts"`
	TotalConflicts           int `json:"total_conflicts"`
}

type Options struct {
	Engine    *optimistic.Engine
	Conflicts *conflict.Queue
	// Caches, when set, is invalidated locally for every document a
	// snapshot reports as changed.
	Caches *cache.Registry
	Now    func() time.Time
	Logger *slog.Logger
}

// Manager opens change streams on the repository and reconciles each
// server snapshot against the pending optimistic updates.
type Manager struct {
	repo      store.Repository
	engine    *optimistic.Engine
	conflicts *conflict.Queue
	caches    *cache.Registry
	now       func() time.Time
	logger    *slog.Logger

	mu   sync.Mutex
	subs map[int]store.Unsubscribe
	next int

	// resolved remembers, per pending key, the value emitted for the server
	// version that settled it. Guarded by resolveMu.
	resolveMu sync.Mutex
	resolved  map[string]settlement
}

type settlement struct {
	at    time.Time
	value any
}

func NewManager(repo store.Repository, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Engine == nil {
		opts.Engine = optimistic.New(optimistic.WithClock(opts.Now), optimistic.WithLogger(opts.Logger))
	}
	if opts.Conflicts == nil {
		opts.Conflicts = conflict.NewQueue(nil)
	}
	return &Manager{
		repo:      repo,
		engine:    opts.Engine,
		conflicts: opts.Conflicts,
		caches:    opts.Caches,
		now:       opts.Now,
		logger:    opts.Logger.With("component", "realtime"),
		subs:      make(map[int]store.Unsubscribe),
		resolved:  make(map[string]settlement),
	}
}

func (m *Manager) Engine() *optimistic.Engine { return m.engine }
func (m *Manager) Conflicts() *conflict.Queue  { return m.conflicts }

func (m *Manager) SubscribeBills(q store.Query, onSnapshot func(Snapshot[domain.Bill]), onError func(error)) store.Unsubscribe {
	return subscribe(m, domain.KindBill, func(h func(store.Snapshot[domain.Bill]), e func(error)) store.Unsubscribe {
		return m.repo.SubscribeBills(q, h, e)
	}, billTarget, nil, onSnapshot, onError)
}

func (m *Manager) SubscribeProducts(q store.Query, onSnapshot func(Snapshot[domain.Product]), onError func(error)) store.Unsubscribe {
	return subscribe(m, domain.KindProduct, func(h func(store.Snapshot[domain.Product]), e func(error)) store.Unsubscribe {
		return m.repo.SubscribeProducts(q, h, e)
	}, productTarget, nil, onSnapshot, onError)
}

// SubscribeProductsOfBill streams the products of one bill and attaches the
// totals computed over every emitted list.
func (m *Manager) SubscribeProductsOfBill(billID string, onSnapshot func(Snapshot[domain.Product]), onError func(error)) store.Unsubscribe {
	q := store.ProductsOfBill(billID)
	return subscribe(m, domain.KindProduct, func(h func(store.Snapshot[domain.Product]), e func(error)) store.Unsubscribe {
		return m.repo.SubscribeProducts(q, h, e)
	}, productTarget, func(s *Snapshot[domain.Product]) {
		t := domain.ComputeTotals(s.Items)
		s.Totals = &t
	}, onSnapshot, onError)
}

// SubscribeBillWithProducts combines a bill stream and its product stream.
// Views are emitted once both streams delivered their first snapshot.
func (m *Manager) SubscribeBillWithProducts(billID string, onView func(BillView), onError func(error)) store.Unsubscribe {
	var (
		mu           sync.Mutex
		bill         *domain.Bill
		products     []domain.Product
		totals       domain.Totals
		haveBill     bool
		haveProducts bool
	)
	emit := func(origin Origin) {
		if haveBill && haveProducts {
			onView(BillView{Bill: bill, Products: products, Totals: totals, Origin: origin})
		}
	}

	unsubBill := m.SubscribeBills(store.ByID(billID), func(s Snapshot[domain.Bill]) {
		mu.Lock()
		defer mu.Unlock()
		haveBill = true
		bill = nil
		if len(s.Items) > 0 {
			b := s.Items[0]
			bill = &b
		}
		emit(s.Origin)
	}, onError)
	unsubProducts := m.SubscribeProductsOfBill(billID, func(s Snapshot[domain.Product]) {
		mu.Lock()
		defer mu.Unlock()
		haveProducts = true
		products = s.Items
		totals = *s.Totals
		emit(s.Origin)
	}, onError)

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubBill()
			unsubProducts()
		})
	}
}

// UnsubscribeAll closes every open subscription and clears the pending
// optimistic updates.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[int]store.Unsubscribe)
	m.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	m.engine.Clear()
	m.resolveMu.Lock()
	m.resolved = make(map[string]settlement)
	m.resolveMu.Unlock()
	m.logger.Debug("all subscriptions closed", "count", len(subs))
}

func (m *Manager) SyncStatus() Status {
	m.mu.Lock()
	active := len(m.subs)
	m.mu.Unlock()
	return Status{
		ActiveSubscriptions:      active,
		PendingOptimisticUpdates: m.engine.Count(),
		PendingConflicts:         m.conflicts.PendingCount(),
		TotalConflicts:           m.conflicts.Total(),
	}
}

func (m *Manager) PendingConflicts() []conflict.Record { return m.conflicts.Pending() }

func (m *Manager) AcknowledgeConflict(index int) error { return m.conflicts.Acknowledge(index) }

func (m *Manager) ClearAcknowledgedConflicts() int { return m.conflicts.ClearAcknowledged() }

// OnConflict registers fn for every recorded conflict.
func (m *Manager) OnConflict(fn func(conflict.Record)) func() {
	return m.conflicts.Bus().Subscribe(fn)
}

func subscribe[T conflict.Entity[T]](
	m *Manager,
	kind domain.EntityKind,
	open func(func(store.Snapshot[T]), func(error)) store.Unsubscribe,
	target func(T) cache.Target,
	decorate func(*Snapshot[T]),
	onSnapshot func(Snapshot[T]),
	onError func(error),
) store.Unsubscribe {
	m.mu.Lock()
	id := m.next
	m.next++
	m.mu.Unlock()

	report := func(err error) {
		m.logger.Warn("subscription error", "kind", kind, "error", err)
		if onError != nil {
			onError(err)
		}
	}

	// Snapshots of one subscription arrive sequentially, so first and
	// targets need no lock.
	first := true
	targets := map[string]cache.Target{}

	handler := func(snap store.Snapshot[T]) {
		defer func() {
			if r := recover(); r != nil {
				report(fmt.Errorf("snapshot handler: %v", r))
			}
		}()
		out := processUpdate(m, kind, snap)
		next := make(map[string]cache.Target, len(out.Items))
		for _, item := range snap.Items {
			next[item.DocID()] = target(item)
		}
		if !first && out.Origin != OriginOptimistic {
			m.invalidate(kind, snap.Changes, targets, next)
		}
		first = false
		targets = next
		if decorate != nil {
			decorate(&out)
		}
		onSnapshot(out)
	}

	unsub := open(handler, report)
	m.mu.Lock()
	m.subs[id] = unsub
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			u, ok := m.subs[id]
			delete(m.subs, id)
			m.mu.Unlock()
			if ok {
				u()
			}
		})
	}
}

// processUpdate substitutes the resolved value for every item that has a
// pending optimistic update, records real conflicts and settles the pending
// entries. Optimistic snapshots pass through untouched.
func processUpdate[T conflict.Entity[T]](m *Manager, kind domain.EntityKind, snap store.Snapshot[T]) Snapshot[T] {
	out := Snapshot[T]{
		Items:    snap.Items,
		Changes:  snap.Changes,
		Origin:   originOf(snap.Metadata),
		Metadata: snap.Metadata,
	}
	if out.Origin == OriginOptimistic {
		return out
	}

	items := make([]T, len(snap.Items))
	for i, server := range snap.Items {
		items[i] = reconcile(m, kind, server)
	}
	out.Items = items
	return out
}

// reconcile resolves one server item against its pending update and settles
// it. Every subscription shares the registry, so the first one to see a
// server version does the resolving and the others reuse its outcome for
// that same version.
func reconcile[T conflict.Entity[T]](m *Manager, kind domain.EntityKind, server T) T {
	key := domain.PendingKey(kind, server.DocID())
	var record *conflict.Record

	m.resolveMu.Lock()
	out := server
	if pending, ok := m.engine.Pending(kind, server.DocID()); ok {
		if local, ok := pending.Value.(T); ok {
			res := conflict.Resolve(local, server)
			if res.Conflict {
				r := conflict.NewRecord(local, server, res, m.now())
				record = &r
			}
			out = res.Resolved
			m.resolved[key] = settlement{at: server.LastUpdated(), value: out}
		}
		m.engine.Settle(kind, server.DocID())
	} else if prior, ok := m.resolved[key]; ok && prior.at.Equal(server.LastUpdated()) {
		if v, ok := prior.value.(T); ok {
			out = v
		}
	}
	m.resolveMu.Unlock()

	if record != nil {
		m.logger.Info("conflict resolved", "kind", kind, "id", server.DocID(), "outcome", record.Outcome)
		m.conflicts.Append(*record)
	}
	return out
}

func originOf(meta store.SnapshotMetadata) Origin {
	switch {
	case meta.HasPendingWrites:
		return OriginOptimistic
	case meta.FromCache:
		return OriginCache
	}
	return OriginServer
}

func (m *Manager) invalidate(kind domain.EntityKind, changes []domain.Change, prev, next map[string]cache.Target) {
	if m.caches == nil {
		return
	}
	for _, c := range changes {
		switch c.Type {
		case domain.ChangeAdded:
			m.caches.InvalidateLocal(store.OpCreate, kind, next[c.ID])
		case domain.ChangeModified:
			t := next[c.ID]
			t.BillIDs = append(t.BillIDs, prev[c.ID].BillIDs...)
			m.caches.InvalidateLocal(store.OpUpdate, kind, t)
		case domain.ChangeRemoved:
			m.caches.InvalidateLocal(store.OpDelete, kind, prev[c.ID])
		}
	}
}

func billTarget(b domain.Bill) cache.Target {
	return cache.Target{ID: b.ID}
}

func productTarget(p domain.Product) cache.Target {
	return cache.Target{ID: p.ID, BillIDs: []string{p.BillID}}
}
