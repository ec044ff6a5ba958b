package optimistic

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"billsync/backend/internal/domain"
	"billsync/backend/internal/store"
	"billsync/backend/internal/xid"
)

// Entity is a document the engine can tag and restamp.
type Entity[T any] interface {
	domain.Document
	WithMetadata(domain.Metadata) T
	WithUpdatedAt(time.Time) T
}

// PendingUpdate is a speculative mutation that has been shown locally but
// not yet confirmed by the store.
type PendingUpdate struct {
	Key       string            `json:"key"`
	Kind      domain.EntityKind `json:"kind"`
	ID        string            `json:"id"`
	Op        store.Op          `json:"op"`
	Value     domain.Document   `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
}

// Result is handed to callbacks with the collection to render.
type Result[T any] struct {
	Items    []T             `json:"items"`
	Metadata domain.Metadata `json:"metadata"`
	Changes  []domain.Change `json:"changes"`
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// Engine applies optimistic mutations to in-memory collections and keeps the
// registry of pending updates. It never rolls anything back by itself.
type Engine struct {
	mu      sync.Mutex
	pending map[string]PendingUpdate
	now     func() time.Time
	logger  *slog.Logger
}

func New(opts ...Option) *Engine {
	e := &Engine{pending: make(map[string]PendingUpdate), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "optimistic")
	return e
}

var optimisticMeta = domain.Metadata{Optimistic: true, HasPendingWrites: true}

func (e *Engine) ApplyBill(id string, patch domain.BillPatch, current []domain.Bill, callback func(Result[domain.Bill])) []domain.Bill {
	return apply(e, domain.KindBill, id, func(b domain.Bill) domain.Bill {
		return domain.ApplyBillPatch(b, patch)
	}, current, callback)
}

func (e *Engine) ApplyProduct(id string, patch domain.ProductPatch, current []domain.Product, callback func(Result[domain.Product])) []domain.Product {
	return apply(e, domain.KindProduct, id, func(p domain.Product) domain.Product {
		return domain.ApplyProductPatch(p, patch)
	}, current, callback)
}

// InsertBill shows bill under a temporary id until ConfirmBill replaces it.
func (e *Engine) InsertBill(bill domain.Bill, current []domain.Bill, callback func(Result[domain.Bill])) (string, []domain.Bill) {
	return insert(e, domain.KindBill, func(id string) domain.Bill {
		b := bill
		b.ID = id
		return b
	}, current, callback)
}

func (e *Engine) InsertProduct(product domain.Product, current []domain.Product, callback func(Result[domain.Product])) (string, []domain.Product) {
	return insert(e, domain.KindProduct, func(id string) domain.Product {
		p := domain.DeriveProductFields(product)
		p.ID = id
		return p
	}, current, callback)
}

func (e *Engine) ConfirmBill(tempID string, persisted domain.Bill, current []domain.Bill, realIDCallback func([]domain.Bill)) []domain.Bill {
	return confirm(e, domain.KindBill, tempID, persisted, current, realIDCallback)
}

func (e *Engine) ConfirmProduct(tempID string, persisted domain.Product, current []domain.Product, realIDCallback func([]domain.Product)) []domain.Product {
	return confirm(e, domain.KindProduct, tempID, persisted, current, realIDCallback)
}

// RemoveBill hides a bill locally. Deletes are not tracked as pending
// updates since there is no local version left to reconcile.
func (e *Engine) RemoveBill(id string, current []domain.Bill, callback func(Result[domain.Bill])) []domain.Bill {
	return remove(e, domain.KindBill, id, current, callback)
}

func (e *Engine) RemoveProduct(id string, current []domain.Product, callback func(Result[domain.Product])) []domain.Product {
	return remove(e, domain.KindProduct, id, current, callback)
}

// Rollback settles the pending update for id and hands previous back to the
// caller's revert callback.
func Rollback[T any](e *Engine, kind domain.EntityKind, id string, previous []T, revert func(Result[T])) []T {
	e.Settle(kind, id)
	if revert != nil {
		revert(Result[T]{Items: previous})
	}
	return previous
}

func (e *Engine) Pending(kind domain.EntityKind, id string) (PendingUpdate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[domain.PendingKey(kind, id)]
	return p, ok
}

// Settle drops the pending update for an entity. It reports whether one
// existed.
func (e *Engine) Settle(kind domain.EntityKind, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := domain.PendingKey(kind, id)
	_, ok := e.pending[key]
	delete(e.pending, key)
	return ok
}

func (e *Engine) PendingUpdates() []PendingUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PendingUpdate, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.pending)
}

func (e *Engine) record(p PendingUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[p.Key] = p
}

// logPanic must be deferred directly so recover sees the panic.
func (e *Engine) logPanic(kind domain.EntityKind, id string) {
	if r := recover(); r != nil {
		e.logger.Warn("optimistic apply failed", "kind", kind, "id", id, "error", fmt.Sprint(r))
	}
}

func apply[T Entity[T]](e *Engine, kind domain.EntityKind, id string, merge func(T) T, current []T, callback func(Result[T])) (out []T) {
	out = current
	recorded := false
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("optimistic apply failed", "kind", kind, "id", id, "error", fmt.Sprint(r))
			if recorded {
				e.Settle(kind, id)
			}
			out = current
		}
	}()

	idx := indexOf(current, id)
	if idx < 0 {
		e.logger.Warn("optimistic target not in collection", "kind", kind, "id", id)
		return current
	}

	at := e.now()
	next := make([]T, len(current))
	copy(next, current)
	next[idx] = merge(next[idx]).WithUpdatedAt(at).WithMetadata(optimisticMeta)

	e.record(PendingUpdate{
		Key:       domain.PendingKey(kind, id),
		Kind:      kind,
		ID:        id,
		Op:        store.OpUpdate,
		Value:     next[idx],
		Timestamp: at,
	})
	recorded = true

	if callback != nil {
		callback(Result[T]{
			Items:    next,
			Metadata: optimisticMeta,
			Changes:  []domain.Change{{Type: domain.ChangeModified, ID: id}},
		})
	}
	return next
}

func insert[T Entity[T]](e *Engine, kind domain.EntityKind, build func(id string) T, current []T, callback func(Result[T])) (tempID string, out []T) {
	out = current
	defer e.logPanic(kind, "new")

	at := e.now()
	e.mu.Lock()
	tempID = xid.Temp(at)
	for {
		if _, taken := e.pending[domain.PendingKey(kind, tempID)]; !taken && indexOf(current, tempID) < 0 {
			break
		}
		at = at.Add(time.Nanosecond)
		tempID = xid.Temp(at)
	}
	e.mu.Unlock()

	item := build(tempID).WithUpdatedAt(at).WithMetadata(optimisticMeta)
	next := make([]T, 0, len(current)+1)
	next = append(next, item)
	next = append(next, current...)

	e.record(PendingUpdate{
		Key:       domain.PendingKey(kind, tempID),
		Kind:      kind,
		ID:        tempID,
		Op:        store.OpCreate,
		Value:     item,
		Timestamp: at,
	})

	if callback != nil {
		callback(Result[T]{
			Items:    next,
			Metadata: optimisticMeta,
			Changes:  []domain.Change{{Type: domain.ChangeAdded, ID: tempID}},
		})
	}
	return tempID, next
}

// confirm splices the temporary item out and the persisted one in at the
// same position. A copy of the persisted item already delivered by a
// snapshot is not duplicated.
func confirm[T Entity[T]](e *Engine, kind domain.EntityKind, tempID string, persisted T, current []T, realIDCallback func([]T)) []T {
	e.Settle(kind, tempID)

	next := make([]T, 0, len(current)+1)
	placed := false
	for _, item := range current {
		switch item.DocID() {
		case tempID:
			if !placed {
				next = append(next, persisted)
				placed = true
			}
		case persisted.DocID():
		default:
			next = append(next, item)
		}
	}
	if !placed {
		next = append([]T{persisted}, next...)
	}
	if realIDCallback != nil {
		realIDCallback(next)
	}
	return next
}

func remove[T Entity[T]](e *Engine, kind domain.EntityKind, id string, current []T, callback func(Result[T])) (out []T) {
	out = current
	defer e.logPanic(kind, id)

	idx := indexOf(current, id)
	if idx < 0 {
		return current
	}
	next := make([]T, 0, len(current)-1)
	next = append(next, current[:idx]...)
	next = append(next, current[idx+1:]...)

	if callback != nil {
		callback(Result[T]{
			Items:    next,
			Metadata: optimisticMeta,
			Changes:  []domain.Change{{Type: domain.ChangeRemoved, ID: id}},
		})
	}
	return next
}

func indexOf[T domain.Document](items []T, id string) int {
	for i, item := range items {
		if item.DocID() == id {
			return i
		}
	}
	return -1
}
