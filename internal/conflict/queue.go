package conflict

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"billsync/backend/internal/domain"
)

var ErrIndexOutOfRange = errors.New("conflict index out of range")

type Record struct {
	Index        int               `json:"index"`
	Kind         domain.EntityKind `json:"kind"`
	EntityID     string            `json:"entity_id"`
	Local        any               `json:"local"`
	Server       any               `json:"server"`
	Resolved     any               `json:"resolved"`
	Outcome      Outcome           `json:"outcome"`
	Reason       string            `json:"reason"`
	DetectedAt   time.Time         `json:"detected_at"`
	Acknowledged bool              `json:"acknowledged"`
}

// NewRecord describes a resolved disagreement between two versions of one
// entity.
func NewRecord[T Entity[T]](local, server T, res Resolution[T], at time.Time) Record {
	return Record{
		Kind:       server.Kind(),
		EntityID:   server.DocID(),
		Local:      local,
		Server:     server,
		Resolved:   res.Resolved,
		Outcome:    res.Outcome,
		Reason:     res.Reason,
		DetectedAt: at,
	}
}

// Queue is an append-only list of conflict records. Acknowledged records
// stay until ClearAcknowledged compacts the queue.
type Queue struct {
	mu      sync.Mutex
	records []Record
	bus     *Bus
}

func NewQueue(bus *Bus) *Queue {
	if bus == nil {
		bus = NewBus()
	}
	return &Queue{bus: bus}
}

func (q *Queue) Bus() *Bus { return q.bus }

// Append stores r and broadcasts it to every bus listener.
func (q *Queue) Append(r Record) Record {
	q.mu.Lock()
	r.Index = len(q.records)
	r.Acknowledged = false
	q.records = append(q.records, r)
	q.mu.Unlock()

	q.bus.Publish(r)
	return r
}

func (q *Queue) Pending() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Record, 0, len(q.records))
	for _, r := range q.records {
		if !r.Acknowledged {
			out = append(out, r)
		}
	}
	return out
}

func (q *Queue) All() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Record, len(q.records))
	copy(out, q.records)
	return out
}

func (q *Queue) Acknowledge(index int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.records) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	q.records[index].Acknowledged = true
	return nil
}

// ClearAcknowledged drops acknowledged records and renumbers the rest.
func (q *Queue) ClearAcknowledged() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.records[:0]
	for _, r := range q.records {
		if !r.Acknowledged {
			r.Index = len(kept)
			kept = append(kept, r)
		}
	}
	removed := len(q.records) - len(kept)
	clear(q.records[len(kept):])
	q.records = kept
	return removed
}

func (q *Queue) PendingCount() int {
	return len(q.Pending())
}

func (q *Queue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Bus broadcasts recorded conflicts to any number of listeners. Listeners
// run synchronously on the publishing goroutine and must not block. A
// listener that panics is logged and skipped.
type Bus struct {
	mu        sync.RWMutex
	listeners map[int]func(Record)
	next      int
	logger    *slog.Logger
}

func NewBus() *Bus {
	return &Bus{listeners: make(map[int]func(Record)), logger: slog.Default()}
}

// Subscribe registers fn and returns a function removing it again.
func (b *Bus) Subscribe(fn func(Record)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.listeners[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(r Record) {
	b.mu.RLock()
	listeners := make([]func(Record), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.RUnlock()
	for _, fn := range listeners {
		b.deliver(fn, r)
	}
}

func (b *Bus) deliver(fn func(Record), r Record) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("conflict listener panicked", "entity_id", r.EntityID, "panic", p)
		}
	}()
	fn(r)
}

func (b *Bus) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
