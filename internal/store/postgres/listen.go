package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"billsync/backend/internal/domain"
	"billsync/backend/internal/store"
)

const (
	changeChannel  = "billsync_changes"
	reconnectDelay = 2 * time.Second
)

type subscription struct {
	kind    domain.EntityKind
	refresh func()
	cancel  context.CancelFunc
	box     *store.Mailbox
}

func (s *Store) SubscribeBills(q store.Query, onSnapshot func(store.Snapshot[domain.Bill]), onError func(error)) store.Unsubscribe {
	return subscribe(s, domain.KindBill, q, s.QueryBills, onSnapshot, onError)
}

func (s *Store) SubscribeProducts(q store.Query, onSnapshot func(store.Snapshot[domain.Product]), onError func(error)) store.Unsubscribe {
	return subscribe(s, domain.KindProduct, q, s.QueryProducts, onSnapshot, onError)
}

// subscribe re-runs q on the subscription's mailbox whenever its table
// changes and emits a snapshot when the diff is non-empty. The first
// successful run is always emitted.
func subscribe[T domain.Document](
	s *Store,
	kind domain.EntityKind,
	q store.Query,
	fetch func(context.Context, store.Query) ([]T, error),
	onSnapshot func(store.Snapshot[T]),
	onError func(error),
) store.Unsubscribe {
	box := store.NewMailbox()
	ctx, cancel := context.WithCancel(context.Background())

	var state store.DiffState
	delivered := false
	sub := &subscription{kind: kind, cancel: cancel, box: box}
	sub.refresh = func() {
		box.Post(func() {
			items, err := fetch(ctx, q)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("subscription query failed", "kind", kind, "error", err)
				if onError != nil {
					onError(err)
				}
				return
			}
			changes, next := store.Diff(state, items)
			state = next
			if delivered && len(changes) == 0 {
				return
			}
			delivered = true
			onSnapshot(store.Snapshot[T]{Items: items, Changes: changes})
		})
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		box.Close()
		return func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.startListenerLocked()
	s.mu.Unlock()

	sub.refresh()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			cancel()
			box.Close()
		})
	}
}

// refreshSubscriptions queues a re-query on every subscription of kind. An
// empty kind refreshes all of them.
func (s *Store) refreshSubscriptions(kind domain.EntityKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if kind == "" || sub.kind == kind {
			sub.refresh()
		}
	}
}

func (s *Store) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Store) startListenerLocked() {
	if s.listenCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.listenCancel = cancel
	s.listenDone = make(chan struct{})
	go s.listen(ctx)
}

func (s *Store) listen(ctx context.Context) {
	defer close(s.listenDone)
	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("change listener disconnected", "error", err, "retry_in", reconnectDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, s.databaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
		return err
	}
	// Writes made while disconnected produced no notification we could see.
	s.refreshSubscriptions("")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.refreshSubscriptions(kindForTable(n.Payload))
	}
}

func kindForTable(table string) domain.EntityKind {
	switch table {
	case "bills":
		return domain.KindBill
	case "products":
		return domain.KindProduct
	}
	return ""
}
