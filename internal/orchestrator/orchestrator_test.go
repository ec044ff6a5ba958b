package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billsync/backend/internal/domain"
	"billsync/backend/internal/optimistic"
	"billsync/backend/internal/service"
	"billsync/backend/internal/store"
	"billsync/backend/internal/store/memory"
	"billsync/backend/internal/xid"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{"validation", &service.ValidationError{Fields: map[string]string{"vendor": "is required"}}, KindValidation, false},
		{"duplicate", fmt.Errorf("create: %w", service.ErrDuplicateBillNumber), KindConflict, false},
		{"not found", fmt.Errorf("get: %w", store.ErrNotFound), KindNotFound, false},
		{"permission", ErrPermission, KindPermission, false},
		{"rate limit", ErrRateLimited, KindRateLimit, true},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), KindTimeout, true},
		{"network", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, KindNetwork, true},
		{"closed store", store.ErrClosed, KindNetwork, true},
		{"unknown", errors.New("boom"), KindUnknown, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			require.NotNil(t, got)
			assert.Equal(t, tc.kind, got.Kind)
			assert.Equal(t, tc.retryable, got.Retryable)
			assert.ErrorIs(t, got, tc.err)
		})
	}
	assert.Nil(t, Classify(nil))
}

func TestRetryRetriesOnlyRetryableErrors(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	ctx := context.Background()

	calls := 0
	_, err := Retry(ctx, policy, func(context.Context) (int, error) {
		calls++
		return 0, &service.ValidationError{Fields: map[string]string{"x": "bad"}}
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, KindValidation, Classify(err).Kind)

	calls = 0
	_, err = Retry(ctx, policy, func(context.Context) (int, error) {
		calls++
		return 0, ErrRateLimited
	})
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrRateLimited)

	calls = 0
	v, err := Retry(ctx, policy, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, store.ErrClosed
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, ErrRateLimited
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryDelayBacksOffExponentially(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(5))
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func newCoordinator(t *testing.T) (*Coordinator, *optimistic.Engine, *recorder, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	svc := service.New(repo, nil, service.Options{RecalcDelay: time.Millisecond})
	engine := optimistic.New()
	notes := &recorder{}
	c := NewCoordinator(svc, engine, Options{
		Policy:   RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond},
		Notifier: notes,
	})
	t.Cleanup(func() {
		svc.Close()
		_ = repo.Close()
	})
	return c, engine, notes, repo
}

func currentBills(t *testing.T, repo *memory.Store) []domain.Bill {
	t.Helper()
	bills, err := repo.QueryBills(context.Background(), store.Query{})
	require.NoError(t, err)
	return bills
}

func TestCoordinatorUpdateConfirms(t *testing.T) {
	c, engine, notes, repo := newCoordinator(t)
	current := currentBills(t, repo)
	vendor := "Acme"

	var renders []optimistic.Result[domain.Bill]
	out, err := c.UpdateBill(context.Background(), "bill-demo-1", domain.BillPatch{Vendor: &vendor}, current,
		func(r optimistic.Result[domain.Bill]) { renders = append(renders, r) })
	require.NoError(t, err)

	require.Len(t, renders, 2)
	assert.True(t, renders[0].Metadata.Optimistic)
	assert.False(t, renders[1].Metadata.Optimistic)

	for _, b := range out {
		if b.ID == "bill-demo-1" {
			assert.Equal(t, "Acme", b.Vendor)
			assert.False(t, b.IsOptimistic())
		}
	}
	assert.Equal(t, 0, engine.Count())
	require.Len(t, notes.notes, 1)
	assert.Equal(t, LevelSuccess, notes.notes[0].Level)
}

func TestCoordinatorUpdateRollsBackOnValidationError(t *testing.T) {
	c, engine, notes, repo := newCoordinator(t)
	current := currentBills(t, repo)
	blank := ""

	var last optimistic.Result[domain.Bill]
	out, err := c.UpdateBill(context.Background(), "bill-demo-1", domain.BillPatch{Vendor: &blank}, current,
		func(r optimistic.Result[domain.Bill]) { last = r })
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrValidation)
	assert.Equal(t, current, out)
	assert.Equal(t, current, last.Items)
	assert.Equal(t, 0, engine.Count())

	require.Len(t, notes.notes, 1)
	assert.Equal(t, LevelError, notes.notes[0].Level)
	assert.Equal(t, KindValidation, notes.notes[0].Kind)
}

func TestCoordinatorCreateReplacesTemporaryID(t *testing.T) {
	c, engine, _, repo := newCoordinator(t)
	current := currentBills(t, repo)

	var first []domain.Bill
	out, err := c.CreateBill(context.Background(), domain.Bill{Vendor: "Baru", Date: time.Now()}, current,
		func(r optimistic.Result[domain.Bill]) {
			if first == nil {
				first = r.Items
			}
		})
	require.NoError(t, err)

	require.Len(t, first, 4)
	assert.True(t, xid.IsTemp(first[0].ID))
	require.Len(t, out, 4)
	assert.False(t, xid.IsTemp(out[0].ID))
	assert.Equal(t, "B004", out[0].BillNumber)
	assert.Equal(t, 0, engine.Count())
}

func TestCoordinatorDeleteRestoresOnFailure(t *testing.T) {
	c, _, notes, repo := newCoordinator(t)
	current := currentBills(t, repo)
	current = append(current, domain.Bill{ID: "ghost"})

	out, err := c.DeleteBill(context.Background(), "ghost", current, nil)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, Classify(err).Kind)
	assert.Len(t, out, 4)
	assert.Equal(t, LevelError, notes.notes[0].Level)

	out, err = c.DeleteBill(context.Background(), "bill-demo-1", current, nil)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}
