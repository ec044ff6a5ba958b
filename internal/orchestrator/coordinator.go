package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"billsync/backend/internal/domain"
	"billsync/backend/internal/optimistic"
	"billsync/backend/internal/service"
)

type Options struct {
	Policy   RetryPolicy
	Notifier Notifier
	Now      func() time.Time
	Logger   *slog.Logger
}

// Coordinator runs bill mutations optimistically: the change is rendered
// first, the service call is retried per policy, and the caller's render
// callback receives either the confirmed collection or the previous one.
type Coordinator struct {
	svc      *service.Service
	engine   *optimistic.Engine
	policy   RetryPolicy
	notifier Notifier
	now      func() time.Time
	logger   *slog.Logger
}

func NewCoordinator(svc *service.Service, engine *optimistic.Engine, opts Options) *Coordinator {
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Logger: opts.Logger}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		svc:      svc,
		engine:   engine,
		policy:   opts.Policy,
		notifier: opts.Notifier,
		now:      opts.Now,
		logger:   opts.Logger.With("component", "coordinator"),
	}
}

func (c *Coordinator) UpdateBill(ctx context.Context, id string, patch domain.BillPatch, current []domain.Bill, render func(optimistic.Result[domain.Bill])) ([]domain.Bill, error) {
	shown := c.engine.ApplyBill(id, patch, current, render)

	updated, err := Retry(ctx, c.policy, func(ctx context.Context) (domain.Bill, error) {
		return c.svc.Bills.Update(ctx, id, patch)
	})
	if err != nil {
		return c.rollback(domain.KindBill, id, current, render, "Bill update failed", err)
	}

	c.engine.Settle(domain.KindBill, id)
	confirmed := make([]domain.Bill, len(shown))
	for i, b := range shown {
		if b.ID == id {
			b = updated
		}
		confirmed[i] = b
	}
	if render != nil {
		render(optimistic.Result[domain.Bill]{Items: confirmed, Changes: []domain.Change{{Type: domain.ChangeModified, ID: id}}})
	}
	c.notifier.Notify(success("Bill updated", updated.BillNumber, c.now()))
	return confirmed, nil
}

func (c *Coordinator) CreateBill(ctx context.Context, bill domain.Bill, current []domain.Bill, render func(optimistic.Result[domain.Bill])) ([]domain.Bill, error) {
	tempID, shown := c.engine.InsertBill(bill, current, render)

	created, err := Retry(ctx, c.policy, func(ctx context.Context) (domain.Bill, error) {
		return c.svc.Bills.Create(ctx, bill)
	})
	if err != nil {
		return c.rollback(domain.KindBill, tempID, current, render, "Bill creation failed", err)
	}

	confirmed := c.engine.ConfirmBill(tempID, created, shown, func(items []domain.Bill) {
		if render != nil {
			render(optimistic.Result[domain.Bill]{Items: items, Changes: []domain.Change{{Type: domain.ChangeAdded, ID: created.ID}}})
		}
	})
	c.notifier.Notify(success("Bill created", created.BillNumber, c.now()))
	return confirmed, nil
}

// DeleteBill hides the bill immediately and cascades the delete in the
// store. The bill reappears when the delete fails.
func (c *Coordinator) DeleteBill(ctx context.Context, id string, current []domain.Bill, render func(optimistic.Result[domain.Bill])) ([]domain.Bill, error) {
	shown := c.engine.RemoveBill(id, current, render)

	_, err := Retry(ctx, c.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.svc.Bills.Delete(ctx, id)
	})
	if err != nil {
		return c.rollback(domain.KindBill, id, current, render, "Bill deletion failed", err)
	}
	c.notifier.Notify(success("Bill deleted", id, c.now()))
	return shown, nil
}

func (c *Coordinator) rollback(kind domain.EntityKind, id string, previous []domain.Bill, render func(optimistic.Result[domain.Bill]), title string, err error) ([]domain.Bill, error) {
	classified := Classify(err)
	c.logger.Warn("optimistic mutation rolled back", "kind", kind, "id", id, "error_kind", classified.Kind, "error", err)
	optimistic.Rollback(c.engine, kind, id, previous, render)
	c.notifier.Notify(failure(title, classified, c.now()))
	return previous, classified
}
