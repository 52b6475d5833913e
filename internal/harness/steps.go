package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/pushdash/internal/callable"
	"github.com/roach88/pushdash/internal/model"
	"github.com/roach88/pushdash/internal/push"
	"github.com/roach88/pushdash/internal/views"
)

// DefaultTargetPlatform is used by push steps without a platform arg.
const DefaultTargetPlatform = "douyin"

// execute runs one step. Setup steps use the admin service for deposits
// and status changes; flow steps go through the session.
func (h *Harness) execute(ctx context.Context, step Step, setup bool) (map[string]any, error) {
	a := args(step.Args)
	switch step.Action {
	case ActionPurchase:
		return h.purchase(ctx, a)
	case ActionPush:
		return h.push(ctx, a)
	case ActionDeposit:
		return h.deposit(ctx, a, setup)
	case ActionSetStatus:
		return nil, h.setStatus(ctx, a, setup)
	case ActionAdvance:
		return h.advance(a)
	}
	return nil, fmt.Errorf("unknown action %q", step.Action)
}

func (h *Harness) purchase(ctx context.Context, a args) (map[string]any, error) {
	res, err := h.session.Purchase(ctx, callable.PurchaseRequest{
		Name:     a.str("name", ""),
		Platform: a.str("platform", ""),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"account": res.Account.DisplayName,
		"balance": res.BalanceMinor,
		"price":   -res.Record.AmountMinor,
	}, nil
}

// push composes, selects and ticks a workflow to completion. cancel_after
// cancels once that many ticks have been taken.
func (h *Harness) push(ctx context.Context, a args) (map[string]any, error) {
	w, err := h.session.NewPush()
	if err != nil {
		return nil, err
	}
	defer w.Dispose()

	name := a.str("product", "")
	product, ok := findProduct(h.session.Products(), name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", push.ErrInactiveProduct, name)
	}
	if err := w.Compose(product, a.str("platform", DefaultTargetPlatform)); err != nil {
		return nil, err
	}

	account := a.str("account", "")
	for _, pa := range h.session.PoolAccounts() {
		if pa.DisplayName == account {
			account = pa.ID
			break
		}
	}
	if err := w.Select(ctx, account); err != nil {
		return nil, err
	}

	cancelAfter := int(a.int("cancel_after", 0))
	for i := 1; i <= push.Steps; i++ {
		h.clock.Tick()
		if err := waitProgress(ctx, w, i*push.StepPercent); err != nil {
			return nil, err
		}
		if i == cancelAfter {
			w.Cancel()
			break
		}
	}

	select {
	case <-w.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	rec, err := w.Result()
	if err != nil {
		return map[string]any{"progress": w.Progress()}, err
	}
	out := map[string]any{
		"amount":   rec.AmountMinor,
		"progress": w.Progress(),
	}
	if rec.PushDetails != nil {
		out["product"] = rec.PushDetails.ProductName
		out["account"] = rec.PushDetails.AccountName
	}
	return out, nil
}

func findProduct(products []model.Product, name string) (model.Product, bool) {
	for _, p := range products {
		if p.Name == name {
			return p, true
		}
	}
	return model.Product{}, false
}

// waitProgress waits until the workflow has taken a tick, so cancellation
// points are deterministic.
func waitProgress(ctx context.Context, w *push.Workflow, want int) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for w.Progress() < want {
		select {
		case <-w.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (h *Harness) deposit(ctx context.Context, a args, setup bool) (map[string]any, error) {
	target := a.str("target", h.session.Identity().ID)
	amount := a.int("amount", 0)
	note := a.str("note", "")

	var err error
	if setup {
		_, err = h.admin.Deposit(ctx, adminActor, target, amount, note)
	} else {
		_, err = h.session.Deposit(ctx, target, amount, note)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"target": target, "amount": amount}, nil
}

func (h *Harness) setStatus(ctx context.Context, a args, setup bool) error {
	target := a.str("target", h.session.Identity().ID)
	change := callable.StatusChange{Frozen: a.optBool("frozen"), Hidden: a.optBool("hidden")}
	if setup {
		return h.admin.ToggleUserStatus(ctx, adminActor, target, change)
	}
	return h.session.SetUserStatus(ctx, target, change)
}

func (h *Harness) advance(a args) (map[string]any, error) {
	d, err := time.ParseDuration(a.str("duration", "24h"))
	if err != nil {
		return nil, err
	}
	h.clock.Advance(d)
	return map[string]any{"day": views.DayKey(h.clock.Now(), h.session.Rules().Location)}, nil
}

// args reads step arguments decoded from YAML.
type args map[string]any

func (a args) str(key, def string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return def
}

func (a args) int(key string, def int64) int64 {
	switch v := a[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	}
	return def
}

func (a args) optBool(key string) *bool {
	if v, ok := a[key].(bool); ok {
		return &v
	}
	return nil
}
