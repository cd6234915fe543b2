package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/rmax-ai/cadence/pkg/ledger"
	"github.com/rmax-ai/cadence/pkg/provider"
)

// Attempt runs call when the action is allowed for providerID and does the
// bookkeeping around it. One unit per bound window is reserved before the
// call, so concurrent attempts can never spend past a limit. The units are kept
// on success and on a confirmed rate limit, and handed back when the call
// failed for any other reason. A rate limit also starts a cooldown, and the
// provider's own quota signal is folded into the ledger. A denial returns the
// decision and a nil error.
func Attempt[T any](ctx context.Context, g *Gate, action Action, providerID string, call func(ctx context.Context) (provider.Outcome[T], error)) (provider.Outcome[T], Decision, error) {
	d, h := g.acquire(action, providerID, 1)
	if !d.Allowed {
		return provider.Outcome[T]{Signal: provider.NoSignal}, d, nil
	}

	out, err := call(ctx)
	bindings := filterProvider(g.Bindings(action), providerID)
	windows := windowsFor(bindings, providerID)

	switch {
	case errors.Is(err, provider.ErrRateLimited) || out.Signal.RateLimited:
		g.observeUnbound(bindings, providerID)
		sig := out.Signal
		if sig.Window == "" {
			sig.Window = windows[0]
		}
		g.ReportRateLimited(providerID, sig)
		if err == nil {
			err = fmt.Errorf("%s: %w", providerID, provider.ErrRateLimited)
		}
		return out, d, err
	case err != nil:
		g.release(h)
		return out, d, err
	}

	g.observeUnbound(bindings, providerID)
	g.ApplySignal(providerID, windows[0], out.Signal)
	g.mu.Lock()
	g.clearCooldownLocked(providerID, g.ledger.Now())
	g.mu.Unlock()
	return out, d, nil
}

// observeUnbound counts a call against the observe-only daily window of a
// provider the action has no binding for. Bound windows were reserved up front.
func (g *Gate) observeUnbound(bindings []Binding, providerID string) {
	if len(bindings) == 0 {
		_ = g.ledger.Increment(providerID, ledger.WindowDaily, 1)
	}
}

// windowsFor returns the provider's bound windows, hard ones first. Unbound
// providers are tracked in an observe-only daily window.
func windowsFor(bindings []Binding, providerID string) []ledger.WindowKind {
	var hard, soft []ledger.WindowKind
	for _, b := range bindings {
		if b.Provider != providerID {
			continue
		}
		if b.Advisory {
			soft = append(soft, b.Window)
		} else {
			hard = append(hard, b.Window)
		}
	}
	out := append(hard, soft...)
	if len(out) == 0 {
		out = []ledger.WindowKind{ledger.WindowDaily}
	}
	return out
}
