package gate

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rmax-ai/cadence/pkg/ledger"
	"github.com/rmax-ai/cadence/pkg/provider"
)

// Action is a side-effecting operation an agent asks permission for.
type Action string

const (
	ActionPost       Action = "post"
	ActionReply      Action = "reply"
	ActionGenerate   Action = "generate"
	ActionFetchNews  Action = "fetch_news"
	ActionFetchImage Action = "fetch_image"
	ActionReadSocial Action = "read_social"
)

// KnownActions lists the built-in actions in display order.
var KnownActions = []Action{ActionPost, ActionReply, ActionGenerate, ActionFetchNews, ActionFetchImage, ActionReadSocial}

// ParseAction normalizes an action name. Any non-empty name is accepted so that
// configuration can bind custom actions.
func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("action must not be empty")
	}
	return Action(s), nil
}

// DefaultCooldown is used when a rate-limited provider gives no reset hint.
const DefaultCooldown = 15 * time.Minute

// Binding ties an action to one window of a provider.
type Binding struct {
	Provider string            `yaml:"provider" json:"provider"`
	Window   ledger.WindowKind `yaml:"window" json:"window"`
	Advisory bool              `yaml:"advisory,omitempty" json:"advisory,omitempty"`
}

func (b Binding) ref() ledger.Ref {
	return ledger.Ref{Provider: b.Provider, Window: b.Window}
}

// Decision is the outcome of a permission check. A denial is a normal result,
// never an error.
type Decision struct {
	Action     Action         `json:"action"`
	Allowed    bool           `json:"allowed"`
	Reason     string         `json:"reason"`
	RetryAfter *time.Duration `json:"retry_after,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
}

// Reasons reported by the gate.
const (
	ReasonOK             = "ok"
	ReasonCooldown       = "cooldown"
	ReasonQuotaExhausted = "quota_exhausted"
	ReasonWarmup         = "warmup"
	ReasonSoftCap        = "soft_cap_reached"
)

// Gate derives permissions from the ledger plus per-provider emergency cooldowns.
type Gate struct {
	ledger *ledger.Ledger
	logger *zap.Logger

	mu        sync.RWMutex
	bindings  map[Action][]Binding
	cooldowns map[string]time.Time
	backoff   time.Duration
	warmup    *warmup
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger. Nil keeps the no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithCooldownBackoff sets the cooldown applied when a provider gives no hint.
func WithCooldownBackoff(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.backoff = d
		}
	}
}

// WithBindings sets the initial action bindings.
func WithBindings(b map[Action][]Binding) Option {
	return func(g *Gate) { g.bindings = cloneBindings(b) }
}

// WithWarmup throttles the given actions with a token bucket for the first
// duration after the gate is created.
func WithWarmup(cfg WarmupConfig) Option {
	return func(g *Gate) {
		if cfg.Duration > 0 && cfg.Every > 0 {
			g.warmup = newWarmup(cfg, g.ledger.Now())
		}
	}
}

// New creates a gate over the given ledger. The ledger's clock is the gate's clock.
func New(l *ledger.Ledger, opts ...Option) *Gate {
	g := &Gate{
		ledger:    l,
		logger:    zap.NewNop(),
		bindings:  make(map[Action][]Binding),
		cooldowns: make(map[string]time.Time),
		backoff:   DefaultCooldown,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ledger returns the underlying ledger.
func (g *Gate) Ledger() *ledger.Ledger {
	return g.ledger
}

// SetBindings replaces every action binding, e.g. after a config reload.
func (g *Gate) SetBindings(b map[Action][]Binding) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bindings = cloneBindings(b)
}

// Bindings returns the bindings of an action.
func (g *Gate) Bindings(action Action) []Binding {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Binding(nil), g.bindings[action]...)
}

// Actions lists the bound actions, built-in ones first.
func (g *Gate) Actions() []Action {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Action, 0, len(g.bindings))
	seen := make(map[Action]bool)
	for _, a := range KnownActions {
		if _, ok := g.bindings[a]; ok {
			out = append(out, a)
			seen[a] = true
		}
	}
	var extra []Action
	for a := range g.bindings {
		if !seen[a] {
			extra = append(extra, a)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

// CanPerform evaluates every binding of the action.
func (g *Gate) CanPerform(action Action) Decision {
	g.mu.RLock()
	d := g.evaluateLocked(action, g.bindings[action])
	g.mu.RUnlock()
	g.record(d)
	return d
}

// CanPerformVia evaluates only the bindings of the action that belong to one
// provider. Failover sources use it so that one exhausted provider does not
// deny its partner.
func (g *Gate) CanPerformVia(action Action, providerID string) Decision {
	g.mu.RLock()
	d := g.evaluateLocked(action, filterProvider(g.bindings[action], providerID))
	g.mu.RUnlock()
	g.record(d)
	return d
}

// CanPost reports whether a post is allowed right now.
func (g *Gate) CanPost() bool { return g.CanPerform(ActionPost).Allowed }

// CanGenerate reports whether a completion call is allowed right now.
func (g *Gate) CanGenerate() bool { return g.CanPerform(ActionGenerate).Allowed }

// CanFetchNews reports whether at least one bound news provider is usable.
func (g *Gate) CanFetchNews() bool {
	bindings := g.Bindings(ActionFetchNews)
	if len(bindings) == 0 {
		return g.CanPerform(ActionFetchNews).Allowed
	}
	for _, p := range providersOf(bindings) {
		if g.CanPerformVia(ActionFetchNews, p).Allowed {
			return true
		}
	}
	return false
}

// TryAcquire checks the action and, when allowed, consumes n units from every
// bound window in one step. On denial nothing is consumed.
func (g *Gate) TryAcquire(action Action, n int) Decision {
	g.mu.RLock()
	d, _ := g.acquireLocked(action, g.bindings[action], n)
	g.mu.RUnlock()
	g.record(d)
	return d
}

// acquire is TryAcquire restricted to one provider's bindings. The returned
// hold can be released when the call never reached the provider.
func (g *Gate) acquire(action Action, providerID string, n int) (Decision, hold) {
	g.mu.RLock()
	d, h := g.acquireLocked(action, filterProvider(g.bindings[action], providerID), n)
	g.mu.RUnlock()
	g.record(d)
	return d, h
}

// hold is what an allowed acquire took: ledger units and a warm-up token.
type hold struct {
	units  *ledger.Reservation
	warmup warmupReservation
}

func (g *Gate) acquireLocked(action Action, bindings []Binding, n int) (Decision, hold) {
	now := g.ledger.Now()

	if d, denied := g.cooldownLocked(action, bindings, now); denied {
		return d, hold{}
	}

	var h hold
	if g.warmup != nil && g.warmup.covers(action, now) {
		var ok bool
		h.warmup, ok = g.warmup.reserve(now, n)
		if !ok {
			return denyWarmup(action, h.warmup.wait), hold{}
		}
	}

	var hard, soft []ledger.Ref
	for _, b := range bindings {
		if b.Advisory {
			soft = append(soft, b.ref())
		} else {
			hard = append(hard, b.ref())
		}
	}

	r, blocked, err := g.ledger.Hold(hard, soft, n)
	if err != nil || r == nil {
		h.warmup.cancel(now)
		reason := ReasonQuotaExhausted + ":" + blocked.String()
		if err != nil {
			reason = err.Error()
		}
		return Decision{Action: action, Reason: reason, RetryAfter: until(now, blocked.ResetAt)}, hold{}
	}
	h.units = r

	return Decision{Action: action, Allowed: true, Reason: ReasonOK, Warnings: g.softWarnings(bindings)}, h
}

// release gives back what an acquire took.
func (g *Gate) release(h hold) {
	g.ledger.Release(h.units)
	h.warmup.cancel(g.ledger.Now())
}

// ReportUsage records n units against a window and clears the provider's
// cooldown if it has expired. During warm-up the units also spend tokens of
// the throttled actions bound to that window, so a CanPerform followed by
// ReportUsage is paced like TryAcquire.
func (g *Gate) ReportUsage(providerID string, kind ledger.WindowKind, n int) error {
	kind, err := ledger.ParseWindowKind(string(kind))
	if err != nil {
		return err
	}
	if err := g.ledger.Increment(providerID, kind, n); err != nil {
		return err
	}

	now := g.ledger.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.warmup != nil && g.warmupBoundLocked(providerID, kind, now) {
		g.warmup.consume(now, n)
	}
	g.clearCooldownLocked(providerID, now)
	return nil
}

func (g *Gate) warmupBoundLocked(providerID string, kind ledger.WindowKind, now time.Time) bool {
	for action, bindings := range g.bindings {
		if !g.warmup.covers(action, now) {
			continue
		}
		for _, b := range bindings {
			if b.Provider == providerID && b.Window == kind {
				return true
			}
		}
	}
	return false
}

func (g *Gate) clearCooldownLocked(providerID string, now time.Time) {
	if until, ok := g.cooldowns[providerID]; ok && !now.Before(until) {
		delete(g.cooldowns, providerID)
		CooldownUntil.DeleteLabelValues(providerID)
		g.logger.Info("cooldown_cleared", zap.String("provider", providerID))
	}
}

// ReportRateLimited puts the provider into emergency cooldown until the
// signalled reset, or for the fixed backoff when the provider gave no hint.
// A signal naming a window also exhausts that window in the ledger.
func (g *Gate) ReportRateLimited(providerID string, sig provider.QuotaSignal) time.Time {
	now := g.ledger.Now()
	until := sig.Until(now)
	if until.IsZero() {
		until = now.Add(g.backoff)
	}

	g.mu.Lock()
	if cur, ok := g.cooldowns[providerID]; !ok || until.After(cur) {
		g.cooldowns[providerID] = until
	}
	until = g.cooldowns[providerID]
	g.mu.Unlock()

	if sig.Window != "" {
		g.ledger.Exhaust(providerID, sig.Window, until)
	}

	CooldownUntil.WithLabelValues(providerID).Set(float64(until.Unix()))
	RateLimitedTotal.WithLabelValues(providerID).Inc()
	g.logger.Warn("provider_rate_limited",
		zap.String("provider", providerID),
		zap.Time("until", until),
		zap.String("window", string(sig.Window)),
	)
	return until
}

// ApplySignal folds provider-reported remaining/limit/reset into the ledger.
// Signals that name no window apply to the given fallback window.
func (g *Gate) ApplySignal(providerID string, fallback ledger.WindowKind, sig provider.QuotaSignal) {
	window := sig.Window
	if window == "" {
		window = fallback
	}
	if window == "" || (sig.Remaining < 0 && sig.Limit <= 0 && sig.ResetAt.IsZero()) {
		return
	}
	g.ledger.Observe(providerID, window, sig.Remaining, sig.Limit, sig.ResetAt)
}

// Cooldown returns the provider's active cooldown end, if any.
func (g *Gate) Cooldown(providerID string) (time.Time, bool) {
	now := g.ledger.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()
	until, ok := g.cooldowns[providerID]
	if !ok || !now.Before(until) {
		return time.Time{}, false
	}
	return until, true
}

// Cooldowns returns every active cooldown.
func (g *Gate) Cooldowns() map[string]time.Time {
	now := g.ledger.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]time.Time)
	for p, until := range g.cooldowns {
		if now.Before(until) {
			out[p] = until
		}
	}
	return out
}

func (g *Gate) evaluateLocked(action Action, bindings []Binding) Decision {
	now := g.ledger.Now()

	if d, denied := g.cooldownLocked(action, bindings, now); denied {
		return d
	}

	var tightest *ledger.ProviderQuota
	var soonest time.Time
	for _, b := range bindings {
		if b.Advisory {
			continue
		}
		q, ok := g.ledger.Quota(b.Provider, b.Window)
		if !ok || q.Advisory || !q.Exhausted() {
			continue
		}
		if soonest.IsZero() || q.ResetAt.Before(soonest) {
			soonest = q.ResetAt
		}
		if tightest == nil || q.ResetAt.After(tightest.ResetAt) {
			qq := q
			tightest = &qq
		}
	}
	if tightest != nil {
		return Decision{
			Action:     action,
			Reason:     ReasonQuotaExhausted + ":" + tightest.String(),
			RetryAfter: until(now, soonest),
		}
	}

	if g.warmup != nil && g.warmup.covers(action, now) {
		if wait, ok := g.warmup.available(now); !ok {
			return denyWarmup(action, wait)
		}
	}

	return Decision{Action: action, Allowed: true, Reason: ReasonOK, Warnings: g.softWarnings(bindings)}
}

// cooldownLocked denies when any bound provider is cooling down. The reported
// provider is the one whose cooldown ends last.
func (g *Gate) cooldownLocked(action Action, bindings []Binding, now time.Time) (Decision, bool) {
	var worst string
	var worstUntil time.Time
	for _, p := range providersOf(bindings) {
		u, ok := g.cooldowns[p]
		if !ok || !now.Before(u) {
			continue
		}
		if u.After(worstUntil) {
			worst, worstUntil = p, u
		}
	}
	if worst == "" {
		return Decision{}, false
	}
	return Decision{
		Action:     action,
		Reason:     ReasonCooldown + ":" + worst,
		RetryAfter: until(now, worstUntil),
	}, true
}

func (g *Gate) softWarnings(bindings []Binding) []string {
	var out []string
	for _, b := range bindings {
		q, ok := g.ledger.Quota(b.Provider, b.Window)
		if !ok || !(b.Advisory || q.Advisory) {
			continue
		}
		if q.Exhausted() {
			out = append(out, ReasonSoftCap+":"+q.String())
		}
	}
	return out
}

func (g *Gate) record(d Decision) {
	result := "deny"
	if d.Allowed {
		result = "allow"
	}
	DecisionsTotal.WithLabelValues(string(d.Action), result).Inc()
	if !d.Allowed {
		g.logger.Debug("gate_denied", zap.String("action", string(d.Action)), zap.String("reason", d.Reason))
	}
}

func denyWarmup(action Action, wait time.Duration) Decision {
	return Decision{Action: action, Reason: ReasonWarmup, RetryAfter: &wait}
}

func until(now, t time.Time) *time.Duration {
	if t.IsZero() {
		return nil
	}
	d := t.Sub(now)
	if d < 0 {
		d = 0
	}
	return &d
}

func providersOf(bindings []Binding) []string {
	seen := make(map[string]bool)
	var out []string
	for _, b := range bindings {
		if !seen[b.Provider] {
			seen[b.Provider] = true
			out = append(out, b.Provider)
		}
	}
	return out
}

func filterProvider(bindings []Binding, providerID string) []Binding {
	var out []Binding
	for _, b := range bindings {
		if b.Provider == providerID {
			out = append(out, b)
		}
	}
	return out
}

func cloneBindings(in map[Action][]Binding) map[Action][]Binding {
	out := make(map[Action][]Binding, len(in))
	for a, b := range in {
		out[a] = append([]Binding(nil), b...)
	}
	return out
}
