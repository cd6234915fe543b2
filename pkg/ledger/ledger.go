package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNegativeIncrement is returned when a caller tries to give capacity back.
var ErrNegativeIncrement = errors.New("ledger: increment must not be negative")

// Ref addresses a single window of a provider.
type Ref struct {
	Provider string     `json:"provider" yaml:"provider"`
	Window   WindowKind `json:"window" yaml:"window"`
}

func (r Ref) String() string {
	return r.Provider + "/" + string(r.Window)
}

type poolKey struct {
	provider string
	kind     WindowKind
}

// entry keeps the configured limit apart from a limit observed from the provider,
// which only holds until the window resets.
type entry struct {
	quota     ProviderQuota
	baseLimit int
}

// Ledger tracks per-provider, per-window consumption. Resets are applied lazily
// whenever a window is read or written; there is no background timer.
type Ledger struct {
	mu     sync.Mutex
	pools  map[poolKey]*entry
	now    func() time.Time
	loc    *time.Location
	onSync func(ProviderQuota)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLocation sets the location used for daily and monthly boundaries.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		pools:  make(map[poolKey]*entry),
		now:    time.Now,
		loc:    time.UTC,
		onSync: observeQuota,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Configure declares the windows of a provider. Existing counters are kept; only the
// limits and flags change.
func (l *Ledger) Configure(provider string, specs ...WindowSpec) error {
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("provider %s: %w", provider, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, spec := range specs {
		kind, _ := ParseWindowKind(string(spec.Kind))
		e := l.entryLocked(provider, kind, now)
		e.baseLimit = spec.Limit
		e.quota.Limit = spec.Limit
		e.quota.Advisory = spec.Advisory
		if spec.Period > 0 && spec.Period != e.quota.Period {
			e.quota.Period = spec.Period
			if kind == WindowShort {
				e.quota.ResetAt = nextReset(kind, spec.Period, now, l.loc)
			}
		}
		l.onSync(e.quota)
	}
	return nil
}

// Increment records n units consumed against a window. The ledger does not
// deduplicate: callers increment exactly once per successful external call.
func (l *Ledger) Increment(provider string, kind WindowKind, n int) error {
	if n < 0 {
		return ErrNegativeIncrement
	}
	kind, err := ParseWindowKind(string(kind))
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entryLocked(provider, kind, l.now())
	e.quota.Used += n
	l.onSync(e.quota)
	return nil
}

// Peek returns copies of all windows of a provider, shortest first.
func (l *Ledger) Peek(provider string) []ProviderQuota {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var out []ProviderQuota
	for key, e := range l.pools {
		if key.provider != provider {
			continue
		}
		l.refreshLocked(e, now)
		out = append(out, e.quota)
	}
	sortQuotas(out)
	return out
}

// Quota returns a single window, if it exists.
func (l *Ledger) Quota(provider string, kind WindowKind) (ProviderQuota, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.pools[poolKey{provider, kind}]
	if !ok {
		return ProviderQuota{}, false
	}
	l.refreshLocked(e, l.now())
	return e.quota, true
}

// RemainingOf returns the capacity left in a window. Unknown windows are unbounded.
func (l *Ledger) RemainingOf(provider string, kind WindowKind) int {
	q, ok := l.Quota(provider, kind)
	if !ok {
		return Unbounded
	}
	return q.Remaining()
}

// Reserve atomically checks every referenced window and, if none of the hard
// windows would go past its limit, consumes n units from all of them. On failure
// nothing is consumed and the tightest blocking window is returned.
func (l *Ledger) Reserve(refs []Ref, n int) (bool, ProviderQuota, error) {
	r, blocked, err := l.Hold(refs, nil, n)
	return r != nil, blocked, err
}

// Reservation is a set of units taken by Hold. Release hands them back.
type Reservation struct {
	refs   []Ref
	resets []time.Time
	n      int
}

// Hold consumes n units from every hard and soft window in one step. Only the
// hard windows are checked against their limits. A nil reservation means a hard
// window blocked; the tightest one is returned and nothing is consumed.
func (l *Ledger) Hold(hard, soft []Ref, n int) (*Reservation, ProviderQuota, error) {
	if n < 0 {
		return nil, ProviderQuota{}, ErrNegativeIncrement
	}
	refs, err := normalizeRefs(append(append([]Ref(nil), hard...), soft...))
	if err != nil {
		return nil, ProviderQuota{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entries := make([]*entry, 0, len(refs))
	var blocked *ProviderQuota
	for i, ref := range refs {
		e := l.entryLocked(ref.Provider, ref.Window, now)
		entries = append(entries, e)
		if i >= len(hard) {
			continue
		}
		q := e.quota
		if q.Advisory || !q.Bounded() || q.Remaining() >= n {
			continue
		}
		if blocked == nil || q.Remaining() < blocked.Remaining() ||
			(q.Remaining() == blocked.Remaining() && q.ResetAt.After(blocked.ResetAt)) {
			blocked = &q
		}
	}
	if blocked != nil {
		return nil, *blocked, nil
	}

	r := &Reservation{refs: refs, resets: make([]time.Time, len(entries)), n: n}
	for i, e := range entries {
		e.quota.Used += n
		r.resets[i] = e.quota.ResetAt
		l.onSync(e.quota)
	}
	return r, ProviderQuota{}, nil
}

// Release gives back the units of a reservation whose call never reached the
// provider. Windows that reset or were re-synced since the hold keep their count.
func (l *Ledger) Release(r *Reservation) {
	if r == nil || r.n == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for i, ref := range r.refs {
		e := l.entryLocked(ref.Provider, ref.Window, now)
		if !e.quota.ResetAt.Equal(r.resets[i]) {
			continue
		}
		e.quota.Used = max(e.quota.Used-r.n, 0)
		l.onSync(e.quota)
	}
	r.n = 0
}

func normalizeRefs(refs []Ref) ([]Ref, error) {
	for i, ref := range refs {
		kind, err := ParseWindowKind(string(ref.Window))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ref.Provider, err)
		}
		refs[i].Window = kind
	}
	return refs, nil
}

// Exhaust marks a window as having no capacity until resetAt. A zero or past
// resetAt keeps the window's own reset time.
func (l *Ledger) Exhaust(provider string, kind WindowKind, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e := l.entryLocked(provider, kind, now)
	if !e.quota.Bounded() {
		e.quota.Limit = max(e.quota.Used, 1)
	}
	e.quota.Used = max(e.quota.Used, e.quota.Limit)
	if resetAt.After(now) {
		e.quota.ResetAt = resetAt
	}
	l.onSync(e.quota)
}

// Observe folds a provider-reported quota into a window. Provider data is
// authoritative for the current window; the configured limit returns at reset.
func (l *Ledger) Observe(provider string, kind WindowKind, remaining, limit int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e := l.entryLocked(provider, kind, now)
	if limit > 0 {
		e.quota.Limit = limit
	}
	if e.quota.Bounded() && remaining >= 0 {
		e.quota.Used = max(e.quota.Limit-remaining, 0)
	}
	if resetAt.After(now) {
		e.quota.ResetAt = resetAt
	}
	l.onSync(e.quota)
}

// Snapshot returns copies of every window, ordered by provider then window.
func (l *Ledger) Snapshot() []ProviderQuota {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	out := make([]ProviderQuota, 0, len(l.pools))
	for _, e := range l.pools {
		l.refreshLocked(e, now)
		out = append(out, e.quota)
	}
	sortQuotas(out)
	return out
}

// Restore rehydrates counters, typically from the persisted per-day usage.
// Windows whose reset already passed are ignored; configured limits win over
// persisted ones.
func (l *Ledger) Restore(quotas []ProviderQuota) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, q := range quotas {
		if q.Provider == "" || q.Used < 0 {
			continue
		}
		if !q.ResetAt.IsZero() && !now.Before(q.ResetAt) {
			continue
		}
		_, configured := l.pools[poolKey{q.Provider, q.Window}]
		e := l.entryLocked(q.Provider, q.Window, now)
		e.quota.Used = max(e.quota.Used, q.Used)
		if !q.ResetAt.IsZero() {
			e.quota.ResetAt = q.ResetAt
		}
		if !configured {
			e.baseLimit = q.Limit
			e.quota.Limit = q.Limit
			e.quota.Period = q.Period
			e.quota.Advisory = q.Advisory
		}
		l.onSync(e.quota)
	}
}

// Providers lists the providers known to the ledger.
func (l *Ledger) Providers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for key := range l.pools {
		if _, ok := seen[key.provider]; ok {
			continue
		}
		seen[key.provider] = struct{}{}
		out = append(out, key.provider)
	}
	sort.Strings(out)
	return out
}

// entryLocked returns the entry for a window, creating it on first use, with the
// lazy reset applied. Callers must hold l.mu.
func (l *Ledger) entryLocked(provider string, kind WindowKind, now time.Time) *entry {
	key := poolKey{provider, kind}
	e, ok := l.pools[key]
	if !ok {
		e = &entry{quota: ProviderQuota{Provider: provider, Window: kind}}
		if kind == WindowShort {
			e.quota.Period = DefaultShortPeriod
		}
		l.pools[key] = e
	}
	l.refreshLocked(e, now)
	return e
}

func (l *Ledger) refreshLocked(e *entry, now time.Time) {
	switch {
	case e.quota.ResetAt.IsZero():
		e.quota.ResetAt = nextReset(e.quota.Window, e.quota.Period, now, l.loc)
	case !now.Before(e.quota.ResetAt):
		e.quota.Used = 0
		e.quota.Limit = e.baseLimit
		e.quota.ResetAt = nextReset(e.quota.Window, e.quota.Period, now, l.loc)
		l.onSync(e.quota)
	}
}

func sortQuotas(qs []ProviderQuota) {
	sort.Slice(qs, func(i, j int) bool {
		if qs[i].Provider != qs[j].Provider {
			return qs[i].Provider < qs[j].Provider
		}
		return qs[i].Window.order() < qs[j].Window.order()
	})
}
