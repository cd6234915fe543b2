package gate

import (
	"time"

	"golang.org/x/time/rate"
)

// WarmupConfig throttles actions right after startup: one token per Every,
// at most Burst banked. An empty Actions list covers every action.
type WarmupConfig struct {
	Duration time.Duration `yaml:"duration" json:"duration"`
	Every    time.Duration `yaml:"every" json:"every"`
	Burst    int           `yaml:"burst" json:"burst"`
	Actions  []Action      `yaml:"actions,omitempty" json:"actions,omitempty"`
}

type warmup struct {
	ends    time.Time
	every   time.Duration
	limiter *rate.Limiter
	actions map[Action]bool
}

func newWarmup(cfg WarmupConfig, start time.Time) *warmup {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	w := &warmup{
		ends:    start.Add(cfg.Duration),
		every:   cfg.Every,
		limiter: rate.NewLimiter(rate.Every(cfg.Every), burst),
		actions: make(map[Action]bool, len(cfg.Actions)),
	}
	for _, a := range cfg.Actions {
		w.actions[a] = true
	}
	return w
}

func (w *warmup) covers(action Action, now time.Time) bool {
	if !now.Before(w.ends) {
		return false
	}
	return len(w.actions) == 0 || w.actions[action]
}

// available reports whether a token is banked at now, and how long until one
// is when it is not. Nothing is consumed.
func (w *warmup) available(now time.Time) (time.Duration, bool) {
	tokens := w.limiter.TokensAt(now)
	if tokens >= 1 {
		return 0, true
	}
	wait := time.Duration((1 - tokens) / float64(w.limiter.Limit()) * float64(time.Second))
	return wait, false
}

type warmupReservation struct {
	r    *rate.Reservation
	wait time.Duration
}

func (w *warmup) reserve(now time.Time, n int) (warmupReservation, bool) {
	r := w.limiter.ReserveN(now, n)
	if !r.OK() {
		return warmupReservation{wait: w.every}, false
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return warmupReservation{wait: delay}, false
	}
	return warmupReservation{r: r}, true
}

// consume takes n tokens for usage that already happened. The bucket may go
// into debt, which delays the next grant.
func (w *warmup) consume(now time.Time, n int) {
	if n <= 0 {
		return
	}
	w.limiter.ReserveN(now, min(n, w.limiter.Burst()))
}

func (res warmupReservation) cancel(now time.Time) {
	if res.r != nil {
		res.r.CancelAt(now)
	}
}
