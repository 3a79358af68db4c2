// Package retry computes the next-attempt schedule for a failed stage
// execution, per spec.md §4.5. It holds no state of its own; the worker
// passes in the failure class and the item's current attempt_count and
// gets back a delay plus whether the class's attempt budget is exhausted.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/labelsquor/orchestrator/internal/domain"
)

// Config is the backoff shape from spec.md §6.5: retry_base_seconds,
// retry_multiplier, retry_jitter, retry_cap, and max_retries_per_class.
type Config struct {
	Base       time.Duration
	Multiplier float64
	Jitter     float64
	Cap        time.Duration

	// MaxAttempts keys by FailureClass; only TRANSIENT is consulted by
	// NextAttempt today, but the map shape matches §6.5's
	// max_retries_per_class so a future class can set its own budget
	// without an interface change.
	MaxAttempts map[domain.FailureClass]int
}

// DefaultConfig matches the spec.md §4.5 reference values.
func DefaultConfig() Config {
	return Config{
		Base:       60 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
		Cap:        time.Hour,
		MaxAttempts: map[domain.FailureClass]int{
			domain.ClassTransient: 3,
		},
	}
}

// Policy implements domain.RetryPolicy.
type Policy struct {
	cfg Config
	// rng is swappable in tests for deterministic jitter assertions.
	rng func() float64
}

// New builds a Policy from cfg.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg, rng: rand.Float64}
}

// NextAttempt implements domain.RetryPolicy per failure class:
//
//   - TRANSIENT: exponential backoff with jitter, exhausted once
//     attemptCount reaches the class's MaxAttempts (default 3, then
//     DEAD_LETTERED).
//   - RATE_LIMIT: never exhausted and never backs off on its own — the
//     caller schedules the retry at the quota manager's reset instant
//     instead, per spec.md ("retry at reset_instant", "no attempt-count
//     increment"). Delay is always 0; callers MUST ignore it for this
//     class.
//   - VALIDATION: always exhausted — spec.md says "do not retry" and route
//     to SUSPENDED for manual inspection.
//   - FATAL: always exhausted — spec.md says "unrecoverable" and route
//     straight to DEAD_LETTERED.
func (p *Policy) NextAttempt(class domain.FailureClass, attemptCount int) (time.Duration, bool) {
	switch class {
	case domain.ClassTransient:
		max := p.cfg.MaxAttempts[domain.ClassTransient]
		if max == 0 {
			max = 3
		}
		if attemptCount >= max {
			return 0, true
		}
		return p.backoff(attemptCount), false
	case domain.ClassRateLimit:
		return 0, false
	case domain.ClassValidation, domain.ClassFatal:
		return 0, true
	default:
		return p.backoff(attemptCount), false
	}
}

// backoff implements spec.md's formula:
// delay = min(base * multiplier^(attempt-1), cap) * (1 + U(-jitter, +jitter))
func (p *Policy) backoff(attemptCount int) time.Duration {
	attempt := attemptCount + 1 // the attempt about to be made
	raw := float64(p.cfg.Base) * math.Pow(p.cfg.Multiplier, float64(attempt-1))
	capped := math.Min(raw, float64(p.cfg.Cap))

	jitterFactor := 1.0
	if p.cfg.Jitter > 0 {
		u := p.rng()*2*p.cfg.Jitter - p.cfg.Jitter // U(-jitter, +jitter)
		jitterFactor = 1 + u
	}
	return time.Duration(capped * jitterFactor)
}
