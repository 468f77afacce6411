package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/observability"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker is the per-model circuit breaker. Consecutive countable failures
// open it; after the cooldown a single trial call is admitted (half-open);
// two consecutive successes close it, any failure re-opens it.
type Breaker struct {
	mu sync.Mutex

	model string
	cfg   config.BreakerConfig

	state             BreakerState
	failures          int
	lastFailure       time.Time
	halfOpenSuccesses int
}

func NewBreaker(model string, cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		model: model,
		cfg:   cfg,
		state: BreakerClosed,
	}
}

// Allow reports whether a call to this model may proceed now. An open breaker
// whose cooldown has elapsed transitions to half-open and admits one trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		return true
	default: // open
		if time.Since(b.lastFailure) >= b.cfg.Cooldown() {
			b.transition(BreakerHalfOpen)
			b.halfOpenSuccesses = 0
			return true
		}
		return false
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenSuccesses {
			b.transition(BreakerClosed)
			b.failures = 0
			b.halfOpenSuccesses = 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case BreakerHalfOpen:
		b.transition(BreakerOpen)
		b.halfOpenSuccesses = 0
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(BreakerOpen)
		}
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with the lock held.
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	observability.GetGlobalMetrics().RecordBreakerTransition(
		context.Background(), b.model, string(from), string(to))
}

// BreakerSet holds one breaker per logical model, created lazily.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      config.BreakerConfig
	breakers map[string]*Breaker
}

func NewBreakerSet(cfg config.BreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

func (s *BreakerSet) Get(model string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	breaker, ok := s.breakers[model]
	if !ok {
		breaker = NewBreaker(model, s.cfg)
		s.breakers[model] = breaker
	}
	return breaker
}
