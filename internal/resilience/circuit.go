// Package resilience wraps calls to the chain gateway and price source with
// retries and a circuit breaker, and schedules failed blocks for later retry.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// Closed lets calls through.
	Closed BreakerState = iota
	// Open rejects calls until the cool-down elapses.
	Open
	// HalfOpen lets probe calls through.
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrOpen is returned for calls rejected by an open breaker.
var ErrOpen = eris.New("circuit breaker is open")

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// CoolDown is how long the breaker stays open before probing.
	CoolDown time.Duration
	// Probes is the number of successful probes that close it again.
	Probes int
	// Counts decides which errors count as failures. All errors when nil.
	Counts func(err error) bool
	// OnChange observes transitions.
	OnChange func(from, to BreakerState)
}

// Breaker stops hammering an upstream that keeps failing.
type Breaker struct {
	cfg   BreakerConfig
	clock clockwork.Clock

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	successes int
}

// NewBreaker builds a Breaker. A nil clock means the wall clock.
func NewBreaker(cfg BreakerConfig, clock clockwork.Clock) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.Counts == nil {
		cfg.Counts = func(err error) bool { return err != nil }
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Breaker{cfg: cfg, clock: clock}
}

// Do runs fn unless the breaker is open.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// Call is Breaker.Do for calls that return a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	b.record(err)
	return v, err
}

// State reports the current state, treating an expired cool-down as half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.clock.Since(b.openedAt) >= b.cfg.CoolDown {
		return HalfOpen
	}
	return b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return nil
	}
	if b.clock.Since(b.openedAt) < b.cfg.CoolDown {
		return ErrOpen
	}
	b.move(HalfOpen)
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !b.cfg.Counts(err) {
		b.failures = 0
		if b.state == HalfOpen {
			b.successes++
			if b.successes >= b.cfg.Probes {
				b.successes = 0
				b.move(Closed)
			}
		}
		return
	}

	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.cfg.Threshold {
			b.openedAt = b.clock.Now()
			b.move(Open)
		}
	case HalfOpen:
		b.successes = 0
		b.openedAt = b.clock.Now()
		b.move(Open)
	}
}

func (b *Breaker) move(to BreakerState) {
	from := b.state
	b.state = to
	if from != to && b.cfg.OnChange != nil {
		b.cfg.OnChange(from, to)
	}
}
