// Package circuit implements a circuit breaker for calls to external
// collaborators (payment processor, notification delivery).
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker settings.
type Config struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(from, to State)
}

// Breaker trips open after MaxFailures consecutive failures, then allows
// up to HalfOpenMax probes after Timeout before deciding to close or
// re-open.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failures      int
	halfOpenCount int
	lastFailure   time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Execute runs fn under breaker protection. Context cancellation is
// reported as fn's error; it counts as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		b.record(err)
		return err
	}

	err := fn()
	b.record(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(time.Now()) {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpenCount >= b.cfg.HalfOpenMax {
			return ErrTooManyRequests
		}
		b.halfOpenCount++
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(time.Now())
	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		if state == StateHalfOpen || (state == StateClosed && b.failures >= b.cfg.MaxFailures) {
			b.setState(StateOpen)
		}
		return
	}

	if state == StateHalfOpen {
		b.setState(StateClosed)
	}
	b.failures = 0
	b.halfOpenCount = 0
}

// currentState resolves open -> half-open once the timeout elapses.
// Caller must hold b.mu.
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.lastFailure) >= b.cfg.Timeout {
		b.state = StateHalfOpen
		b.halfOpenCount = 0
	}
	return b.state
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	from := b.state
	b.state = s
	if s != StateHalfOpen {
		b.halfOpenCount = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, s)
	}
}

// BreakerGroup manages one breaker per named dependency.
type BreakerGroup struct {
	cfg      Config
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerGroup creates a group using cfg for every member.
func NewBreakerGroup(cfg Config) *BreakerGroup {
	return &BreakerGroup{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Execute runs fn through the named breaker, creating it on first use.
func (g *BreakerGroup) Execute(ctx context.Context, name string, fn func() error) error {
	g.mu.Lock()
	br, ok := g.breakers[name]
	if !ok {
		cfg := g.cfg
		cfg.Name = name
		br = NewBreaker(cfg)
		g.breakers[name] = br
	}
	g.mu.Unlock()

	return br.Execute(ctx, fn)
}

// Get returns the named breaker if it exists.
func (g *BreakerGroup) Get(name string) (*Breaker, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	br, ok := g.breakers[name]
	return br, ok
}
