// Package breaker implements per-dependency circuit breakers and the
// process-wide table that holds them.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"lokvaani/internal/clock"
	"lokvaani/internal/observe"
)

// ErrOpen is returned by Allow while the circuit refuses calls.
var ErrOpen = errors.New("breaker: circuit open")

// OpenError reports a refused call. It matches ErrOpen with errors.Is.
type OpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker: circuit open for %s (retry after %s)", e.Dependency, e.RetryAfter)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

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

// Config controls when a breaker trips and how it recovers.
//
// The circuit opens after FailureThreshold consecutive failures, or when
// FailureRate is set and the share of failures among at least MinRequests
// outcomes inside Window exceeds it.
type Config struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	Window           time.Duration `yaml:"window"`
	FailureRate      float64       `yaml:"failureRate"`
	MinRequests      int           `yaml:"minRequests"`
	Cooldown         time.Duration `yaml:"cooldown"`
	HalfOpenMaxCalls int           `yaml:"halfOpenMaxCalls"`
	SuccessThreshold int           `yaml:"successThreshold"`
}

// DefaultConfig trips after five consecutive failures and probes once
// after thirty seconds. The rate rule is off.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           30 * time.Second,
		MinRequests:      10,
		Cooldown:         30 * time.Second,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinRequests <= 0 {
		c.MinRequests = d.MinRequests
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	return c
}

// Validate rejects configurations that cannot be satisfied.
func (c Config) Validate() error {
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return fmt.Errorf("breaker: failure rate %v outside [0,1]", c.FailureRate)
	}
	if c.FailureThreshold < 0 || c.MinRequests < 0 || c.HalfOpenMaxCalls < 0 || c.SuccessThreshold < 0 {
		return errors.New("breaker: counts must not be negative")
	}
	return nil
}

type outcome struct {
	at     time.Time
	failed bool
}

// Breaker is a three-state circuit breaker for one dependency. All state
// changes happen under mu; transition events are emitted after it is
// released.
type Breaker struct {
	name  string
	cfg   Config
	clock clock.Clock
	sink  observe.Sink

	mu                sync.Mutex
	state             State
	generation        uint64
	consecutive       int
	openedAt          time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int
	window            []outcome
}

// New returns a closed breaker. Zero Config fields take DefaultConfig
// values; a nil clock uses real time and a nil sink drops events.
func New(name string, cfg Config, c clock.Clock, sink observe.Sink) *Breaker {
	if c == nil {
		c = clock.Real()
	}
	if sink == nil {
		sink = observe.NopSink{}
	}
	return &Breaker{name: name, cfg: cfg.withDefaults(), clock: c, sink: sink}
}

func (b *Breaker) Name() string { return b.name }

// Allow asks to make one call. The returned Permit must be resolved with
// exactly one of Success, Failure or Cancel.
func (b *Breaker) Allow() (*Permit, error) {
	b.mu.Lock()
	now := b.clock.Now()
	events := b.advanceLocked(now)

	var (
		permit *Permit
		err    error
	)
	switch b.state {
	case StateClosed:
		permit = &Permit{b: b, gen: b.generation}
	case StateHalfOpen:
		if b.halfOpenInFlight < b.cfg.HalfOpenMaxCalls {
			b.halfOpenInFlight++
			permit = &Permit{b: b, gen: b.generation, trial: true}
		} else {
			err = &OpenError{Dependency: b.name}
		}
	case StateOpen:
		err = &OpenError{Dependency: b.name, RetryAfter: b.openedAt.Add(b.cfg.Cooldown).Sub(now)}
	}
	b.mu.Unlock()

	b.emit(events)
	return permit, err
}

// State reports the current state, moving an open circuit whose cooldown
// has elapsed to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	events := b.advanceLocked(b.clock.Now())
	s := b.state
	b.mu.Unlock()
	b.emit(events)
	return s
}

// Health is a point-in-time view of one breaker.
type Health struct {
	Dependency          string    `json:"dependency"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	OpenedAt            time.Time `json:"openedAt,omitzero"`
}

func (b *Breaker) Snapshot() Health {
	b.mu.Lock()
	events := b.advanceLocked(b.clock.Now())
	h := Health{
		Dependency:          b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutive,
	}
	if b.state != StateClosed {
		h.OpenedAt = b.openedAt
	}
	b.mu.Unlock()
	b.emit(events)
	return h
}

// advanceLocked performs the time-driven open to half-open transition.
func (b *Breaker) advanceLocked(now time.Time) []observe.TransitionEvent {
	if b.state == StateOpen && !now.Before(b.openedAt.Add(b.cfg.Cooldown)) {
		return []observe.TransitionEvent{b.transitionLocked(StateHalfOpen, now)}
	}
	return nil
}

func (b *Breaker) transitionLocked(to State, now time.Time) observe.TransitionEvent {
	ev := observe.TransitionEvent{
		Dependency: b.name,
		From:       b.state.String(),
		To:         to.String(),
		Failures:   b.consecutive,
		At:         now,
	}
	b.state = to
	b.generation++
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0
	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		b.consecutive = 0
		b.window = b.window[:0]
	}
	return ev
}

func (b *Breaker) record(gen uint64, trial, failed bool) {
	b.mu.Lock()
	now := b.clock.Now()
	// Outcomes of calls admitted before the last transition are stale.
	if gen != b.generation {
		b.mu.Unlock()
		return
	}

	var events []observe.TransitionEvent
	switch b.state {
	case StateClosed:
		if failed {
			b.consecutive++
		} else {
			b.consecutive = 0
		}
		b.observeLocked(now, failed)
		if failed && b.shouldTripLocked() {
			events = append(events, b.transitionLocked(StateOpen, now))
		}
	case StateHalfOpen:
		if trial {
			b.halfOpenInFlight--
		}
		if failed {
			b.consecutive++
			events = append(events, b.transitionLocked(StateOpen, now))
			break
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			events = append(events, b.transitionLocked(StateClosed, now))
		}
	}
	b.mu.Unlock()
	b.emit(events)
}

func (b *Breaker) cancel(gen uint64, trial bool) {
	b.mu.Lock()
	if gen == b.generation && trial && b.state == StateHalfOpen {
		b.halfOpenInFlight--
	}
	b.mu.Unlock()
}

func (b *Breaker) observeLocked(now time.Time, failed bool) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	b.window = append(b.window[i:], outcome{at: now, failed: failed})
}

func (b *Breaker) shouldTripLocked() bool {
	if b.consecutive >= b.cfg.FailureThreshold {
		return true
	}
	if b.cfg.FailureRate <= 0 || len(b.window) < b.cfg.MinRequests {
		return false
	}
	failures := 0
	for _, o := range b.window {
		if o.failed {
			failures++
		}
	}
	return float64(failures)/float64(len(b.window)) > b.cfg.FailureRate
}

func (b *Breaker) emit(events []observe.TransitionEvent) {
	for _, ev := range events {
		b.sink.BreakerTransition(ev)
	}
}

// Permit is the right to make one call through a Breaker.
type Permit struct {
	b     *Breaker
	gen   uint64
	trial bool
	once  sync.Once
}

// Success records a successful call.
func (p *Permit) Success() {
	p.once.Do(func() { p.b.record(p.gen, p.trial, false) })
}

// Failure records a failed call.
func (p *Permit) Failure() {
	p.once.Do(func() { p.b.record(p.gen, p.trial, true) })
}

// Cancel gives the permit back without recording an outcome, e.g. when
// the caller gave up before the dependency answered.
func (p *Permit) Cancel() {
	p.once.Do(func() { p.b.cancel(p.gen, p.trial) })
}
