// Package guard runs collaborator calls under an admission ticket, a
// circuit breaker, bounded retries and a per-call deadline.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lokvaani/internal/breaker"
	"lokvaani/internal/clock"
	"lokvaani/internal/collab"
	"lokvaani/internal/observe"
)

var (
	// ErrDependencyUnavailable matches every UnavailableError.
	ErrDependencyUnavailable = errors.New("guard: dependency unavailable")
	// ErrCallTimeout is the cancellation cause of a call that ran past its
	// deadline.
	ErrCallTimeout = errors.New("guard: call deadline exceeded")
)

// UnavailableError reports a dependency whose circuit is open or whose
// retry budget ran out.
type UnavailableError struct {
	Dependency string
	RetryAfter time.Duration
	Cause      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("guard: %s unavailable: %v", e.Dependency, e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

func (e *UnavailableError) Is(target error) bool { return target == ErrDependencyUnavailable }

// Ticket is the admission grant a call runs under. *admission.Ticket
// implements it.
type Ticket interface {
	Err() error
	Done() <-chan struct{}
}

type Config struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries  int           `yaml:"maxRetries"`
	BackoffBase time.Duration `yaml:"backoffBase"`
	BackoffMax  time.Duration `yaml:"backoffMax"`
	CallTimeout time.Duration `yaml:"callTimeout"`
	// CallTimeouts overrides CallTimeout per dependency.
	CallTimeouts map[string]time.Duration `yaml:"callTimeouts"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:  2,
		BackoffBase: 200 * time.Millisecond,
		BackoffMax:  2 * time.Second,
		CallTimeout: 2 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("guard: max retries must not be negative")
	}
	if c.BackoffBase < 0 || c.BackoffMax < 0 {
		return errors.New("guard: backoff must not be negative")
	}
	if c.CallTimeout <= 0 {
		return errors.New("guard: call timeout must be positive")
	}
	for dep, d := range c.CallTimeouts {
		if d <= 0 {
			return fmt.Errorf("guard: call timeout for %s must be positive", dep)
		}
	}
	return nil
}

type Guard struct {
	cfg      Config
	breakers *breaker.Registry
	clock    clock.Clock
	logger   *slog.Logger
}

func New(cfg Config, breakers *breaker.Registry, c clock.Clock, logger *slog.Logger) (*Guard, error) {
	if breakers == nil {
		return nil, errors.New("guard: breakers must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = observe.Discard()
	}
	return &Guard{cfg: cfg, breakers: breakers, clock: c, logger: logger.With("component", "guard")}, nil
}

// Breakers returns the table the guard records outcomes in.
func (g *Guard) Breakers() *breaker.Registry { return g.breakers }

func (g *Guard) timeoutFor(dep string) time.Duration {
	if d, ok := g.cfg.CallTimeouts[dep]; ok {
		return d
	}
	return g.cfg.CallTimeout
}

func (g *Guard) backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * g.cfg.BackoffBase
	if g.cfg.BackoffMax > 0 && d > g.cfg.BackoffMax {
		d = g.cfg.BackoffMax
	}
	return d
}

// Call invokes fn for dependency dep. Transient failures are retried with
// exponential backoff and then count as a single breaker failure.
// Non-transient service errors are returned at once and also count as a
// failure. A low-confidence answer is returned as is and counts as a
// healthy reply.
// ticket may be nil for calls made outside a turn.
func Call[T any](ctx context.Context, g *Guard, ticket Ticket, dep string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if ticket != nil {
		if err := ticket.Err(); err != nil {
			return zero, fmt.Errorf("guard: %s: %w", dep, err)
		}
	}

	permit, err := g.breakers.Get(dep).Allow()
	if err != nil {
		ue := &UnavailableError{Dependency: dep, Cause: err}
		var oe *breaker.OpenError
		if errors.As(err, &oe) {
			ue.RetryAfter = oe.RetryAfter
		}
		return zero, ue
	}

	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := g.sleep(ctx, ticket, g.backoff(attempt)); err != nil {
				permit.Cancel()
				return zero, fmt.Errorf("guard: %s: %w", dep, err)
			}
		}

		res, err, abort := runOnce(ctx, g, ticket, dep, fn)
		if abort != nil {
			permit.Cancel()
			return zero, fmt.Errorf("guard: %s: %w", dep, abort)
		}
		switch {
		case err == nil, errors.Is(err, collab.ErrLowConfidence):
			permit.Success()
			return res, err
		case !collab.IsTransient(err):
			// A remote fault that retrying cannot fix still counts
			// against the dependency; local errors do not.
			if errors.As(err, new(*collab.ServiceError)) {
				permit.Failure()
			} else {
				permit.Cancel()
			}
			return zero, err
		}

		lastErr = err
		g.logger.Warn("dependency call failed",
			"dependency", dep, "attempt", attempt+1, "maxAttempts", g.cfg.MaxRetries+1, "err", err)
	}

	permit.Failure()
	return zero, &UnavailableError{Dependency: dep, Cause: lastErr}
}

// runOnce runs fn once under the call deadline. abort is set when the
// caller's context or the ticket ended the call; err is the call's own
// outcome otherwise.
func runOnce[T any](ctx context.Context, g *Guard, ticket Ticket, dep string, fn func(context.Context) (T, error)) (res T, err, abort error) {
	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := g.clock.AfterFunc(g.timeoutFor(dep), func() { cancel(ErrCallTimeout) })
	defer timer.Stop()
	if ticket != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ticket.Done():
				cancel(ticket.Err())
			case <-stop:
			}
		}()
	}

	res, err = fn(callCtx)
	if err == nil {
		return res, nil, nil
	}
	if ctx.Err() != nil {
		return res, err, context.Cause(ctx)
	}
	if ticket != nil && ticket.Err() != nil {
		return res, err, ticket.Err()
	}
	if errors.Is(context.Cause(callCtx), ErrCallTimeout) {
		return res, &collab.ServiceError{Dependency: dep, Transient: true, Err: ErrCallTimeout}, nil
	}
	return res, err, nil
}

func (g *Guard) sleep(ctx context.Context, ticket Ticket, d time.Duration) error {
	var done <-chan struct{}
	if ticket != nil {
		done = ticket.Done()
	}
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-done:
		return ticket.Err()
	case <-g.clock.After(d):
		return nil
	}
}
