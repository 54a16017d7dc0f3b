package guard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lokvaani/internal/admission"
	"lokvaani/internal/breaker"
	"lokvaani/internal/clock"
	"lokvaani/internal/collab"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func noBackoff() Config {
	return Config{MaxRetries: 2, CallTimeout: time.Minute}
}

func newTestGuard(t *testing.T, cfg Config, bcfg breaker.Config) (*Guard, *clock.FakeClock) {
	t.Helper()
	fc := clock.Fake(epoch)
	g, err := New(cfg, breaker.NewRegistry(bcfg, nil, fc, nil), fc, nil)
	require.NoError(t, err)
	return g, fc
}

func transient() error {
	return &collab.ServiceError{Dependency: "tts", Transient: true, StatusCode: 503, Err: errors.New("unavailable")}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{CallTimeout: 0}, breaker.NewRegistry(breaker.DefaultConfig(), nil, nil, nil), nil, nil)
	require.Error(t, err)
	_, err = New(Config{MaxRetries: -1, CallTimeout: time.Second}, breaker.NewRegistry(breaker.DefaultConfig(), nil, nil, nil), nil, nil)
	require.Error(t, err)
}

func TestCall_Success(t *testing.T) {
	g, _ := newTestGuard(t, noBackoff(), breaker.DefaultConfig())
	got, err := Call(context.Background(), g, nil, "tts", func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", got)
}

func TestCall_RetriesTransientThenSucceeds(t *testing.T) {
	g, _ := newTestGuard(t, noBackoff(), breaker.Config{FailureThreshold: 1})
	var calls atomic.Int32
	got, err := Call(context.Background(), g, nil, "tts", func(context.Context) (int, error) {
		if calls.Add(1) < 3 {
			return 0, transient()
		}
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, got)
	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, breaker.StateClosed, g.Breakers().Get("tts").State())
}

func TestCall_ExhaustedRetriesCountOnce(t *testing.T) {
	g, _ := newTestGuard(t, noBackoff(), breaker.Config{FailureThreshold: 2, Cooldown: time.Minute})
	var calls atomic.Int32
	fail := func(context.Context) (int, error) {
		calls.Add(1)
		return 0, transient()
	}

	_, err := Call(context.Background(), g, nil, "tts", fail)
	require.ErrorIs(t, err, ErrDependencyUnavailable)
	require.True(t, collab.IsTransient(err))
	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, breaker.StateClosed, g.Breakers().Get("tts").State())

	_, err = Call(context.Background(), g, nil, "tts", fail)
	require.ErrorIs(t, err, ErrDependencyUnavailable)
	require.Equal(t, breaker.StateOpen, g.Breakers().Get("tts").State())

	// Open circuit: no remote call at all.
	_, err = Call(context.Background(), g, nil, "tts", fail)
	require.ErrorIs(t, err, ErrDependencyUnavailable)
	require.ErrorIs(t, err, breaker.ErrOpen)
	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, time.Minute, ue.RetryAfter)
	require.EqualValues(t, 6, calls.Load())
}

func TestCall_NonTransientNotRetried(t *testing.T) {
	g, _ := newTestGuard(t, noBackoff(), breaker.Config{FailureThreshold: 1})
	bad := &collab.ServiceError{Dependency: "translate", StatusCode: 400, Err: errors.New("bad request")}
	var calls atomic.Int32
	_, err := Call(context.Background(), g, nil, "translate", func(context.Context) (string, error) {
		calls.Add(1)
		return "", bad
	})
	require.ErrorIs(t, err, bad)
	require.NotErrorIs(t, err, ErrDependencyUnavailable)
	require.EqualValues(t, 1, calls.Load())
}

func TestCall_NonTransientServiceErrorCountsAsFailure(t *testing.T) {
	g, _ := newTestGuard(t, noBackoff(), breaker.Config{FailureThreshold: 2, Cooldown: time.Minute})
	garbage := &collab.ServiceError{Dependency: "simplify", Err: errors.New("malformed model output")}
	var calls atomic.Int32
	call := func() error {
		_, err := Call(context.Background(), g, nil, "simplify", func(context.Context) (string, error) {
			calls.Add(1)
			return "", garbage
		})
		return err
	}

	require.ErrorIs(t, call(), garbage)
	require.Equal(t, breaker.StateClosed, g.Breakers().Get("simplify").State())
	require.ErrorIs(t, call(), garbage)
	require.Equal(t, breaker.StateOpen, g.Breakers().Get("simplify").State())

	err := call()
	require.ErrorIs(t, err, ErrDependencyUnavailable)
	require.EqualValues(t, 2, calls.Load())
}

func TestCall_LocalErrorDoesNotTrip(t *testing.T) {
	g, _ := newTestGuard(t, noBackoff(), breaker.Config{FailureThreshold: 1})
	local := errors.New("speech: audio must not be empty")
	for i := 0; i < 3; i++ {
		_, err := Call(context.Background(), g, nil, "stt", func(context.Context) ([]byte, error) {
			return nil, local
		})
		require.ErrorIs(t, err, local)
	}
	require.Equal(t, breaker.StateClosed, g.Breakers().Get("stt").State())
}

func TestCall_LowConfidenceDoesNotTrip(t *testing.T) {
	g, _ := newTestGuard(t, noBackoff(), breaker.Config{FailureThreshold: 1})
	for i := 0; i < 5; i++ {
		got, err := Call(context.Background(), g, nil, "stt", func(context.Context) (collab.Transcript, error) {
			return collab.Transcript{Text: "mumble", Confidence: 0.2}, collab.ErrLowConfidence
		})
		require.ErrorIs(t, err, collab.ErrLowConfidence)
		require.Equal(t, "mumble", got.Text)
	}
	require.Equal(t, breaker.StateClosed, g.Breakers().Get("stt").State())
}

// signalClock reports every After call once the waiter is registered.
type signalClock struct {
	*clock.FakeClock
	afters chan time.Duration
}

func (s signalClock) After(d time.Duration) <-chan time.Time {
	ch := s.FakeClock.After(d)
	s.afters <- d
	return ch
}

func TestCall_BackoffWaitsOnClock(t *testing.T) {
	fc := signalClock{FakeClock: clock.Fake(epoch), afters: make(chan time.Duration, 4)}
	cfg := Config{MaxRetries: 2, BackoffBase: 100 * time.Millisecond, BackoffMax: 150 * time.Millisecond, CallTimeout: time.Hour}
	g, err := New(cfg, breaker.NewRegistry(breaker.DefaultConfig(), nil, fc, nil), fc, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		_, err := Call(context.Background(), g, nil, "tts", func(context.Context) (int, error) {
			calls.Add(1)
			return 0, transient()
		})
		done <- err
	}()

	require.Equal(t, 100*time.Millisecond, <-fc.afters)
	require.EqualValues(t, 1, calls.Load())
	fc.Advance(100 * time.Millisecond)

	require.Equal(t, 150*time.Millisecond, <-fc.afters, "capped at BackoffMax")
	require.EqualValues(t, 2, calls.Load())
	fc.Advance(150 * time.Millisecond)

	require.ErrorIs(t, <-done, ErrDependencyUnavailable)
	require.EqualValues(t, 3, calls.Load())
}

func TestCall_DeadlineIsTransient(t *testing.T) {
	cfg := Config{MaxRetries: 0, CallTimeout: time.Second}
	g, fc := newTestGuard(t, cfg, breaker.Config{FailureThreshold: 1})

	done := make(chan error, 1)
	go func() {
		_, err := Call(context.Background(), g, nil, "content", func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})
		done <- err
	}()
	fc.WaitForTimers(1)
	fc.Advance(time.Second)

	err := <-done
	require.ErrorIs(t, err, ErrDependencyUnavailable)
	require.ErrorIs(t, err, ErrCallTimeout)
	require.Equal(t, breaker.StateOpen, g.Breakers().Get("content").State())
}

func TestCall_CallerCancelDoesNotCountAsFailure(t *testing.T) {
	g, _ := newTestGuard(t, noBackoff(), breaker.Config{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	_, err := Call(ctx, g, nil, "tts", func(context.Context) (int, error) {
		cancel()
		return 0, context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, breaker.StateClosed, g.Breakers().Get("tts").State())
}

func TestCall_ReclaimedTicket(t *testing.T) {
	fc := clock.Fake(epoch)
	ctrl, err := admission.New(admission.Config{
		GlobalCap:     1,
		Classes:       map[admission.Class]admission.ClassConfig{admission.ClassText: {Capacity: 1}},
		DefaultClass:  admission.ClassConfig{Capacity: 1},
		TicketTimeout: time.Second,
	}, fc, nil)
	require.NoError(t, err)
	g, err := New(Config{CallTimeout: time.Hour}, breaker.NewRegistry(breaker.Config{FailureThreshold: 1}, nil, fc, nil), fc, nil)
	require.NoError(t, err)

	ticket := ctrl.Admit(admission.ClassText).Ticket
	done := make(chan error, 1)
	go func() {
		_, err := Call(context.Background(), g, ticket, "tts", func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, context.Cause(ctx)
		})
		done <- err
	}()
	// Ticket reclaim timer plus the call deadline.
	fc.WaitForTimers(2)
	fc.Advance(time.Second)

	err = <-done
	require.ErrorIs(t, err, admission.ErrTicketReclaimed)
	require.Equal(t, breaker.StateClosed, g.Breakers().Get("tts").State())

	// Once reclaimed, no further calls run under the ticket.
	_, err = Call(context.Background(), g, ticket, "tts", func(context.Context) (int, error) {
		t.Fatal("call ran under a reclaimed ticket")
		return 0, nil
	})
	require.ErrorIs(t, err, admission.ErrTicketReclaimed)
}
