package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"lokvaani/internal/clock"
)

// Ticket is one admitted unit of work. It holds a slot until Release is
// called or TicketTimeout passes, whichever comes first.
type Ticket struct {
	ID       string
	Class    Class
	IssuedAt time.Time

	c         *Controller
	once      sync.Once
	done      chan struct{}
	timer     *clock.Timer
	reclaimed atomic.Bool
}

// Release returns the slot. Calls after the first, or after the ticket
// was reclaimed, do nothing.
func (t *Ticket) Release() {
	t.once.Do(func() {
		t.timer.Stop()
		close(t.done)
		t.c.release(t, false)
	})
}

func (t *Ticket) reclaim() {
	t.once.Do(func() {
		t.reclaimed.Store(true)
		close(t.done)
		t.c.release(t, true)
	})
}

// Done is closed once the ticket no longer holds a slot.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns nil while the ticket holds its slot, ErrTicketReclaimed
// after the hard timeout, and ErrTicketReleased after Release.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
	default:
		return nil
	}
	if t.reclaimed.Load() {
		return ErrTicketReclaimed
	}
	return ErrTicketReleased
}

// Context derives a context from parent that is cancelled, with Err as
// its cause, when the ticket stops holding a slot.
func (t *Ticket) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-t.done:
			cancel(t.Err())
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}
