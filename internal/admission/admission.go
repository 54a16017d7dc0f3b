// Package admission bounds concurrent in-flight work globally and per
// resource class, queueing or rejecting overflow.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lokvaani/internal/clock"
	"lokvaani/internal/observe"
)

var (
	// ErrRejected is returned when neither a slot nor a queue place is
	// available, or a queued request gave up waiting.
	ErrRejected = errors.New("admission: rejected")
	// ErrTicketReclaimed is the cancellation cause of a ticket's context
	// after the hard timeout took its slot back.
	ErrTicketReclaimed = errors.New("admission: ticket reclaimed")
	// ErrTicketReleased is the cancellation cause after Release.
	ErrTicketReleased = errors.New("admission: ticket released")
)

var newTicketID = func() string { return uuid.NewString() }

// Class names a resource class. Each class has its own capacity and
// FIFO queue.
type Class string

const (
	ClassVoice Class = "voice"
	ClassText  Class = "text"
)

type ClassConfig struct {
	Capacity  int `yaml:"capacity"`
	QueueSize int `yaml:"queueSize"`
}

type Config struct {
	// GlobalCap bounds admitted tickets across all classes.
	GlobalCap int                   `yaml:"globalCap"`
	Classes   map[Class]ClassConfig `yaml:"classes"`
	// Unknown classes get DefaultClass.
	DefaultClass ClassConfig `yaml:"defaultClass"`
	// TicketTimeout is the hard limit after which an unreleased ticket is
	// reclaimed.
	TicketTimeout time.Duration `yaml:"ticketTimeout"`
	// QueueTimeout bounds Result.Wait. Zero waits for the caller's context
	// only.
	QueueTimeout time.Duration `yaml:"queueTimeout"`
	// DefaultServiceTime seeds the service-time average used for wait
	// estimates.
	DefaultServiceTime time.Duration `yaml:"defaultServiceTime"`
}

func DefaultConfig() Config {
	return Config{
		GlobalCap: 50,
		Classes: map[Class]ClassConfig{
			ClassVoice: {Capacity: 20, QueueSize: 40},
			ClassText:  {Capacity: 50, QueueSize: 100},
		},
		DefaultClass:       ClassConfig{Capacity: 10, QueueSize: 20},
		TicketTimeout:      30 * time.Second,
		QueueTimeout:       3 * time.Second,
		DefaultServiceTime: 1500 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.GlobalCap <= 0 {
		return errors.New("admission: global cap must be positive")
	}
	if c.TicketTimeout <= 0 {
		return errors.New("admission: ticket timeout must be positive")
	}
	if c.QueueTimeout < 0 {
		return errors.New("admission: queue timeout must not be negative")
	}
	for name, cc := range c.Classes {
		if cc.Capacity <= 0 || cc.QueueSize < 0 {
			return fmt.Errorf("admission: class %q: capacity must be positive and queue size not negative", name)
		}
	}
	if c.DefaultClass.Capacity <= 0 || c.DefaultClass.QueueSize < 0 {
		return errors.New("admission: default class: capacity must be positive and queue size not negative")
	}
	return nil
}

type Decision int

const (
	Admitted Decision = iota
	Queued
	Rejected
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case Queued:
		return "queued"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ewmaWeight is the weight of the newest sample in the service-time
// average.
const ewmaWeight = 0.2

type Controller struct {
	cfg   Config
	clock clock.Clock
	sink  observe.Sink

	mu          sync.Mutex
	inFlight    int
	classes     map[Class]*classState
	order       []Class
	next        int
	serviceTime time.Duration
}

type classState struct {
	cfg      ClassConfig
	inFlight int
	queue    []*waiter
}

type waiter struct {
	class      Class
	enqueuedAt time.Time
	granted    chan *Ticket
}

// New returns a Controller. A nil clock uses real time and a nil sink
// drops events.
func New(cfg Config, c clock.Clock, sink observe.Sink) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c == nil {
		c = clock.Real()
	}
	if sink == nil {
		sink = observe.NopSink{}
	}
	ctrl := &Controller{
		cfg:         cfg,
		clock:       c,
		sink:        sink,
		classes:     make(map[Class]*classState),
		serviceTime: cfg.DefaultServiceTime,
	}
	if ctrl.serviceTime <= 0 {
		ctrl.serviceTime = time.Second
	}
	names := make([]Class, 0, len(cfg.Classes))
	for name := range cfg.Classes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	for _, name := range names {
		ctrl.addClassLocked(name, cfg.Classes[name])
	}
	return ctrl, nil
}

func (c *Controller) addClassLocked(name Class, cc ClassConfig) *classState {
	cs := &classState{cfg: cc}
	c.classes[name] = cs
	c.order = append(c.order, name)
	return cs
}

func (c *Controller) classLocked(name Class) *classState {
	if cs, ok := c.classes[name]; ok {
		return cs
	}
	return c.addClassLocked(name, c.cfg.DefaultClass)
}

// Result is the outcome of Admit.
type Result struct {
	Decision Decision
	// Ticket is set when Decision is Admitted.
	Ticket *Ticket
	// EstimatedWait is zero when admitted. For Queued it estimates the
	// time until a slot frees up; for Rejected it is a retry hint.
	EstimatedWait time.Duration

	c      *Controller
	waiter *waiter
}

// Admit asks for a slot in class. It never blocks.
func (c *Controller) Admit(class Class) Result {
	c.mu.Lock()
	now := c.clock.Now()
	cs := c.classLocked(class)

	var (
		res Result
		ev  observe.AdmissionEvent
	)
	switch {
	case len(cs.queue) == 0 && c.hasSlotLocked(cs):
		t := c.issueLocked(class, cs, now)
		res = Result{Decision: Admitted, Ticket: t}
		ev = c.eventLocked(class, "admitted", t.ID, 0, now)
	case len(cs.queue) < cs.cfg.QueueSize:
		w := &waiter{class: class, enqueuedAt: now, granted: make(chan *Ticket, 1)}
		cs.queue = append(cs.queue, w)
		wait := c.estimateLocked(cs, len(cs.queue))
		res = Result{Decision: Queued, EstimatedWait: wait, c: c, waiter: w}
		ev = c.eventLocked(class, "queued", "", wait, now)
	default:
		wait := c.estimateLocked(cs, len(cs.queue)+1)
		res = Result{Decision: Rejected, EstimatedWait: wait}
		ev = c.eventLocked(class, "rejected", "", wait, now)
	}
	c.mu.Unlock()

	c.sink.AdmissionDecision(ev)
	return res
}

// Wait returns the ticket for an admitted or queued result. A queued
// caller blocks until it is dispatched, its context ends, or the queue
// timeout passes; the last two remove it from the queue and return an
// error matching ErrRejected.
func (r Result) Wait(ctx context.Context) (*Ticket, error) {
	switch r.Decision {
	case Admitted:
		return r.Ticket, nil
	case Rejected:
		return nil, ErrRejected
	}

	var timeout <-chan time.Time
	if r.c.cfg.QueueTimeout > 0 {
		timeout = r.c.clock.After(r.c.cfg.QueueTimeout)
	}
	select {
	case t := <-r.waiter.granted:
		return t, nil
	case <-ctx.Done():
		if t := r.c.abandon(r.waiter); t != nil {
			return t, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrRejected, context.Cause(ctx))
	case <-timeout:
		if t := r.c.abandon(r.waiter); t != nil {
			return t, nil
		}
		return nil, fmt.Errorf("%w: queue timeout after %s", ErrRejected, r.c.cfg.QueueTimeout)
	}
}

// abandon removes w from its queue. If w was dispatched concurrently the
// granted ticket is returned instead.
func (c *Controller) abandon(w *waiter) *Ticket {
	c.mu.Lock()
	select {
	case t := <-w.granted:
		c.mu.Unlock()
		return t
	default:
	}
	cs := c.classes[w.class]
	for i, q := range cs.queue {
		if q == w {
			cs.queue = append(cs.queue[:i], cs.queue[i+1:]...)
			break
		}
	}
	ev := c.eventLocked(w.class, "abandoned", "", 0, c.clock.Now())
	c.mu.Unlock()

	c.sink.AdmissionDecision(ev)
	return nil
}

func (c *Controller) hasSlotLocked(cs *classState) bool {
	return c.inFlight < c.cfg.GlobalCap && cs.inFlight < cs.cfg.Capacity
}

func (c *Controller) issueLocked(class Class, cs *classState, now time.Time) *Ticket {
	c.inFlight++
	cs.inFlight++
	t := &Ticket{
		ID:       newTicketID(),
		Class:    class,
		IssuedAt: now,
		c:        c,
		done:     make(chan struct{}),
	}
	t.timer = c.clock.AfterFunc(c.cfg.TicketTimeout, t.reclaim)
	return t
}

// estimateLocked estimates the wait of the position-th queued request in
// cs: whole service rounds of the class's effective parallelism.
func (c *Controller) estimateLocked(cs *classState, position int) time.Duration {
	parallel := min(cs.cfg.Capacity, c.cfg.GlobalCap)
	rounds := (position + parallel - 1) / parallel
	return time.Duration(rounds) * c.serviceTime
}

func (c *Controller) eventLocked(class Class, decision, ticketID string, wait time.Duration, now time.Time) observe.AdmissionEvent {
	depth := 0
	if cs, ok := c.classes[class]; ok {
		depth = len(cs.queue)
	}
	return observe.AdmissionEvent{
		Class:         string(class),
		Decision:      decision,
		TicketID:      ticketID,
		InFlight:      c.inFlight,
		QueueDepth:    depth,
		EstimatedWait: wait,
		At:            now,
	}
}

func (c *Controller) release(t *Ticket, reclaimed bool) {
	c.mu.Lock()
	now := c.clock.Now()
	cs := c.classes[t.Class]
	c.inFlight--
	cs.inFlight--

	var events []observe.AdmissionEvent
	if reclaimed {
		events = append(events, c.eventLocked(t.Class, "reclaimed", t.ID, 0, now))
	} else {
		sample := now.Sub(t.IssuedAt)
		c.serviceTime = time.Duration(ewmaWeight*float64(sample) + (1-ewmaWeight)*float64(c.serviceTime))
	}
	events = append(events, c.dispatchLocked(now)...)
	c.mu.Unlock()

	for _, ev := range events {
		c.sink.AdmissionDecision(ev)
	}
}

// dispatchLocked hands free slots to queued waiters, visiting classes
// round-robin so one busy class cannot starve another.
func (c *Controller) dispatchLocked(now time.Time) []observe.AdmissionEvent {
	var events []observe.AdmissionEvent
	for c.inFlight < c.cfg.GlobalCap {
		granted := false
		for i := 0; i < len(c.order); i++ {
			idx := (c.next + i) % len(c.order)
			name := c.order[idx]
			cs := c.classes[name]
			if len(cs.queue) == 0 || cs.inFlight >= cs.cfg.Capacity {
				continue
			}
			w := cs.queue[0]
			cs.queue = cs.queue[1:]
			t := c.issueLocked(name, cs, now)
			w.granted <- t
			events = append(events, c.eventLocked(name, "dispatched", t.ID, now.Sub(w.enqueuedAt), now))
			c.next = (idx + 1) % len(c.order)
			granted = true
			break
		}
		if !granted {
			break
		}
	}
	return events
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	InFlight      int
	ClassInFlight map[Class]int
	QueueDepth    map[Class]int
	ServiceTime   time.Duration
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		InFlight:      c.inFlight,
		ClassInFlight: make(map[Class]int, len(c.classes)),
		QueueDepth:    make(map[Class]int, len(c.classes)),
		ServiceTime:   c.serviceTime,
	}
	for name, cs := range c.classes {
		s.ClassInFlight[name] = cs.inFlight
		s.QueueDepth[name] = len(cs.queue)
	}
	return s
}
