package observe

import (
	"context"
	"log/slog"
	"time"
)

// AdmissionEvent describes one admission decision.
type AdmissionEvent struct {
	Class         string
	Decision      string
	TicketID      string
	InFlight      int
	QueueDepth    int
	EstimatedWait time.Duration
	At            time.Time
}

// TransitionEvent describes a circuit-breaker state change.
type TransitionEvent struct {
	Dependency string
	From       string
	To         string
	Failures   int
	At         time.Time
}

// TurnEvent describes the outcome of one turn.
type TurnEvent struct {
	SessionID        string
	TurnID           string
	Outcome          string
	ErrorCode        string
	Degraded         []string
	Latency          time.Duration
	QueryFingerprint string
	At               time.Time
}

// Sink consumes core events. Implementations must be safe for concurrent
// use and must not block.
type Sink interface {
	AdmissionDecision(AdmissionEvent)
	BreakerTransition(TransitionEvent)
	TurnCompleted(TurnEvent)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) AdmissionDecision(AdmissionEvent)   {}
func (NopSink) BreakerTransition(TransitionEvent) {}
func (NopSink) TurnCompleted(TurnEvent)           {}

// LogSink writes events as structured log records.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a Sink backed by logger. A nil logger discards.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = Discard()
	}
	return &LogSink{logger: logger.With("component", "observe")}
}

// AdmissionDecision logs rejections at warn level and everything else at debug.
func (s *LogSink) AdmissionDecision(e AdmissionEvent) {
	level := slog.LevelDebug
	if e.Decision == "rejected" {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "admission decision",
		"class", e.Class,
		"decision", e.Decision,
		"ticket_id", e.TicketID,
		"in_flight", e.InFlight,
		"queue_depth", e.QueueDepth,
		"estimated_wait", e.EstimatedWait,
		"at", e.At,
	)
}

// BreakerTransition logs every state change at warn level.
func (s *LogSink) BreakerTransition(e TransitionEvent) {
	s.logger.Warn("circuit breaker transition",
		"dependency", e.Dependency,
		"from", e.From,
		"to", e.To,
		"failures", e.Failures,
		"at", e.At,
	)
}

// TurnCompleted logs failures at error level and other outcomes at info.
func (s *LogSink) TurnCompleted(e TurnEvent) {
	level := slog.LevelInfo
	if e.Outcome == "failed" {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "turn completed",
		"session_id", e.SessionID,
		"turn_id", e.TurnID,
		"outcome", e.Outcome,
		"error_code", e.ErrorCode,
		"degraded", e.Degraded,
		"latency", e.Latency,
		"query_fp", e.QueryFingerprint,
		"at", e.At,
	)
}
