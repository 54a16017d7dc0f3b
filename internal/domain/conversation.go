package domain

import "time"

// Turn is a single completed request/response exchange. Turns are
// immutable once appended to a context; they are only ever evicted.
type Turn struct {
	ID               string        `json:"id"`
	Query            string        `json:"query"`
	Response         string        `json:"response"`
	Timestamp        time.Time     `json:"timestamp"`
	DetectedLanguage string        `json:"detectedLanguage"`
	Topic            string        `json:"topic,omitempty"`
	InputModality    Modality      `json:"inputModality"`
	ProcessingTime   time.Duration `json:"processingTime"`
}

// ConversationContext is the bounded, ordered turn history of a session.
type ConversationContext struct {
	Turns        []Turn `json:"turns"`
	CurrentTopic string `json:"currentTopic,omitempty"`
}

// Append adds t as the newest turn and evicts the oldest turns so that at
// most limit remain. It returns the number of evicted turns. A limit of
// zero or less disables eviction.
func (c *ConversationContext) Append(t Turn, limit int) int {
	c.Turns = append(c.Turns, t)
	if t.Topic != "" {
		c.CurrentTopic = t.Topic
	}
	if limit <= 0 || len(c.Turns) <= limit {
		return 0
	}
	evicted := len(c.Turns) - limit
	kept := make([]Turn, limit)
	copy(kept, c.Turns[evicted:])
	c.Turns = kept
	return evicted
}

// Recent returns up to n of the newest turns, oldest first.
func (c ConversationContext) Recent(n int) []Turn {
	if n <= 0 || len(c.Turns) == 0 {
		return nil
	}
	if n > len(c.Turns) {
		n = len(c.Turns)
	}
	out := make([]Turn, n)
	copy(out, c.Turns[len(c.Turns)-n:])
	return out
}

// Reset clears the history and the current topic.
func (c *ConversationContext) Reset() {
	c.Turns = nil
	c.CurrentTopic = ""
}

// Clone returns a copy that shares no backing array with c.
func (c ConversationContext) Clone() ConversationContext {
	out := ConversationContext{CurrentTopic: c.CurrentTopic}
	if len(c.Turns) > 0 {
		out.Turns = make([]Turn, len(c.Turns))
		copy(out.Turns, c.Turns)
	}
	return out
}
