// Package collab defines the contracts of the external services a turn
// depends on. Adapters live under internal/integrations.
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Dependency names used for breakers, logs and degradation reasons.
const (
	DepSpeechToText = "speech-to-text"
	DepTextToSpeech = "text-to-speech"
	DepTranslation  = "translation"
	DepDetection    = "language-detection"
	DepSimplify     = "simplification"
	DepSummarize    = "summarization"
	DepContent      = "content-source"
)

// ErrLowConfidence signals input the service could not understand well
// enough. The user should be asked to repeat; it is not a service fault.
var ErrLowConfidence = errors.New("collab: low confidence")

// ServiceError is a failed remote call.
type ServiceError struct {
	Dependency string
	// Transient marks faults worth retrying: 5xx, 429, timeouts and
	// network errors.
	Transient  bool
	StatusCode int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("collab: %s: status %d: %v", e.Dependency, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("collab: %s: %v", e.Dependency, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}

// TransientStatus reports whether an HTTP status code is a transient
// fault.
func TransientStatus(code int) bool {
	return code == 429 || code >= 500
}

type Transcript struct {
	Text             string
	Confidence       float64
	DetectedLanguage string
}

type SpeechToText interface {
	Transcribe(ctx context.Context, audio []byte, format, languageHint string) (Transcript, error)
}

// VoiceConfig tunes synthesized speech. Rate 1 is normal speed.
type VoiceConfig struct {
	Voice  string
	Rate   float64
	Format string
}

type TextToSpeech interface {
	Synthesize(ctx context.Context, text, language string, voice VoiceConfig) ([]byte, error)
}

type LanguageGuess struct {
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

type Detection struct {
	Language     string          `json:"language"`
	Confidence   float64         `json:"confidence"`
	Alternatives []LanguageGuess `json:"alternatives"`
}

type Translator interface {
	Detect(ctx context.Context, text string) (Detection, error)
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}

// AudienceLevel selects how far content is simplified.
type AudienceLevel string

const (
	AudienceGeneral AudienceLevel = "general"
	AudienceSimple  AudienceLevel = "simple"
)

type Simplified struct {
	Text            string   `json:"text"`
	PreservedPoints []string `json:"preservedPoints"`
}

type Simplifier interface {
	Simplify(ctx context.Context, text string, level AudienceLevel) (Simplified, error)
	Summarize(ctx context.Context, text string, maxLength int) (string, error)
}

type Content struct {
	Content        string    `json:"content"`
	SourceID       string    `json:"sourceId"`
	Recency        time.Time `json:"recency"`
	AuthorityScore float64   `json:"authorityScore"`
	Topic          string    `json:"topic"`
}

type ContentSource interface {
	Fetch(ctx context.Context, query string) (Content, error)
}
