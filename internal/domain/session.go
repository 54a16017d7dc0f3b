package domain

import (
	"regexp"
	"time"
)

// Modality is the way a user talks to the system.
type Modality string

const (
	ModalityVoice Modality = "voice"
	ModalityText  Modality = "text"
)

// Valid reports whether m is a known modality.
func (m Modality) Valid() bool {
	return m == ModalityVoice || m == ModalityText
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// ValidSessionID reports whether id has the shape of a session identifier.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// DeviceInfo describes the client device that opened a session.
type DeviceInfo struct {
	DeviceType         string `json:"deviceType"`
	UserAgent          string `json:"userAgent,omitempty"`
	ScreenWidth        int    `json:"screenWidth,omitempty"`
	ScreenHeight       int    `json:"screenHeight,omitempty"`
	SupportsAudio      bool   `json:"supportsAudio"`
	SupportsMicrophone bool   `json:"supportsMicrophone"`
}

// AccessibilitySettings carries the per-session accessibility choices that
// influence how responses are produced (speech rate, simplification).
type AccessibilitySettings struct {
	AudioSpeed          float64 `json:"audioSpeed"`
	TextSize            float64 `json:"textSize"`
	HighContrast        bool    `json:"highContrast"`
	ScreenReader        bool    `json:"screenReader"`
	SimplifiedInterface bool    `json:"simplifiedInterface"`
}

// DefaultAccessibility returns neutral settings.
func DefaultAccessibility() AccessibilitySettings {
	return AccessibilitySettings{AudioSpeed: 1.0, TextSize: 1.0}
}

// Validate checks that multipliers are within the supported ranges.
func (a AccessibilitySettings) Validate() error {
	if a.AudioSpeed < 0.25 || a.AudioSpeed > 4.0 {
		return errInvalid("audio speed must be between 0.25 and 4.0")
	}
	if a.TextSize < 0.8 || a.TextSize > 3.0 {
		return errInvalid("text size must be between 0.8 and 3.0")
	}
	return nil
}

// Session is the durable record of one user's ongoing interaction.
//
// Version is the compare-and-swap token used by the store: it is bumped
// on every successful write and a write only succeeds when the stored
// version matches.
type Session struct {
	ID                string                `json:"id"`
	PreferredLanguage string                `json:"preferredLanguage"`
	InputModality     Modality              `json:"inputModality"`
	Device            DeviceInfo            `json:"deviceInfo"`
	Accessibility     AccessibilitySettings `json:"accessibility"`
	CreatedAt         time.Time             `json:"createdAt"`
	LastActivityAt    time.Time             `json:"lastActivityAt"`
	Context           ConversationContext   `json:"conversationContext"`
	Version           int64                 `json:"version"`
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	out := s
	out.Context = s.Context.Clone()
	return out
}

// MarkActivity moves LastActivityAt forward to at. Earlier times are
// ignored so the timestamp never goes backwards.
func (s *Session) MarkActivity(at time.Time) {
	if at.After(s.LastActivityAt) {
		s.LastActivityAt = at
	}
}

// IdleFor returns how long the session has been inactive at now.
func (s Session) IdleFor(now time.Time) time.Duration {
	idle := now.Sub(s.LastActivityAt)
	if idle < 0 {
		return 0
	}
	return idle
}
