package handler

import (
	"time"

	"lokvaani/internal/breaker"
	"lokvaani/internal/domain"
	"lokvaani/internal/usecase"
)

type createSessionRequest struct {
	Device domain.DeviceInfo `json:"deviceInfo"`
}

type preferencesRequest struct {
	Language *string          `json:"language"`
	Modality *domain.Modality `json:"modality"`
}

// turnRequest carries audio as base64 in JSON.
type turnRequest struct {
	SessionID       string            `json:"sessionId"`
	CreateIfMissing bool              `json:"createIfMissing"`
	Device          domain.DeviceInfo `json:"deviceInfo"`
	Text            string            `json:"text"`
	Audio           []byte            `json:"audio"`
	AudioFormat     string            `json:"audioFormat"`
	Language        *string           `json:"language"`
	Modality        *domain.Modality  `json:"modality"`
	WantAudio       *bool             `json:"wantAudio"`
	MaxLength       int               `json:"maxLength"`
}

type sessionResponse struct {
	SessionID         string                       `json:"sessionId"`
	PreferredLanguage string                       `json:"preferredLanguage"`
	InputModality     domain.Modality              `json:"inputModality"`
	Accessibility     domain.AccessibilitySettings `json:"accessibility"`
	CreatedAt         time.Time                    `json:"createdAt"`
	LastActivityAt    time.Time                    `json:"lastActivityAt"`
}

func toSessionResponse(s domain.Session) sessionResponse {
	return sessionResponse{
		SessionID:         s.ID,
		PreferredLanguage: s.PreferredLanguage,
		InputModality:     s.InputModality,
		Accessibility:     s.Accessibility,
		CreatedAt:         s.CreatedAt,
		LastActivityAt:    s.LastActivityAt,
	}
}

type contextResponse struct {
	SessionID    string        `json:"sessionId"`
	CurrentTopic string        `json:"currentTopic,omitempty"`
	Turns        []domain.Turn `json:"turns"`
}

func toContextResponse(id string, cc domain.ConversationContext) contextResponse {
	turns := cc.Turns
	if turns == nil {
		turns = []domain.Turn{}
	}
	return contextResponse{SessionID: id, CurrentTopic: cc.CurrentTopic, Turns: turns}
}

type sourceResponse struct {
	ID             string    `json:"id,omitempty"`
	Topic          string    `json:"topic,omitempty"`
	AuthorityScore float64   `json:"authorityScore"`
	Recency        time.Time `json:"recency,omitzero"`
}

type admissionResponse struct {
	Decision        string `json:"decision"`
	EstimatedWaitMs int64  `json:"estimatedWaitMs"`
	QueuedForMs     int64  `json:"queuedForMs"`
}

type turnResponse struct {
	Status              usecase.Status        `json:"status"`
	Degraded            []usecase.Degradation `json:"degraded,omitempty"`
	SessionID           string                `json:"sessionId"`
	SessionCreated      bool                  `json:"sessionCreated"`
	SessionExpiringSoon bool                  `json:"sessionExpiringSoon"`
	ExpiresInSeconds    int                   `json:"expiresInSeconds,omitempty"`
	TurnID              string                `json:"turnId"`
	Query               string                `json:"query"`
	DetectedLanguage    string                `json:"detectedLanguage"`
	ResponseText        string                `json:"responseText"`
	ResponseLanguage    string                `json:"responseLanguage"`
	KeyPoints           []string              `json:"keyPoints,omitempty"`
	Audio               []byte                `json:"audio,omitempty"`
	AudioFormat         string                `json:"audioFormat,omitempty"`
	Source              sourceResponse        `json:"source"`
	Admission           admissionResponse     `json:"admission"`
}

func toTurnResponse(r usecase.TurnResult) turnResponse {
	out := turnResponse{
		Status:              r.Status,
		Degraded:            r.Degraded,
		SessionID:           r.SessionID,
		SessionCreated:      r.SessionCreated,
		SessionExpiringSoon: r.SessionExpiringSoon,
		TurnID:              r.Turn.ID,
		Query:               r.Turn.Query,
		DetectedLanguage:    r.Turn.DetectedLanguage,
		ResponseText:        r.ResponseText,
		ResponseLanguage:    r.ResponseLanguage,
		KeyPoints:           r.KeyPoints,
		Audio:               r.Audio,
		AudioFormat:         r.AudioFormat,
		Source: sourceResponse{
			ID:             r.Source.ID,
			Topic:          r.Source.Topic,
			AuthorityScore: r.Source.AuthorityScore,
			Recency:        r.Source.Recency,
		},
		Admission: admissionResponse{
			Decision:        r.Admission.Decision,
			EstimatedWaitMs: r.Admission.EstimatedWait.Milliseconds(),
			QueuedForMs:     r.Admission.QueuedFor.Milliseconds(),
		},
	}
	if r.SessionExpiringSoon {
		out.ExpiresInSeconds = int(r.ExpiresIn.Seconds())
	}
	return out
}

type healthResponse struct {
	Status       string           `json:"status"`
	Dependencies []breaker.Health `json:"dependencies"`
}
