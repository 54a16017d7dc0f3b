package usecase

import (
	"context"

	"lokvaani/internal/breaker"
	"lokvaani/internal/domain"
	"lokvaani/internal/session"
)

func (s *TurnService) CreateSession(ctx context.Context, device domain.DeviceInfo) (domain.Session, error) {
	sess, err := s.sessions.CreateSession(ctx, device)
	if err != nil {
		return domain.Session{}, mapSessionErr(err)
	}
	return sess, nil
}

func (s *TurnService) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.Session{}, mapSessionErr(err)
	}
	return sess, nil
}

func (s *TurnService) GetContext(ctx context.Context, sessionID string) (domain.ConversationContext, error) {
	cc, err := s.sessions.GetContext(ctx, sessionID)
	if err != nil {
		return domain.ConversationContext{}, mapSessionErr(err)
	}
	return cc, nil
}

// SetPreference changes language and/or modality. The change applies from
// the next turn.
func (s *TurnService) SetPreference(ctx context.Context, sessionID string, language *string, modality *domain.Modality) (domain.Session, error) {
	if language == nil && modality == nil {
		return domain.Session{}, newError(ErrorInvalidInput, "empty_preference_update", nil)
	}
	sess, err := s.sessions.SetPreference(ctx, sessionID, session.PreferenceUpdate{Language: language, Modality: modality})
	if err != nil {
		return domain.Session{}, mapSessionErr(err)
	}
	return sess, nil
}

func (s *TurnService) SetAccessibility(ctx context.Context, sessionID string, a domain.AccessibilitySettings) (domain.Session, error) {
	sess, err := s.sessions.SetAccessibility(ctx, sessionID, a)
	if err != nil {
		return domain.Session{}, mapSessionErr(err)
	}
	return sess, nil
}

// KeepAlive records client activity without a turn, clearing any pending
// expiry warning.
func (s *TurnService) KeepAlive(ctx context.Context, sessionID string) (domain.Session, error) {
	sess, err := s.sessions.KeepAlive(ctx, sessionID)
	if err != nil {
		return domain.Session{}, mapSessionErr(err)
	}
	return sess, nil
}

func (s *TurnService) ResetContext(ctx context.Context, sessionID string) error {
	return mapSessionErr(s.sessions.ResetContext(ctx, sessionID))
}

func (s *TurnService) EndSession(ctx context.Context, sessionID string) error {
	return mapSessionErr(s.sessions.EndSession(ctx, sessionID))
}

// Health returns the state of every dependency called so far.
func (s *TurnService) Health() []breaker.Health {
	return s.guard.Breakers().Snapshot()
}
