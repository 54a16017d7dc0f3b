package session

import (
	"context"
	"fmt"
	"sync"

	"lokvaani/internal/domain"
)

// Handle is a held session lock. It caches the record and applies every
// mutation as a version-checked write. A Handle is not safe for
// concurrent use; Unlock must be called when done.
type Handle struct {
	m       *Manager
	ctx     context.Context
	session domain.Session
	unlock  func()
	once    sync.Once
}

// Session returns a copy of the current record.
func (h *Handle) Session() domain.Session { return h.session.Clone() }

// Context returns a copy of the conversation context.
func (h *Handle) Context() domain.ConversationContext { return h.session.Context.Clone() }

// AppendTurn adds t to the context, evicting the oldest turns beyond the
// cap, and records activity. It returns the number of evicted turns.
func (h *Handle) AppendTurn(ctx context.Context, t domain.Turn) (int, error) {
	now := h.m.clock.Now()
	if t.ID == "" {
		t.ID = newUUID()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = now
	}
	evicted := 0
	err := h.mutate(ctx, func(s *domain.Session) {
		evicted = s.Context.Append(t, h.m.cfg.ContextCap)
		s.MarkActivity(now)
	})
	if err != nil {
		return 0, err
	}
	return evicted, nil
}

// SetPreference validates and applies u. Language codes are normalised.
func (h *Handle) SetPreference(ctx context.Context, u PreferenceUpdate) error {
	var lang string
	if u.Language != nil {
		norm, ok := domain.NormalizeLanguage(*u.Language)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, *u.Language)
		}
		lang = norm
	}
	if u.Modality != nil && !u.Modality.Valid() {
		return fmt.Errorf("session: modality %q: %w", *u.Modality, domain.ErrInvalid)
	}
	if u.Language == nil && u.Modality == nil {
		return nil
	}
	return h.mutate(ctx, func(s *domain.Session) {
		if u.Language != nil {
			s.PreferredLanguage = lang
		}
		if u.Modality != nil {
			s.InputModality = *u.Modality
		}
	})
}

func (h *Handle) SetAccessibility(ctx context.Context, a domain.AccessibilitySettings) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return h.mutate(ctx, func(s *domain.Session) { s.Accessibility = a })
}

func (h *Handle) ResetContext(ctx context.Context) error {
	return h.mutate(ctx, func(s *domain.Session) { s.Context.Reset() })
}

// Touch extends the session TTL.
func (h *Handle) Touch(ctx context.Context) error {
	return h.m.Touch(ctx, h.session.ID)
}

// Unlock releases the lease and the in-process lock. Only the first call
// has an effect.
func (h *Handle) Unlock() {
	h.once.Do(func() {
		h.m.releaseLease(h.ctx, h.session.ID)
		h.unlock()
	})
}

// mutate refreshes the lease, applies fn to a copy of the record and
// writes it back if the stored version is unchanged. Every write restarts
// the TTL, so it also counts as activity.
func (h *Handle) mutate(ctx context.Context, fn func(*domain.Session)) error {
	if err := h.m.store.AcquireLease(ctx, h.session.ID, h.m.owner, h.m.cfg.LeaseTTL); err != nil {
		return mapStoreErr("refresh lease", err)
	}
	next := h.session.Clone()
	fn(&next)
	next.MarkActivity(h.m.clock.Now())
	saved, err := h.m.store.Set(ctx, next, h.m.cfg.TTL)
	if err != nil {
		return mapStoreErr("write", err)
	}
	h.session = saved
	return nil
}
