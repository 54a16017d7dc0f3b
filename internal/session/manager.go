// Package session is the Session Manager: lifecycle, conversation context
// and preferences of user sessions, with per-session mutual exclusion
// that holds across instances.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"lokvaani/internal/clock"
	"lokvaani/internal/domain"
	"lokvaani/internal/observe"
	"lokvaani/internal/repository"
)

var (
	ErrNotFound = errors.New("session: not found")
	// ErrBusy is returned when the session lock could not be taken within
	// the configured wait.
	ErrBusy = errors.New("session: busy")
	// ErrConflict is returned when the record changed under a lock holder,
	// which means its lease lapsed.
	ErrConflict = errors.New("session: concurrent modification")
	// ErrUnsupportedLanguage wraps language codes outside the supported
	// set.
	ErrUnsupportedLanguage = errors.New("session: unsupported language")
)

var newUUID = func() string { return uuid.NewString() }

type Config struct {
	// TTL is the sliding inactivity timeout.
	TTL time.Duration `yaml:"ttl"`
	// ContextCap is the number of turns kept per session.
	ContextCap int `yaml:"contextCap"`
	// LeaseTTL bounds how long a crashed holder can block a session.
	LeaseTTL time.Duration `yaml:"leaseTTL"`
	// LeaseWait is how long Lock waits before failing with ErrBusy.
	LeaseWait time.Duration `yaml:"leaseWait"`
	// LeaseRetry is the pause between lease attempts.
	LeaseRetry      time.Duration   `yaml:"leaseRetry"`
	DefaultLanguage string          `yaml:"defaultLanguage"`
	DefaultModality domain.Modality `yaml:"defaultModality"`
}

func DefaultConfig() Config {
	return Config{
		TTL:             15 * time.Minute,
		ContextCap:      20,
		LeaseTTL:        30 * time.Second,
		LeaseWait:       5 * time.Second,
		LeaseRetry:      50 * time.Millisecond,
		DefaultLanguage: domain.DefaultLanguage,
		DefaultModality: domain.ModalityVoice,
	}
}

func (c Config) Validate() error {
	if c.TTL <= 0 {
		return errors.New("session: ttl must be positive")
	}
	if c.ContextCap <= 0 {
		return errors.New("session: context cap must be positive")
	}
	if c.LeaseTTL <= 0 || c.LeaseWait <= 0 || c.LeaseRetry <= 0 {
		return errors.New("session: lease durations must be positive")
	}
	if _, ok := domain.NormalizeLanguage(c.DefaultLanguage); !ok {
		return fmt.Errorf("session: default language %q is not supported", c.DefaultLanguage)
	}
	if !c.DefaultModality.Valid() {
		return fmt.Errorf("session: default modality %q is not valid", c.DefaultModality)
	}
	return nil
}

// Manager owns every session record. All mutations go through a Handle
// obtained from Lock.
type Manager struct {
	store  repository.StoreLocker
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	owner  string
	locks  *keyedLock
}

// NewManager validates cfg and returns a Manager. A nil clock uses real
// time; a nil logger discards output.
func NewManager(store repository.StoreLocker, cfg Config, c clock.Clock, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session: store must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = observe.Discard()
	}
	cfg.DefaultLanguage, _ = domain.NormalizeLanguage(cfg.DefaultLanguage)
	return &Manager{
		store:  store,
		cfg:    cfg,
		clock:  c,
		logger: logger.With("component", "session"),
		owner:  newUUID(),
		locks:  newKeyedLock(),
	}, nil
}

// Config returns the manager's effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// CreateSession stores a new session with default preferences and an
// empty context. Devices that report no microphone start in text mode.
func (m *Manager) CreateSession(ctx context.Context, device domain.DeviceInfo) (domain.Session, error) {
	now := m.clock.Now()
	s := domain.Session{
		ID:                newUUID(),
		PreferredLanguage: m.cfg.DefaultLanguage,
		InputModality:     m.cfg.DefaultModality,
		Device:            device,
		Accessibility:     domain.DefaultAccessibility(),
		CreatedAt:         now,
		LastActivityAt:    now,
	}
	if device != (domain.DeviceInfo{}) && !device.SupportsMicrophone {
		s.InputModality = domain.ModalityText
	}

	saved, err := m.store.Set(ctx, s, m.cfg.TTL)
	if err != nil {
		return domain.Session{}, fmt.Errorf("session: CreateSession: %w", err)
	}
	m.logger.Info("session created", "sessionId", saved.ID, "modality", saved.InputModality, "deviceType", device.DeviceType)
	return saved, nil
}

// Get returns the stored session without taking the lock.
func (m *Manager) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	if !domain.ValidSessionID(sessionID) {
		return domain.Session{}, ErrNotFound
	}
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return domain.Session{}, mapStoreErr("Get", err)
	}
	return s, nil
}

// GetContext returns the conversation context of a live session.
func (m *Manager) GetContext(ctx context.Context, sessionID string) (domain.ConversationContext, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return domain.ConversationContext{}, err
	}
	return s.Context, nil
}

func (m *Manager) AppendTurn(ctx context.Context, sessionID string, t domain.Turn) error {
	return m.withLock(ctx, sessionID, func(h *Handle) error {
		_, err := h.AppendTurn(ctx, t)
		return err
	})
}

// PreferenceUpdate names the preferences to change; nil fields are left
// alone.
type PreferenceUpdate struct {
	Language *string
	Modality *domain.Modality
}

func (m *Manager) SetPreference(ctx context.Context, sessionID string, u PreferenceUpdate) (domain.Session, error) {
	var out domain.Session
	err := m.withLock(ctx, sessionID, func(h *Handle) error {
		if err := h.SetPreference(ctx, u); err != nil {
			return err
		}
		out = h.Session()
		return nil
	})
	return out, err
}

func (m *Manager) SetAccessibility(ctx context.Context, sessionID string, a domain.AccessibilitySettings) (domain.Session, error) {
	var out domain.Session
	err := m.withLock(ctx, sessionID, func(h *Handle) error {
		if err := h.SetAccessibility(ctx, a); err != nil {
			return err
		}
		out = h.Session()
		return nil
	})
	return out, err
}

// Touch extends the session TTL without changing the record. Repeated
// calls never shorten the TTL.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	if !domain.ValidSessionID(sessionID) {
		return ErrNotFound
	}
	if err := m.store.Touch(ctx, sessionID, m.cfg.TTL); err != nil {
		return mapStoreErr("Touch", err)
	}
	return nil
}

// KeepAlive records client activity: lastActivityAt moves to now and the
// TTL restarts. The conversation context is not changed.
func (m *Manager) KeepAlive(ctx context.Context, sessionID string) (domain.Session, error) {
	var out domain.Session
	err := m.withLock(ctx, sessionID, func(h *Handle) error {
		if err := h.mutate(ctx, func(s *domain.Session) { s.MarkActivity(m.clock.Now()) }); err != nil {
			return err
		}
		out = h.Session()
		return nil
	})
	return out, err
}

// ResetContext clears turns and the current topic and keeps preferences.
func (m *Manager) ResetContext(ctx context.Context, sessionID string) error {
	return m.withLock(ctx, sessionID, func(h *Handle) error {
		return h.ResetContext(ctx)
	})
}

// EndSession deletes the session.
func (m *Manager) EndSession(ctx context.Context, sessionID string) error {
	return m.withLock(ctx, sessionID, func(h *Handle) error {
		if err := m.store.Delete(ctx, sessionID); err != nil {
			return fmt.Errorf("session: EndSession: %w", err)
		}
		m.logger.Info("session ended", "sessionId", sessionID)
		return nil
	})
}

func (m *Manager) withLock(ctx context.Context, sessionID string, fn func(*Handle) error) error {
	h, err := m.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer h.Unlock()
	return fn(h)
}

// Lock takes the session's mutation lock: first the in-process keyed
// lock, then the store lease. It fails with ErrBusy when both are not
// obtained within LeaseWait, and with ErrNotFound when the session does
// not exist.
func (m *Manager) Lock(ctx context.Context, sessionID string) (*Handle, error) {
	if !domain.ValidSessionID(sessionID) {
		return nil, ErrNotFound
	}
	deadline := m.clock.Now().Add(m.cfg.LeaseWait)
	unlock, err := m.locks.acquire(ctx, sessionID, m.clock.After(m.cfg.LeaseWait))
	if err != nil {
		if !errors.Is(err, ErrBusy) {
			return nil, fmt.Errorf("session: Lock: %w", err)
		}
		return nil, err
	}

	if err := m.acquireLease(ctx, sessionID, deadline); err != nil {
		unlock()
		return nil, err
	}

	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		m.releaseLease(ctx, sessionID)
		unlock()
		return nil, mapStoreErr("Lock", err)
	}
	return &Handle{m: m, ctx: ctx, session: s, unlock: unlock}, nil
}

func (m *Manager) acquireLease(ctx context.Context, sessionID string, deadline time.Time) error {
	for {
		err := m.store.AcquireLease(ctx, sessionID, m.owner, m.cfg.LeaseTTL)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrLeaseHeld) {
			return fmt.Errorf("session: Lock: %w", err)
		}
		if !m.clock.Now().Before(deadline) {
			m.logger.Warn("session lease wait exceeded", "sessionId", sessionID)
			return ErrBusy
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("session: Lock: %w", context.Cause(ctx))
		case <-m.clock.After(m.cfg.LeaseRetry):
		}
	}
}

func (m *Manager) releaseLease(ctx context.Context, sessionID string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := m.store.ReleaseLease(rctx, sessionID, m.owner); err != nil {
		m.logger.Warn("session lease release failed", "sessionId", sessionID, "err", err)
	}
}

func mapStoreErr(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrVersionConflict), errors.Is(err, repository.ErrLeaseHeld):
		return fmt.Errorf("session: %s: %w", op, ErrConflict)
	default:
		return fmt.Errorf("session: %s: %w", op, err)
	}
}
