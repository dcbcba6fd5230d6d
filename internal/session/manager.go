package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/zach-source/vaultagent/internal/prompt"
	"github.com/zach-source/vaultagent/internal/secret"
)

const passwordMessage = "Please enter your master password"

var (
	// ErrDenied is returned when the user rejects the confirmation prompt.
	ErrDenied = errors.New("session request denied")
	// ErrNoPassword is returned when the password prompt yields nothing.
	ErrNoPassword = errors.New("no master password provided")
	// ErrUnlockFailed is returned after every unlock attempt failed.
	ErrUnlockFailed = errors.New("unable to unlock vault")
)

// Vault is the part of the vault client the manager drives.
type Vault interface {
	Unlock(ctx context.Context, password string) (string, error)
	Lock(ctx context.Context, token string) error
	Sync(ctx context.Context, token string) error
}

// LockCallback runs after a session was locked or expired
type LockCallback func()

// UnlockCallback observes the outcome of each unlock attempt
type UnlockCallback func(success bool)

// Manager owns the single vault session of the process
type Manager struct {
	mu       sync.Mutex
	config   Config
	vault    Vault
	prompter prompt.Prompter
	clock    clock.WithTicker
	logger   *slog.Logger

	token      *secret.String
	state      SessionState
	unlockedAt time.Time
	expiresAt  time.Time

	lockCallback   LockCallback
	unlockCallback UnlockCallback

	unlocks singleflight.Group
}

// Option configures a Manager
type Option func(*Manager)

func WithClock(c clock.WithTicker) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a session manager. Zero retries and check interval are
// filled in; negative durations are an error.
func NewManager(config Config, v Vault, p prompt.Prompter, opts ...Option) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		config:   config,
		vault:    v,
		prompter: p,
		clock:    clock.RealClock{},
		logger:   slog.Default(),
		state:    SessionUnknown,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	return m, nil
}

// SetCallbacks sets the lock and unlock callback functions
func (m *Manager) SetCallbacks(lockFn LockCallback, unlockFn UnlockCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockCallback = lockFn
	m.unlockCallback = unlockFn
}

// GetSession returns a live session token, prompting as needed. A non-empty
// reason is shown as a confirmation first; a refusal ends the request
// without retrying. Password and unlock failures are retried up to the
// configured count.
func (m *Manager) GetSession(ctx context.Context, reason string) (string, error) {
	if reason != "" && !prompt.Confirm(ctx, m.prompter, reason, m.config.PromptTimeout) {
		m.logger.Info("session request denied", "reason", reason)
		return "", ErrDenied
	}

	var lastErr error
	for attempt := 1; attempt <= m.config.Retries; attempt++ {
		token, err := m.session(ctx)
		if err == nil {
			return token, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		m.logger.Warn("unlock attempt failed", "attempt", attempt, "retries", m.config.Retries, "error", err)
	}
	return "", fmt.Errorf("%w: %w", ErrUnlockFailed, lastErr)
}

// session returns the live token or runs one unlock. Concurrent callers
// share the same unlock.
func (m *Manager) session(ctx context.Context) (string, error) {
	if token, ok := m.current(ctx); ok {
		return token, nil
	}

	v, err, shared := m.unlocks.Do("unlock", func() (any, error) {
		if token, ok := m.current(ctx); ok {
			return token, nil
		}
		return m.unlock(ctx)
	})
	if shared {
		m.logger.Debug("joined in-flight unlock")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// current returns the held token and pushes its expiry, locking it first if
// it already expired.
func (m *Manager) current(ctx context.Context) (string, bool) {
	now := m.clock.Now()

	m.mu.Lock()
	if m.state.RequiresUnlock() {
		m.mu.Unlock()
		return "", false
	}
	if m.expiredLocked(now) {
		tok := m.takeLocked(SessionExpired)
		m.mu.Unlock()
		m.logger.Info("session expired")
		m.retire(ctx, tok)
		return "", false
	}
	if m.config.Timeout > 0 {
		m.expiresAt = now.Add(m.config.Timeout)
	}
	token := m.token.Reveal()
	m.mu.Unlock()
	return token, true
}

func (m *Manager) unlock(ctx context.Context) (string, error) {
	password, err := m.prompter.Ask(ctx, passwordMessage, prompt.KindPassword, m.config.PromptTimeout)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoPassword, err)
	}
	if password == "" {
		return "", ErrNoPassword
	}

	token, err := m.vault.Unlock(ctx, password)
	if err != nil {
		m.notifyUnlock(false)
		return "", err
	}

	now := m.clock.Now()
	m.mu.Lock()
	m.token = secret.New(token)
	m.state = SessionUnlocked
	m.unlockedAt = now
	m.expiresAt = time.Time{}
	if m.config.Timeout > 0 {
		m.expiresAt = now.Add(m.config.Timeout)
	}
	m.mu.Unlock()

	m.logger.Info("vault unlocked", "timeout", m.config.Timeout)
	m.notifyUnlock(true)

	if err := m.vault.Sync(ctx, token); err != nil {
		m.logger.Warn("vault sync failed", "error", err)
	}
	return token, nil
}

// Lock ends the current session, if any.
func (m *Manager) Lock(ctx context.Context) {
	m.mu.Lock()
	tok := m.takeLocked(SessionLocked)
	m.mu.Unlock()
	if tok != nil {
		m.logger.Info("session locked")
	}
	m.retire(ctx, tok)
}

// Run sweeps for expired sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	var tok *secret.String
	if m.token != nil && m.expiredLocked(m.clock.Now()) {
		tok = m.takeLocked(SessionExpired)
	}
	m.mu.Unlock()

	if tok != nil {
		m.logger.Info("session expired, locking")
		m.retire(ctx, tok)
	}
}

// Info returns current session information
func (m *Manager) Info() SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	return SessionInfo{
		State:      m.state,
		UnlockedAt: m.unlockedAt,
		ExpiresAt:  m.expiresAt,
		Timeout:    m.config.Timeout,
	}
}

// Active reports whether a non-expired session is held, without touching it.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsActive() && !m.expiredLocked(m.clock.Now())
}

func (m *Manager) expiredLocked(now time.Time) bool {
	return m.config.Timeout > 0 && !now.Before(m.expiresAt)
}

// takeLocked detaches the token and records the new state. Callers hold mu.
func (m *Manager) takeLocked(state SessionState) *secret.String {
	tok := m.token
	if tok == nil {
		return nil
	}
	m.token = nil
	m.state = state
	m.expiresAt = time.Time{}
	return tok
}

// retire locks the vault side of a detached token, zeroes it and notifies
// the lock callback.
func (m *Manager) retire(ctx context.Context, tok *secret.String) {
	if tok == nil {
		return
	}
	if err := m.vault.Lock(ctx, tok.Reveal()); err != nil {
		m.logger.Warn("vault lock failed", "error", err)
	}
	tok.Zero()

	m.mu.Lock()
	cb := m.lockCallback
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (m *Manager) notifyUnlock(success bool) {
	m.mu.Lock()
	cb := m.unlockCallback
	m.mu.Unlock()
	if cb != nil {
		cb(success)
	}
}
