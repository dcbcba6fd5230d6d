package session

import "time"

// SessionState represents the state of the vault session
type SessionState int

const (
	// SessionUnknown means no unlock has been attempted yet
	SessionUnknown SessionState = iota
	// SessionUnlocked means a session token is held
	SessionUnlocked
	// SessionLocked means the session was locked explicitly
	SessionLocked
	// SessionExpired means the session timed out and was locked
	SessionExpired
)

// String returns a human-readable string representation of the session state
func (s SessionState) String() string {
	switch s {
	case SessionUnknown:
		return "unknown"
	case SessionUnlocked:
		return "unlocked"
	case SessionLocked:
		return "locked"
	case SessionExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// IsActive returns true if a session token is held
func (s SessionState) IsActive() bool {
	return s == SessionUnlocked
}

// RequiresUnlock returns true if the next request will prompt for the password
func (s SessionState) RequiresUnlock() bool {
	return s != SessionUnlocked
}

// SessionInfo is a point-in-time snapshot of the manager
type SessionInfo struct {
	State      SessionState  `json:"state"`
	UnlockedAt time.Time     `json:"unlocked_at,omitempty"`
	ExpiresAt  time.Time     `json:"expires_at,omitempty"`
	Timeout    time.Duration `json:"timeout"`
}

// TimeUntilLock returns how long the session stays valid without further use.
// Returns 0 if no session is held or the session never expires.
func (si SessionInfo) TimeUntilLock(now time.Time) time.Duration {
	if si.State != SessionUnlocked || si.Timeout <= 0 {
		return 0
	}
	remaining := si.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
