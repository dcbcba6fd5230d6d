package session

import (
	"errors"
	"time"
)

const (
	// DefaultTimeout is how long an unused session stays unlocked
	DefaultTimeout = 15 * time.Minute
	// DefaultRetries bounds password attempts per request
	DefaultRetries       = 3
	DefaultPromptTimeout = 5 * time.Minute
	DefaultCheckInterval = time.Second
)

// Config holds session management configuration
type Config struct {
	// Timeout locks the session after this long without use. Zero disables expiry.
	Timeout time.Duration
	// Retries is the number of unlock attempts per request
	Retries int
	// PromptTimeout bounds each confirmation and password prompt
	PromptTimeout time.Duration
	// CheckInterval is how often the background sweep looks for expiry
	CheckInterval time.Duration
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout:       DefaultTimeout,
		Retries:       DefaultRetries,
		PromptTimeout: DefaultPromptTimeout,
		CheckInterval: DefaultCheckInterval,
	}
}

// Validate rejects negative durations and fills zero values that have no
// meaning of their own.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return errors.New("session timeout cannot be negative")
	}
	if c.PromptTimeout < 0 {
		return errors.New("prompt timeout cannot be negative")
	}
	if c.Retries <= 0 {
		c.Retries = 1
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.Timeout > 0 && c.CheckInterval > c.Timeout {
		c.CheckInterval = c.Timeout
	}
	return nil
}
