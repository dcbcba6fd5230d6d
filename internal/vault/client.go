package vault

import (
	"context"
	"errors"
	"time"
)

// ErrCommandFailed wraps any non-zero exit of the vault command line tool.
var ErrCommandFailed = errors.New("vault command failed")

// ErrInvalidSession is returned when an operation is attempted with a token
// the vault does not recognise.
var ErrInvalidSession = errors.New("invalid vault session")

// Client is the subset of the password-manager CLI the agent needs.
type Client interface {
	Name() string
	// Unlock exchanges the master password for a session token.
	Unlock(ctx context.Context, password string) (string, error)
	Lock(ctx context.Context, token string) error
	Sync(ctx context.Context, token string) error
	// ListKeyItems returns non-deleted items marked as SSH keys.
	ListKeyItems(ctx context.Context, token string) ([]Item, error)
	// Run executes an arbitrary subcommand with the session attached and
	// returns its standard output.
	Run(ctx context.Context, token string, args ...string) (string, error)
}

func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, d)
}
