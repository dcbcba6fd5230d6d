package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Fake is an in-memory vault. Tokens are derived from the password and an
// unlock counter so every unlock yields a distinct session.
type Fake struct {
	mu       sync.Mutex
	password string
	items    []Item
	sessions map[string]bool

	unlocks, locks, syncs, lists int
}

// NewFake returns a vault that accepts password. An empty password accepts
// any non-empty input.
func NewFake(password string, items ...Item) *Fake {
	return &Fake{
		password: password,
		items:    items,
		sessions: make(map[string]bool),
	}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Unlock(ctx context.Context, password string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.unlocks++
	if password == "" || (f.password != "" && password != f.password) {
		return "", fmt.Errorf("%w: invalid master password", ErrCommandFailed)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", password, f.unlocks)))
	token := "fake_" + hex.EncodeToString(sum[:8])
	f.sessions[token] = true
	return token, nil
}

func (f *Fake) Lock(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks++
	delete(f.sessions, token)
	return nil
}

func (f *Fake) Sync(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	if !f.sessions[token] {
		return ErrInvalidSession
	}
	return nil
}

func (f *Fake) ListKeyItems(ctx context.Context, token string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if !f.sessions[token] {
		return nil, ErrInvalidSession
	}
	return FilterKeyItems(slices.Clone(f.items)), nil
}

func (f *Fake) Run(ctx context.Context, token string, args ...string) (string, error) {
	switch strings.Join(args, " ") {
	case "lock":
		return "", f.Lock(ctx, token)
	case "sync":
		return "", f.Sync(ctx, token)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[token] {
		return "", ErrInvalidSession
	}
	return strings.Join(args, " "), nil
}

// SetItems replaces the vault contents.
func (f *Fake) SetItems(items ...Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = items
}

// Active reports whether token is a live session.
func (f *Fake) Active(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[token]
}

// Calls returns how often each operation ran.
func (f *Fake) Calls() (unlocks, locks, syncs, lists int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unlocks, f.locks, f.syncs, f.lists
}
