package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"k8s.io/utils/clock"

	"github.com/zach-source/vaultagent/internal/util"
)

// KeyEntry is one public key in authorized_keys form with its comment.
type KeyEntry struct {
	Key     string `json:"key"`
	Comment string `json:"comment"`
}

// expiry marshals as unix milliseconds, or false when the file never expires.
type expiry struct {
	at  time.Time
	set bool
}

func (e expiry) MarshalJSON() ([]byte, error) {
	if !e.set {
		return []byte("false"), nil
	}
	return []byte(strconv.FormatInt(e.at.UnixMilli(), 10)), nil
}

func (e *expiry) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "false", "null":
		*e = expiry{}
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid ttl %s", data)
	}
	*e = expiry{at: time.UnixMilli(ms), set: true}
	return nil
}

type keyFile struct {
	TTL  expiry     `json:"ttl"`
	Keys []KeyEntry `json:"keys"`
}

// Snapshot is the decoded key cache file.
type Snapshot struct {
	Keys      []KeyEntry
	ExpiresAt time.Time
	Expires   bool
}

// Keys persists the public keys so identities can be listed without
// unlocking the vault. It never holds private material.
type Keys struct {
	path   string
	ttl    time.Duration
	clock  clock.PassiveClock
	logger *slog.Logger
}

// NewKeys returns a key cache stored at path. An empty path disables it; a
// zero ttl means entries never expire.
func NewKeys(path string, ttl time.Duration, opts ...Option) *Keys {
	o := buildOptions("key-cache", opts)
	return &Keys{path: path, ttl: ttl, clock: o.clock, logger: o.logger}
}

func (k *Keys) Enabled() bool { return k.path != "" }

func (k *Keys) Path() string { return k.path }

// Get returns the cached keys, or false on any kind of miss.
func (k *Keys) Get() ([]KeyEntry, bool) {
	if !k.Enabled() {
		return nil, false
	}
	snap, err := k.Load()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			k.logger.Warn("ignoring unreadable key cache", "path", k.path, "error", err)
		}
		return nil, false
	}
	if snap.Expires && !k.clock.Now().Before(snap.ExpiresAt) {
		k.logger.Debug("key cache expired", "expired_at", snap.ExpiresAt)
		return nil, false
	}
	return snap.Keys, true
}

// Load reads the file without applying the TTL.
func (k *Keys) Load() (Snapshot, error) {
	data, err := os.ReadFile(k.path)
	if err != nil {
		return Snapshot{}, err
	}
	var f keyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Snapshot{}, fmt.Errorf("decode %s: %w", k.path, err)
	}
	return Snapshot{Keys: f.Keys, ExpiresAt: f.TTL.at, Expires: f.TTL.set}, nil
}

// Set replaces the file contents atomically.
func (k *Keys) Set(entries []KeyEntry) error {
	if !k.Enabled() {
		return nil
	}
	if entries == nil {
		entries = []KeyEntry{}
	}
	f := keyFile{Keys: entries}
	if k.ttl > 0 {
		f.TTL = expiry{at: k.clock.Now().Add(k.ttl), set: true}
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := util.WriteFileAtomic(k.path, data, 0o600); err != nil {
		return err
	}
	k.logger.Debug("key cache written", "keys", len(entries))
	return nil
}

// Clear removes the file. A missing file is not an error.
func (k *Keys) Clear() error {
	if !k.Enabled() {
		return nil
	}
	if err := os.Remove(k.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
