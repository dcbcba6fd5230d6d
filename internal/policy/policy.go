package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zach-source/vaultagent/internal/util"
)

// Actions checked by the agent. Sign actions carry the key name:
// "sign:work".
const (
	ActionRequestSession = "exchange:REQUEST_SESSION"
	ActionCacheClear     = "exchange:REQUEST_CACHE_CLEAR"
	ActionSignPrefix     = "sign:"
)

func SignAction(keyName string) string {
	return ActionSignPrefix + keyName
}

type Rule struct {
	Path       string   `json:"path,omitempty"`        // absolute binary path
	PathSHA256 string   `json:"path_sha256,omitempty"` // sha256 of the path string
	PID        int      `json:"pid,omitempty"`         // optional exact PID match
	Actions    []string `json:"actions"`               // allowed actions; supports "*" and prefix wildcards
}

type Policy struct {
	Allow       []Rule `json:"allow"`
	DefaultDeny bool   `json:"default_deny"`
}

func defaultPolicy() Policy {
	return Policy{
		Allow:       []Rule{},
		DefaultDeny: false,
	}
}

// Load reads the policy at path, or policy.json in the config directory when
// path is empty. A missing file yields the allow-all default.
func Load(path string) (Policy, string, error) {
	if path == "" {
		configDir, err := util.ConfigDir()
		if err != nil {
			return Policy{}, "", err
		}
		path = filepath.Join(configDir, "policy.json")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultPolicy(), path, nil
		}
		return Policy{}, path, err
	}
	var pol Policy
	if err := json.Unmarshal(b, &pol); err != nil {
		return Policy{}, path, fmt.Errorf("parse %s: %w", path, err)
	}
	return pol, path, nil
}

// Enforcing reports whether the policy can deny anything.
func (p Policy) Enforcing() bool {
	return len(p.Allow) > 0 || p.DefaultDeny
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func matchAction(allowed []string, action string) bool {
	for _, a := range allowed {
		if a == "*" {
			return true
		}
		if strings.HasSuffix(a, "*") {
			if strings.HasPrefix(action, strings.TrimSuffix(a, "*")) {
				return true
			}
		} else if action == a {
			return true
		}
	}
	return false
}

type Subject struct {
	PID  int
	Path string
}

// Allowed answers whether the Subject may perform action under Policy.
func Allowed(pol Policy, subj Subject, action string) bool {
	if !pol.Enforcing() {
		return true
	}
	for _, r := range pol.Allow {
		if r.PID != 0 && r.PID != subj.PID {
			continue
		}
		if r.Path != "" && !samePath(r.Path, subj.Path) {
			continue
		}
		if r.PathSHA256 != "" && r.PathSHA256 != sha256Hex(subj.Path) {
			continue
		}
		if matchAction(r.Actions, action) {
			return true
		}
	}
	return !pol.DefaultDeny
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return filepath.Clean(a) == filepath.Clean(b)
}

// Save writes pol to path atomically.
func Save(path string, pol Policy) error {
	data, err := json.MarshalIndent(pol, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return util.WriteFileAtomic(path, append(data, '\n'), 0o600)
}
