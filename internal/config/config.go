// Package config loads daemon and CLI settings.
//
// Values are resolved in order: built-in defaults, the YAML config file,
// VAULTAGENT_* environment variables, then command line flags that were set
// explicitly. Durations are written as Go duration strings ("5m", "300s").
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/zach-source/vaultagent/internal/session"
	"github.com/zach-source/vaultagent/internal/util"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VAULTAGENT_"

const (
	BackendBW   = "bw"
	BackendFake = "fake"

	PromptWeb      = "web"
	PromptTerminal = "terminal"

	// AuditOff disables the audit log.
	AuditOff = "off"
)

// Config is the complete daemon configuration.
type Config struct {
	// Socket is the agent socket path. Empty uses SSH_AUTH_SOCK or
	// ~/.ssh/vaultagent.sock.
	Socket string `yaml:"socket"`

	// Backend selects the vault implementation: bw or fake.
	Backend string `yaml:"backend"`
	// VaultCommand overrides the vault CLI binary.
	VaultCommand string `yaml:"vault_command"`

	// IPCTimeout bounds the handling of a single request, prompts included.
	// Zero disables it.
	IPCTimeout time.Duration `yaml:"ipc_timeout"`
	// SessionTimeout locks the vault after this long without use.
	SessionTimeout time.Duration `yaml:"session_timeout"`
	AuthRetries    int           `yaml:"auth_retries"`
	PromptTimeout  time.Duration `yaml:"prompt_timeout"`
	ItemCacheTTL   time.Duration `yaml:"item_cache_ttl"`
	CheckInterval  time.Duration `yaml:"check_interval"`

	// KeyCachePath persists public keys between runs. Empty disables it.
	KeyCachePath string `yaml:"key_cache_path"`
	// KeyCacheTTL expires the persisted keys. Zero never expires.
	KeyCacheTTL time.Duration `yaml:"key_cache_ttl"`

	// Prompt selects the prompter: web or terminal.
	Prompt         string `yaml:"prompt"`
	BrowserCommand string `yaml:"browser_command"`

	LogFile string `yaml:"log_file"`
	Verbose bool   `yaml:"verbose"`
	Silent  bool   `yaml:"silent"`

	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr string `yaml:"metrics_addr"`
	// AuditLog is the audit directory. Empty uses the data directory,
	// "off" disables auditing.
	AuditLog   string `yaml:"audit_log"`
	PolicyPath string `yaml:"policy_path"`

	Watchdog         bool          `yaml:"watchdog"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend:          BackendBW,
		IPCTimeout:       300 * time.Second,
		SessionTimeout:   session.DefaultTimeout,
		AuthRetries:      session.DefaultRetries,
		PromptTimeout:    session.DefaultPromptTimeout,
		ItemCacheTTL:     5 * time.Minute,
		CheckInterval:    session.DefaultCheckInterval,
		Prompt:           PromptWeb,
		Watchdog:         true,
		WatchdogInterval: 15 * time.Second,
		ShutdownGrace:    30 * time.Second,
	}
}

// Load reads path on top of the defaults and applies environment overrides.
// An empty path uses the default config file, which may be absent.
func Load(path string) (Config, error) {
	cfg, err := load(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := util.ConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	for _, f := range c.fields() {
		v, ok := os.LookupEnv(f.env())
		if !ok {
			continue
		}
		if err := f.set(v); err != nil {
			return fmt.Errorf("%s: %w", f.env(), err)
		}
	}
	return nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendBW, BackendFake:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	switch c.Prompt {
	case PromptWeb, PromptTerminal:
	default:
		return fmt.Errorf("unknown prompt %q", c.Prompt)
	}
	if c.IPCTimeout < 0 {
		return errors.New("ipc timeout cannot be negative")
	}
	if c.ItemCacheTTL <= 0 {
		return errors.New("item cache ttl must be positive")
	}
	if c.AuthRetries < 1 {
		return errors.New("auth retries must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"session timeout": c.SessionTimeout,
		"prompt timeout":  c.PromptTimeout,
		"key cache ttl":   c.KeyCacheTTL,
		"shutdown grace":  c.ShutdownGrace,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	if c.Watchdog && c.WatchdogInterval <= 0 {
		return errors.New("watchdog interval must be positive")
	}
	return nil
}

// SessionConfig returns the session manager settings.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		Timeout:       c.SessionTimeout,
		Retries:       c.AuthRetries,
		PromptTimeout: c.PromptTimeout,
		CheckInterval: c.CheckInterval,
	}
}

// AuditDir resolves the audit log directory. It returns "" when auditing is
// off.
func (c Config) AuditDir() (string, error) {
	switch c.AuditLog {
	case AuditOff:
		return "", nil
	case "":
		dir, err := util.DataDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, "audit"), nil
	default:
		return c.AuditLog, nil
	}
}

// field binds one setting to its YAML key, flag and environment variable.
type field struct {
	key   string
	usage string
	ptr   any
}

func (f field) flag() string { return strings.ReplaceAll(f.key, "_", "-") }

func (f field) env() string { return EnvPrefix + strings.ToUpper(f.key) }

func (f field) set(v string) error {
	switch p := f.ptr.(type) {
	case *string:
		*p = v
	case *bool:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p = b
	case *int:
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
	case *time.Duration:
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p = d
	default:
		return fmt.Errorf("unsupported field type %T", f.ptr)
	}
	return nil
}

func (c *Config) fields() []field {
	return []field{
		{"socket", "agent socket path", &c.Socket},
		{"backend", "vault backend (bw, fake)", &c.Backend},
		{"vault_command", "vault CLI binary", &c.VaultCommand},
		{"ipc_timeout", "timeout for a single request (0 disables)", &c.IPCTimeout},
		{"session_timeout", "lock the vault after this long unused (0 disables)", &c.SessionTimeout},
		{"auth_retries", "password attempts per request", &c.AuthRetries},
		{"prompt_timeout", "timeout for a single prompt", &c.PromptTimeout},
		{"item_cache_ttl", "how long listed vault items are reused", &c.ItemCacheTTL},
		{"check_interval", "session expiry check interval", &c.CheckInterval},
		{"key_cache_path", "persist public keys to this file (empty disables)", &c.KeyCachePath},
		{"key_cache_ttl", "expire persisted public keys (0 never expires)", &c.KeyCacheTTL},
		{"prompt", "prompt implementation (web, terminal)", &c.Prompt},
		{"browser_command", "command used to open web prompts", &c.BrowserCommand},
		{"log_file", "also write JSON logs to this file", &c.LogFile},
		{"verbose", "log debug messages", &c.Verbose},
		{"silent", "do not log to the console", &c.Silent},
		{"metrics_addr", "serve Prometheus metrics on this address", &c.MetricsAddr},
		{"audit_log", "audit log directory (\"off\" disables)", &c.AuditLog},
		{"policy_path", "access policy file", &c.PolicyPath},
		{"watchdog", "supervise the daemon from a parent process", &c.Watchdog},
		{"watchdog_interval", "watchdog ping interval", &c.WatchdogInterval},
		{"shutdown_grace", "how long shutdown waits for in-flight requests", &c.ShutdownGrace},
	}
}

// Flags holds command line overrides bound to a flag set.
type Flags struct {
	fs     *pflag.FlagSet
	path   string
	values Config
}

// BindFlags registers --config and one flag per setting on fs.
func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs, values: Default()}
	fs.StringVar(&f.path, "config", "", "config file (default $XDG_CONFIG_HOME/vaultagent/config.yaml)")
	for _, fl := range f.values.fields() {
		switch p := fl.ptr.(type) {
		case *string:
			fs.StringVar(p, fl.flag(), *p, fl.usage)
		case *bool:
			fs.BoolVar(p, fl.flag(), *p, fl.usage)
		case *int:
			fs.IntVar(p, fl.flag(), *p, fl.usage)
		case *time.Duration:
			fs.DurationVar(p, fl.flag(), *p, fl.usage)
		}
	}
	return f
}

// Load resolves the configuration, applying only the flags that were set.
func (f *Flags) Load() (Config, error) {
	cfg, err := load(f.path)
	if err != nil {
		return Config{}, err
	}

	dst := cfg.fields()
	for i, fl := range f.values.fields() {
		if !f.fs.Changed(fl.flag()) {
			continue
		}
		switch p := fl.ptr.(type) {
		case *string:
			*dst[i].ptr.(*string) = *p
		case *bool:
			*dst[i].ptr.(*bool) = *p
		case *int:
			*dst[i].ptr.(*int) = *p
		case *time.Duration:
			*dst[i].ptr.(*time.Duration) = *p
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
