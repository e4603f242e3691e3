// Package config provides configuration file loading and parsing for the host.
// The configuration file lives at ~/.pairhost/config.toml by default, but can be
// overridden with the --config flag. Files ending in .yaml or .yml are parsed as
// YAML; everything else is TOML. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the host configuration file structure.
// Field names use Go camelCase internally but map to snake_case in the files
// via struct tags.
type Config struct {
	// Addr is the host:port for the HTTP/WebSocket server.
	// Default: 127.0.0.1:7080
	Addr string `toml:"addr" yaml:"addr"`

	// DataDir is the root for all host state.
	// Default: ~/.pairhost
	DataDir string `toml:"data_dir" yaml:"data_dir"`

	// CredentialDir is where each identity's credential store lives.
	// Default: <data_dir>/credentials
	CredentialDir string `toml:"credential_dir" yaml:"credential_dir"`

	// DBPath is the SQLite database for session records.
	// Default: <data_dir>/pairhost.db
	DBPath string `toml:"db_path" yaml:"db_path"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level" yaml:"log_level"`

	// LogFormat is "console" (human readable) or "json".
	// Default: console
	LogFormat string `toml:"log_format" yaml:"log_format"`

	// Transport selects the transport implementation: "ws" or "exec".
	// Default: ws
	Transport string `toml:"transport" yaml:"transport"`

	// BridgeURL is the WebSocket endpoint of the remote bridge ("ws" transport).
	BridgeURL string `toml:"bridge_url" yaml:"bridge_url"`

	// BridgeCommand is the helper executable run per session ("exec" transport).
	BridgeCommand string `toml:"bridge_command" yaml:"bridge_command"`

	// BridgeArgs are extra arguments for BridgeCommand.
	BridgeArgs []string `toml:"bridge_args" yaml:"bridge_args"`

	// StartWaitMs makes start block until the first observable event,
	// up to this many milliseconds. 0 returns immediately.
	StartWaitMs int `toml:"start_wait_ms" yaml:"start_wait_ms"`

	// ArtifactTTLMs is how long a rendered pairing artifact stays displayable.
	// Default: 60000
	ArtifactTTLMs int `toml:"artifact_ttl_ms" yaml:"artifact_ttl_ms"`

	// MaxRetries bounds reconnection attempts after a transient disconnect.
	// Default: 5. Negative disables reconnection.
	MaxRetries int `toml:"max_retries" yaml:"max_retries"`

	// RetryInitialMs is the first reconnection delay.
	// Default: 1000
	RetryInitialMs int `toml:"retry_initial_ms" yaml:"retry_initial_ms"`

	// RetryMaxMs caps the reconnection delay.
	// Default: 30000
	RetryMaxMs int `toml:"retry_max_ms" yaml:"retry_max_ms"`

	// RetryMultiplier grows the delay between attempts.
	// Default: 2.0
	RetryMultiplier float64 `toml:"retry_multiplier" yaml:"retry_multiplier"`

	// MaxSessions bounds the number of concurrent sessions.
	// Default: 100
	MaxSessions int `toml:"max_sessions" yaml:"max_sessions"`

	// ResumeSessions restarts sessions that were live at the last shutdown.
	// Default: false
	ResumeSessions bool `toml:"resume_sessions" yaml:"resume_sessions"`

	// APITokenHash is a bcrypt hash of the bearer token required by the
	// HTTP surface. Empty disables authentication.
	APITokenHash string `toml:"api_token_hash" yaml:"api_token_hash"`

	// TrustLoopback exempts requests from the local machine from the token.
	// Default: false
	TrustLoopback bool `toml:"trust_loopback" yaml:"trust_loopback"`

	// StartRatePerSec limits /start requests across all callers.
	// Default: 20
	StartRatePerSec int `toml:"start_rate_per_sec" yaml:"start_rate_per_sec"`

	// ControlSocket is the Unix socket serving the API to local users
	// without a token. "off" disables it.
	// Default: <data_dir>/pairhost.sock
	ControlSocket string `toml:"control_socket" yaml:"control_socket"`

	// TLSEnabled serves HTTPS with a self-signed certificate.
	// Default: false
	TLSEnabled bool `toml:"tls" yaml:"tls"`

	// TLSCertPath and TLSKeyPath locate the certificate, generated on first
	// start when missing.
	// Default: <data_dir>/certs/host.crt and host.key
	TLSCertPath string `toml:"tls_cert_path" yaml:"tls_cert_path"`
	TLSKeyPath  string `toml:"tls_key_path" yaml:"tls_key_path"`

	// MdnsEnabled enables mDNS/Bonjour service advertisement.
	// Default: false
	MdnsEnabled bool `toml:"mdns_enabled" yaml:"mdns_enabled"`

	// MdnsName is the advertised instance name. Defaults to the hostname.
	MdnsName string `toml:"mdns_name" yaml:"mdns_name"`
}

// DefaultDataDir returns ~/.pairhost.
// Returns an error only if the user's home directory cannot be determined.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".pairhost"), nil
}

// DefaultConfigPath returns the default config file location: ~/.pairhost/config.toml.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads a config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.pairhost/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
//
// Defaults are not applied; call ApplyDefaults after merging CLI flags.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	return cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() error {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	if c.CredentialDir == "" {
		c.CredentialDir = filepath.Join(c.DataDir, "credentials")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "pairhost.db")
	}
	if c.ControlSocket == "" {
		c.ControlSocket = filepath.Join(c.DataDir, "pairhost.sock")
	}
	if c.TLSCertPath == "" {
		c.TLSCertPath = filepath.Join(c.DataDir, "certs", "host.crt")
	}
	if c.TLSKeyPath == "" {
		c.TLSKeyPath = filepath.Join(c.DataDir, "certs", "host.key")
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.Transport == "" {
		c.Transport = DefaultTransport
	}
	if c.BridgeURL == "" {
		c.BridgeURL = DefaultBridgeURL
	}
	if c.ArtifactTTLMs == 0 {
		c.ArtifactTTLMs = int(DefaultArtifactTTL / time.Millisecond)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryInitialMs == 0 {
		c.RetryInitialMs = int(DefaultRetryInitial / time.Millisecond)
	}
	if c.RetryMaxMs == 0 {
		c.RetryMaxMs = int(DefaultRetryMax / time.Millisecond)
	}
	if c.RetryMultiplier == 0 {
		c.RetryMultiplier = DefaultRetryMultiplier
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.StartRatePerSec == 0 {
		c.StartRatePerSec = DefaultStartRatePerSec
	}
	return nil
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportWS:
		if c.BridgeURL == "" {
			return fmt.Errorf("bridge_url is required for the ws transport")
		}
	case TransportExec:
		if c.BridgeCommand == "" {
			return fmt.Errorf("bridge_command is required for the exec transport")
		}
	default:
		return fmt.Errorf("unknown transport %q (want %q or %q)", c.Transport, TransportWS, TransportExec)
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("retry_multiplier must be >= 1, got %v", c.RetryMultiplier)
	}
	if c.StartWaitMs < 0 {
		return fmt.Errorf("start_wait_ms must not be negative")
	}
	return nil
}

// StartWait returns StartWaitMs as a duration.
func (c *Config) StartWait() time.Duration {
	return time.Duration(c.StartWaitMs) * time.Millisecond
}

// ArtifactTTL returns ArtifactTTLMs as a duration.
func (c *Config) ArtifactTTL() time.Duration {
	return time.Duration(c.ArtifactTTLMs) * time.Millisecond
}

// RetryInitial returns RetryInitialMs as a duration.
func (c *Config) RetryInitial() time.Duration {
	return time.Duration(c.RetryInitialMs) * time.Millisecond
}

// RetryMax returns RetryMaxMs as a duration.
func (c *Config) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxMs) * time.Millisecond
}
