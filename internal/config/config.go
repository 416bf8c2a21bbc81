// Package config provides YAML configuration loading and validation for
// the EphemeralRooms relay and endpoint binaries.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayConfig is the complete configuration for cmd/roomrelay.
type RelayConfig struct {
	Addr      string    `yaml:"addr"`
	TLS       TLSConfig `yaml:"tls"`
	PlainText bool      `yaml:"plaintext"` // allow unencrypted WebSocket, for local dev only

	MaxRooms                int           `yaml:"max_rooms"`
	MaxParticipantsPerRoom  int           `yaml:"max_participants_per_room"`
	HeartbeatTimeout        time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatCheckInterval  time.Duration `yaml:"heartbeat_check_interval"`

	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// TLSConfig defines a certificate/key pair, either as file paths or
// inline PEM content. Inline PEM takes precedence when both are set.
type TLSConfig struct {
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
	CertPEM string `yaml:"cert_pem"`
	KeyPEM  string `yaml:"key_pem"`

	InsecureSkipVerify bool `yaml:"insecure_skip_verify"` // dev only
}

// GetCertPEM returns the certificate PEM content, reading from file if
// inline PEM was not supplied.
func (t *TLSConfig) GetCertPEM() ([]byte, error) {
	if t.CertPEM != "" {
		return []byte(t.CertPEM), nil
	}
	if t.Cert != "" {
		return os.ReadFile(t.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns the private key PEM content, reading from file if
// inline PEM was not supplied.
func (t *TLSConfig) GetKeyPEM() ([]byte, error) {
	if t.KeyPEM != "" {
		return []byte(t.KeyPEM), nil
	}
	if t.Key != "" {
		return os.ReadFile(t.Key)
	}
	return nil, nil
}

// HasCert reports whether a certificate is configured.
func (t *TLSConfig) HasCert() bool { return t.Cert != "" || t.CertPEM != "" }

// HasKey reports whether a private key is configured.
func (t *TLSConfig) HasKey() bool { return t.Key != "" || t.KeyPEM != "" }

// DefaultRelayConfig returns sensible relay defaults (spec.md §4.9).
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		Addr:                   ":8843",
		MaxRooms:               10_000,
		MaxParticipantsPerRoom: 50,
		HeartbeatTimeout:       6 * time.Second,
		HeartbeatCheckInterval: 3 * time.Second,
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

// LoadRelayConfig reads and parses a relay configuration file.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read relay config: %w", err)
	}
	return ParseRelayConfig(data)
}

// ParseRelayConfig parses relay configuration from YAML bytes, expanding
// `${VAR}`/`$VAR` environment references before unmarshaling.
func ParseRelayConfig(data []byte) (*RelayConfig, error) {
	cfg := DefaultRelayConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse relay config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("relay config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the relay configuration for errors.
func (c *RelayConfig) Validate() error {
	var problems []string

	if c.Addr == "" {
		problems = append(problems, "addr is required")
	}
	if !c.PlainText && !c.TLS.HasCert() {
		problems = append(problems, "tls.cert (or tls.cert_pem) is required unless plaintext is set")
	}
	if c.TLS.HasCert() != c.TLS.HasKey() {
		problems = append(problems, "tls.cert and tls.key must both be specified or both be empty")
	}
	if c.MaxRooms < 1 {
		problems = append(problems, "max_rooms must be positive")
	}
	if c.MaxParticipantsPerRoom < 1 {
		problems = append(problems, "max_participants_per_room must be positive")
	}
	if c.HeartbeatCheckInterval <= 0 {
		problems = append(problems, "heartbeat_check_interval must be positive")
	}
	if c.HeartbeatTimeout <= c.HeartbeatCheckInterval {
		problems = append(problems, "heartbeat_timeout must be greater than heartbeat_check_interval")
	}
	if !isValidLogLevel(c.LogLevel) {
		problems = append(problems, fmt.Sprintf("invalid log_level: %s", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		problems = append(problems, fmt.Sprintf("invalid log_format: %s", c.LogFormat))
	}

	if len(problems) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// Redacted returns a copy of the relay config with key material redacted,
// safe to log or display.
func (c *RelayConfig) Redacted() *RelayConfig {
	redacted := *c
	if redacted.TLS.Key != "" {
		redacted.TLS.Key = redactedValue
	}
	if redacted.TLS.KeyPEM != "" {
		redacted.TLS.KeyPEM = redactedValue
	}
	return &redacted
}

// String returns a redacted YAML representation, safe to log.
func (c *RelayConfig) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// EndpointConfig is the complete configuration for cmd/roomendpoint.
type EndpointConfig struct {
	RelayAddr          string `yaml:"relay_addr"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // dev only, trust any relay cert

	DisplayName  string `yaml:"display_name"`
	DataDir      string `yaml:"data_dir"`
	HighSecurity bool   `yaml:"high_security"` // spec.md §4.10: wider padding, wider heartbeat jitter

	// RekeyMessageThreshold and RekeyInterval parameterize the host's
	// rekey trigger (spec.md §4.6): rekey fires once either the message
	// count or the wall-clock interval is exceeded.
	RekeyMessageThreshold uint32        `yaml:"rekey_message_threshold"`
	RekeyInterval         time.Duration `yaml:"rekey_interval"`

	// BufferExpiry is loaded from YAML but not read by any other code:
	// the session always applies its own default and high-security
	// message buffer windows, whatever this field holds.
	BufferExpiry time.Duration `yaml:"buffer_expiry"`

	// OverlayDialTarget names the anonymizing overlay's circuit endpoint
	// (spec.md §6). It is loaded from YAML but not read by any other code;
	// the endpoint always dials RelayAddr directly.
	OverlayDialTarget string `yaml:"overlay_dial_target"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DefaultEndpointConfig returns sensible endpoint defaults.
func DefaultEndpointConfig() *EndpointConfig {
	return &EndpointConfig{
		RelayAddr:             "wss://localhost:8843",
		DataDir:               "./data",
		RekeyMessageThreshold: 20,
		RekeyInterval:         60 * time.Second,
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// LoadEndpointConfig reads and parses an endpoint configuration file.
func LoadEndpointConfig(path string) (*EndpointConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read endpoint config: %w", err)
	}
	return ParseEndpointConfig(data)
}

// ParseEndpointConfig parses endpoint configuration from YAML bytes.
func ParseEndpointConfig(data []byte) (*EndpointConfig, error) {
	cfg := DefaultEndpointConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse endpoint config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("endpoint config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the endpoint configuration for errors.
func (c *EndpointConfig) Validate() error {
	var problems []string

	if c.RelayAddr == "" {
		problems = append(problems, "relay_addr is required")
	}
	if c.DataDir == "" {
		problems = append(problems, "data_dir is required")
	}
	if c.RekeyInterval < 0 {
		problems = append(problems, "rekey_interval must not be negative")
	}
	if c.BufferExpiry < 0 {
		problems = append(problems, "buffer_expiry must not be negative")
	}
	if !isValidLogLevel(c.LogLevel) {
		problems = append(problems, fmt.Sprintf("invalid log_level: %s", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		problems = append(problems, fmt.Sprintf("invalid log_format: %s", c.LogFormat))
	}

	if len(problems) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

const redactedValue = "[REDACTED]"

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their
// values, supporting ${VAR:-default} fallback syntax.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}
