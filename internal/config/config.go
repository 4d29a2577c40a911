// Package config provides configuration management for the SMTP server.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// FileConfig is the top-level wrapper for the configuration file. The
// [server] block holds settings shared across mail services sharing a
// config file; [smtpd] holds settings specific to this server and takes
// precedence.
type FileConfig struct {
	Server ServerConfig `toml:"server"`
	Smtpd  Config       `toml:"smtpd"`
}

// ServerConfig holds shared settings used by all mail services sharing
// one configuration file.
type ServerConfig struct {
	Hostname string `toml:"hostname"`
}

// Config holds the SMTP server configuration.
type Config struct {
	Hostname   string           `toml:"hostname"`
	LogLevel   string           `toml:"log_level"`
	LogTarget  string           `toml:"log_target"`
	LogFile    string           `toml:"log_file"`
	Listeners  []ListenerConfig `toml:"listeners"`
	TLS        TLSConfig        `toml:"tls"`
	Timeouts   TimeoutsConfig   `toml:"timeouts"`
	ThreadPool ThreadPoolConfig `toml:"thread_pool"`
	Limits     LimitsConfig     `toml:"limits"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// ListenerConfig defines settings for a single SMTP listener. Unlike the
// POP3 stack this is generalized from, SMTP has exactly one operational
// mode per spec.md: plaintext with opportunistic STARTTLS. There is no
// implicit-TLS listener mode to select.
type ListenerConfig struct {
	Address string `toml:"address"`
}

// TLSConfig holds TLS certificate and version settings for STARTTLS.
// Per spec.md §9's Design Note, the certificate identity is runtime
// configuration, not compiled in.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// TimeoutsConfig defines timeout durations. Command is the per-read
// timeout spec.md's SmartStream applies to read_until. Connection is
// loaded and validated, and ConnectionTimeout parses it, but no server
// or session code applies it to a connection.
type TimeoutsConfig struct {
	Connection string `toml:"connection"`
	Command    string `toml:"command"`
}

// ThreadPoolConfig sizes the cooperative runtime's worker pool
// (spec.md §4.1/§6, default 10).
type ThreadPoolConfig struct {
	PoolSize int `toml:"pool_size"`
}

// LimitsConfig defines resource limits for the server.
type LimitsConfig struct {
	MaxConnections int `toml:"max_connections"`
}

// MetricsConfig holds configuration for the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// Default returns a Config with the defaults spec.md §6 names literally:
// 127.0.0.1:2525, pool size 10, command timeout 60s, log level info, max
// connections 1000.
func Default() Config {
	return Config{
		Hostname:  "localhost",
		LogLevel:  "info",
		LogTarget: "console",
		Listeners: []ListenerConfig{
			{Address: "127.0.0.1:2525"},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Timeouts: TimeoutsConfig{
			Connection: "10m",
			Command:    "60s",
		},
		ThreadPool: ThreadPoolConfig{
			PoolSize: 10,
		},
		Limits: LimitsConfig{
			MaxConnections: 1000,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9102",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
	}

	if c.ThreadPool.PoolSize <= 0 {
		return errors.New("thread_pool.pool_size must be positive")
	}

	if c.Limits.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}

	if c.Timeouts.Connection != "" {
		if _, err := time.ParseDuration(c.Timeouts.Connection); err != nil {
			return fmt.Errorf("invalid connection timeout: %w", err)
		}
	}

	if c.Timeouts.Command != "" {
		if _, err := time.ParseDuration(c.Timeouts.Command); err != nil {
			return fmt.Errorf("invalid command timeout: %w", err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
// Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// ConnectionTimeout returns the connection timeout as a time.Duration.
// Returns 10 minutes if not configured or invalid.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	if c.Connection == "" {
		return 10 * time.Minute
	}
	d, err := time.ParseDuration(c.Connection)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// CommandTimeout returns the per-read command timeout as a
// time.Duration. Returns 60 seconds if not configured or invalid,
// matching spec.md §6's default.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	if c.Command == "" {
		return 60 * time.Second
	}
	d, err := time.ParseDuration(c.Command)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}
