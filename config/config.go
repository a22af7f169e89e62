// Package config provides configuration loading and management for rmachat.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/rmachat/transport"
)

// Storage drivers.
const (
	DriverBadger = "badger"
	DriverKV     = "kv"
	DriverMemory = "memory"
)

// Config represents the complete rmachat configuration
type Config struct {
	Identity IdentityConfig `yaml:"identity"`
	Broker   BrokerConfig   `yaml:"broker"`
	API      APIConfig      `yaml:"api"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// IdentityConfig is the local session
type IdentityConfig struct {
	// Username is the local identity (usually the login e-mail)
	Username string `yaml:"username"`
	// Token is the session bearer token, sent to the REST backend and the broker
	Token string `yaml:"token,omitempty"`
}

// BrokerConfig configures the NATS connection and subject layout
type BrokerConfig struct {
	URL             string        `yaml:"url"`
	InboxPrefix     string        `yaml:"inbox_prefix"`
	PresenceSubject string        `yaml:"presence_subject"`
	SendSubject     string        `yaml:"send_subject"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
	PublishTimeout  time.Duration `yaml:"publish_timeout"`
	// Embedded starts an in-process broker listening on URL's host and port
	Embedded bool `yaml:"embedded"`
}

// APIConfig configures the REST backend
type APIConfig struct {
	// URL is the backend base URL (default: http://localhost:8080)
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig selects where conversation state is kept
type StorageConfig struct {
	// Driver is one of badger, kv or memory
	Driver string `yaml:"driver"`
	// Path is the Badger directory (default: ~/.local/share/rmachat)
	Path string `yaml:"path"`
	// Bucket is the JetStream KV bucket used by the kv driver
	Bucket string `yaml:"bucket"`
}

// LogConfig configures logging
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	tc := transport.DefaultConfig()
	return &Config{
		Broker: BrokerConfig{
			URL:             tc.URL,
			InboxPrefix:     tc.InboxPrefix,
			PresenceSubject: tc.PresenceSubject,
			SendSubject:     tc.SendSubject,
			ReconnectWait:   tc.ReconnectWait,
			PublishTimeout:  tc.PublishTimeout,
		},
		API: APIConfig{
			URL:     "http://localhost:8080",
			Timeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Driver: DriverBadger,
			Path:   "", // Resolved by the loader
			Bucket: "RMACHAT_STATE",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if strings.ContainsAny(c.Identity.Username, " \t\r\n") {
		return fmt.Errorf("identity.username must not contain whitespace")
	}
	if err := c.Transport().Validate(); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if c.Broker.Embedded {
		if _, _, err := c.EmbeddedListen(); err != nil {
			return err
		}
	}
	if c.API.URL == "" {
		return fmt.Errorf("api.url is required")
	}
	if u, err := url.Parse(c.API.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api.url %q is not an absolute URL", c.API.URL)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	switch c.Storage.Driver {
	case DriverBadger, DriverMemory:
	case DriverKV:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the kv driver")
		}
	default:
		return fmt.Errorf("storage.driver must be one of %s, %s, %s", DriverBadger, DriverKV, DriverMemory)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}

// Transport returns the transport configuration.
func (c *Config) Transport() transport.Config {
	return transport.Config{
		URL:             c.Broker.URL,
		Token:           c.Identity.Token,
		InboxPrefix:     c.Broker.InboxPrefix,
		PresenceSubject: c.Broker.PresenceSubject,
		SendSubject:     c.Broker.SendSubject,
		ReconnectWait:   c.Broker.ReconnectWait,
		PublishTimeout:  c.Broker.PublishTimeout,
	}
}

// EmbeddedListen returns the host and port an embedded broker listens on.
func (c *Config) EmbeddedListen() (string, int, error) {
	u, err := url.Parse(c.Broker.URL)
	if err != nil {
		return "", 0, fmt.Errorf("broker.url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	port := 4222
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("broker.url port %q: %w", p, err)
		}
		port = n
	}
	return host, port, nil
}

// LoadFromFile loads configuration from a YAML file. Fields the file does not
// set are left zero so the result can be merged over another layer.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may hold a session token.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Identity
	if other.Identity.Username != "" {
		c.Identity.Username = other.Identity.Username
	}
	if other.Identity.Token != "" {
		c.Identity.Token = other.Identity.Token
	}

	// Broker
	if other.Broker.URL != "" {
		c.Broker.URL = other.Broker.URL
	}
	if other.Broker.InboxPrefix != "" {
		c.Broker.InboxPrefix = other.Broker.InboxPrefix
	}
	if other.Broker.PresenceSubject != "" {
		c.Broker.PresenceSubject = other.Broker.PresenceSubject
	}
	if other.Broker.SendSubject != "" {
		c.Broker.SendSubject = other.Broker.SendSubject
	}
	if other.Broker.ReconnectWait != 0 {
		c.Broker.ReconnectWait = other.Broker.ReconnectWait
	}
	if other.Broker.PublishTimeout != 0 {
		c.Broker.PublishTimeout = other.Broker.PublishTimeout
	}
	if other.Broker.Embedded {
		c.Broker.Embedded = true
	}

	// API
	if other.API.URL != "" {
		c.API.URL = other.API.URL
	}
	if other.API.Timeout != 0 {
		c.API.Timeout = other.API.Timeout
	}

	// Storage
	if other.Storage.Driver != "" {
		c.Storage.Driver = other.Storage.Driver
	}
	if other.Storage.Path != "" {
		c.Storage.Path = other.Storage.Path
	}
	if other.Storage.Bucket != "" {
		c.Storage.Bucket = other.Storage.Bucket
	}

	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}
