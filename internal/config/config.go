// Package config loads the client configuration from the environment and,
// optionally, a YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/observer/chatlink/internal/messaging"
)

// Transports understood by BROKER_TRANSPORT.
const (
	TransportMQTT   = "mqtt"
	TransportWSJSON = "wsjson"
)

// Config holds all client configuration.
// We use a struct (not globals) so it's testable and explicit.
type Config struct {
	// Broker
	BrokerHost      string `yaml:"broker_host"`
	BrokerPort      int    `yaml:"broker_port"`
	BrokerTLS       bool   `yaml:"broker_tls"`
	BrokerPath      string `yaml:"broker_path"`
	BrokerTransport string `yaml:"broker_transport"` // "mqtt" or "wsjson"

	// Connection
	KeepAlive      time.Duration `yaml:"keepalive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ConnectWait    time.Duration `yaml:"connect_wait"`
	SettleDelay    time.Duration `yaml:"settle_delay"`

	// Reconnect
	ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay"`
	ReconnectBackoff      float64       `yaml:"reconnect_backoff"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMaxAttempts  int           `yaml:"reconnect_max_attempts"` // 0 means unlimited

	OutboxCapacity int    `yaml:"outbox_capacity"`
	ClientIDPrefix string `yaml:"client_id_prefix"`
	LogLevel       string `yaml:"log_level"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	d := messaging.DefaultOptions()
	cfg := &Config{
		BrokerHost:      getEnvOrDefault("BROKER_HOST", "localhost"),
		BrokerPath:      getEnvOrDefault("BROKER_PATH", "/mqtt"),
		BrokerTransport: strings.ToLower(getEnvOrDefault("BROKER_TRANSPORT", TransportMQTT)),
		ClientIDPrefix:  os.Getenv("CLIENT_ID_PREFIX"),
		LogLevel:        strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	cfg.BrokerPort, err = getEnvInt("BROKER_PORT", 8083)
	collect(err)
	cfg.BrokerTLS, err = getEnvBool("BROKER_TLS", false)
	collect(err)
	cfg.KeepAlive, err = getEnvDuration("BROKER_KEEPALIVE", d.KeepAlive)
	collect(err)
	cfg.ConnectTimeout, err = getEnvDuration("BROKER_CONNECT_TIMEOUT", d.ConnectTimeout)
	collect(err)
	cfg.ConnectWait, err = getEnvDuration("BROKER_CONNECT_WAIT", d.ConnectWait)
	collect(err)
	cfg.SettleDelay, err = getEnvDuration("SETTLE_DELAY", d.SettleDelay)
	collect(err)
	cfg.ReconnectInitialDelay, err = getEnvDuration("RECONNECT_INITIAL_DELAY", d.ReconnectDelay)
	collect(err)
	cfg.ReconnectBackoff, err = getEnvFloat("RECONNECT_BACKOFF", d.ReconnectBackoff)
	collect(err)
	cfg.ReconnectMaxDelay, err = getEnvDuration("RECONNECT_MAX_DELAY", d.MaxReconnectDelay)
	collect(err)
	cfg.ReconnectMaxAttempts, err = getEnvInt("RECONNECT_MAX_ATTEMPTS", d.MaxReconnectAttempts)
	collect(err)
	cfg.OutboxCapacity, err = getEnvInt("OUTBOX_CAPACITY", d.OutboxCapacity)
	collect(err)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads the environment configuration and overlays the YAML file at
// path. Keys missing from the file keep their environment value.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	cfg.BrokerTransport = strings.ToLower(cfg.BrokerTransport)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BrokerHost == "" {
		return fmt.Errorf("BROKER_HOST is required")
	}
	if c.BrokerPort <= 0 || c.BrokerPort > 65535 {
		return fmt.Errorf("BROKER_PORT out of range: %d", c.BrokerPort)
	}
	if c.BrokerTransport != TransportMQTT && c.BrokerTransport != TransportWSJSON {
		return fmt.Errorf("BROKER_TRANSPORT must be %q or %q, got %q", TransportMQTT, TransportWSJSON, c.BrokerTransport)
	}
	if c.ReconnectBackoff < 1 {
		return fmt.Errorf("RECONNECT_BACKOFF must be at least 1, got %g", c.ReconnectBackoff)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	if c.OutboxCapacity <= 0 {
		return fmt.Errorf("OUTBOX_CAPACITY must be positive")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// BrokerURL assembles the broker URL: ws(s)://host:port/path.
func (c *Config) BrokerURL() string {
	scheme := "ws"
	if c.BrokerTLS {
		scheme = "wss"
	}
	path := c.BrokerPath
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", c.BrokerHost, c.BrokerPort),
		Path:   path,
	}
	return u.String()
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// Options converts the configuration to client options.
func (c *Config) Options() messaging.Options {
	o := messaging.DefaultOptions()
	o.URL = c.BrokerURL()
	o.KeepAlive = c.KeepAlive
	o.ConnectTimeout = c.ConnectTimeout
	o.ConnectWait = c.ConnectWait
	o.SettleDelay = c.SettleDelay
	o.ReconnectDelay = c.ReconnectInitialDelay
	o.ReconnectBackoff = c.ReconnectBackoff
	o.MaxReconnectDelay = c.ReconnectMaxDelay
	o.MaxReconnectAttempts = c.ReconnectMaxAttempts
	o.OutboxCapacity = c.OutboxCapacity
	o.IDPrefix = c.ClientIDPrefix
	return o
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

// getEnvDuration accepts Go durations ("1500ms") or plain milliseconds.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
