// Package config provides configuration parsing and validation for the
// tunnel's server and client modes.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document. It may carry both Server
// and Client; the -s/-c CLI flags drop the other half, and without a flag
// the supervisor runs the server half when both are present.
type Config struct {
	Log    LogConfig     `yaml:"log"`
	Server *ServerConfig `yaml:"server"`
	Client *ClientConfig `yaml:"client"`
}

// LogConfig controls structured logging setup.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ServerConfig describes the publicly reachable side.
type ServerConfig struct {
	BindAddr     string          `yaml:"bind_addr"`
	DefaultToken string          `yaml:"default_token"`
	Transport    TransportConfig `yaml:"transport"`
	Services     []ServiceConfig `yaml:"services"`
	Metrics      MetricsConfig   `yaml:"metrics"`

	Tuning ServerTuning `yaml:"tuning"`
}

// ServerTuning holds the server-side timing defaults named throughout the
// component design: pending-visitor queue depth and hold time, idle
// data-channel hold time, heartbeat interval/timeout, and shutdown grace.
type ServerTuning struct {
	PendingVisitorQueue   int           `yaml:"pending_visitor_queue"`
	PendingVisitorTimeout time.Duration `yaml:"pending_visitor_timeout"`
	IdleDataChannelTimeout time.Duration `yaml:"idle_data_channel_timeout"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout      time.Duration `yaml:"heartbeat_timeout"`
	ShutdownGrace         time.Duration `yaml:"shutdown_grace"`
	UDPIdleTimeout        time.Duration `yaml:"udp_idle_timeout"`
}

// ClientConfig describes the NAT-restricted side.
type ClientConfig struct {
	RemoteAddr   string          `yaml:"remote_addr"`
	DefaultToken string          `yaml:"default_token"`
	Transport    TransportConfig `yaml:"transport"`
	Services     []ServiceConfig `yaml:"services"`
	Metrics      MetricsConfig   `yaml:"metrics"`

	Tuning ClientTuning `yaml:"tuning"`
}

// ClientTuning holds client-side timing defaults: reconnect backoff,
// heartbeat cadence, the optional data-connection pre-warm pool size, and
// the idle window for UDP sessions on the shared UDP data channel.
type ClientTuning struct {
	Backoff           BackoffConfig `yaml:"backoff"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	PrewarmPoolSize   int           `yaml:"prewarm_pool_size"`
	UDPIdleTimeout    time.Duration `yaml:"udp_idle_timeout"`
}

// BackoffConfig configures reconnection backoff.
type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// MetricsConfig optionally exposes a Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ServiceKind is the service traffic type.
type ServiceKind string

const (
	ServiceTCP ServiceKind = "tcp"
	ServiceUDP ServiceKind = "udp"
)

// ServiceConfig is one tunneled service, present in both server and client
// service lists under the same name.
type ServiceConfig struct {
	Name     string      `yaml:"name"`
	Kind     ServiceKind `yaml:"type"`
	BindAddr string      `yaml:"bind_addr"` // server-side public listen
	LocalAddr string     `yaml:"local_addr"` // client-side upstream
	Token    string      `yaml:"token"`

	NoDelay       bool          `yaml:"nodelay"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// Equal reports whether two ServiceConfig values are field-for-field
// identical, the test hot reload uses to decide a service is unchanged.
func (s ServiceConfig) Equal(o ServiceConfig) bool {
	return s == o
}

// TransportKind selects the transport variant.
type TransportKind string

const (
	TransportTCP       TransportKind = "tcp"
	TransportTLS       TransportKind = "tls"
	TransportNoise     TransportKind = "noise"
	TransportWebSocket TransportKind = "websocket"
)

// TransportConfig carries every variant's fields; only the ones matching
// Type are consulted.
type TransportConfig struct {
	Type TransportKind `yaml:"type"`

	// Tls
	TrustedRoot    string `yaml:"trusted_root"`
	Hostname       string `yaml:"hostname"`
	PKCS12         string `yaml:"pkcs12"`
	PKCS12Password string `yaml:"pkcs12_password"`
	CertFile       string `yaml:"cert_file"`
	KeyFile        string `yaml:"key_file"`

	// Noise
	LocalPrivateKey  string `yaml:"local_private_key"`
	RemotePublicKey  string `yaml:"remote_public_key"`
	Pattern          string `yaml:"pattern"`

	// Websocket
	Path string          `yaml:"path"`
	TLS  *TransportConfig `yaml:"tls"`
}

// Default returns a Config with the documented defaults applied, leaving
// Server and Client nil until one is populated by Parse.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

func defaultServerTuning() ServerTuning {
	return ServerTuning{
		PendingVisitorQueue:    1024,
		PendingVisitorTimeout:  5 * time.Second,
		IdleDataChannelTimeout: 10 * time.Second,
		HeartbeatInterval:      30 * time.Second,
		HeartbeatTimeout:       40 * time.Second,
		ShutdownGrace:          5 * time.Second,
		UDPIdleTimeout:         60 * time.Second,
	}
}

func defaultClientTuning() ClientTuning {
	return ClientTuning{
		Backoff: BackoffConfig{
			InitialDelay: 1 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.5,
		},
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  40 * time.Second,
		ShutdownGrace:     5 * time.Second,
		UDPIdleTimeout:    60 * time.Second,
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding ${VAR} /
// ${VAR:-default} environment references before unmarshaling, filling in
// defaults, and validating the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Server != nil {
		applyServerDefaults(cfg.Server)
	}
	if cfg.Client != nil {
		applyClientDefaults(cfg.Client)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyServerDefaults(s *ServerConfig) {
	zero := ServerTuning{}
	if s.Tuning == zero {
		s.Tuning = defaultServerTuning()
	}
	for i := range s.Services {
		if s.Services[i].Token == "" {
			s.Services[i].Token = s.DefaultToken
		}
	}
}

func applyClientDefaults(c *ClientConfig) {
	zero := ClientTuning{}
	if c.Tuning == zero {
		c.Tuning = defaultClientTuning()
	}
	for i := range c.Services {
		if c.Services[i].Token == "" {
			c.Services[i].Token = c.DefaultToken
		}
	}
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

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

// Validate checks the configuration for errors, aggregating every problem
// found rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	if c.Server == nil && c.Client == nil {
		errs = append(errs, "one of server or client must be configured")
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s", c.Log.Level))
	}
	if c.Log.Format != "" && !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s", c.Log.Format))
	}

	if c.Server != nil {
		errs = append(errs, validateServer(c.Server)...)
	}
	if c.Client != nil {
		errs = append(errs, validateClient(c.Client)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateServer(s *ServerConfig) []string {
	var errs []string
	if s.BindAddr == "" {
		errs = append(errs, "server.bind_addr is required")
	}
	if err := validateTransport(s.Transport, true); err != nil {
		errs = append(errs, fmt.Sprintf("server.transport: %v", err))
	}
	seen := map[string]bool{}
	for i, svc := range s.Services {
		if err := validateService(svc, true); err != nil {
			errs = append(errs, fmt.Sprintf("server.services[%d]: %v", i, err))
		}
		if seen[svc.Name] {
			errs = append(errs, fmt.Sprintf("server.services[%d]: duplicate name %q", i, svc.Name))
		}
		seen[svc.Name] = true
	}
	return errs
}

func validateClient(c *ClientConfig) []string {
	var errs []string
	if c.RemoteAddr == "" {
		errs = append(errs, "client.remote_addr is required")
	}
	if err := validateTransport(c.Transport, false); err != nil {
		errs = append(errs, fmt.Sprintf("client.transport: %v", err))
	}
	seen := map[string]bool{}
	for i, svc := range c.Services {
		if err := validateService(svc, false); err != nil {
			errs = append(errs, fmt.Sprintf("client.services[%d]: %v", i, err))
		}
		if seen[svc.Name] {
			errs = append(errs, fmt.Sprintf("client.services[%d]: duplicate name %q", i, svc.Name))
		}
		seen[svc.Name] = true
	}
	return errs
}

func validateService(s ServiceConfig, serverSide bool) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Kind != ServiceTCP && s.Kind != ServiceUDP {
		return fmt.Errorf("type must be tcp or udp, got %q", s.Kind)
	}
	if serverSide && s.BindAddr == "" {
		return fmt.Errorf("bind_addr is required")
	}
	if !serverSide && s.LocalAddr == "" {
		return fmt.Errorf("local_addr is required")
	}
	if s.Token == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}

func validateTransport(t TransportConfig, serverSide bool) error {
	switch t.Type {
	case TransportTCP:
		return nil
	case TransportTLS:
		if serverSide && t.PKCS12 == "" && (t.CertFile == "" || t.KeyFile == "") {
			return fmt.Errorf("tls server requires pkcs12 or cert_file/key_file")
		}
		return nil
	case TransportNoise:
		if serverSide && t.LocalPrivateKey == "" {
			return fmt.Errorf("noise server requires local_private_key")
		}
		if !serverSide && t.RemotePublicKey == "" {
			return fmt.Errorf("noise client requires remote_public_key")
		}
		return nil
	case TransportWebSocket:
		return nil
	default:
		return fmt.Errorf("unknown transport type %q (must be tcp, tls, noise, or websocket)", t.Type)
	}
}

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

const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with tokens and private keys
// replaced, safe to log.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}
	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Server != nil {
		redacted.Server.DefaultToken = redactIfSet(redacted.Server.DefaultToken)
		redacted.Server.Transport.LocalPrivateKey = redactIfSet(redacted.Server.Transport.LocalPrivateKey)
		redacted.Server.Transport.PKCS12Password = redactIfSet(redacted.Server.Transport.PKCS12Password)
		for i := range redacted.Server.Services {
			redacted.Server.Services[i].Token = redactIfSet(redacted.Server.Services[i].Token)
		}
	}
	if redacted.Client != nil {
		redacted.Client.DefaultToken = redactIfSet(redacted.Client.DefaultToken)
		redacted.Client.Transport.LocalPrivateKey = redactIfSet(redacted.Client.Transport.LocalPrivateKey)
		for i := range redacted.Client.Services {
			redacted.Client.Services[i].Token = redactIfSet(redacted.Client.Services[i].Token)
		}
	}
	return redacted
}

func redactIfSet(s string) string {
	if s == "" {
		return s
	}
	return redactedValue
}

// String returns a redacted YAML rendering, safe to log.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}
