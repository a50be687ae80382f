package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultRequestTimeout  = 10 * time.Second
	DefaultCaptureAttempts = 1
	DefaultMaxInFlight     = 2
	DefaultMaxAttempts     = 5
	DefaultBaseDelay       = 1 * time.Second
	DefaultMultiplier      = 2.0
	DefaultMaxDelay        = 30 * time.Second
	DefaultBatchSize       = 100
	DefaultFlushInterval   = 60 * time.Second
	DefaultQueuePath       = "data_backup.csv"
	DefaultProbeMode       = "http"
	DefaultProbeTarget     = "https://www.google.com"
	DefaultProbeTimeout    = 5 * time.Second
	DefaultProbeInterval   = 10 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"

	// maxProbeTimeout keeps the connectivity check cheap.
	maxProbeTimeout = 5 * time.Second
)

// Config is the top-level configuration of scanagent.
// It is built once at startup and handed to each component.
type Config struct {
	Agent  AgentConfig  `yaml:"agent"`
	Flush  FlushConfig  `yaml:"flush"`
	Queue  QueueConfig  `yaml:"queue"`
	Probe  ProbeConfig  `yaml:"probe"`
	Device DeviceConfig `yaml:"device"`
	Status StatusConfig `yaml:"status"`
	Notify NotifyConfig `yaml:"notify"`
	Log    LogConfig    `yaml:"log"`
}

// AgentConfig holds the delivery client settings.
type AgentConfig struct {
	// Endpoint is the full URL scans are POSTed to. An empty endpoint disables
	// delivery; captures are still buffered.
	Endpoint string `yaml:"endpoint"`

	// RequestTimeout bounds a single HTTP attempt.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// CaptureAttempts is the retry budget of the immediate path. Keeping it
	// low lets a failed capture reach the backlog quickly.
	CaptureAttempts int `yaml:"capture_attempts"`

	// MaxInFlight caps concurrent requests to the endpoint.
	MaxInFlight int `yaml:"max_in_flight"`

	Retry RetryConfig `yaml:"retry"`
	Auth  AuthConfig  `yaml:"auth"`
	TLS   TLSConfig   `yaml:"tls"`
}

// RetryConfig is the backoff policy of the backlog path.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// AuthConfig specifies how the agent authenticates to the endpoint.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the HTTP header the API key is sent in.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv is the name of the environment variable that holds the bearer token.
	TokenEnv string `yaml:"token_env"`

	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// TLSConfig holds TLS dial options for the endpoint.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// FlushConfig controls the backlog flusher.
type FlushConfig struct {
	BatchSize int           `yaml:"batch_size"`
	Interval  time.Duration `yaml:"interval"`
}

// QueueConfig locates the durable backlog file.
type QueueConfig struct {
	Path string `yaml:"path"`
}

// ProbeConfig controls the connectivity probe.
type ProbeConfig struct {
	// Mode is one of: http | tcp.
	Mode     string        `yaml:"mode"`
	Target   string        `yaml:"target"`
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
}

// DeviceConfig carries the identifiers attached to every record.
type DeviceConfig struct {
	DeviceID string `yaml:"device_id"`
	SiteID   string `yaml:"site_id"`

	// IDsFile is the two-line file (device id, site id) written by the
	// registration step. Values in the file override empty DeviceID/SiteID.
	IDsFile string `yaml:"ids_file"`

	// Fingerprint overrides hardware address detection when set.
	Fingerprint string `yaml:"fingerprint"`
}

// StatusConfig controls the local status listener.
type StatusConfig struct {
	// Listen is the host:port of the status API. Empty disables it.
	Listen string `yaml:"listen"`
}

// NotifyConfig lists operator notification targets.
type NotifyConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable holding the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// LogConfig controls the slog handler.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`
	// Format is one of: json | text.
	Format string `yaml:"format"`
}

// Load reads and parses the YAML config file at path.
// ${VAR} references are expanded from the environment before parsing.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config holding only default values. It is what the agent
// runs with when no config file exists.
func Default() *Config {
	return defaults()
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			RequestTimeout:  DefaultRequestTimeout,
			CaptureAttempts: DefaultCaptureAttempts,
			MaxInFlight:     DefaultMaxInFlight,
			Retry: RetryConfig{
				MaxAttempts: DefaultMaxAttempts,
				BaseDelay:   DefaultBaseDelay,
				Multiplier:  DefaultMultiplier,
				MaxDelay:    DefaultMaxDelay,
			},
		},
		Flush: FlushConfig{
			BatchSize: DefaultBatchSize,
			Interval:  DefaultFlushInterval,
		},
		Queue: QueueConfig{Path: DefaultQueuePath},
		Probe: ProbeConfig{
			Mode:     DefaultProbeMode,
			Target:   DefaultProbeTarget,
			Timeout:  DefaultProbeTimeout,
			Interval: DefaultProbeInterval,
		},
		Log: LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// validate checks structural constraints. The endpoint is deliberately not
// required here: its absence only disables delivery.
func validate(cfg *Config) error {
	if cfg.Agent.Endpoint != "" {
		u, err := url.Parse(cfg.Agent.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("agent.endpoint %q must be an http(s) URL", cfg.Agent.Endpoint)
		}
	}
	if cfg.Agent.RequestTimeout <= 0 {
		return fmt.Errorf("agent.request_timeout must be positive")
	}
	if cfg.Agent.CaptureAttempts <= 0 {
		return fmt.Errorf("agent.capture_attempts must be positive")
	}
	if cfg.Agent.MaxInFlight <= 0 {
		return fmt.Errorf("agent.max_in_flight must be positive")
	}
	r := cfg.Agent.Retry
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("agent.retry.max_attempts must be positive")
	}
	if r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("agent.retry: base_delay must be positive and not above max_delay")
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("agent.retry.multiplier must be at least 1")
	}
	switch cfg.Agent.Auth.Mode {
	case "mtls", "apikey", "bearer", "basic", "none", "":
	default:
		return fmt.Errorf("agent.auth: unknown mode %q", cfg.Agent.Auth.Mode)
	}
	if cfg.Agent.Auth.Mode == "apikey" && cfg.Agent.Auth.Header == "" {
		return fmt.Errorf("agent.auth.header is required for apikey mode")
	}
	if cfg.Flush.BatchSize <= 0 {
		return fmt.Errorf("flush.batch_size must be positive")
	}
	if cfg.Flush.Interval <= 0 {
		return fmt.Errorf("flush.interval must be positive")
	}
	if cfg.Queue.Path == "" {
		return fmt.Errorf("queue.path is required")
	}
	switch cfg.Probe.Mode {
	case "http", "tcp":
	default:
		return fmt.Errorf("probe: unknown mode %q", cfg.Probe.Mode)
	}
	if cfg.Probe.Target == "" {
		return fmt.Errorf("probe.target is required")
	}
	if cfg.Probe.Timeout <= 0 || cfg.Probe.Timeout > maxProbeTimeout {
		return fmt.Errorf("probe.timeout must be in (0, %s]", maxProbeTimeout)
	}
	if cfg.Probe.Interval <= 0 {
		return fmt.Errorf("probe.interval must be positive")
	}
	for i, wh := range cfg.Notify.Webhooks {
		switch wh.Type {
		case "slack", "teams", "http":
		default:
			return fmt.Errorf("notify.webhooks[%d]: unknown type %q", i, wh.Type)
		}
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format: unknown format %q", cfg.Log.Format)
	}
	return nil
}

// SlogLevel maps Level to a slog.Level. Unknown values map to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
