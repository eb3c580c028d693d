// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Transport() TransportConfig
	Automation() AutomationConfig
	Browser() BrowserConfig
	Policy() PolicyConfig
	Audit() AuditConfig

	// Setters for values finalized from CLI flags.
	SetTransportURL(string)
	SetBrowserHeadless(bool)
	SetBrowserChatURL(string)
	SetPolicyAllowedHosts([]string)
}

// Config holds the entire application configuration. It uses private fields to
// enforce access through the Interface's getter methods.
type Config struct {
	logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	transport  TransportConfig  `mapstructure:"transport" yaml:"transport"`
	automation AutomationConfig `mapstructure:"automation" yaml:"automation"`
	browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	policy     PolicyConfig     `mapstructure:"policy" yaml:"policy"`
	audit      AuditConfig      `mapstructure:"audit" yaml:"audit"`
}

// -- Interface Method Implementations (Getters) --

func (c *Config) Logger() LoggerConfig         { return c.logger }
func (c *Config) Transport() TransportConfig   { return c.transport }
func (c *Config) Automation() AutomationConfig { return c.automation }
func (c *Config) Browser() BrowserConfig       { return c.browser }
func (c *Config) Policy() PolicyConfig         { return c.policy }
func (c *Config) Audit() AuditConfig           { return c.audit }

// -- Interface Method Implementations (Setters) --

func (c *Config) SetTransportURL(u string)            { c.transport.URL = u }
func (c *Config) SetBrowserHeadless(b bool)           { c.browser.Headless = b }
func (c *Config) SetBrowserChatURL(u string)          { c.browser.ChatURL = u }
func (c *Config) SetPolicyAllowedHosts(hosts []string) { c.policy.AllowedHosts = hosts }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// TransportConfig tunes the websocket channel to the controller.
type TransportConfig struct {
	URL               string        `mapstructure:"url" yaml:"url"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	WriteWait         time.Duration `mapstructure:"write_wait" yaml:"write_wait"`
	PongWait          time.Duration `mapstructure:"pong_wait" yaml:"pong_wait"`
	MaxMessageSize    int64         `mapstructure:"max_message_size" yaml:"max_message_size"`
	BridgeID          string        `mapstructure:"bridge_id" yaml:"bridge_id"`
}

// AutomationConfig carries the timing and retry budget of the interaction
// state machine and the request feeder.
type AutomationConfig struct {
	LocateDelay     time.Duration `mapstructure:"locate_delay" yaml:"locate_delay"`
	SubmitDelay     time.Duration `mapstructure:"submit_delay" yaml:"submit_delay"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout" yaml:"response_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ErrorRetryDelay time.Duration `mapstructure:"error_retry_delay" yaml:"error_retry_delay"`
	RecoveryDelay   time.Duration `mapstructure:"recovery_delay" yaml:"recovery_delay"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	FeedDebounce    time.Duration `mapstructure:"feed_debounce" yaml:"feed_debounce"`
	RequestTTL      time.Duration `mapstructure:"request_ttl" yaml:"request_ttl"`
	RequestRate     float64       `mapstructure:"request_rate" yaml:"request_rate"`
	RequestBurst    int           `mapstructure:"request_burst" yaml:"request_burst"`
}

// SelectorsConfig holds the page-specific CSS selectors a ChromeAdapter
// drives. These belong to the page integration, not the core.
type SelectorsConfig struct {
	Input             string `mapstructure:"input" yaml:"input"`
	Submit            string `mapstructure:"submit" yaml:"submit"`
	ResponseContainer string `mapstructure:"response_container" yaml:"response_container"`
	ResponseImage     string `mapstructure:"response_image" yaml:"response_image"`
}

// BrowserConfig holds settings for the headless browser instance.
type BrowserConfig struct {
	Headless     bool            `mapstructure:"headless" yaml:"headless"`
	DisableCache bool            `mapstructure:"disable_cache" yaml:"disable_cache"`
	ChatURL      string          `mapstructure:"chat_url" yaml:"chat_url"`
	Args         []string        `mapstructure:"args" yaml:"args"`
	Selectors    SelectorsConfig `mapstructure:"selectors" yaml:"selectors"`
}

// PolicyConfig controls which page hosts automation requests may target.
type PolicyConfig struct {
	AllowedHosts []string `mapstructure:"allowed_hosts" yaml:"allowed_hosts"`
}

// AuditConfig configures the optional request/response audit trail.
type AuditConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`
}

// fileConfig mirrors Config with exported fields so viper can decode into it.
// The decoded values are copied into the private fields of Config, keeping all
// external access behind the Interface getters.
type fileConfig struct {
	Logger     LoggerConfig     `mapstructure:"logger"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Automation AutomationConfig `mapstructure:"automation"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

func (f *fileConfig) toConfig() *Config {
	return &Config{
		logger:     f.Logger,
		transport:  f.Transport,
		automation: f.Automation,
		browser:    f.Browser,
		policy:     f.Policy,
		audit:      f.Audit,
	}
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var raw fileConfig
	if err := v.Unmarshal(&raw); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return raw.toConfig()
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "promptbridge")
	v.SetDefault("logger.log_file", "promptbridge.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Transport --
	v.SetDefault("transport.heartbeat_interval", "25s")
	v.SetDefault("transport.reconnect_delay", "5s")
	v.SetDefault("transport.write_wait", "10s")
	v.SetDefault("transport.pong_wait", "60s")
	v.SetDefault("transport.max_message_size", 2048*2048)
	v.SetDefault("transport.bridge_id", "")

	// -- Automation --
	v.SetDefault("automation.locate_delay", "100ms")
	v.SetDefault("automation.submit_delay", "200ms")
	v.SetDefault("automation.response_timeout", "30s")
	v.SetDefault("automation.poll_interval", "500ms")
	v.SetDefault("automation.error_retry_delay", "2s")
	v.SetDefault("automation.recovery_delay", "1s")
	v.SetDefault("automation.max_retries", 3)
	v.SetDefault("automation.feed_debounce", "1s")
	v.SetDefault("automation.request_ttl", "5m")
	v.SetDefault("automation.request_rate", 2.0)
	v.SetDefault("automation.request_burst", 5)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", true)
	v.SetDefault("browser.selectors.input", "textarea, [contenteditable=true]")
	v.SetDefault("browser.selectors.submit", "button[type=submit], [data-testid=send-button]")
	v.SetDefault("browser.selectors.response_container", "[data-message-author-role=assistant]")
	v.SetDefault("browser.selectors.response_image", "img")

	// -- Policy --
	v.SetDefault("policy.allowed_hosts", []string{})

	// -- Audit --
	v.SetDefault("audit.enabled", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data.
	v.BindEnv("audit.database_url", "PROMPTBRIDGE_AUDIT_DB_URL")

	var raw fileConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg := raw.toConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.transport.Validate(); err != nil {
		return fmt.Errorf("transport configuration invalid: %w", err)
	}
	if err := c.automation.Validate(); err != nil {
		return fmt.Errorf("automation configuration invalid: %w", err)
	}
	if c.audit.Enabled && c.audit.DatabaseURL == "" {
		return fmt.Errorf("audit.database_url is required when audit is enabled (hint: PROMPTBRIDGE_AUDIT_DB_URL)")
	}
	return nil
}

// Validate checks the transport settings.
func (t *TransportConfig) Validate() error {
	if t.URL != "" {
		u, err := url.Parse(t.URL)
		if err != nil {
			return fmt.Errorf("transport.url is not a valid URL: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("transport.url must use ws or wss scheme, got %q", u.Scheme)
		}
	}
	if t.HeartbeatInterval <= 0 {
		return fmt.Errorf("transport.heartbeat_interval must be a positive duration")
	}
	if t.ReconnectDelay <= 0 {
		return fmt.Errorf("transport.reconnect_delay must be a positive duration")
	}
	if t.PongWait <= t.HeartbeatInterval/10 {
		// Pong handling rides on the same connection as heartbeats; a pong
		// window shorter than the ping cadence drops healthy connections.
		return fmt.Errorf("transport.pong_wait is too short relative to the heartbeat interval")
	}
	return nil
}

// Validate checks the automation timing budget.
func (a *AutomationConfig) Validate() error {
	if a.MaxRetries < 0 {
		return fmt.Errorf("automation.max_retries must not be negative")
	}
	if a.ResponseTimeout <= 0 {
		return fmt.Errorf("automation.response_timeout must be a positive duration")
	}
	if a.PollInterval <= 0 {
		return fmt.Errorf("automation.poll_interval must be a positive duration")
	}
	if a.PollInterval >= a.ResponseTimeout {
		return fmt.Errorf("automation.poll_interval must be shorter than automation.response_timeout")
	}
	if a.RequestTTL > 0 && a.RequestTTL <= a.ResponseTimeout {
		// A tracked request must outlive at least one full wait cycle or the
		// tracker expires requests the machine is still working on.
		return fmt.Errorf("automation.request_ttl must exceed automation.response_timeout")
	}
	if a.RequestBurst <= 0 {
		return fmt.Errorf("automation.request_burst must be a positive integer")
	}
	return nil
}
