package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "WADESK"
	defaultHTTPAddress       = "127.0.0.1:8090"
	defaultCachePath         = "wadesk-cache.db"
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultMaxAttempts       = 10
	defaultInitialDelay      = time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultMultiplier        = 2.0
	defaultJitter            = 0.2
	defaultWriteTimeout      = 10 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultRESTTimeout       = 15 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
)

// AppConfig captures runtime configuration for the sync client.
type AppConfig struct {
	RESTURL string
	PushURL string

	Token    string
	TenantID string

	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64

	PushWriteTimeout     time.Duration
	PushHandshakeTimeout time.Duration
	RESTTimeout          time.Duration

	CachePath string

	HTTPAddress       string
	AllowedOrigins    []string
	HeartbeatInterval time.Duration

	LogLevel    string
	LogEncoding string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AllowEmptyEnv(true)
	configViper.AutomaticEnv()

	configViper.SetDefault("reconnect.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("reconnect.initial_delay", defaultInitialDelay)
	configViper.SetDefault("reconnect.max_delay", defaultMaxDelay)
	configViper.SetDefault("reconnect.multiplier", defaultMultiplier)
	configViper.SetDefault("reconnect.jitter", defaultJitter)
	configViper.SetDefault("push.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("push.handshake_timeout", defaultHandshakeTimeout)
	configViper.SetDefault("rest.timeout", defaultRESTTimeout)
	configViper.SetDefault("cache.path", defaultCachePath)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		RESTURL:              strings.TrimSpace(configViper.GetString("backend.rest_url")),
		PushURL:              strings.TrimSpace(configViper.GetString("backend.push_url")),
		Token:                strings.TrimSpace(configViper.GetString("auth.token")),
		TenantID:             strings.TrimSpace(configViper.GetString("auth.tenant_id")),
		MaxAttempts:          configViper.GetInt("reconnect.max_attempts"),
		InitialDelay:         configViper.GetDuration("reconnect.initial_delay"),
		MaxDelay:             configViper.GetDuration("reconnect.max_delay"),
		Multiplier:           configViper.GetFloat64("reconnect.multiplier"),
		Jitter:               configViper.GetFloat64("reconnect.jitter"),
		PushWriteTimeout:     configViper.GetDuration("push.write_timeout"),
		PushHandshakeTimeout: configViper.GetDuration("push.handshake_timeout"),
		RESTTimeout:          configViper.GetDuration("rest.timeout"),
		CachePath:            strings.TrimSpace(configViper.GetString("cache.path")),
		HTTPAddress:          strings.TrimSpace(configViper.GetString("http.address")),
		AllowedOrigins:       configViper.GetStringSlice("http.allowed_origins"),
		HeartbeatInterval:    configViper.GetDuration("http.heartbeat_interval"),
		LogLevel:             configViper.GetString("log.level"),
		LogEncoding:          strings.ToLower(strings.TrimSpace(configViper.GetString("log.encoding"))),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.RESTURL == "" {
		return fmt.Errorf("backend.rest_url is required")
	}
	if err := validateURL("backend.rest_url", c.RESTURL, "http", "https"); err != nil {
		return err
	}
	if c.PushURL == "" {
		return fmt.Errorf("backend.push_url is required")
	}
	if err := validateURL("backend.push_url", c.PushURL, "http", "https", "ws", "wss"); err != nil {
		return err
	}
	if c.Token == "" {
		return fmt.Errorf("auth.token is required")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.max_attempts must be at least 1")
	}
	if c.InitialDelay <= 0 {
		return fmt.Errorf("reconnect.initial_delay must be positive")
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("reconnect.max_delay must not be below reconnect.initial_delay")
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be at least 1")
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be within [0, 1]")
	}
	if c.PushWriteTimeout <= 0 || c.PushHandshakeTimeout <= 0 || c.RESTTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.LogEncoding != "json" && c.LogEncoding != "console" {
		return fmt.Errorf("log.encoding must be json or console")
	}
	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", key, err)
	}
	for _, scheme := range schemes {
		if strings.EqualFold(parsed.Scheme, scheme) && parsed.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s url", key, strings.Join(schemes, "/"))
}
