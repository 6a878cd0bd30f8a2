// Package config loads and validates the entitlement core configuration from
// environment variables (ENTCORE_ prefix) merged over an optional YAML file.
// Environment values take precedence over file values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnforcementMode controls how resource-limit breaches are handled.
// Soft records a warning event and continues; hard denies new work above the
// limit. Default is soft because resource counts fluctuate under
// virtualization and a false positive must not brick a paid deployment.
type EnforcementMode string

const (
	EnforcementSoft EnforcementMode = "soft"
	EnforcementHard EnforcementMode = "hard"
)

// Config represents the complete entitlement core configuration.
type Config struct {
	Enforcement EnforcementConfig `yaml:"enforcement" envconfig:"ENFORCEMENT"`
	Sessions    SessionsConfig    `yaml:"sessions" envconfig:"SESSIONS"`
	Activation  ActivationConfig  `yaml:"activation" envconfig:"ACTIVATION"`
	Paths       PathsConfig       `yaml:"paths" envconfig:"PATHS"`
	Logging     LoggingConfig     `yaml:"logging" envconfig:"LOGGING"`
}

// EnforcementConfig contains policy knobs for limit enforcement.
type EnforcementConfig struct {
	ResourceMode EnforcementMode `yaml:"resource_mode" envconfig:"RESOURCE_MODE" default:"soft" validate:"oneof=soft hard"`
	// SampleInterval is how often the resource monitor samples host usage.
	SampleInterval time.Duration `yaml:"sample_interval" envconfig:"SAMPLE_INTERVAL" default:"1m"`
}

// SessionsConfig contains concurrent-session registry configuration.
type SessionsConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" envconfig:"HEARTBEAT_TIMEOUT" default:"5m" validate:"min=10s"`
	ReapInterval     time.Duration `yaml:"reap_interval" envconfig:"REAP_INTERVAL" default:"1m" validate:"min=1s"`
	// EnablePreemption allows a higher-priority session to force out the
	// lowest-priority one when at capacity. Off by default.
	EnablePreemption bool `yaml:"enable_preemption" envconfig:"ENABLE_PREEMPTION" default:"false"`
}

// ActivationConfig contains online/offline activation configuration.
type ActivationConfig struct {
	AuthorityURL string        `yaml:"authority_url" envconfig:"AUTHORITY_URL" validate:"omitempty,url"`
	Timeout      time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"30s" validate:"min=1s"`
	// CacheTolerance is how long a previously cached valid verification keeps
	// the deployment operating when the authority is unreachable. Past the
	// window the core fails closed.
	CacheTolerance time.Duration `yaml:"cache_tolerance" envconfig:"CACHE_TOLERANCE" default:"4h"`
	// ReverifyInterval drives the background phone-home task.
	ReverifyInterval time.Duration `yaml:"reverify_interval" envconfig:"REVERIFY_INTERVAL" default:"12h" validate:"min=1m"`
	// OfflineRequestTTL bounds how long an offline request code stays
	// exchangeable before it is considered stale.
	OfflineRequestTTL time.Duration `yaml:"offline_request_ttl" envconfig:"OFFLINE_REQUEST_TTL" default:"72h"`
	// AttemptsPerMinute rate-limits activation attempts against the authority.
	AttemptsPerMinute float64 `yaml:"attempts_per_minute" envconfig:"ATTEMPTS_PER_MINUTE" default:"6"`
}

// PathsConfig contains file system paths.
type PathsConfig struct {
	DataDir     string `yaml:"data_dir" envconfig:"DATA_DIR" default:"data"`
	LicenseFile string `yaml:"license_file" envconfig:"LICENSE_FILE" default:"license.dat"`
	StoreFile   string `yaml:"store_file" envconfig:"STORE_FILE" default:"entitlement.db"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" envconfig:"FORMAT" default:"json" validate:"oneof=json text"`
}

var validate = validator.New()

// Load loads configuration from environment variables and, if path is
// non-empty and the file exists, merges the YAML file underneath them.
func Load(path string) (*Config, error) {
	var fileCfg Config
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &fileCfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg := fileCfg
	if err := envconfig.Process("ENTCORE", &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	applyDefaults(&cfg, &fileCfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration, used when the consuming
// application supplies nothing.
func Default() *Config {
	var cfg Config
	if err := envconfig.Process("ENTCORE", &cfg); err != nil {
		// envconfig only fails on malformed struct tags, which is a
		// programming error.
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &cfg
}

// applyDefaults restores file values that envconfig's defaulting overwrote.
// envconfig applies struct-tag defaults to zero fields, so a file-only value
// whose env var is unset would otherwise be clobbered by the default.
func applyDefaults(cfg, file *Config) {
	if os.Getenv("ENTCORE_ENFORCEMENT_RESOURCE_MODE") == "" && file.Enforcement.ResourceMode != "" {
		cfg.Enforcement.ResourceMode = file.Enforcement.ResourceMode
	}
	if os.Getenv("ENTCORE_SESSIONS_HEARTBEAT_TIMEOUT") == "" && file.Sessions.HeartbeatTimeout != 0 {
		cfg.Sessions.HeartbeatTimeout = file.Sessions.HeartbeatTimeout
	}
	if os.Getenv("ENTCORE_SESSIONS_REAP_INTERVAL") == "" && file.Sessions.ReapInterval != 0 {
		cfg.Sessions.ReapInterval = file.Sessions.ReapInterval
	}
	if os.Getenv("ENTCORE_ACTIVATION_AUTHORITY_URL") == "" && file.Activation.AuthorityURL != "" {
		cfg.Activation.AuthorityURL = file.Activation.AuthorityURL
	}
	if os.Getenv("ENTCORE_ACTIVATION_TIMEOUT") == "" && file.Activation.Timeout != 0 {
		cfg.Activation.Timeout = file.Activation.Timeout
	}
	if os.Getenv("ENTCORE_ACTIVATION_CACHE_TOLERANCE") == "" && file.Activation.CacheTolerance != 0 {
		cfg.Activation.CacheTolerance = file.Activation.CacheTolerance
	}
	if os.Getenv("ENTCORE_ACTIVATION_OFFLINE_REQUEST_TTL") == "" && file.Activation.OfflineRequestTTL != 0 {
		cfg.Activation.OfflineRequestTTL = file.Activation.OfflineRequestTTL
	}
	if os.Getenv("ENTCORE_PATHS_DATA_DIR") == "" && file.Paths.DataDir != "" {
		cfg.Paths.DataDir = file.Paths.DataDir
	}
	if os.Getenv("ENTCORE_LOGGING_LEVEL") == "" && file.Logging.Level != "" {
		cfg.Logging.Level = file.Logging.Level
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if c.Sessions.ReapInterval > c.Sessions.HeartbeatTimeout {
		return fmt.Errorf("config validation failed: reap_interval %s exceeds heartbeat_timeout %s",
			c.Sessions.ReapInterval, c.Sessions.HeartbeatTimeout)
	}
	return nil
}
