package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/labforge/labforge/pkg/engine"
	"github.com/labforge/labforge/pkg/policy"
	"github.com/labforge/labforge/pkg/providers/aws"
	"github.com/labforge/labforge/pkg/providers/local"
	"github.com/labforge/labforge/pkg/providers/openstack"
	"github.com/labforge/labforge/pkg/stores"
	"github.com/labforge/labforge/pkg/telemetry"
	"github.com/labforge/labforge/pkg/transports/ssh"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "labforge"

	// DefaultPath is the file looked up when no path is given.
	DefaultPath = "labforge.yaml"
)

// Provider kinds.
const (
	KindLocal     = "local"
	KindOpenStack = "openstack"
	KindAWS       = "aws"
)

// Config is the root configuration.
type Config struct {
	Database     stores.Config      `mapstructure:"database" yaml:"database"`
	Quota        engine.QuotaConfig `mapstructure:"quota" yaml:"quota" validate:"dive,keys,oneof=project edge exploratory computational,endkeys"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler" yaml:"scheduler"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Providers    []ProviderConfig   `mapstructure:"providers" yaml:"providers" validate:"required,min=1,dive"`
	SSH          SSHConfig          `mapstructure:"ssh" yaml:"ssh"`
	Policy       PolicyConfig       `mapstructure:"policy" yaml:"policy"`
	Telemetry    telemetry.Config   `mapstructure:"telemetry" yaml:"telemetry"`
}

// OrchestratorConfig tunes dispatching.
type OrchestratorConfig struct {
	// DispatchTimeout bounds how long an action may wait for its callback.
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout" yaml:"dispatch_timeout"`

	MaxRetries           int           `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval" yaml:"retry_initial_interval"`

	// KeyTaskTimeout bounds a key reupload task.
	KeyTaskTimeout time.Duration `mapstructure:"key_task_timeout" yaml:"key_task_timeout"`
}

// SchedulerConfig tunes the scheduler tick.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxConcurrent int           `mapstructure:"max_concurrent_dispatches" yaml:"max_concurrent_dispatches" validate:"gte=0"`

	// Timezone applies to schedules that name none.
	Timezone string `mapstructure:"timezone" yaml:"timezone" validate:"omitempty,timezone"`
}

// Engine converts the section into the engine's form.
func (s SchedulerConfig) Engine() (engine.SchedulerConfig, error) {
	out := engine.SchedulerConfig{Interval: s.Interval, MaxConcurrent: s.MaxConcurrent}
	if s.Timezone != "" {
		loc, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return out, fmt.Errorf("invalid scheduler timezone %q: %w", s.Timezone, err)
		}
		out.Location = loc
	}
	return out, nil
}

// ServerConfig is the HTTP listener providers post callbacks to.
type ServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address" yaml:"listen_address" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ProviderConfig registers one provider adapter. Only the section matching
// Kind is read.
type ProviderConfig struct {
	Kind      string           `mapstructure:"kind" yaml:"kind" validate:"required,oneof=local openstack aws"`
	RateLimit engine.RateLimit `mapstructure:"rate_limit" yaml:"rate_limit"`

	Local     local.Config     `mapstructure:"local" yaml:"local,omitempty"`
	OpenStack openstack.Config `mapstructure:"openstack" yaml:"openstack,omitempty"`
	AWS       aws.Config       `mapstructure:"aws" yaml:"aws,omitempty"`
}

// Name returns the provider id records refer to.
func (p ProviderConfig) Name() string {
	var name, def string
	switch p.Kind {
	case KindLocal:
		name, def = p.Local.Name, local.DefaultName
	case KindOpenStack:
		name, def = p.OpenStack.Name, openstack.DefaultName
	case KindAWS:
		name, def = p.AWS.Name, aws.DefaultName
	}
	if name == "" {
		return def
	}
	return name
}

// SSHConfig is the login used to install project keys on cloud instances.
type SSHConfig struct {
	ssh.Config `mapstructure:",squash" yaml:",inline"`

	// AuthorizedKeysPath is the remote file keys are written to.
	AuthorizedKeysPath string `mapstructure:"authorized_keys_path" yaml:"authorized_keys_path"`
}

// PolicyConfig locates admission policies.
type PolicyConfig struct {
	// Paths are extra .rego/.json files or directories loaded on top of the
	// built-in policies.
	Paths  []string      `mapstructure:"paths" yaml:"paths"`
	Watch  bool          `mapstructure:"watch" yaml:"watch"`
	Limits policy.Limits `mapstructure:"limits" yaml:"limits"`
}

// Default returns the configuration used for keys the file does not set.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		Database: stores.Config{
			Path:            "labforge.db",
			MaxOpenConns:    8,
			MaxIdleConns:    4,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Quota: engine.QuotaConfig{},
		Orchestrator: OrchestratorConfig{
			DispatchTimeout:      engine.DefaultDispatchTimeout,
			MaxRetries:           engine.DefaultMaxRetries,
			RetryInitialInterval: engine.DefaultRetryInterval,
			KeyTaskTimeout:       engine.DefaultKeyTaskTimeout,
		},
		Scheduler: SchedulerConfig{
			Interval:      engine.DefaultSchedulerInterval,
			MaxConcurrent: engine.DefaultMaxConcurrent,
			Timezone:      "UTC",
		},
		Server: ServerConfig{
			ListenAddress:   ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Providers: []ProviderConfig{{
			Kind:      KindLocal,
			RateLimit: engine.RateLimit{PerSecond: 10, Burst: 20},
			Local:     local.DefaultConfig(),
		}},
		SSH: SSHConfig{
			Config:             *ssh.DefaultConfig("labforge"),
			AuthorizedKeysPath: ssh.DefaultAuthorizedKeysPath,
		},
		Policy: PolicyConfig{
			Limits: policy.DefaultLimits(),
		},
		Telemetry: *tel,
	}
}

// Load reads path over the defaults and applies LABFORGE_* overrides. An
// empty path loads the defaults alone.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Quota == nil {
		cfg.Quota = engine.QuotaConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the rules tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	durations := map[string]time.Duration{
		"orchestrator.dispatch_timeout":       c.Orchestrator.DispatchTimeout,
		"orchestrator.retry_initial_interval": c.Orchestrator.RetryInitialInterval,
		"orchestrator.key_task_timeout":       c.Orchestrator.KeyTaskTimeout,
		"scheduler.interval":                  c.Scheduler.Interval,
	}
	for key, d := range durations {
		if d < 0 {
			return fmt.Errorf("invalid config: %s must not be negative", key)
		}
	}

	names := lo.Map(c.Providers, func(p ProviderConfig, _ int) string { return p.Name() })
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		return fmt.Errorf("invalid config: duplicate provider names %v", dups)
	}
	for _, p := range c.Providers {
		if p.RateLimit.PerSecond < 0 || p.RateLimit.Burst < 0 {
			return fmt.Errorf("invalid config: provider %s has a negative rate limit", p.Name())
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// Write renders c as YAML.
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// WriteFile writes c to path. An existing file is only replaced when
// overwrite is set.
func (c *Config) WriteFile(path string, overwrite bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := c.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
