// Package config loads the corral configuration file: supervisor
// settings plus the list of apps to manage.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/butter-bot-machines/corral/pkg/descriptor"
	"github.com/butter-bot-machines/corral/pkg/errors"
	"github.com/butter-bot-machines/corral/pkg/logging"
	"github.com/butter-bot-machines/corral/pkg/supervisor"
)

// Config represents the root configuration structure. JSON input is
// accepted as well since it is valid YAML.
type Config struct {
	Supervisor SupervisorConfig `yaml:"supervisor" json:"supervisor"`
	Apps       []descriptor.Raw `yaml:"apps" json:"apps"`
}

// SupervisorConfig holds daemon-wide settings
type SupervisorConfig struct {
	// LogDir holds default app log files; relative to the config file
	LogDir    string `yaml:"log_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Socket    string `yaml:"socket"`

	KillTimeout   Duration `yaml:"kill_timeout"`
	MinUptime     Duration `yaml:"min_uptime"`
	PollInterval  Duration `yaml:"poll_interval"`
	WatchDebounce Duration `yaml:"watch_debounce"`

	// CgroupMemory additionally caps app memory with a cgroup
	CgroupMemory bool `yaml:"cgroup_memory"`
	// Concurrency bounds how many apps a reload touches at once
	Concurrency int `yaml:"concurrency"`

	Restart RestartConfig `yaml:"restart"`
}

// RestartConfig is the default restart policy
type RestartConfig struct {
	MinDelay    Duration `yaml:"min_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Factor      float64  `yaml:"factor"`
	ResetAfter  Duration `yaml:"reset_after"`
	Window      Duration `yaml:"window"`
	MaxRestarts *int     `yaml:"max_restarts"`
}

// Duration accepts a millisecond count or a Go duration string
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", n.Line)
	}
	v, err := descriptor.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// DefaultSocket returns the control socket path used when none is configured
func DefaultSocket() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("corral-%d.sock", os.Getuid()))
}

// Parse decodes a configuration document and applies defaults. Repeated
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.ValidationError.Wrap(err, "cannot parse configuration")
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	s := &c.Supervisor
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.LogFormat == "" {
		s.LogFormat = "text"
	}
	if s.Socket == "" {
		s.Socket = DefaultSocket()
	}
	if s.KillTimeout == 0 {
		s.KillTimeout = Duration(supervisor.DefaultKillTimeout)
	}
	if s.MinUptime == 0 {
		s.MinUptime = Duration(supervisor.DefaultMinUptime)
	}
	if s.PollInterval == 0 {
		s.PollInterval = Duration(supervisor.DefaultPollInterval)
	}
	if s.WatchDebounce == 0 {
		s.WatchDebounce = Duration(supervisor.DefaultWatchDebounce)
	}

	def := supervisor.DefaultPolicy()
	r := &s.Restart
	if r.MinDelay == 0 {
		r.MinDelay = Duration(def.MinDelay)
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = Duration(def.MaxDelay)
	}
	if r.Factor == 0 {
		r.Factor = def.Factor
	}
	if r.ResetAfter == 0 {
		r.ResetAfter = Duration(def.ResetAfter)
	}
	if r.Window == 0 {
		r.Window = Duration(def.Window)
	}
	if r.MaxRestarts == nil {
		n := def.MaxRestarts
		r.MaxRestarts = &n
	}
}

// Validate checks the supervisor settings. Apps are validated when they
// are turned into descriptors.
func (c *Config) Validate() error {
	s := c.Supervisor
	if _, err := logging.ParseLevel(s.LogLevel); err != nil {
		return invalid("supervisor.log_level", "%v", err)
	}
	if _, err := logging.ParseFormat(s.LogFormat); err != nil {
		return invalid("supervisor.log_format", "%v", err)
	}
	if s.Concurrency < 0 {
		return invalid("supervisor.concurrency", "must not be negative")
	}
	if s.Restart.Factor < 1 {
		return invalid("supervisor.restart.factor", "must be at least 1")
	}
	if s.Restart.MaxDelay < s.Restart.MinDelay {
		return invalid("supervisor.restart.max_delay", "must not be below min_delay")
	}
	if s.Restart.MaxRestarts != nil && *s.Restart.MaxRestarts < 0 {
		return invalid("supervisor.restart.max_restarts", "must not be negative")
	}
	return nil
}

// Policy returns the configured default restart policy
func (c *Config) Policy() supervisor.Policy {
	r := c.Supervisor.Restart
	p := supervisor.Policy{
		MinDelay:   r.MinDelay.D(),
		MaxDelay:   r.MaxDelay.D(),
		Factor:     r.Factor,
		ResetAfter: r.ResetAfter.D(),
		Window:     r.Window.D(),
	}
	if r.MaxRestarts != nil {
		p.MaxRestarts = *r.MaxRestarts
	}
	return p
}

// Level returns the configured log level
func (c *Config) Level() logging.Level {
	l, err := logging.ParseLevel(c.Supervisor.LogLevel)
	if err != nil {
		return logging.LevelInfo
	}
	return l
}

// Format returns the configured log format
func (c *Config) Format() logging.Format {
	f, err := logging.ParseFormat(c.Supervisor.LogFormat)
	if err != nil {
		return logging.FormatText
	}
	return f
}

func invalid(field, msg string, args ...interface{}) error {
	return errors.New(errors.ValidationError, msg, args...).WithField(field)
}
