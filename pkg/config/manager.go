package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/butter-bot-machines/corral/pkg/descriptor"
	"github.com/butter-bot-machines/corral/pkg/errors"
)

// DefaultFile is the configuration file looked up in the working directory
const DefaultFile = "corral.yaml"

// Manager handles configuration loading
type Manager struct {
	mu      sync.RWMutex
	config  *Config
	path    string
	fs      afero.Fs
	env     Environment
	environ Environ
}

// Option configures a Manager
type Option func(*Manager)

// WithFs sets the filesystem the configuration and env files are read from
func WithFs(fs afero.Fs) Option {
	return func(m *Manager) { m.fs = fs }
}

// WithEnvironment sets where CORRAL_* overrides are read from
func WithEnvironment(env Environment) Option {
	return func(m *Manager) { m.env = env }
}

// WithEnviron sets the environment inherited by apps
func WithEnviron(fn Environ) Option {
	return func(m *Manager) { m.environ = fn }
}

// NewManager creates a configuration manager for the file at path
func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{
		path:    path,
		fs:      afero.NewOsFs(),
		environ: os.Environ,
	}
	for _, opt := range opts {
		opt(m)
	}
	if abs, err := filepath.Abs(path); err == nil {
		m.path = abs
	}
	return m
}

// Path returns the absolute path of the configuration file
func (m *Manager) Path() string {
	return m.path
}

// Dir returns the directory relative paths are resolved against
func (m *Manager) Dir() string {
	return filepath.Dir(m.path)
}

// Load reads, parses and validates the configuration file, applying
// environment overrides. The previous configuration stays in place when
// loading fails.
func (m *Manager) Load() (*Config, error) {
	data, err := afero.ReadFile(m.fs, m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundError.Wrap(err, "configuration file %s not found", m.path)
		}
		return nil, errors.InternalError.Wrap(err, "cannot read configuration")
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	m.applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &cfg.Supervisor
	if s.LogDir == "" {
		s.LogDir = m.Dir()
	} else if !filepath.IsAbs(s.LogDir) {
		s.LogDir = filepath.Join(m.Dir(), s.LogDir)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return cfg, nil
}

// Get returns the last successfully loaded configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Descriptors validates every app of cfg and returns their descriptors.
// All invalid apps are reported together.
func (m *Manager) Descriptors(cfg *Config) ([]*descriptor.Descriptor, error) {
	opts := descriptor.BuildOptions{
		Fs:      m.fs,
		BaseDir: m.Dir(),
		LogDir:  cfg.Supervisor.LogDir,
		Environ: m.environ(),
	}

	errs := errors.NewAggregate()
	descs := make([]*descriptor.Descriptor, 0, len(cfg.Apps))
	for i, raw := range cfg.Apps {
		d, err := descriptor.Build(raw, opts)
		if err != nil {
			if raw.Name == "" {
				err = errors.ValidationError.Wrap(err, "app #%d", i+1)
			}
			errs.Add(err)
			continue
		}
		descs = append(descs, d)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	if err := descriptor.ValidateSet(descs); err != nil {
		return nil, err
	}
	return descs, nil
}

// LoadDescriptors loads the file and builds its descriptors in one step
func (m *Manager) LoadDescriptors() (*Config, []*descriptor.Descriptor, error) {
	cfg, err := m.Load()
	if err != nil {
		return nil, nil, err
	}
	descs, err := m.Descriptors(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, descs, nil
}

func (m *Manager) applyEnv(cfg *Config) {
	if m.env == nil {
		return
	}
	s := &cfg.Supervisor
	if v := m.env.GetString(EnvLogLevel); v != "" {
		s.LogLevel = v
	}
	if v := m.env.GetString(EnvLogDir); v != "" {
		s.LogDir = v
	}
	if v := m.env.GetString(EnvSocket); v != "" {
		s.Socket = v
	}
}
