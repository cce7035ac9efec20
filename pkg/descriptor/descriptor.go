// Package descriptor turns raw process records into validated,
// immutable launch descriptors.
package descriptor

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/afero"
	"mvdan.cc/sh/v3/shell"
	"mvdan.cc/sh/v3/syntax"

	"github.com/butter-bot-machines/corral/pkg/errors"
)

// InterpreterNone means the script is executed directly
const InterpreterNone = "none"

// DefaultIgnoreWatch lists base-name patterns never watched
var DefaultIgnoreWatch = []string{".git", "node_modules", "__pycache__", "*.log"}

// AllUnits is the name control commands use for the whole set; no unit
// may carry it
const AllUnits = "all"

// Raw is one process record as it appears in the configuration file.
// Unknown fields are ignored.
type Raw struct {
	Name             string            `yaml:"name"`
	Script           string            `yaml:"script"`
	Interpreter      string            `yaml:"interpreter"`
	Args             Args              `yaml:"args"`
	Cwd              string            `yaml:"cwd"`
	Env              map[string]string `yaml:"env"`
	EnvFile          string            `yaml:"env_file"`
	Autorestart      *bool             `yaml:"autorestart"`
	Watch            Watch             `yaml:"watch"`
	IgnoreWatch      []string          `yaml:"ignore_watch"`
	MaxMemoryRestart string            `yaml:"max_memory_restart"`
	OutFile          string            `yaml:"out_file"`
	ErrorFile        string            `yaml:"error_file"`
	Time             bool              `yaml:"time"`
	KillTimeout      string            `yaml:"kill_timeout"`
	MinUptime        string            `yaml:"min_uptime"`
	RestartDelay     string            `yaml:"restart_delay"`
	MaxRestarts      *int              `yaml:"max_restarts"`
	InheritEnv       *bool             `yaml:"inherit_env"`
}

// Descriptor is the validated launch record for one unit. It is never
// mutated after Build; a reload replaces it.
type Descriptor struct {
	Name string
	// Script is the configured script, kept for display
	Script string
	// Path is the executable; bare names are resolved at launch
	Path string
	Args []string
	Dir  string
	Env  map[string]string

	Autorestart bool
	Watch       []string
	IgnoreWatch []string
	// MemoryLimit is the resident memory ceiling in bytes, 0 for none
	MemoryLimit uint64

	OutFile    string
	ErrorFile  string
	Timestamps bool

	// Zero durations and a negative MaxRestarts defer to supervisor settings
	KillTimeout  time.Duration
	MinUptime    time.Duration
	RestartDelay time.Duration
	MaxRestarts  int
}

// BuildOptions carries the context a raw record is resolved in
type BuildOptions struct {
	// Fs reads env files (defaults to the OS filesystem)
	Fs afero.Fs
	// BaseDir resolves relative paths, normally the config file directory
	BaseDir string
	// LogDir holds default log files (defaults to BaseDir)
	LogDir string
	// Environ is inherited by units with inherit_env (KEY=value pairs)
	Environ []string
}

// Build validates raw and produces a descriptor, or a ValidationError
// naming the offending field. Nothing is launched and no file other
// than the env file is read.
func Build(raw Raw, opts BuildOptions) (*Descriptor, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.LogDir == "" {
		opts.LogDir = opts.BaseDir
	}

	name := strings.TrimSpace(raw.Name)
	if err := validName(name); err != nil {
		return nil, invalid(name, "name", "%v", err)
	}
	if strings.TrimSpace(raw.Script) == "" {
		return nil, invalid(name, "script", "must not be empty")
	}

	d := &Descriptor{
		Name:        name,
		Script:      raw.Script,
		Autorestart: raw.Autorestart == nil || *raw.Autorestart,
		Timestamps:  raw.Time,
		MaxRestarts: -1,
	}

	d.Dir = opts.BaseDir
	if raw.Cwd != "" {
		d.Dir = resolve(opts.BaseDir, raw.Cwd)
	}

	env, err := buildEnv(raw, opts)
	if err != nil {
		return nil, err.WithUnit(name)
	}
	d.Env = env

	args, err := buildArgs(raw, env)
	if err != nil {
		return nil, err.WithUnit(name)
	}
	interp := strings.TrimSpace(raw.Interpreter)
	if interp == "" || interp == InterpreterNone {
		d.Path = executable(d.Dir, raw.Script)
		d.Args = args
	} else {
		d.Path = executable(d.Dir, interp)
		d.Args = append([]string{resolve(d.Dir, raw.Script)}, args...)
	}

	if raw.MaxMemoryRestart != "" {
		limit, err := ParseMemory(raw.MaxMemoryRestart)
		if err != nil {
			return nil, invalid(name, "max_memory_restart", "%v", err)
		}
		d.MemoryLimit = limit
	}

	durations := []struct {
		field string
		src   string
		dst   *time.Duration
	}{
		{"kill_timeout", raw.KillTimeout, &d.KillTimeout},
		{"min_uptime", raw.MinUptime, &d.MinUptime},
		{"restart_delay", raw.RestartDelay, &d.RestartDelay},
	}
	for _, f := range durations {
		if f.src == "" {
			continue
		}
		v, err := ParseDuration(f.src)
		if err != nil {
			return nil, invalid(name, f.field, "%v", err)
		}
		*f.dst = v
	}

	if raw.MaxRestarts != nil {
		if *raw.MaxRestarts < 0 {
			return nil, invalid(name, "max_restarts", "must not be negative")
		}
		d.MaxRestarts = *raw.MaxRestarts
	}

	if raw.Watch.Enabled {
		paths := raw.Watch.Paths
		if len(paths) == 0 {
			paths = []string{"."}
		}
		for _, p := range paths {
			d.Watch = append(d.Watch, resolve(d.Dir, p))
		}
		d.IgnoreWatch = DefaultIgnoreWatch
		if raw.IgnoreWatch != nil {
			d.IgnoreWatch = raw.IgnoreWatch
		}
		for _, pat := range d.IgnoreWatch {
			if _, err := filepath.Match(pat, ""); err != nil {
				return nil, invalid(name, "ignore_watch", "bad pattern %q", pat)
			}
		}
	}

	d.OutFile = resolve(opts.BaseDir, raw.OutFile)
	if raw.OutFile == "" {
		d.OutFile = filepath.Join(opts.LogDir, name+"-out.log")
	}
	d.ErrorFile = resolve(opts.BaseDir, raw.ErrorFile)
	if raw.ErrorFile == "" {
		d.ErrorFile = filepath.Join(opts.LogDir, name+"-error.log")
	}

	return d, nil
}

// ValidateSet rejects descriptor sets that reuse a name
func ValidateSet(descs []*Descriptor) error {
	seen := make(map[string]struct{}, len(descs))
	for _, d := range descs {
		if _, dup := seen[d.Name]; dup {
			return invalid(d.Name, "name", "duplicate name")
		}
		seen[d.Name] = struct{}{}
	}
	return nil
}

// Equal reports whether two descriptors launch the same unit the same way
func (d *Descriptor) Equal(o *Descriptor) bool {
	if d == nil || o == nil {
		return d == o
	}
	return reflect.DeepEqual(d, o)
}

// Argv returns the full argument vector including the executable
func (d *Descriptor) Argv() []string {
	return append([]string{d.Path}, d.Args...)
}

// Environ returns the environment as sorted KEY=value pairs
func (d *Descriptor) Environ() []string {
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+d.Env[k])
	}
	return env
}

func buildEnv(raw Raw, opts BuildOptions) (map[string]string, *errors.Error) {
	env := make(map[string]string)
	if raw.InheritEnv == nil || *raw.InheritEnv {
		for _, kv := range opts.Environ {
			if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
				env[k] = v
			}
		}
	}

	if raw.EnvFile != "" {
		path := resolve(opts.BaseDir, raw.EnvFile)
		f, err := opts.Fs.Open(path)
		if err != nil {
			return nil, errors.ValidationError.Wrap(err, "cannot read env file").WithField("env_file")
		}
		vars, err := ParseEnvFile(f, path, env)
		f.Close()
		if err != nil {
			return nil, errors.ValidationError.Wrap(err, "cannot parse env file").WithField("env_file")
		}
		for k, v := range vars {
			env[k] = v
		}
	}

	for k, v := range raw.Env {
		if !syntax.ValidName(k) {
			return nil, errors.New(errors.ValidationError, "invalid variable name %q", k).WithField("env")
		}
		env[k] = v
	}
	return env, nil
}

func buildArgs(raw Raw, env map[string]string) ([]string, *errors.Error) {
	if raw.Args.IsList {
		return append([]string(nil), raw.Args.List...), nil
	}
	if raw.Args.Empty() {
		return nil, nil
	}
	args, err := shell.Fields(raw.Args.Line, func(k string) string { return env[k] })
	if err != nil {
		return nil, errors.ValidationError.Wrap(err, "cannot split args").WithField("args")
	}
	return args, nil
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("must not be empty")
	}
	if name == AllUnits {
		return fmt.Errorf("%q is reserved for addressing every unit", name)
	}
	if name == "." || name == ".." || strings.HasPrefix(name, "-") {
		return fmt.Errorf("%q is not a valid name", name)
	}
	for _, r := range name {
		if r == '/' || r == '\\' || unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%q contains %q", name, r)
		}
	}
	return nil
}

func invalid(unit, field, msg string, args ...interface{}) *errors.Error {
	return errors.New(errors.ValidationError, msg, args...).WithUnit(unit).WithField(field)
}

// resolve joins relative paths onto base
func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// executable resolves paths containing a separator and leaves bare names
// for a PATH lookup at launch
func executable(dir, p string) string {
	p = strings.TrimSpace(p)
	if !strings.ContainsRune(p, filepath.Separator) {
		return p
	}
	return resolve(dir, p)
}
