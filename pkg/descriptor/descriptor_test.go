package descriptor

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/butter-bot-machines/corral/pkg/errors"
)

func decodeRaw(t *testing.T, doc string) Raw {
	t.Helper()
	var raw Raw
	if err := yaml.Unmarshal([]byte(doc), &raw); err != nil {
		t.Fatalf("Failed to decode record: %v", err)
	}
	return raw
}

func testOptions(fs afero.Fs) BuildOptions {
	return BuildOptions{
		Fs:      fs,
		BaseDir: "/srv/app",
		LogDir:  "/var/log/corral",
		Environ: []string{"HOME=/home/pi", "PATH=/usr/bin"},
	}
}

func TestBuild_Defaults(t *testing.T) {
	raw := decodeRaw(t, `
name: dashboard
script: /usr/bin/python3
args: "main.py --port 8050"
cwd: dashboard
env:
  PYTHONUNBUFFERED: 1
`)

	d, err := Build(raw, testOptions(afero.NewMemMapFs()))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if !d.Autorestart {
		t.Error("autorestart should default to true")
	}
	if d.Watch != nil {
		t.Errorf("watch should default to off, got %v", d.Watch)
	}
	if d.MemoryLimit != 0 {
		t.Errorf("MemoryLimit = %d, want none", d.MemoryLimit)
	}
	if d.Dir != "/srv/app/dashboard" {
		t.Errorf("Dir = %q", d.Dir)
	}
	if got, want := d.Argv(), []string{"/usr/bin/python3", "main.py", "--port", "8050"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Argv() = %q, want %q", got, want)
	}
	if d.OutFile != "/var/log/corral/dashboard-out.log" || d.ErrorFile != "/var/log/corral/dashboard-error.log" {
		t.Errorf("log files = %q, %q", d.OutFile, d.ErrorFile)
	}
	if d.Env["PYTHONUNBUFFERED"] != "1" || d.Env["HOME"] != "/home/pi" {
		t.Errorf("Env = %v", d.Env)
	}
	if d.MaxRestarts != -1 || d.KillTimeout != 0 {
		t.Errorf("policy overrides should be unset, got %d %v", d.MaxRestarts, d.KillTimeout)
	}
}

func TestBuild_Interpreter(t *testing.T) {
	raw := decodeRaw(t, `
name: exporter
script: exporter.py
interpreter: python3
args: [--broker, "mqtt://localhost"]
`)

	d, err := Build(raw, testOptions(afero.NewMemMapFs()))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := []string{"python3", "/srv/app/exporter.py", "--broker", "mqtt://localhost"}
	if !reflect.DeepEqual(d.Argv(), want) {
		t.Errorf("Argv() = %q, want %q", d.Argv(), want)
	}
}

func TestBuild_ArgsQuotingAndExpansion(t *testing.T) {
	raw := decodeRaw(t, `
name: bot
script: ./bot
args: "--name 'my bot' --home $HOME"
`)

	d, err := Build(raw, testOptions(afero.NewMemMapFs()))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if d.Path != "/srv/app/bot" {
		t.Errorf("Path = %q", d.Path)
	}
	want := []string{"--name", "my bot", "--home", "/home/pi"}
	if !reflect.DeepEqual(d.Args, want) {
		t.Errorf("Args = %q, want %q", d.Args, want)
	}
}

func TestBuild_Policy(t *testing.T) {
	raw := decodeRaw(t, `
name: svc
script: /bin/svc
autorestart: false
max_memory_restart: 500M
kill_timeout: 3000
min_uptime: 2s
restart_delay: 250ms
max_restarts: 0
time: true
`)

	d, err := Build(raw, testOptions(afero.NewMemMapFs()))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if d.Autorestart {
		t.Error("autorestart should be false")
	}
	if d.MemoryLimit != 500*1024*1024 {
		t.Errorf("MemoryLimit = %d", d.MemoryLimit)
	}
	if d.KillTimeout != 3*time.Second || d.MinUptime != 2*time.Second || d.RestartDelay != 250*time.Millisecond {
		t.Errorf("durations = %v %v %v", d.KillTimeout, d.MinUptime, d.RestartDelay)
	}
	if d.MaxRestarts != 0 {
		t.Errorf("MaxRestarts = %d, want 0", d.MaxRestarts)
	}
	if !d.Timestamps {
		t.Error("time should enable timestamps")
	}
}

func TestBuild_Watch(t *testing.T) {
	t.Run("bool", func(t *testing.T) {
		d, err := Build(decodeRaw(t, "{name: w, script: /bin/w, watch: true}"), testOptions(nil))
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if !reflect.DeepEqual(d.Watch, []string{"/srv/app"}) {
			t.Errorf("Watch = %v", d.Watch)
		}
		if !reflect.DeepEqual(d.IgnoreWatch, DefaultIgnoreWatch) {
			t.Errorf("IgnoreWatch = %v", d.IgnoreWatch)
		}
	})

	t.Run("list", func(t *testing.T) {
		raw := decodeRaw(t, "{name: w, script: /bin/w, cwd: /opt/w, watch: [src, /etc/w.conf], ignore_watch: ['*.tmp']}")
		d, err := Build(raw, testOptions(nil))
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if !reflect.DeepEqual(d.Watch, []string{"/opt/w/src", "/etc/w.conf"}) {
			t.Errorf("Watch = %v", d.Watch)
		}
		if !reflect.DeepEqual(d.IgnoreWatch, []string{"*.tmp"}) {
			t.Errorf("IgnoreWatch = %v", d.IgnoreWatch)
		}
	})
}

func TestBuild_EnvFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/srv/app/.env", []byte(`
# bot credentials
export TOKEN=abc
CHAT_ID=42
DATA_DIR=$HOME/data
CHAT_ID=43
`), 0o644)

	raw := decodeRaw(t, `
name: bot
script: /bin/bot
env_file: .env
env:
  TOKEN: override
`)

	d, err := Build(raw, testOptions(fs))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	tests := map[string]string{
		"TOKEN":    "override",
		"CHAT_ID":  "43",
		"DATA_DIR": "/home/pi/data",
	}
	for k, want := range tests {
		if got := d.Env[k]; got != want {
			t.Errorf("Env[%s] = %q, want %q", k, got, want)
		}
	}
}

func TestBuild_InheritEnvOff(t *testing.T) {
	d, err := Build(decodeRaw(t, "{name: x, script: /bin/x, inherit_env: false, env: {A: b}}"), testOptions(nil))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := d.Environ(); !reflect.DeepEqual(got, []string{"A=b"}) {
		t.Errorf("Environ() = %v", got)
	}
}

func TestBuild_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"empty name", "{script: /bin/x}", "name"},
		{"name with slash", "{name: a/b, script: /bin/x}", "name"},
		{"name with space", "{name: 'a b', script: /bin/x}", "name"},
		{"reserved name", "{name: all, script: /bin/x}", "name"},
		{"missing script", "{name: x}", "script"},
		{"zero memory", "{name: x, script: /bin/x, max_memory_restart: 0}", "max_memory_restart"},
		{"negative memory", "{name: x, script: /bin/x, max_memory_restart: -5}", "max_memory_restart"},
		{"garbage memory", "{name: x, script: /bin/x, max_memory_restart: lots}", "max_memory_restart"},
		{"bad env key", "{name: x, script: /bin/x, env: {'1BAD': v}}", "env"},
		{"missing env file", "{name: x, script: /bin/x, env_file: missing.env}", "env_file"},
		{"bad duration", "{name: x, script: /bin/x, kill_timeout: soon}", "kill_timeout"},
		{"negative restarts", "{name: x, script: /bin/x, max_restarts: -1}", "max_restarts"},
		{"unterminated quote", "{name: x, script: /bin/x, args: \"'oops\"}", "args"},
		{"bad ignore pattern", "{name: x, script: /bin/x, watch: true, ignore_watch: ['[']}", "ignore_watch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(decodeRaw(t, tt.doc), testOptions(afero.NewMemMapFs()))
			if err == nil {
				t.Fatal("Build() should fail")
			}
			if !errors.Is(err, errors.ValidationError) {
				t.Errorf("error type = %v, want ValidationError", errors.GetType(err))
			}
			if e := errors.AsError(err); e == nil || e.Field() != tt.field {
				t.Errorf("field = %v, want %q (err: %v)", e.Field(), tt.field, err)
			}
		})
	}
}

func TestDuplicateKeysRejected(t *testing.T) {
	var raw Raw
	err := yaml.Unmarshal([]byte("name: x\nenv_file: a\nenv_file: b\n"), &raw)
	if err == nil || !strings.Contains(err.Error(), "already defined") {
		t.Errorf("duplicate keys should be rejected, got %v", err)
	}
}

func TestValidateSet(t *testing.T) {
	a, _ := Build(decodeRaw(t, "{name: a, script: /bin/a}"), testOptions(nil))
	b, _ := Build(decodeRaw(t, "{name: b, script: /bin/b}"), testOptions(nil))
	a2, _ := Build(decodeRaw(t, "{name: a, script: /bin/other}"), testOptions(nil))

	if err := ValidateSet([]*Descriptor{a, b}); err != nil {
		t.Errorf("ValidateSet() error = %v", err)
	}
	err := ValidateSet([]*Descriptor{a, b, a2})
	if !errors.Is(err, errors.ValidationError) {
		t.Errorf("duplicate names should fail validation, got %v", err)
	}
}

func TestEqual(t *testing.T) {
	opts := testOptions(nil)
	a, _ := Build(decodeRaw(t, "{name: a, script: /bin/a, args: '-v'}"), opts)
	same, _ := Build(decodeRaw(t, "{name: a, script: /bin/a, args: [-v]}"), opts)
	changed, _ := Build(decodeRaw(t, "{name: a, script: /bin/a, args: '-vv'}"), opts)

	if !a.Equal(same) {
		t.Error("string and list args with the same fields should be equal")
	}
	if a.Equal(changed) {
		t.Error("different args should not be equal")
	}
	if a.Equal(nil) {
		t.Error("descriptor should not equal nil")
	}
}

func TestParseMemory(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"500M", 500 << 20, true},
		{"200m", 200 << 20, true},
		{"1G", 1 << 30, true},
		{"64K", 64 << 10, true},
		{"200000000", 200000000, true},
		{"", 0, false},
		{"0", 0, false},
		{"-1M", 0, false},
		{"12Q", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMemory(tt.in)
			if (err == nil) != tt.ok {
				t.Fatalf("ParseMemory(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseMemory(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDuration("1500"); err != nil || d != 1500*time.Millisecond {
		t.Errorf("ParseDuration(1500) = %v, %v", d, err)
	}
	if d, err := ParseDuration("1m"); err != nil || d != time.Minute {
		t.Errorf("ParseDuration(1m) = %v, %v", d, err)
	}
	if _, err := ParseDuration("-2s"); err == nil {
		t.Error("negative durations should fail")
	}
}

func TestDefaultLogDirFollowsBaseDir(t *testing.T) {
	d, err := Build(decodeRaw(t, "{name: a, script: /bin/a}"), BuildOptions{BaseDir: "/cfg"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if d.OutFile != filepath.Join("/cfg", "a-out.log") {
		t.Errorf("OutFile = %q", d.OutFile)
	}
}
