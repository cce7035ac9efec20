package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butter-bot-machines/corral/pkg/config"
	"github.com/butter-bot-machines/corral/pkg/config/env"
	"github.com/butter-bot-machines/corral/pkg/control"
	"github.com/butter-bot-machines/corral/pkg/errors"
	"github.com/butter-bot-machines/corral/pkg/supervisor"
)

func init() {
	color.NoColor = true
}

type stubDoer struct {
	mu       sync.Mutex
	socket   string
	requests []control.Request
	resp     control.Response
	err      error
}

func (s *stubDoer) Do(_ context.Context, req control.Request) (control.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.resp, s.err
}

func newTestCLI(vars map[string]string, doer *stubDoer) (*CLI, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	opts := []Option{
		WithIO(strings.NewReader(""), &out, &errOut),
		WithEnvironment(env.FromMap(vars)),
	}
	if doer != nil {
		opts = append(opts, WithDialer(func(socket string) control.Doer {
			doer.socket = socket
			return doer
		}))
	}
	return NewCLI(opts...), &out, &errOut
}

func TestCLIRun(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantOut  string
	}{
		{name: "no arguments", args: []string{}, wantCode: 2},
		{name: "unknown command", args: []string{"unknown"}, wantCode: 2},
		{name: "version command", args: []string{"version"}, wantOut: "corral v" + Version},
		{name: "help", args: []string{"help"}, wantOut: "usage: corral"},
		{name: "bad flag", args: []string{"status", "--bogus"}, wantCode: 2},
		{name: "start without name", args: []string{"start", "--socket", "/x.sock"}, wantCode: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli, out, _ := newTestCLI(nil, &stubDoer{})
			err := cli.Run(context.Background(), tt.args)
			if errors.Code(err) != tt.wantCode {
				t.Errorf("Run() error = %v, want code %d", err, tt.wantCode)
			}
			if tt.wantOut != "" && !strings.Contains(out.String(), tt.wantOut) {
				t.Errorf("output = %q, want %q", out.String(), tt.wantOut)
			}
		})
	}
}

func TestCLIRemote(t *testing.T) {
	doer := &stubDoer{resp: control.Response{OK: true, Units: []supervisor.Snapshot{
		{Name: "api", State: supervisor.StateRunning, PID: 77},
	}}}
	cli, out, _ := newTestCLI(nil, doer)

	err := cli.Run(context.Background(), []string{"restart", "--socket", "/run/corral.sock", "api"})
	require.NoError(t, err)
	assert.Equal(t, "/run/corral.sock", doer.socket)
	assert.Equal(t, []control.Request{{Command: "restart", Name: "api"}}, doer.requests)
	assert.Contains(t, out.String(), "running")
	assert.Contains(t, out.String(), "77")
}

func TestCLIRemote_Failure(t *testing.T) {
	doer := &stubDoer{resp: control.Failure(errors.New(errors.NotFoundError, "unit not found").WithUnit("ghost"))}
	cli, _, _ := newTestCLI(map[string]string{config.EnvSocket: "/env.sock"}, doer)

	err := cli.Run(context.Background(), []string{"stop", "ghost"})
	require.Error(t, err)
	assert.Equal(t, 3, errors.Code(err))
	assert.Contains(t, err.Error(), "ghost")
	assert.Equal(t, "/env.sock", doer.socket)
}

func TestCLIRemote_Unreachable(t *testing.T) {
	cli, _, _ := newTestCLI(nil, nil)
	sock := filepath.Join(t.TempDir(), "nobody.sock")

	err := cli.Run(context.Background(), []string{"status", "--socket", sock})
	require.Error(t, err)
	assert.Equal(t, errors.Unavailable.Code(), errors.Code(err))
}

func TestResolveSocket(t *testing.T) {
	dir := t.TempDir()
	withSocket := filepath.Join(dir, "with-socket.yaml")
	require.NoError(t, os.WriteFile(withSocket, []byte("supervisor:\n  socket: /cfg.sock\napps: []\n"), 0o644))
	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("supervisor: [\n"), 0o644))

	tests := []struct {
		name    string
		vars    map[string]string
		flags   clientFlags
		want    string
		wantErr bool
	}{
		{name: "flag wins", vars: map[string]string{config.EnvSocket: "/env.sock"}, flags: clientFlags{socket: "/flag.sock", config: withSocket}, want: "/flag.sock"},
		{name: "environment", vars: map[string]string{config.EnvSocket: "/env.sock"}, flags: clientFlags{config: withSocket}, want: "/env.sock"},
		{name: "config flag", flags: clientFlags{config: withSocket}, want: "/cfg.sock"},
		{name: "config environment", vars: map[string]string{config.EnvConfig: withSocket}, want: "/cfg.sock"},
		{name: "default", want: config.DefaultSocket()},
		{name: "missing explicit config", flags: clientFlags{config: filepath.Join(dir, "nope.yaml")}, wantErr: true},
		{name: "broken config", flags: clientFlags{config: broken}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli, _, _ := newTestCLI(tt.vars, nil)
			got, err := cli.resolveSocket(tt.flags)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCLIConsole(t *testing.T) {
	doer := &stubDoer{resp: control.Response{OK: true}}
	var out, errOut bytes.Buffer
	cli := NewCLI(
		WithIO(strings.NewReader("ping\nquit\n"), &out, &errOut),
		WithEnvironment(env.FromMap(nil)),
		WithDialer(func(string) control.Doer { return doer }),
	)

	require.NoError(t, cli.Run(context.Background(), []string{"console", "--socket", "/x.sock"}))
	assert.Contains(t, out.String(), "connected to /x.sock")
	assert.Contains(t, out.String(), "pong")
	assert.Len(t, doer.requests, 2)
}

// syncBuffer collects daemon logs written from several goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDaemon(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	dir, err := os.MkdirTemp("", "corral")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "ctl.sock")
	cfgPath := filepath.Join(dir, "corral.yaml")

	writeConfig := func(names ...string) {
		var b strings.Builder
		fmt.Fprintf(&b, "supervisor:\n  socket: %s\n  log_level: debug\n  kill_timeout: 500ms\napps:\n", sock)
		for _, n := range names {
			fmt.Fprintf(&b, "  - name: %s\n    script: %s\n    args: \"30\"\n    min_uptime: 10ms\n", n, sleep)
		}
		require.NoError(t, os.WriteFile(cfgPath, []byte(b.String()), 0o644))
	}
	writeConfig("sleeper")

	logs := &syncBuffer{}
	daemonCLI := NewCLI(
		WithIO(strings.NewReader(""), logs, logs),
		WithEnvironment(env.FromMap(nil)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- daemonCLI.Run(ctx, []string{"daemon", "-c", cfgPath}) }()

	client := func(args ...string) (string, error) {
		var out bytes.Buffer
		cli := NewCLI(WithIO(strings.NewReader(""), &out, &out), WithEnvironment(env.FromMap(nil)))
		err := cli.Run(context.Background(), append([]string{args[0], "-c", cfgPath}, args[1:]...))
		return out.String(), err
	}

	require.Eventually(t, func() bool {
		out, err := client("status", "sleeper")
		return err == nil && strings.Contains(out, "running")
	}, 10*time.Second, 50*time.Millisecond, "daemon never reported sleeper running; logs:\n%s", logs.String())

	out, err := client("stop", "sleeper")
	require.NoError(t, err)
	assert.Contains(t, out, "stopped")

	writeConfig("sleeper", "napper")
	out, err = client("reload")
	require.NoError(t, err)
	assert.Contains(t, out, "added    napper")

	out, err = client("status")
	require.NoError(t, err)
	assert.Contains(t, out, "napper")

	_, err = client("start", "ghost")
	assert.Equal(t, 3, errors.Code(err))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not shut down")
	}
	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err))
}

func TestDaemon_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "corral.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("apps:\n  - name: a\n    script: x\n  - name: a\n    script: y\n"), 0o644))

	cli, _, _ := newTestCLI(nil, nil)
	err := cli.Run(context.Background(), []string{"daemon", "-c", cfgPath})
	assert.Equal(t, errors.ValidationError.Code(), errors.Code(err))
}
