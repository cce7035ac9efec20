package os

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	proc "github.com/butter-bot-machines/corral/pkg/process"
)

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func waitDone(t *testing.T, p proc.Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestController_SpawnAndExit(t *testing.T) {
	sh := requireShell(t)
	c := NewController()

	p, err := c.Spawn(context.Background(), proc.Spec{
		Name: "echo",
		Path: sh,
		Args: []string{"-c", "echo out; echo err >&2; exit 3"},
		Env:  []string{"PATH=/usr/bin:/bin"},
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if p.PID() <= 0 {
		t.Errorf("Got PID %d", p.PID())
	}

	out, _ := io.ReadAll(p.Stdout())
	errOut, _ := io.ReadAll(p.Stderr())
	waitDone(t, p)

	if strings.TrimSpace(string(out)) != "out" || strings.TrimSpace(string(errOut)) != "err" {
		t.Errorf("Got stdout %q stderr %q", out, errOut)
	}
	if st := p.Status(); st.Code != 3 || st.Signal != "" {
		t.Errorf("Status() = %+v, want exit 3", st)
	}
	if err := p.Signal(syscall.SIGTERM); !errors.Is(err, proc.ErrNotRunning) {
		t.Errorf("Signal after exit = %v, want ErrNotRunning", err)
	}
}

func TestController_SignalReachesGroup(t *testing.T) {
	sh := requireShell(t)
	c := NewController()

	p, err := c.Spawn(context.Background(), proc.Spec{
		Path: sh,
		Args: []string{"-c", "sleep 30 & wait"},
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	go io.Copy(io.Discard, p.Stdout())
	go io.Copy(io.Discard, p.Stderr())

	if rss, err := p.Memory(); err != nil || rss == 0 {
		t.Logf("Memory() = %d, %v", rss, err)
	}

	if err := p.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal() error = %v", err)
	}
	waitDone(t, p)

	if st := p.Status(); st.Signal != "SIGTERM" {
		t.Errorf("Status() = %+v, want SIGTERM", st)
	}
}

func TestController_LaunchChecks(t *testing.T) {
	c := NewController()

	tests := []struct {
		name string
		spec proc.Spec
		want error
	}{
		{"missing executable", proc.Spec{Path: "/nonexistent/bin/app"}, proc.ErrNotExecutable},
		{"missing bare name", proc.Spec{Path: "corral-no-such-binary", Env: []string{"PATH=/nonexistent"}}, proc.ErrNotExecutable},
		{"missing dir", proc.Spec{Path: "/bin/sh", Dir: "/nonexistent/dir"}, proc.ErrInvalidDir},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Spawn(context.Background(), tt.spec)
			if !errors.Is(err, tt.want) {
				t.Errorf("Spawn() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestController_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewController().Spawn(ctx, proc.Spec{Path: "/bin/sh"}); err == nil {
		t.Error("Spawn with a cancelled context should fail")
	}
}
