package worker

import (
	stderrors "errors"
	"runtime"
	"sync"
	"testing"

	"go.uber.org/atomic"

	"github.com/butter-bot-machines/corral/pkg/errors"
)

func TestNewPool(t *testing.T) {
	tests := []struct {
		name string
		size int
		want int
	}{
		{"default size", 0, min(runtime.NumCPU()*2, MaxSize)},
		{"custom size", 4, 4},
		{"capped size", 100, MaxSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewPool(tt.size).Size(); got != tt.want {
				t.Errorf("Size() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2)

	var running, peak atomic.Int32
	var mu sync.Mutex
	release := make(chan struct{})
	started := make(chan struct{}, 6)

	go func() {
		for i := 0; i < 6; i++ {
			p.Go(func() error {
				n := running.Inc()
				mu.Lock()
				if n > peak.Load() {
					peak.Store(n)
				}
				mu.Unlock()
				started <- struct{}{}
				<-release
				running.Dec()
				return nil
			})
		}
	}()

	<-started
	<-started
	if got := p.Active(); got != 2 {
		t.Errorf("Active() = %d, want 2", got)
	}
	close(release)
	for i := 0; i < 4; i++ {
		<-started
	}

	if err := p.Wait(); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestPool_CollectsErrors(t *testing.T) {
	p := NewPool(4)
	boom := stderrors.New("boom")

	p.Go(func() error { return nil })
	p.Go(func() error { return boom })
	p.Go(func() error { return errors.New(errors.NotFoundError, "unit %q not found", "api") })

	err := p.Wait()
	if err == nil {
		t.Fatal("Wait() should return the task errors")
	}
	if !stderrors.Is(err, boom) {
		t.Errorf("Wait() error %v should wrap boom", err)
	}
	if !errors.Is(err, errors.NotFoundError) {
		t.Errorf("Wait() error %v should carry NotFoundError", err)
	}
}
