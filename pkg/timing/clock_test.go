package timing

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestOrDefault(t *testing.T) {
	if OrDefault(nil) == nil {
		t.Fatal("OrDefault(nil) returned nil")
	}

	mock := NewMock()
	if got := OrDefault(mock); got != Clock(mock) {
		t.Errorf("OrDefault(mock) = %v, want the mock", got)
	}
}

func TestUptime(t *testing.T) {
	mock := NewMock()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.Set(start)

	if got := Uptime(mock, time.Time{}); got != 0 {
		t.Errorf("Uptime(zero) = %v, want 0", got)
	}

	mock.Add(90 * time.Second)
	if got := Uptime(mock, start); got != 90*time.Second {
		t.Errorf("Uptime = %v, want 90s", got)
	}
}

func TestMock_TimerOperations(t *testing.T) {
	t.Run("Timer", func(t *testing.T) {
		mock := NewMock()
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		mock.Set(now)

		timer := mock.Timer(time.Second)
		select {
		case <-timer.C:
			t.Error("Timer should not trigger before time advance")
		default:
		}

		mock.Add(time.Second)
		select {
		case got := <-timer.C:
			if !got.Equal(now.Add(time.Second)) {
				t.Errorf("Timer = %v, want %v", got, now.Add(time.Second))
			}
		default:
			t.Error("Timer should trigger after time advance")
		}
	})

	t.Run("Stop", func(t *testing.T) {
		mock := NewMock()
		timer := mock.Timer(time.Second)

		if !timer.Stop() {
			t.Error("Stop() should return true for active timer")
		}

		mock.Add(time.Second)
		select {
		case <-timer.C:
			t.Error("Timer should not trigger after being stopped")
		default:
		}
	})
}

func TestMock_AfterFunc(t *testing.T) {
	mock := NewMock()

	var calls int32
	timer := mock.AfterFunc(time.Second, func() {
		atomic.AddInt32(&calls, 1)
	})

	mock.Add(500 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("AfterFunc should not trigger before time advance")
	}

	mock.Add(500 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Error("AfterFunc should trigger after time advance")
	}

	timer.Reset(time.Second)
	timer.Stop()
	mock.Add(time.Second)
	time.Sleep(10 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("AfterFunc ran %d times, want 1 after Stop", got)
	}
}

func TestMock_Ticker(t *testing.T) {
	mock := NewMock()
	ticker := mock.Ticker(time.Second)
	defer ticker.Stop()

	for i := 0; i < 3; i++ {
		mock.Add(time.Second)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
}
