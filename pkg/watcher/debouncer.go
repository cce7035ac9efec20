package watcher

import (
	"sync"
	"time"

	"github.com/butter-bot-machines/corral/pkg/timing"
)

// Debouncer coalesces rapid events
type Debouncer interface {
	// Debounce delays execution of fn until events for key settle
	Debounce(key string, fn func())
	// Stop cancels pending calls
	Stop()
}

type debouncer struct {
	delay    time.Duration
	maxDelay time.Duration
	clock    timing.Clock

	mu      sync.Mutex
	pending map[string]*pendingCall
	stopped bool
}

type pendingCall struct {
	timer *timing.Timer
	first time.Time
	fn    func()
}

// NewDebouncer creates a debouncer that runs the latest fn for a key once
// no event arrived for delay, or at the latest maxDelay after the first
// event of a burst
func NewDebouncer(delay, maxDelay time.Duration, clock timing.Clock) Debouncer {
	return &debouncer{
		delay:    delay,
		maxDelay: maxDelay,
		clock:    timing.OrDefault(clock),
		pending:  make(map[string]*pendingCall),
	}
}

func (d *debouncer) Debounce(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	now := d.clock.Now()
	p, ok := d.pending[key]
	if !ok {
		p = &pendingCall{first: now}
		d.pending[key] = p
	} else if p.timer != nil {
		p.timer.Stop()
	}
	p.fn = fn

	if d.maxDelay > 0 && now.Sub(p.first) >= d.maxDelay {
		delete(d.pending, key)
		go fn()
		return
	}

	wait := d.delay
	if d.maxDelay > 0 {
		// A burst never runs past first+maxDelay
		wait = min(wait, p.first.Add(d.maxDelay).Sub(now))
	}
	p.timer = d.clock.AfterFunc(wait, func() {
		d.fire(key, p)
	})
}

func (d *debouncer) fire(key string, p *pendingCall) {
	d.mu.Lock()
	if d.stopped || d.pending[key] != p {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	fn := p.fn
	d.mu.Unlock()

	fn()
}

func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	for _, p := range d.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	d.pending = nil
}
