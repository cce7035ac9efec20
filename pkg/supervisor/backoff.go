package supervisor

import (
	"math"
	"time"

	"github.com/butter-bot-machines/corral/pkg/descriptor"
)

// Policy shapes restart delays and the crash budget
type Policy struct {
	// MinDelay is the first restart delay
	MinDelay time.Duration `yaml:"min_delay" json:"min_delay"`
	// MaxDelay caps the delay
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
	// Factor multiplies the delay on every consecutive crash
	Factor float64 `yaml:"factor" json:"factor"`
	// ResetAfter is the healthy run time that clears the cool-down
	ResetAfter time.Duration `yaml:"reset_after" json:"reset_after"`
	// Window is how long a crash counts against MaxRestarts
	Window time.Duration `yaml:"window" json:"window"`
	// MaxRestarts is the number of crashes tolerated inside Window
	MaxRestarts int `yaml:"max_restarts" json:"max_restarts"`
}

// DefaultPolicy returns the restart policy used when none is configured
func DefaultPolicy() Policy {
	return Policy{
		MinDelay:    100 * time.Millisecond,
		MaxDelay:    15 * time.Second,
		Factor:      1.5,
		ResetAfter:  30 * time.Second,
		Window:      60 * time.Second,
		MaxRestarts: 15,
	}
}

// forDescriptor applies per-unit overrides
func (p Policy) forDescriptor(d *descriptor.Descriptor) Policy {
	if d.RestartDelay > 0 {
		p.MinDelay = d.RestartDelay
	}
	if d.MaxRestarts >= 0 {
		p.MaxRestarts = d.MaxRestarts
	}
	if p.Factor < 1 {
		p.Factor = 1
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	return p
}

// backoff tracks the cool-down counter and recent crashes of one unit
type backoff struct {
	policy   Policy
	cooldown int
	crashes  []time.Time
	// breaches counts consecutive memory ceiling breaches
	breaches int
}

func newBackoff(p Policy) *backoff {
	return &backoff{policy: p}
}

// delay returns the restart delay for the current cool-down level
func (b *backoff) delay() time.Duration {
	return b.scaled(b.cooldown)
}

func (b *backoff) scaled(level int) time.Duration {
	d := float64(b.policy.MinDelay) * math.Pow(b.policy.Factor, float64(level))
	if d > float64(b.policy.MaxDelay) || math.IsInf(d, 0) {
		return b.policy.MaxDelay
	}
	return time.Duration(d)
}

// crash records a crash at now after a run of uptime. It returns the
// delay before the next start, or false when the crash budget of the
// window is exhausted.
func (b *backoff) crash(now time.Time, uptime time.Duration) (time.Duration, bool) {
	if b.policy.ResetAfter > 0 && uptime >= b.policy.ResetAfter {
		b.reset()
	}

	recent := b.crashes[:0]
	for _, t := range b.crashes {
		if now.Sub(t) < b.policy.Window {
			recent = append(recent, t)
		}
	}
	b.crashes = append(recent, now)

	if len(b.crashes) > b.policy.MaxRestarts {
		return 0, false
	}

	d := b.delay()
	b.cooldown++
	return d, true
}

// breach records a memory ceiling breach after a run of uptime and
// returns the delay before the replacement starts. The first breach of a
// series restarts at once; later ones back off like crashes without
// counting against the crash budget.
func (b *backoff) breach(uptime time.Duration) time.Duration {
	if b.policy.ResetAfter > 0 && uptime >= b.policy.ResetAfter {
		b.breaches = 0
	}
	b.breaches++
	if b.breaches == 1 {
		return 0
	}
	return b.scaled(b.breaches - 2)
}

func (b *backoff) reset() {
	b.cooldown = 0
	b.crashes = nil
	b.breaches = 0
}
