// Package alarm implements the single pending one-shot interrupt the
// protocol loop polls for. The reference implementation traps SIGALRM and
// sets a process-wide flag from the signal handler; nothing else may touch
// protocol state from that handler. Clock reproduces the same contract with
// a timer goroutine instead of a signal: the goroutine's only job is to
// raise a flag.
package alarm

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock is a reusable one-shot alarm. The zero value is a disarmed Clock,
// the same value New returns.
type Clock struct {
	fired atomic.Bool

	mu    sync.Mutex
	timer *time.Timer
}

// New returns a disarmed Clock.
func New() *Clock {
	return &Clock{}
}

// Arm installs a new one-shot alarm that fires after d, clearing any
// previously pending fire and canceling whatever timer was running.
// Mirrors `signal(SIGALRM, tcp_alarm); alarm(RTT)` in the reference.
func (c *Clock) Arm(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.fired.Store(false)
	c.timer = time.AfterFunc(d, func() {
		c.fired.Store(true)
	})
}

// Disarm cancels a pending alarm without waiting for it to fire and clears
// the fired flag. Mirrors restoring the previous signal handler and
// itimer value on exit from listen/read/wait_for_ack.
func (c *Clock) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.fired.Store(false)
}

// Fired reports whether the armed alarm has gone off.
func (c *Clock) Fired() bool {
	return c.fired.Load()
}
