package ticker

import (
	"sync"
	"time"
)

// Ticker defines a resumable ticker. It can be paused while idle so that no
// wall-clock ticks are produced, and resumed once there is work to pace.
// Implementations backed by a channel under test control allow deterministic
// unit tests of time-driven behavior.
type Ticker interface {
	// Ticks returns a read-only channel delivering ticks. The channel is
	// nil while the ticker is paused, which makes a select on it block
	// forever on that case.
	Ticks() <-chan time.Time

	// Resume starts or restarts the underlying ticker.
	Resume()

	// Pause suspends the underlying ticker, such that Ticks() stops
	// signaling at regular intervals.
	Pause()

	// Stop suspends the underlying ticker and releases its resources. The
	// ticker must not be used afterwards.
	Stop()
}

// T is the production implementation of Ticker, backed by a time.Ticker that
// is allocated on Resume and released on Pause.
type T struct {
	interval time.Duration

	mtx    sync.Mutex
	ticker *time.Ticker
}

// A compile time check to ensure T satisfies the Ticker interface.
var _ Ticker = (*T)(nil)

// New returns a paused Ticker signaling at the given interval once resumed.
func New(interval time.Duration) *T {
	return &T{
		interval: interval,
	}
}

// Ticks returns the underlying time.Ticker's channel, or nil if the ticker is
// paused.
//
// NOTE: Part of the Ticker interface.
func (t *T) Ticks() <-chan time.Time {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.ticker == nil {
		return nil
	}

	return t.ticker.C
}

// Resume starts underlying time.Ticker, if not already started.
//
// NOTE: Part of the Ticker interface.
func (t *T) Resume() {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.ticker == nil {
		t.ticker = time.NewTicker(t.interval)
	}
}

// Pause suspends the underlying time.Ticker, if not already suspended.
//
// NOTE: Part of the Ticker interface.
func (t *T) Pause() {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.ticker != nil {
		t.ticker.Stop()
		t.ticker = nil
	}
}

// Stop suspends the underlying time.Ticker.
//
// NOTE: Part of the Ticker interface.
func (t *T) Stop() {
	t.Pause()
}
