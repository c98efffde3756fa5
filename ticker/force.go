package ticker

import "time"

// Force implements the Ticker interface, but provides a manually driven tick
// channel so that tests can trigger time-based behavior on demand instead of
// waiting on the wall clock.
type Force struct {
	// Force is the channel the caller writes to in order to deliver a
	// tick to consumers of Ticks().
	Force chan time.Time

	ticks  chan time.Time
	paused bool
}

// A compile time check to ensure Force satisfies the Ticker interface.
var _ Ticker = (*Force)(nil)

// NewForce returns a manually driven Ticker. It starts unpaused: Ticks()
// exposes the Force channel until Pause is called.
func NewForce() *Force {
	f := &Force{
		Force: make(chan time.Time),
	}
	f.ticks = f.Force

	return f
}

// Ticks returns the manually driven channel, or nil while paused.
//
// NOTE: Part of the Ticker interface.
func (f *Force) Ticks() <-chan time.Time {
	if f.paused {
		return nil
	}

	return f.ticks
}

// Resume unblocks the tick channel.
//
// NOTE: Part of the Ticker interface.
func (f *Force) Resume() {
	f.paused = false
}

// Pause hides the tick channel, causing writes to Force to block until the
// ticker is resumed.
//
// NOTE: Part of the Ticker interface.
func (f *Force) Pause() {
	f.paused = true
}

// Stop pauses the ticker.
//
// NOTE: Part of the Ticker interface.
func (f *Force) Stop() {
	f.Pause()
}
