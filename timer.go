package replsim

import "github.com/replsim/replsim/internal/random"

// Timer schedules a callback after a delay drawn from a distribution.
// Unlike a raw clock event a timer can be stopped before it fires and
// restarted, which is the mechanism for resetting election timeouts on
// heartbeat receipt. The delay is resampled on every start so that timers
// with a ranged delay, such as election timeouts, do not synchronize.
type Timer struct {
	clock    *Clock
	delay    random.Distribution
	callback func() error
	event    *Event
	running  bool
}

// NewTimer creates a stopped timer on the given clock.
func NewTimer(clock *Clock, delay random.Distribution, callback func() error) *Timer {
	return &Timer{clock: clock, delay: delay, callback: callback}
}

// Start schedules the callback after a freshly sampled delay. Starting a
// running timer is a no-op.
func (t *Timer) Start() {
	if t.running {
		return
	}
	t.running = true
	t.event = t.clock.Schedule(t.delay.Next(), t.fire)
}

// Stop cancels the pending callback. Stopping a timer that is not running
// is a no-op.
func (t *Timer) Stop() {
	if !t.running {
		return
	}
	t.event.Cancel()
	t.event = nil
	t.running = false
}

// Reset stops the timer and restarts it with the same parameters, sampling
// a new delay. It returns the timer for chaining.
func (t *Timer) Reset() *Timer {
	t.Stop()
	t.Start()
	return t
}

// Running reports whether the timer has a pending callback.
func (t *Timer) Running() bool {
	return t.running
}

func (t *Timer) fire() error {
	t.running = false
	t.event = nil
	return t.callback()
}

// Interval is a timer that re-arms itself after each fire, continuing until
// explicitly stopped. Anti-entropy rounds and leader heartbeats run on
// intervals.
type Interval struct {
	Timer
}

// NewInterval creates a stopped interval on the given clock.
func NewInterval(clock *Clock, delay random.Distribution, callback func() error) *Interval {
	i := &Interval{}
	i.clock = clock
	i.delay = delay
	i.callback = i.rearm(callback)
	return i
}

func (i *Interval) rearm(callback func() error) func() error {
	return func() error {
		// Schedule the next round before the callback so that a callback
		// calling Stop cancels the pending round.
		i.running = true
		i.event = i.clock.Schedule(i.delay.Next(), i.callback)
		return callback()
	}
}
