package replsim

import "container/heap"

// Clock is the discrete event scheduler that drives a simulation. Time
// advances only when the clock is explicitly run forward, and all events due
// at the next earliest timestamp execute before the clock advances further.
// Ties are broken by scheduling order so that a run is deterministic for a
// fixed random seed.
type Clock struct {
	now    int64
	seq    uint64
	events eventQueue
}

// Event is a pending callback scheduled on the clock. A canceled event is
// skipped when its timestamp comes due.
type Event struct {
	time     int64
	seq      uint64
	callback func() error
	canceled bool
}

// Cancel prevents the event callback from running. Canceling an event that
// already fired is a no-op.
func (e *Event) Cancel() {
	e.canceled = true
}

// Time returns the simulation timestamp at which the event is due.
func (e *Event) Time() int64 {
	return e.time
}

// NewClock creates a clock at time zero with an empty event queue.
func NewClock() *Clock {
	return &Clock{}
}

// Now returns the current simulation time in milliseconds.
func (c *Clock) Now() int64 {
	return c.now
}

// Schedule arranges for callback to run after delay milliseconds and
// returns the pending event so the caller can cancel it. A negative delay
// is treated as zero.
func (c *Clock) Schedule(delay int64, callback func() error) *Event {
	if delay < 0 {
		delay = 0
	}
	event := &Event{time: c.now + delay, seq: c.seq, callback: callback}
	c.seq++
	heap.Push(&c.events, event)
	return event
}

// Step executes the next pending event, advancing the clock to its
// timestamp. It returns false when the queue is empty. An error returned by
// the event callback stops execution and is returned to the caller.
func (c *Clock) Step() (bool, error) {
	for c.events.Len() > 0 {
		event := heap.Pop(&c.events).(*Event)
		if event.canceled {
			continue
		}
		c.now = event.time
		if err := event.callback(); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Run executes events in timestamp order until the queue is exhausted or
// the next event would occur after the until timestamp. The first callback
// error aborts the run immediately.
func (c *Clock) Run(until int64) error {
	for c.events.Len() > 0 {
		if c.events[0].time > until {
			c.now = until
			return nil
		}
		if _, err := c.Step(); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of events waiting in the queue, canceled
// events included.
func (c *Clock) Pending() int {
	return c.events.Len()
}

// eventQueue is a min-heap ordered by (time, scheduling sequence).
type eventQueue []*Event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].time == q[j].time {
		return q[i].seq < q[j].seq
	}
	return q[i].time < q[j].time
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(*Event)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	event := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return event
}
