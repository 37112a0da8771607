package raft

import (
	"container/heap"
)

// Clock is the deterministic time source exposed to replicated services.
// Its reading is the wall-time stamp the leader assigned to the command
// currently being applied, so every replica observes the same sequence of
// times. Service code must never consult the host clock.
type Clock struct {
	now uint64
}

// Time returns the current replicated time in milliseconds.
func (c *Clock) Time() uint64 {
	return c.now
}

// advance moves the clock forward. Readings are monotone: a command stamped
// earlier than the current reading does not move the clock backwards.
func (c *Clock) advance(t uint64) {
	if t > c.now {
		c.now = t
	}
}

// ScheduledTimer is a handle to a callback scheduled against the replicated
// clock. A canceled timer never fires.
type ScheduledTimer struct {
	deadline uint64
	seq      uint64
	fn       func()
	canceled bool
}

// Cancel prevents the timer from firing.
func (t *ScheduledTimer) Cancel() {
	t.canceled = true
}

// Deadline returns the absolute replicated timestamp the timer fires at.
func (t *ScheduledTimer) Deadline() uint64 {
	return t.deadline
}

type timerQueue []*ScheduledTimer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].deadline != q[j].deadline {
		return q[i].deadline < q[j].deadline
	}
	return q[i].seq < q[j].seq
}

func (q timerQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *timerQueue) Push(x interface{}) { *q = append(*q, x.(*ScheduledTimer)) }

func (q *timerQueue) Pop() interface{} {
	old := *q
	n := len(old)
	timer := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return timer
}

// Scheduler schedules callbacks at replicated timestamps. Callbacks run on
// the apply goroutine once the clock reaches their deadline, in
// deadline order, and never interleave with command application.
type Scheduler struct {
	clock  *Clock
	timers timerQueue
	seq    uint64
}

// NewScheduler creates a scheduler driven by the provided clock.
func NewScheduler(clock *Clock) *Scheduler {
	return &Scheduler{clock: clock}
}

// ScheduleAfter schedules fn to run after the provided duration relative to
// the current replicated time.
func (s *Scheduler) ScheduleAfter(duration uint64, fn func()) *ScheduledTimer {
	return s.ScheduleAt(s.clock.Time()+duration, fn)
}

// ScheduleAt schedules fn to run at the provided absolute replicated
// timestamp.
func (s *Scheduler) ScheduleAt(deadline uint64, fn func()) *ScheduledTimer {
	s.seq++
	timer := &ScheduledTimer{deadline: deadline, seq: s.seq, fn: fn}
	heap.Push(&s.timers, timer)
	return timer
}

// advance moves the clock to the provided time and fires every live timer
// whose deadline has been reached.
func (s *Scheduler) advance(t uint64) {
	s.clock.advance(t)
	for len(s.timers) > 0 && s.timers[0].deadline <= s.clock.Time() {
		timer := heap.Pop(&s.timers).(*ScheduledTimer)
		if timer.canceled {
			continue
		}
		timer.fn()
	}
}

// reset cancels and discards all outstanding timers. Used on snapshot
// install: timers are rebuilt from the restored durable state.
func (s *Scheduler) reset() {
	for _, timer := range s.timers {
		timer.canceled = true
	}
	s.timers = nil
}
