package schedule

import (
	"sync"
	"time"
)

// Manual is a Scheduler whose clock only moves when Advance is called.
// Due callbacks run on the goroutine calling Advance, in due-time order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	id       int
	interval time.Duration
	next     time.Time
	fn       func()
	stopped  bool
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Every(interval time.Duration, fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTimer{
		id:       m.seq,
		interval: interval,
		next:     m.now.Add(interval),
		fn:       fn,
	}
	m.timers = append(m.timers, t)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		t.stopped = true
		m.removeLocked(t)
	}
}

// Advance moves the clock forward by d, firing every callback that falls due.
// A timer due several times within d fires once per interval.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		t := m.nextDueLocked(target)
		if t == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = t.next
		t.next = t.next.Add(t.interval)
		fn := t.fn
		m.mu.Unlock()

		fn()
	}
}

// Pending returns the number of active timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) nextDueLocked(target time.Time) *manualTimer {
	var due *manualTimer
	for _, t := range m.timers {
		if t.stopped || t.next.After(target) {
			continue
		}
		if due == nil || t.next.Before(due.next) || (t.next.Equal(due.next) && t.id < due.id) {
			due = t
		}
	}
	return due
}

func (m *Manual) removeLocked(t *manualTimer) {
	for i, cur := range m.timers {
		if cur == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}
