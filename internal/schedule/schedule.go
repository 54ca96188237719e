// Package schedule provides recurring timers with explicit cancel handles.
//
// Realtime runs each job on its own goroutine driven by a time.Ticker, so a
// job's callback never overlaps with itself. Manual runs callbacks
// synchronously from Advance, which lets tests step through polling loops
// deterministically.
package schedule

import (
	"sync"
	"time"
)

// Scheduler runs functions on a fixed interval.
type Scheduler interface {
	Now() time.Time
	// Every calls fn every interval until the returned cancel is called.
	// The first call happens one interval after registration. cancel is
	// idempotent and may be called from inside fn.
	Every(interval time.Duration, fn func()) (cancel func())
}

// Realtime is a Scheduler backed by the wall clock.
type Realtime struct{}

// NewRealtime returns a wall clock scheduler.
func NewRealtime() *Realtime {
	return &Realtime{}
}

func (Realtime) Now() time.Time {
	return time.Now()
}

func (Realtime) Every(interval time.Duration, fn func()) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				select {
				case <-done:
					return
				default:
				}
				fn()
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}
