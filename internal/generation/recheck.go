package generation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/makeasinger/songgen/internal/client"
	"github.com/makeasinger/songgen/internal/model"
	"github.com/makeasinger/songgen/internal/schedule"
)

// RecheckConfig controls the slow path for tasks that outlived fast polling.
type RecheckConfig struct {
	Interval       time.Duration
	Cooldown       time.Duration
	MaxRetries     int
	RequestTimeout time.Duration
}

// RecheckCallbacks are invoked without the queue lock held. OnGaveUp is
// optional and runs once a task has used all of its retries.
type RecheckCallbacks struct {
	OnCompleted func(taskID string, res *client.PollResult)
	OnFailed    func(taskID string, err error)
	OnGaveUp    func(taskID string, retries int)
}

// RecheckQueue periodically rechecks tasks at long intervals until they
// finish or run out of retries. The sweep timer only runs while the queue is
// non-empty.
type RecheckQueue struct {
	jobs  client.JobService
	sched schedule.Scheduler
	cfg   RecheckConfig
	cb    RecheckCallbacks
	log   zerolog.Logger

	mu       sync.Mutex
	entries  map[string]*model.TimeoutEntry
	sweeping bool
	cancel   func()
	stopped  bool
}

// NewRecheckQueue creates a new RecheckQueue.
func NewRecheckQueue(jobs client.JobService, sched schedule.Scheduler, cfg RecheckConfig, cb RecheckCallbacks, log zerolog.Logger) *RecheckQueue {
	return &RecheckQueue{
		jobs:    jobs,
		sched:   sched,
		cfg:     cfg,
		cb:      cb,
		log:     log.With().Str("component", "recheck").Logger(),
		entries: make(map[string]*model.TimeoutEntry),
	}
}

// Add tracks taskID. The first recheck happens once the cooldown has passed.
func (q *RecheckQueue) Add(taskID string) {
	q.add(taskID, q.sched.Now())
}

// Resume tracks a task restored from persistence; lastChecked is when its
// status was last known.
func (q *RecheckQueue) Resume(taskID string, lastChecked time.Time) {
	q.add(taskID, lastChecked)
}

func (q *RecheckQueue) add(taskID string, lastChecked time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}
	if _, ok := q.entries[taskID]; ok {
		return
	}
	q.entries[taskID] = &model.TimeoutEntry{
		TaskID:        taskID,
		LastCheckedAt: lastChecked,
		MaxRetries:    q.cfg.MaxRetries,
	}
	if q.cancel == nil {
		q.cancel = q.sched.Every(q.cfg.Interval, q.sweep)
	}
	q.log.Info().Str("task_id", taskID).Msg("task moved to background recheck")
}

// Remove stops tracking taskID.
func (q *RecheckQueue) Remove(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, taskID)
	q.stopIfIdleLocked()
}

// Len returns the number of tracked tasks.
func (q *RecheckQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entry returns a copy of the entry for taskID.
func (q *RecheckQueue) Entry(taskID string) (model.TimeoutEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[taskID]
	if !ok {
		return model.TimeoutEntry{}, false
	}
	return *e, true
}

// Stop cancels the sweep timer and drops all entries.
func (q *RecheckQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	q.entries = make(map[string]*model.TimeoutEntry)
	q.stopIfIdleLocked()
}

func (q *RecheckQueue) stopIfIdleLocked() {
	if len(q.entries) == 0 && q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
}

func (q *RecheckQueue) sweep() {
	q.mu.Lock()
	if q.sweeping {
		q.mu.Unlock()
		return
	}
	q.sweeping = true
	now := q.sched.Now()
	var due []string
	for id, e := range q.entries {
		if now.Sub(e.LastCheckedAt) > q.cfg.Cooldown {
			due = append(due, id)
		}
	}
	q.mu.Unlock()

	sort.Strings(due)
	for _, id := range due {
		q.recheck(id)
	}

	q.mu.Lock()
	q.sweeping = false
	q.stopIfIdleLocked()
	q.mu.Unlock()
}

func (q *RecheckQueue) recheck(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.RequestTimeout)
	res, err := q.jobs.Poll(ctx, taskID)
	cancel()

	q.mu.Lock()
	e, ok := q.entries[taskID]
	if !ok {
		q.mu.Unlock()
		return
	}

	state, failure := classify(res, err)
	switch state {
	case PollStateCompleted:
		delete(q.entries, taskID)
		q.mu.Unlock()
		q.log.Info().Str("task_id", taskID).Msg("background task completed")
		q.cb.OnCompleted(taskID, res)
		return
	case PollStateFailed:
		delete(q.entries, taskID)
		q.mu.Unlock()
		q.log.Warn().Err(failure).Str("task_id", taskID).Msg("background task failed")
		q.cb.OnFailed(taskID, failure)
		return
	}

	e.RetryCount++
	e.LastCheckedAt = q.sched.Now()
	retries := e.RetryCount
	exhausted := e.Exhausted()
	if exhausted {
		delete(q.entries, taskID)
	}
	q.mu.Unlock()

	if err != nil {
		q.log.Debug().Err(err).Str("task_id", taskID).Int("retry", retries).Msg("recheck poll failed")
	}
	if exhausted {
		q.log.Debug().Str("task_id", taskID).Int("retries", retries).Msg("recheck retries exhausted, dropping task")
		if q.cb.OnGaveUp != nil {
			q.cb.OnGaveUp(taskID, retries)
		}
	}
}
