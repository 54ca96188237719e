package generation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/makeasinger/songgen/internal/client"
	"github.com/makeasinger/songgen/internal/model"
	"github.com/makeasinger/songgen/internal/schedule"
)

// PollState is the fast polling state of one task.
type PollState int

const (
	PollStatePolling PollState = iota
	PollStateCompleted
	PollStateFailed
	PollStateExhausted
)

func (s PollState) String() string {
	switch s {
	case PollStatePolling:
		return "polling"
	case PollStateCompleted:
		return "completed"
	case PollStateFailed:
		return "failed"
	case PollStateExhausted:
		return "exhausted"
	}
	return fmt.Sprintf("PollState(%d)", int(s))
}

// PollerConfig bounds the fast polling loop.
type PollerConfig struct {
	Interval       time.Duration
	MaxAttempts    int
	MaxWindow      time.Duration
	RequestTimeout time.Duration
}

// PollCallbacks are invoked without any poller lock held. Exactly one of
// OnCompleted, OnFailed or OnExhausted fires per registered task, unless the
// task is unregistered first.
type PollCallbacks struct {
	// OnStatus reports the last known status after every successful
	// non-terminal poll.
	OnStatus    func(taskID string, status model.TaskStatus)
	OnCompleted func(taskID string, res *client.PollResult)
	OnFailed    func(taskID string, err error)
	OnExhausted func(taskID string)
}

// Poller drives the fast polling loop for registered tasks.
type Poller struct {
	jobs  client.JobService
	sched schedule.Scheduler
	cfg   PollerConfig
	log   zerolog.Logger

	mu    sync.Mutex
	tasks map[string]*pollTask
}

type pollTask struct {
	id        string
	startedAt time.Time
	attempts  int
	inFlight  bool
	cancel    func()
	cb        PollCallbacks
}

// NewPoller creates a new Poller.
func NewPoller(jobs client.JobService, sched schedule.Scheduler, cfg PollerConfig, log zerolog.Logger) *Poller {
	return &Poller{
		jobs:  jobs,
		sched: sched,
		cfg:   cfg,
		log:   log.With().Str("component", "poller").Logger(),
		tasks: make(map[string]*pollTask),
	}
}

// Register starts polling taskID. Registering an id twice is a no-op.
func (p *Poller) Register(taskID string, cb PollCallbacks) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.tasks[taskID]; ok {
		return
	}
	t := &pollTask{
		id:        taskID,
		startedAt: p.sched.Now(),
		cb:        cb,
	}
	p.tasks[taskID] = t
	t.cancel = p.sched.Every(p.cfg.Interval, func() { p.tick(taskID) })

	p.log.Debug().Str("task_id", taskID).Msg("polling started")
}

// Unregister stops polling taskID. The remote job is not affected.
func (p *Poller) Unregister(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.tasks[taskID]; ok {
		p.removeLocked(t)
	}
}

// Active reports whether taskID is still being polled.
func (p *Poller) Active(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[taskID]
	return ok
}

// Stop unregisters every task.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range p.tasks {
		p.removeLocked(t)
	}
}

func (p *Poller) removeLocked(t *pollTask) {
	t.cancel()
	delete(p.tasks, t.id)
}

func (p *Poller) tick(taskID string) {
	p.mu.Lock()
	t, ok := p.tasks[taskID]
	if !ok || t.inFlight {
		p.mu.Unlock()
		return
	}
	t.inFlight = true
	t.attempts++
	attempt := t.attempts
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RequestTimeout)
	res, err := p.jobs.Poll(ctx, taskID)
	cancel()

	p.mu.Lock()
	t.inFlight = false
	if p.tasks[taskID] != t {
		// unregistered while the poll was outstanding
		p.mu.Unlock()
		return
	}

	state, failure := classify(res, err)
	switch state {
	case PollStateCompleted, PollStateFailed:
		p.removeLocked(t)
		p.mu.Unlock()

		if state == PollStateCompleted {
			p.log.Info().Str("task_id", taskID).Int("attempt", attempt).Msg("task completed")
			t.cb.OnCompleted(taskID, res)
		} else {
			p.log.Warn().Err(failure).Str("task_id", taskID).Int("attempt", attempt).Msg("task failed")
			t.cb.OnFailed(taskID, failure)
		}
		return
	}

	elapsed := p.sched.Now().Sub(t.startedAt)
	exhausted := attempt > p.cfg.MaxAttempts || elapsed > p.cfg.MaxWindow
	if exhausted {
		p.removeLocked(t)
	}
	p.mu.Unlock()

	if err != nil {
		p.log.Warn().Err(err).Str("task_id", taskID).Int("attempt", attempt).Msg("poll failed")
	} else if t.cb.OnStatus != nil {
		t.cb.OnStatus(taskID, res.Status)
	}

	if exhausted {
		p.log.Info().
			Str("task_id", taskID).
			Int("attempts", attempt).
			Dur("elapsed", elapsed).
			Msg("fast polling exhausted")
		t.cb.OnExhausted(taskID)
	}
}

// classify maps one poll outcome onto the polling state machine. Transport
// and service errors are transient and keep the task polling.
func classify(res *client.PollResult, err error) (PollState, error) {
	if err != nil {
		return PollStatePolling, nil
	}

	switch res.Status {
	case model.TaskStatusCompleted:
		if res.MediaURL == "" {
			return PollStateFailed, model.ErrMissingMedia
		}
		return PollStateCompleted, nil
	case model.TaskStatusFailed:
		if res.Error != "" {
			return PollStateFailed, fmt.Errorf("%w: %s", model.ErrJobFailed, res.Error)
		}
		return PollStateFailed, model.ErrJobFailed
	}
	return PollStatePolling, nil
}
