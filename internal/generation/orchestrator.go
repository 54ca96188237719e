// Package generation runs the song generation lifecycle for one principal:
// admission against the credit ledger, submission to the job service, fast
// polling with escalation to a slow recheck queue, and reconciliation of
// results into the local cache and remote persistence.
package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/makeasinger/songgen/internal/cache"
	"github.com/makeasinger/songgen/internal/client"
	"github.com/makeasinger/songgen/internal/config"
	"github.com/makeasinger/songgen/internal/model"
	"github.com/makeasinger/songgen/internal/schedule"
	"github.com/makeasinger/songgen/internal/store"
)

// CreditLedger reads balances and performs the guarded debit.
type CreditLedger interface {
	Balance(ctx context.Context, principal string) (int64, error)
	Debit(ctx context.Context, principal string, amount int64) (bool, error)
}

// ArtifactSyncer retries remote artifact upserts in the background.
type ArtifactSyncer interface {
	EnqueueArtifactSync(ctx context.Context, principal string, artifact *model.GeneratedArtifact) error
}

// Deps are the collaborators shared by all orchestrators. Media and Sync
// are optional.
type Deps struct {
	Jobs      client.JobService
	Store     store.Persistence
	Cache     cache.ArtifactCache
	Ledger    CreditLedger
	Media     client.MediaStorage
	Sync      ArtifactSyncer
	Scheduler schedule.Scheduler
	Validate  *validator.Validate
	Log       zerolog.Logger
}

// Config holds admission and polling parameters.
type Config struct {
	Cost           int64
	Poll           PollerConfig
	Recheck        RecheckConfig
	RequestTimeout time.Duration
}

// ConfigFrom converts the service configuration.
func ConfigFrom(cfg config.GenerationConfig) Config {
	return Config{
		Cost: cfg.Cost,
		Poll: PollerConfig{
			Interval:       cfg.PollInterval,
			MaxAttempts:    cfg.MaxPollAttempts,
			MaxWindow:      cfg.MaxPollWindow,
			RequestTimeout: cfg.RequestTimeout,
		},
		Recheck: RecheckConfig{
			Interval:       cfg.RecheckInterval,
			Cooldown:       cfg.RecheckCooldown,
			MaxRetries:     cfg.RecheckMaxRetries,
			RequestTimeout: cfg.RequestTimeout,
		},
		RequestTimeout: cfg.RequestTimeout,
	}
}

// Orchestrator admits at most one generation at a time for its principal.
type Orchestrator struct {
	principal string
	deps      Deps
	cfg       Config
	log       zerolog.Logger

	poller *Poller
	queue  *RecheckQueue

	mu         sync.Mutex
	generating bool
	activeTask string
	balance    int64
	artifacts  []model.GeneratedArtifact
	requests   map[string]model.GenerationRequest
	observers  []Observer

	// serializes snapshot+write so the cache never regresses
	cacheMu sync.Mutex
}

// NewOrchestrator creates an Orchestrator for principal.
func NewOrchestrator(principal string, deps Deps, cfg Config) *Orchestrator {
	if deps.Validate == nil {
		deps.Validate = validator.New()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	o := &Orchestrator{
		principal: principal,
		deps:      deps,
		cfg:       cfg,
		log:       deps.Log.With().Str("principal", principal).Logger(),
		artifacts: []model.GeneratedArtifact{},
		requests:  make(map[string]model.GenerationRequest),
	}
	o.poller = NewPoller(deps.Jobs, deps.Scheduler, cfg.Poll, o.log)
	o.queue = NewRecheckQueue(deps.Jobs, deps.Scheduler, cfg.Recheck, RecheckCallbacks{
		OnCompleted: o.onBackgroundCompleted,
		OnFailed:    o.onBackgroundFailed,
		OnGaveUp:    o.onBackgroundGaveUp,
	}, o.log)
	return o
}

// Principal returns the owning principal.
func (o *Orchestrator) Principal() string {
	return o.principal
}

// Subscribe registers obs for lifecycle events.
func (o *Orchestrator) Subscribe(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, obs)
}

// Submit admits and submits one generation request. It returns once the job
// has been accepted by the job service; progress is reported via events.
func (o *Orchestrator) Submit(ctx context.Context, req *model.GenerationRequest) error {
	o.mu.Lock()
	if o.generating {
		o.mu.Unlock()
		return model.ErrAlreadyInProgress
	}
	if o.principal == "" {
		o.mu.Unlock()
		return model.ErrUnauthenticated
	}
	o.generating = true
	o.mu.Unlock()

	admitted := false
	defer func() {
		if !admitted {
			o.mu.Lock()
			o.generating = false
			o.mu.Unlock()
		}
	}()

	if req == nil {
		return fmt.Errorf("%w: empty request", model.ErrInvalidRequest)
	}
	if err := o.deps.Validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
	}

	balance, err := o.deps.Ledger.Balance(ctx, o.principal)
	if err != nil {
		return fmt.Errorf("query balance: %w", err)
	}
	o.setBalance(balance)
	if balance < o.cfg.Cost {
		return model.ErrInsufficientCredits
	}

	submitted, err := o.deps.Jobs.Submit(ctx, client.BuildGenerateRequest(req))
	if err != nil {
		o.log.Error().Err(err).Msg("job submission failed")
		return fmt.Errorf("%w: %w", model.ErrSubmissionFailed, err)
	}
	taskID := submitted.TaskID

	o.mu.Lock()
	o.activeTask = taskID
	o.requests[taskID] = *req
	o.mu.Unlock()
	admitted = true

	now := o.deps.Scheduler.Now()
	task := &model.Task{
		ID:          taskID,
		Status:      model.TaskStatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
		Request:     *req,
	}
	if err := o.deps.Store.SaveTask(ctx, o.principal, task); err != nil {
		o.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to persist pending task")
	}

	ok, err := o.deps.Ledger.Debit(ctx, o.principal, o.cfg.Cost)
	switch {
	case err != nil:
		o.log.Error().Err(err).Str("task_id", taskID).Int64("amount", o.cfg.Cost).Msg("billing anomaly: debit failed after submission")
	case !ok:
		o.log.Error().Str("task_id", taskID).Int64("amount", o.cfg.Cost).Msg("billing anomaly: debit refused after submission")
	default:
		o.mu.Lock()
		o.balance -= o.cfg.Cost
		o.mu.Unlock()
	}

	o.poller.Register(taskID, PollCallbacks{
		OnStatus:    o.onStatus,
		OnCompleted: o.onCompleted,
		OnFailed:    o.onFailed,
		OnExhausted: o.onExhausted,
	})

	o.log.Info().Str("task_id", taskID).Msg("generation submitted")
	o.emit(Event{Type: EventSubmitted, TaskID: taskID, Status: model.TaskStatusPending})
	return nil
}

// IsGenerating reports whether a task occupies the admission slot.
func (o *Orchestrator) IsGenerating() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generating
}

// Artifacts returns a copy of the artifact list, newest first.
func (o *Orchestrator) Artifacts() []model.GeneratedArtifact {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.GeneratedArtifact, len(o.artifacts))
	copy(out, o.artifacts)
	return out
}

// CreditBalance returns the cached balance. It is advisory; the ledger is
// authoritative.
func (o *Orchestrator) CreditBalance() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.balance
}

// State returns a snapshot for status endpoints.
func (o *Orchestrator) State() model.GenerationState {
	o.mu.Lock()
	state := model.GenerationState{
		IsGenerating:  o.generating,
		ActiveTaskID:  o.activeTask,
		CreditBalance: o.balance,
	}
	o.mu.Unlock()
	state.Rechecking = o.queue.Len()
	return state
}

// RefreshBalance re-reads the balance from the ledger.
func (o *Orchestrator) RefreshBalance(ctx context.Context) (int64, error) {
	bal, err := o.deps.Ledger.Balance(ctx, o.principal)
	if err != nil {
		return 0, err
	}
	o.setBalance(bal)
	return bal, nil
}

// Load restores the artifact list and resumes tracking of open tasks.
// Remote artifacts come first and win on conflicts; local-only entries are
// kept. A remote failure falls back to the local list.
func (o *Orchestrator) Load(ctx context.Context) error {
	local, localErr := o.deps.Cache.LoadArtifacts(ctx, o.principal)
	if localErr != nil {
		o.log.Warn().Err(localErr).Msg("failed to read local artifact cache")
	}

	remote, remoteErr := o.deps.Store.ListArtifacts(ctx, o.principal)
	if remoteErr != nil {
		o.log.Warn().Err(remoteErr).Msg("remote artifact list unavailable, using local cache")
	}

	if localErr != nil && remoteErr != nil {
		o.resumeOpenTasks(ctx)
		return fmt.Errorf("load artifacts: %w", errors.Join(remoteErr, localErr))
	}

	merged := local
	if remoteErr == nil {
		merged = mergeArtifacts(remote, local)
	}

	o.mu.Lock()
	o.artifacts = mergeArtifacts(merged, o.artifacts)
	o.mu.Unlock()
	o.persistCache(ctx)

	if _, err := o.RefreshBalance(ctx); err != nil {
		o.log.Warn().Err(err).Msg("failed to refresh credit balance")
	}

	o.resumeOpenTasks(ctx)
	return nil
}

func (o *Orchestrator) resumeOpenTasks(ctx context.Context) {
	open, err := o.deps.Store.ListOpenTasks(ctx, o.principal)
	if err != nil {
		o.log.Warn().Err(err).Msg("failed to list open tasks")
		return
	}

	for _, t := range open {
		if o.poller.Active(t.ID) {
			continue
		}
		o.mu.Lock()
		o.requests[t.ID] = t.Request
		o.mu.Unlock()
		o.queue.Resume(t.ID, t.UpdatedAt)
	}
	if len(open) > 0 {
		o.log.Info().Int("tasks", len(open)).Msg("resumed tracking of open tasks")
	}
}

// DeleteArtifact removes an artifact from memory, the local cache, remote
// persistence and, when hosted in our bucket, object storage.
func (o *Orchestrator) DeleteArtifact(ctx context.Context, id string) error {
	o.mu.Lock()
	list, removed := removeArtifact(o.artifacts, id)
	o.artifacts = list
	o.mu.Unlock()

	if removed != nil {
		o.persistCache(ctx)
	}

	err := o.deps.Store.DeleteArtifact(ctx, o.principal, id)
	switch {
	case errors.Is(err, model.ErrNotFound):
		if removed == nil {
			return model.ErrNotFound
		}
	case err != nil:
		return fmt.Errorf("delete remote artifact: %w", err)
	}

	if removed != nil {
		o.deleteMedia(ctx, removed)
	}
	o.log.Info().Str("artifact_id", id).Msg("artifact deleted")
	return nil
}

func (o *Orchestrator) deleteMedia(ctx context.Context, a *model.GeneratedArtifact) {
	if o.deps.Media == nil {
		return
	}
	for _, u := range []string{a.MediaURL, a.CoverURL} {
		key, ok := o.deps.Media.KeyForURL(u)
		if !ok {
			continue
		}
		if err := o.deps.Media.Delete(ctx, key); err != nil {
			o.log.Warn().Err(err).Str("key", key).Msg("failed to delete media object")
		}
	}
}

// Close stops local timers. Remote jobs keep running.
func (o *Orchestrator) Close() {
	o.poller.Stop()
	o.queue.Stop()
}

func (o *Orchestrator) onStatus(taskID string, status model.TaskStatus) {
	ctx, cancel := o.bgContext()
	defer cancel()
	if err := o.deps.Store.UpdateTaskStatus(ctx, o.principal, taskID, status, ""); err != nil {
		o.log.Debug().Err(err).Str("task_id", taskID).Msg("failed to persist task status")
	}
	o.emit(Event{Type: EventProgress, TaskID: taskID, Status: status})
}

func (o *Orchestrator) onCompleted(taskID string, res *client.PollResult) {
	artifact, added := o.reconcile(taskID, res)
	o.releaseSlot(taskID)
	if added {
		o.emit(Event{Type: EventCompleted, TaskID: taskID, Status: model.TaskStatusCompleted, Artifact: artifact})
	}
}

func (o *Orchestrator) onFailed(taskID string, err error) {
	o.markFailed(taskID, err)
	o.releaseSlot(taskID)
	o.emit(Event{Type: EventFailed, TaskID: taskID, Status: model.TaskStatusFailed, Err: err})
}

func (o *Orchestrator) onExhausted(taskID string) {
	ctx, cancel := o.bgContext()
	defer cancel()
	if err := o.deps.Store.UpdateTaskStatus(ctx, o.principal, taskID, model.TaskStatusPendingExtended, ""); err != nil {
		o.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to persist extended status")
	}
	o.queue.Add(taskID)
	o.releaseSlot(taskID)
	o.emit(Event{Type: EventBackground, TaskID: taskID, Status: model.TaskStatusPendingExtended})
}

func (o *Orchestrator) onBackgroundCompleted(taskID string, res *client.PollResult) {
	artifact, added := o.reconcile(taskID, res)
	if added {
		o.emit(Event{Type: EventCompleted, TaskID: taskID, Status: model.TaskStatusCompleted, Artifact: artifact})
	}
}

func (o *Orchestrator) onBackgroundFailed(taskID string, err error) {
	o.markFailed(taskID, err)
	o.emit(Event{Type: EventFailed, TaskID: taskID, Status: model.TaskStatusFailed, Err: err})
}

// onBackgroundGaveUp records the give-up so a later Load does not pick the
// task up again. No event is emitted.
func (o *Orchestrator) onBackgroundGaveUp(taskID string, retries int) {
	ctx, cancel := o.bgContext()
	defer cancel()

	msg := fmt.Sprintf("no result after %d rechecks", retries)
	if err := o.deps.Store.UpdateTaskStatus(ctx, o.principal, taskID, model.TaskStatusAbandoned, msg); err != nil {
		o.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to persist abandoned status")
	}
	o.mu.Lock()
	delete(o.requests, taskID)
	o.mu.Unlock()
}

// reconcile turns a completed poll into an artifact. A second completion for
// the same task id is a no-op.
func (o *Orchestrator) reconcile(taskID string, res *client.PollResult) (*model.GeneratedArtifact, bool) {
	ctx, cancel := o.bgContext()
	defer cancel()

	req := o.requestFor(ctx, taskID)
	artifact := newArtifact(taskID, req, res, o.deps.Scheduler.Now())

	o.mu.Lock()
	list, added := prependArtifact(o.artifacts, artifact)
	if !added {
		o.mu.Unlock()
		o.log.Debug().Str("task_id", taskID).Msg("artifact already reconciled")
		return nil, false
	}
	o.artifacts = list
	delete(o.requests, taskID)
	o.mu.Unlock()

	o.persistCache(ctx)

	if err := o.deps.Store.UpsertArtifact(ctx, o.principal, &artifact); err != nil {
		o.log.Warn().Err(err).Str("task_id", taskID).Msg("remote artifact upsert failed")
		if o.deps.Sync != nil {
			if err := o.deps.Sync.EnqueueArtifactSync(ctx, o.principal, &artifact); err != nil {
				o.log.Error().Err(err).Str("task_id", taskID).Msg("failed to enqueue artifact sync")
			}
		}
	}

	o.log.Info().Str("task_id", taskID).Str("media_url", artifact.MediaURL).Msg("artifact reconciled")
	return &artifact, true
}

func (o *Orchestrator) requestFor(ctx context.Context, taskID string) model.GenerationRequest {
	o.mu.Lock()
	req, ok := o.requests[taskID]
	o.mu.Unlock()
	if ok {
		return req
	}

	task, err := o.deps.Store.GetTask(ctx, o.principal, taskID)
	if err != nil {
		o.log.Debug().Err(err).Str("task_id", taskID).Msg("request snapshot unavailable")
		return model.GenerationRequest{}
	}
	return task.Request
}

func (o *Orchestrator) markFailed(taskID string, cause error) {
	ctx, cancel := o.bgContext()
	defer cancel()

	if err := o.deps.Store.UpdateTaskStatus(ctx, o.principal, taskID, model.TaskStatusFailed, cause.Error()); err != nil {
		o.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to persist failed status")
	}
	o.mu.Lock()
	delete(o.requests, taskID)
	o.mu.Unlock()
}

// releaseSlot frees the admission slot if taskID still holds it.
func (o *Orchestrator) releaseSlot(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.activeTask == taskID {
		o.generating = false
		o.activeTask = ""
	}
}

func (o *Orchestrator) setBalance(b int64) {
	o.mu.Lock()
	o.balance = b
	o.mu.Unlock()
}

func (o *Orchestrator) persistCache(ctx context.Context) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()

	if err := o.deps.Cache.SaveArtifacts(ctx, o.principal, o.Artifacts()); err != nil {
		o.log.Warn().Err(err).Msg("failed to write local artifact cache")
	}
}

func (o *Orchestrator) bgContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.cfg.RequestTimeout)
}

func (o *Orchestrator) emit(e Event) {
	e.Principal = o.principal

	o.mu.Lock()
	observers := make([]Observer, len(o.observers))
	copy(observers, o.observers)
	o.mu.Unlock()

	for _, obs := range observers {
		obs.Notify(e)
	}
}
