package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/makeasinger/songgen/internal/model"
	"github.com/makeasinger/songgen/internal/store"
)

const (
	TaskTypeArtifactSync = "artifact:sync"
	QueueArtifacts       = "artifacts"
)

type artifactSyncPayload struct {
	Principal string                  `json:"principal"`
	Artifact  model.GeneratedArtifact `json:"artifact"`
}

// NewArtifactSyncTask builds the task that upserts artifact remotely.
func NewArtifactSyncTask(principal string, artifact *model.GeneratedArtifact) (*asynq.Task, error) {
	payload, err := json.Marshal(artifactSyncPayload{Principal: principal, Artifact: *artifact})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return asynq.NewTask(TaskTypeArtifactSync, payload), nil
}

// Enqueuer schedules artifact sync tasks. It implements
// generation.ArtifactSyncer.
type Enqueuer struct {
	client   *asynq.Client
	maxRetry int
	log      zerolog.Logger
}

// NewEnqueuer creates a new Enqueuer.
func NewEnqueuer(client *asynq.Client, log zerolog.Logger) *Enqueuer {
	return &Enqueuer{
		client:   client,
		maxRetry: 10,
		log:      log.With().Str("component", "artifact_sync").Logger(),
	}
}

// EnqueueArtifactSync queues a remote upsert. Only one pending sync per
// artifact id is kept.
func (e *Enqueuer) EnqueueArtifactSync(ctx context.Context, principal string, artifact *model.GeneratedArtifact) error {
	task, err := NewArtifactSyncTask(principal, artifact)
	if err != nil {
		return err
	}

	info, err := e.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueArtifacts),
		asynq.TaskID("artifact-sync:"+artifact.ID),
		asynq.MaxRetry(e.maxRetry),
		asynq.Retention(24*time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	e.log.Info().Str("artifact_id", artifact.ID).Str("task_id", info.ID).Msg("artifact sync queued")
	return nil
}

// ArtifactSyncWorker processes artifact sync tasks
type ArtifactSyncWorker struct {
	store store.ArtifactStore
	log   zerolog.Logger
}

// NewArtifactSyncWorker creates a new artifact sync worker
func NewArtifactSyncWorker(s store.ArtifactStore, log zerolog.Logger) *ArtifactSyncWorker {
	return &ArtifactSyncWorker{
		store: s,
		log:   log.With().Str("component", "artifact_sync").Logger(),
	}
}

// ProcessTask upserts the artifact. Store errors are returned so asynq
// retries with backoff; malformed payloads and ownership conflicts are not
// retried.
func (w *ArtifactSyncWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload artifactSyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Principal == "" || payload.Artifact.ID == "" {
		return fmt.Errorf("incomplete artifact sync payload: %w", asynq.SkipRetry)
	}

	if err := w.store.UpsertArtifact(ctx, payload.Principal, &payload.Artifact); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			w.log.Error().Err(err).Str("artifact_id", payload.Artifact.ID).Msg("artifact belongs to another principal, dropping sync")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		w.log.Warn().Err(err).Str("artifact_id", payload.Artifact.ID).Msg("artifact sync failed, will retry")
		return err
	}

	w.log.Info().Str("artifact_id", payload.Artifact.ID).Msg("artifact synced")
	return nil
}

// Register attaches the worker's handlers to mux.
func (w *ArtifactSyncWorker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskTypeArtifactSync, w.ProcessTask)
}
