// Package store defines the remote persistence contract: task records,
// completed artifacts, and the credit balance with its atomic debit.
package store

import (
	"context"

	"github.com/makeasinger/songgen/internal/model"
)

// TaskStore persists task records keyed by task id and owning principal.
type TaskStore interface {
	// SaveTask inserts or replaces the task record.
	SaveTask(ctx context.Context, principal string, task *model.Task) error
	// UpdateTaskStatus and GetTask only see tasks owned by principal;
	// anything else is model.ErrNotFound.
	UpdateTaskStatus(ctx context.Context, principal, taskID string, status model.TaskStatus, errMsg string) error
	GetTask(ctx context.Context, principal, taskID string) (*model.Task, error)
	// ListOpenTasks returns the principal's tasks that have not reached a
	// terminal status, oldest first.
	ListOpenTasks(ctx context.Context, principal string) ([]model.Task, error)
}

// ArtifactStore persists completed artifacts.
type ArtifactStore interface {
	// UpsertArtifact stores the artifact and marks its task completed. An id
	// already owned by another principal is model.ErrNotFound.
	UpsertArtifact(ctx context.Context, principal string, artifact *model.GeneratedArtifact) error
	// ListArtifacts returns the principal's artifacts, newest first.
	ListArtifacts(ctx context.Context, principal string) ([]model.GeneratedArtifact, error)
	DeleteArtifact(ctx context.Context, principal, id string) error
}

// CreditStore owns credit balances.
type CreditStore interface {
	GetBalance(ctx context.Context, principal string) (int64, error)
	// DebitCredits atomically subtracts amount when the balance covers it.
	// It reports false, with a nil error, when funds are insufficient.
	DebitCredits(ctx context.Context, principal string, amount int64) (bool, error)
}

// Persistence is the full remote persistence service.
type Persistence interface {
	TaskStore
	ArtifactStore
	CreditStore
	Ping(ctx context.Context) error
}
