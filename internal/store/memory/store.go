// Package memory is an in-process Persistence used for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/makeasinger/songgen/internal/model"
	"github.com/makeasinger/songgen/internal/store"
)

var _ store.Persistence = (*Store)(nil)

type taskRecord struct {
	principal string
	task      model.Task
}

type artifactRecord struct {
	principal string
	artifact  model.GeneratedArtifact
}

// Store is a fully in-memory implementation of store.Persistence.
// Safe for concurrent access.
type Store struct {
	mu sync.RWMutex

	tasks     map[string]*taskRecord
	artifacts map[string]*artifactRecord
	balances  map[string]int64

	// DefaultBalance seeds principals seen for the first time.
	DefaultBalance int64
}

// New returns a new empty Store.
func New(defaultBalance int64) *Store {
	return &Store{
		tasks:          make(map[string]*taskRecord),
		artifacts:      make(map[string]*artifactRecord),
		balances:       make(map[string]int64),
		DefaultBalance: defaultBalance,
	}
}

func (s *Store) Ping(context.Context) error { return nil }

// SetBalance overwrites a principal's balance.
func (s *Store) SetBalance(principal string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[principal] = balance
}

func (s *Store) SaveTask(_ context.Context, principal string, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.tasks[task.ID]; ok && rec.principal != principal {
		return model.ErrNotFound
	}
	s.tasks[task.ID] = &taskRecord{principal: principal, task: *task}
	return nil
}

func (s *Store) UpdateTaskStatus(_ context.Context, principal, taskID string, status model.TaskStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[taskID]
	if !ok || rec.principal != principal {
		return model.ErrNotFound
	}
	rec.task.Status = status
	if errMsg != "" {
		rec.task.Error = errMsg
	}
	rec.task.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) GetTask(_ context.Context, principal, taskID string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tasks[taskID]
	if !ok || rec.principal != principal {
		return nil, model.ErrNotFound
	}
	task := rec.task
	return &task, nil
}

func (s *Store) ListOpenTasks(_ context.Context, principal string) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Task
	for _, rec := range s.tasks {
		if rec.principal == principal && rec.task.Status.IsOpen() {
			out = append(out, rec.task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

func (s *Store) UpsertArtifact(_ context.Context, principal string, artifact *model.GeneratedArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.artifacts[artifact.ID]; ok && rec.principal != principal {
		return model.ErrNotFound
	}
	s.artifacts[artifact.ID] = &artifactRecord{principal: principal, artifact: *artifact}
	if rec, ok := s.tasks[artifact.ID]; ok && rec.principal == principal {
		rec.task.Status = model.TaskStatusCompleted
		rec.task.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *Store) ListArtifacts(_ context.Context, principal string) ([]model.GeneratedArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.GeneratedArtifact, 0)
	for _, rec := range s.artifacts {
		if rec.principal == principal {
			out = append(out, rec.artifact)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) DeleteArtifact(_ context.Context, principal, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.artifacts[id]
	if !ok || rec.principal != principal {
		return model.ErrNotFound
	}
	delete(s.artifacts, id)
	return nil
}

func (s *Store) GetBalance(_ context.Context, principal string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(principal), nil
}

func (s *Store) DebitCredits(_ context.Context, principal string, amount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.balanceLocked(principal)
	if bal < amount {
		return false, nil
	}
	s.balances[principal] = bal - amount
	return true, nil
}

func (s *Store) balanceLocked(principal string) int64 {
	bal, ok := s.balances[principal]
	if !ok {
		bal = s.DefaultBalance
		s.balances[principal] = bal
	}
	return bal
}
