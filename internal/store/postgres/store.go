package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/makeasinger/songgen/internal/model"
	"github.com/makeasinger/songgen/internal/store"
)

var _ store.Persistence = (*Store)(nil)

// Store implements store.Persistence backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveTask inserts a task or replaces an existing record with the same id.
func (s *Store) SaveTask(ctx context.Context, principal string, task *model.Task) error {
	reqJSON, err := json.Marshal(task.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	query := `
INSERT INTO generation_tasks (id, user_id, status, request_json, error_message, submitted_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    request_json = EXCLUDED.request_json,
    error_message = EXCLUDED.error_message,
    updated_at = NOW()
WHERE generation_tasks.user_id = EXCLUDED.user_id;
`
	tag, err := s.pool.Exec(ctx, query,
		task.ID,
		principal,
		task.Status,
		reqJSON,
		task.Error,
		task.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save task %s: owned by another principal: %w", task.ID, model.ErrNotFound)
	}
	return nil
}

// UpdateTaskStatus sets the status and, when given, the error message.
func (s *Store) UpdateTaskStatus(ctx context.Context, principal, taskID string, status model.TaskStatus, errMsg string) error {
	query := `
UPDATE generation_tasks
SET status = $3,
    error_message = CASE WHEN $4 = '' THEN error_message ELSE $4 END,
    updated_at = NOW()
WHERE id = $1
  AND user_id = $2;
`
	tag, err := s.pool.Exec(ctx, query, taskID, principal, status, errMsg)
	if err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// GetTask fetches one of principal's tasks by its identifier.
func (s *Store) GetTask(ctx context.Context, principal, taskID string) (*model.Task, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, status, request_json, error_message, submitted_at, updated_at
FROM generation_tasks
WHERE id = $1
  AND user_id = $2;
`, taskID, principal)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// ListOpenTasks returns non-terminal tasks owned by principal, oldest first.
func (s *Store) ListOpenTasks(ctx context.Context, principal string) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, status, request_json, error_message, submitted_at, updated_at
FROM generation_tasks
WHERE user_id = $1
  AND status IN ('pending', 'processing', 'pending_extended')
ORDER BY submitted_at ASC;
`, principal)
	if err != nil {
		return nil, fmt.Errorf("list open tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// UpsertArtifact stores the artifact and completes its task in one transaction.
func (s *Store) UpsertArtifact(ctx context.Context, principal string, a *model.GeneratedArtifact) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
INSERT INTO artifacts (id, user_id, title, description, media_url, cover_url, lyrics_mode, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE
SET title = EXCLUDED.title,
    description = EXCLUDED.description,
    media_url = EXCLUDED.media_url,
    cover_url = EXCLUDED.cover_url,
    lyrics_mode = EXCLUDED.lyrics_mode
WHERE artifacts.user_id = EXCLUDED.user_id;
`,
		a.ID,
		principal,
		a.Title,
		a.Description,
		a.MediaURL,
		a.CoverURL,
		a.LyricsMode,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert artifact %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("upsert artifact %s: owned by another principal: %w", a.ID, model.ErrNotFound)
	}

	_, err = tx.Exec(ctx, `
UPDATE generation_tasks SET status = 'completed', updated_at = NOW() WHERE id = $1 AND user_id = $2;
`, a.ID, principal)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", a.ID, err)
	}

	return tx.Commit(ctx)
}

// ListArtifacts returns principal's artifacts, newest first.
func (s *Store) ListArtifacts(ctx context.Context, principal string) ([]model.GeneratedArtifact, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, title, description, media_url, cover_url, lyrics_mode, created_at
FROM artifacts
WHERE user_id = $1
ORDER BY created_at DESC;
`, principal)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	out := make([]model.GeneratedArtifact, 0)
	for rows.Next() {
		var a model.GeneratedArtifact
		if err := rows.Scan(
			&a.ID,
			&a.Title,
			&a.Description,
			&a.MediaURL,
			&a.CoverURL,
			&a.LyricsMode,
			&a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) DeleteArtifact(ctx context.Context, principal, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM artifacts WHERE id = $1 AND user_id = $2`, id, principal)
	if err != nil {
		return fmt.Errorf("delete artifact %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// GetBalance returns the principal's balance; unknown principals have zero.
func (s *Store) GetBalance(ctx context.Context, principal string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM credit_balances WHERE user_id = $1`, principal).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// DebitCredits is a single conditional decrement; it never drives the
// balance below zero.
func (s *Store) DebitCredits(ctx context.Context, principal string, amount int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE credit_balances
SET balance = balance - $2,
    updated_at = NOW()
WHERE user_id = $1
  AND balance >= $2;
`, principal, amount)
	if err != nil {
		return false, fmt.Errorf("debit credits: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GrantCredits adds amount to the principal's balance, creating the row.
func (s *Store) GrantCredits(ctx context.Context, principal string, amount int64) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO credit_balances (user_id, balance)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE
SET balance = credit_balances.balance + EXCLUDED.balance,
    updated_at = NOW();
`, principal, amount)
	if err != nil {
		return fmt.Errorf("grant credits: %w", err)
	}
	return nil
}

func scanTask(row pgx.Row) (*model.Task, error) {
	var (
		task    model.Task
		reqJSON []byte
	)
	if err := row.Scan(
		&task.ID,
		&task.Status,
		&reqJSON,
		&task.Error,
		&task.SubmittedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reqJSON, &task.Request); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &task, nil
}
