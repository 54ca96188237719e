package postgres

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/songgen/internal/model"
)

// openTestStore connects to DATABASE_URL and applies migrations. Tests are
// skipped when no database is available.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("Skipping postgres store test - DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(pool, zerolog.Nop()))
	return New(pool)
}

func testPrincipal() string {
	return "test-" + uuid.NewString()
}

func TestStore_DebitIsGuarded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user := testPrincipal()

	require.NoError(t, s.GrantCredits(ctx, user, 10))

	var wg sync.WaitGroup
	var debited atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.DebitCredits(ctx, user, 3)
			assert.NoError(t, err)
			if ok {
				debited.Add(1)
			}
		}()
	}
	wg.Wait()

	bal, err := s.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int32(3), debited.Load())
	assert.Equal(t, int64(1), bal)
}

func TestStore_UnknownPrincipalHasZeroBalance(t *testing.T) {
	s := openTestStore(t)

	bal, err := s.GetBalance(context.Background(), testPrincipal())
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestStore_TaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user := testPrincipal()

	task := &model.Task{
		ID:          uuid.NewString(),
		Status:      model.TaskStatusPending,
		SubmittedAt: time.Now().UTC(),
		Request: model.GenerationRequest{
			PromptText: "a song about rain",
			Title:      "Rain",
			LyricsMode: model.LyricsModeGenerate,
		},
	}
	require.NoError(t, s.SaveTask(ctx, user, task))

	open, err := s.ListOpenTasks(ctx, user)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "Rain", open[0].Request.Title)

	require.NoError(t, s.UpdateTaskStatus(ctx, user, task.ID, model.TaskStatusPendingExtended, ""))
	got, err := s.GetTask(ctx, user, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPendingExtended, got.Status)

	artifact := &model.GeneratedArtifact{
		ID:         task.ID,
		Title:      "Rain",
		MediaURL:   "https://cdn.example.com/rain.mp3",
		CreatedAt:  time.Now().UTC(),
		LyricsMode: model.LyricsModeGenerate,
	}
	require.NoError(t, s.UpsertArtifact(ctx, user, artifact))
	require.NoError(t, s.UpsertArtifact(ctx, user, artifact))

	got, err = s.GetTask(ctx, user, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)

	list, err := s.ListArtifacts(ctx, user)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	open, err = s.ListOpenTasks(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, open)

	require.NoError(t, s.DeleteArtifact(ctx, user, task.ID))
	assert.ErrorIs(t, s.DeleteArtifact(ctx, user, task.ID), model.ErrNotFound)
}

func TestStore_GetTaskNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetTask(context.Background(), testPrincipal(), uuid.NewString())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_TasksAndArtifactsScopedToPrincipal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner, other := testPrincipal(), testPrincipal()

	task := &model.Task{
		ID:          uuid.NewString(),
		Status:      model.TaskStatusPending,
		SubmittedAt: time.Now().UTC(),
		Request:     model.GenerationRequest{Title: "Mine", LyricsMode: model.LyricsModeUser},
	}
	require.NoError(t, s.SaveTask(ctx, owner, task))

	_, err := s.GetTask(ctx, other, task.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.UpdateTaskStatus(ctx, other, task.ID, model.TaskStatusFailed, "x"), model.ErrNotFound)
	assert.ErrorIs(t, s.SaveTask(ctx, other, task), model.ErrNotFound)

	artifact := &model.GeneratedArtifact{
		ID:         task.ID,
		Title:      "Mine",
		MediaURL:   "https://cdn.example.com/mine.mp3",
		CreatedAt:  time.Now().UTC(),
		LyricsMode: model.LyricsModeUser,
	}
	require.NoError(t, s.UpsertArtifact(ctx, owner, artifact))

	hijack := *artifact
	hijack.Title = "Theirs"
	assert.ErrorIs(t, s.UpsertArtifact(ctx, other, &hijack), model.ErrNotFound)

	list, err := s.ListArtifacts(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Mine", list[0].Title)

	got, err := s.GetTask(ctx, owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
}
