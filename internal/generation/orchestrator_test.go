package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/songgen/internal/client"
	"github.com/makeasinger/songgen/internal/ledger"
	"github.com/makeasinger/songgen/internal/model"
)

func TestSubmit_DebitsAndPollsWithinOneInterval(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	require.NoError(t, f.orch.Submit(ctx, validRequest()))

	assert.True(t, f.orch.IsGenerating())
	assert.Equal(t, int64(5), f.balance(t))
	assert.Equal(t, int64(5), f.orch.CreditBalance())
	assert.Equal(t, 1, f.events.count(EventSubmitted))

	task, err := f.store.GetTask(ctx, testPrincipal, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, task.Status)
	assert.Equal(t, "Tides", task.Request.Title)

	f.clock.Advance(5 * time.Second)
	assert.Equal(t, 1, f.jobs.pollCount("task-1"))

	state := f.orch.State()
	assert.True(t, state.IsGenerating)
	assert.Equal(t, "task-1", state.ActiveTaskID)
}

func TestSubmit_CompletesAndReconciles(t *testing.T) {
	f := newFixture(t, 10)
	f.jobs.setRespond(func(id string, n int) (*client.PollResult, error) {
		if n < 3 {
			return processing(id, n)
		}
		return completed(id, n)
	})

	require.NoError(t, f.orch.Submit(context.Background(), validRequest()))
	f.clock.Advance(15 * time.Second)

	assert.False(t, f.orch.IsGenerating())
	arts := f.orch.Artifacts()
	require.Len(t, arts, 1)
	assert.Equal(t, "task-1", arts[0].ID)
	assert.Equal(t, "Tides", arts[0].Title)
	assert.Equal(t, "a slow song about the sea", arts[0].Description)
	assert.Equal(t, "https://media.example.com/task-1.mp3", arts[0].MediaURL)
	assert.Equal(t, model.LyricsModeGenerate, arts[0].LyricsMode)

	assert.Len(t, f.cache.get(testPrincipal), 1)

	remote, err := f.store.ListArtifacts(context.Background(), testPrincipal)
	require.NoError(t, err)
	assert.Len(t, remote, 1)

	task, err := f.store.GetTask(context.Background(), testPrincipal, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)

	ev, ok := f.events.last(EventCompleted)
	require.True(t, ok)
	assert.Equal(t, testPrincipal, ev.Principal)
	require.NotNil(t, ev.Artifact)
	assert.Equal(t, "task-1", ev.Artifact.ID)
	assert.Equal(t, 2, f.events.count(EventProgress))

	// timer is gone once terminal
	f.clock.Advance(time.Minute)
	assert.Equal(t, 3, f.jobs.pollCount("task-1"))
	assert.Zero(t, f.clock.Pending())
}

func TestSubmit_CompletedWithoutMediaFails(t *testing.T) {
	f := newFixture(t, 10)
	f.jobs.setRespond(func(id string, _ int) (*client.PollResult, error) {
		return &client.PollResult{TaskID: id, Status: model.TaskStatusCompleted}, nil
	})

	require.NoError(t, f.orch.Submit(context.Background(), validRequest()))
	f.clock.Advance(5 * time.Second)

	assert.False(t, f.orch.IsGenerating())
	assert.Empty(t, f.orch.Artifacts())
	// no refund
	assert.Equal(t, int64(5), f.balance(t))

	task, err := f.store.GetTask(context.Background(), testPrincipal, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, task.Status)

	ev, ok := f.events.last(EventFailed)
	require.True(t, ok)
	assert.ErrorIs(t, ev.Err, model.ErrMissingMedia)
	assert.Zero(t, f.events.count(EventCompleted))
}

func TestSubmit_JobFailureCarriesServiceMessage(t *testing.T) {
	f := newFixture(t, 10)
	f.jobs.setRespond(func(id string, _ int) (*client.PollResult, error) {
		return &client.PollResult{TaskID: id, Status: model.TaskStatusFailed, Error: "content policy violation"}, nil
	})

	require.NoError(t, f.orch.Submit(context.Background(), validRequest()))
	f.clock.Advance(5 * time.Second)

	ev, ok := f.events.last(EventFailed)
	require.True(t, ok)
	assert.ErrorIs(t, ev.Err, model.ErrJobFailed)
	assert.Contains(t, ev.Err.Error(), "content policy violation")

	task, err := f.store.GetTask(context.Background(), testPrincipal, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	assert.Contains(t, task.Error, "content policy violation")
	assert.False(t, f.orch.IsGenerating())
}

func TestSubmit_TransientPollErrorKeepsPolling(t *testing.T) {
	f := newFixture(t, 10)
	f.jobs.setRespond(func(id string, n int) (*client.PollResult, error) {
		if n == 1 {
			return nil, &client.NetworkError{Op: "GET status", Err: errUnavailable}
		}
		return completed(id, n)
	})

	require.NoError(t, f.orch.Submit(context.Background(), validRequest()))

	f.clock.Advance(5 * time.Second)
	assert.True(t, f.orch.IsGenerating())
	assert.Zero(t, f.events.count(EventFailed))

	f.clock.Advance(5 * time.Second)
	assert.False(t, f.orch.IsGenerating())
	assert.Len(t, f.orch.Artifacts(), 1)
}

func TestSubmit_ExhaustionMovesToBackground(t *testing.T) {
	f := newFixture(t, 10)

	require.NoError(t, f.orch.Submit(context.Background(), validRequest()))

	for i := 0; i < 60; i++ {
		f.clock.Advance(5 * time.Second)
	}
	assert.Equal(t, 60, f.jobs.pollCount("task-1"))
	assert.True(t, f.orch.IsGenerating())
	assert.Zero(t, f.events.count(EventBackground))

	f.clock.Advance(5 * time.Second)
	assert.Equal(t, 61, f.jobs.pollCount("task-1"))
	assert.False(t, f.orch.IsGenerating())
	assert.Equal(t, 1, f.events.count(EventBackground))
	assert.Equal(t, 1, f.orch.State().Rechecking)

	task, err := f.store.GetTask(context.Background(), testPrincipal, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPendingExtended, task.Status)

	// fast polling has stopped; only the slow path polls from here on
	f.clock.Advance(time.Minute)
	assert.Equal(t, 61, f.jobs.pollCount("task-1"))
	assert.Equal(t, 1, f.events.count(EventBackground))

	// the slot is free again
	f.store.SetBalance(testPrincipal, 10)
	require.NoError(t, f.orch.Submit(context.Background(), validRequest()))
}

func TestSubmit_BackgroundCompletionReconciles(t *testing.T) {
	f := newFixture(t, 10)

	require.NoError(t, f.orch.Submit(context.Background(), validRequest()))
	for i := 0; i < 61; i++ {
		f.clock.Advance(5 * time.Second)
	}
	require.False(t, f.orch.IsGenerating())

	f.jobs.setRespond(completed)
	f.clock.Advance(3 * time.Minute)

	arts := f.orch.Artifacts()
	require.Len(t, arts, 1)
	assert.Equal(t, "Tides", arts[0].Title)
	assert.Equal(t, 1, f.events.count(EventCompleted))
	assert.Zero(t, f.orch.State().Rechecking)
	assert.Zero(t, f.clock.Pending())
}

func TestSubmit_AlreadyInProgress(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	require.NoError(t, f.orch.Submit(ctx, validRequest()))
	err := f.orch.Submit(ctx, validRequest())

	assert.ErrorIs(t, err, model.ErrAlreadyInProgress)
	assert.Equal(t, 1, f.jobs.submitCount())
	assert.Equal(t, int64(95), f.balance(t))
}

func TestSubmit_ConcurrentCallersSingleFlight(t *testing.T) {
	f := newFixture(t, 100)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.orch.Submit(context.Background(), validRequest())
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, model.ErrAlreadyInProgress)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.jobs.submitCount())
	assert.Equal(t, int64(95), f.balance(t))
}

func TestSubmit_InsufficientCredits(t *testing.T) {
	f := newFixture(t, 4)

	err := f.orch.Submit(context.Background(), validRequest())

	assert.ErrorIs(t, err, model.ErrInsufficientCredits)
	assert.Zero(t, f.jobs.submitCount())
	assert.Equal(t, int64(4), f.balance(t))
	assert.False(t, f.orch.IsGenerating())
	assert.Zero(t, f.clock.Pending())
}

func TestSubmit_SubmissionFailureResets(t *testing.T) {
	f := newFixture(t, 10)
	f.jobs.submitErr = &client.ServiceError{StatusCode: 503, Body: "overloaded"}

	err := f.orch.Submit(context.Background(), validRequest())

	assert.ErrorIs(t, err, model.ErrSubmissionFailed)
	var svcErr *client.ServiceError
	assert.True(t, errors.As(err, &svcErr))
	assert.False(t, f.orch.IsGenerating())
	assert.Equal(t, int64(10), f.balance(t))
	assert.Zero(t, f.clock.Pending())
	assert.Zero(t, f.events.count(EventSubmitted))
}

func TestSubmit_InvalidRequest(t *testing.T) {
	f := newFixture(t, 10)

	req := validRequest()
	req.LyricsMode = "karaoke"
	err := f.orch.Submit(context.Background(), req)
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	err = f.orch.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	assert.False(t, f.orch.IsGenerating())
	assert.Zero(t, f.jobs.submitCount())
}

func TestSubmit_RequiresPrincipal(t *testing.T) {
	f := newFixture(t, 10)
	anon := NewOrchestrator("", f.deps, testConfig())

	err := anon.Submit(context.Background(), validRequest())

	assert.ErrorIs(t, err, model.ErrUnauthenticated)
	assert.False(t, anon.IsGenerating())
	assert.Zero(t, f.jobs.submitCount())
}

func TestSubmit_DebitFailureAfterSubmissionProceeds(t *testing.T) {
	f := newFixture(t, 10)
	f.deps.Ledger = brokenLedger{Client: ledger.New(f.store, zerolog.Nop())}
	orch := NewOrchestrator(testPrincipal, f.deps, testConfig())
	t.Cleanup(orch.Close)

	require.NoError(t, orch.Submit(context.Background(), validRequest()))

	assert.True(t, orch.IsGenerating())
	assert.Equal(t, int64(10), f.balance(t))

	f.clock.Advance(5 * time.Second)
	assert.Equal(t, 1, f.jobs.pollCount("task-1"))
}

func TestReconcile_DuplicateIsNoop(t *testing.T) {
	f := newFixture(t, 10)
	res, _ := completed("task-9", 1)

	f.orch.onBackgroundCompleted("task-9", res)
	f.orch.onBackgroundCompleted("task-9", res)

	assert.Len(t, f.orch.Artifacts(), 1)
	assert.Equal(t, 1, f.store.upsertCount())
	assert.Equal(t, 1, f.events.count(EventCompleted))
	assert.Equal(t, untitled, f.orch.Artifacts()[0].Title)
}

func TestReconcile_RemoteFailureQueuesSync(t *testing.T) {
	f := newFixture(t, 10)
	f.store.failUpsert = true
	res, _ := completed("task-3", 1)

	f.orch.onBackgroundCompleted("task-3", res)

	assert.Len(t, f.orch.Artifacts(), 1)
	assert.Len(t, f.cache.get(testPrincipal), 1)
	assert.Equal(t, []string{"task-3"}, f.sync.enqueued)
}

func TestReconcile_NewestFirst(t *testing.T) {
	f := newFixture(t, 10)

	for _, id := range []string{"a", "b", "c"} {
		res, _ := completed(id, 1)
		f.orch.onBackgroundCompleted(id, res)
		f.clock.Advance(time.Second)
	}

	var ids []string
	for _, a := range f.orch.Artifacts() {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)
}

func TestLoad_MergesRemoteAndLocal(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()

	remote := []model.GeneratedArtifact{
		{ID: "r1", Title: "Remote One", MediaURL: "https://media.example.com/r1.mp3", CreatedAt: testStart},
		{ID: "r2", Title: "Remote Two", MediaURL: "https://media.example.com/r2.mp3", CreatedAt: testStart.Add(time.Hour)},
	}
	for i := range remote {
		require.NoError(t, f.store.Store.UpsertArtifact(ctx, testPrincipal, &remote[i]))
	}
	require.NoError(t, f.cache.SaveArtifacts(ctx, testPrincipal, []model.GeneratedArtifact{
		{ID: "local-only", Title: "Offline"},
		{ID: "r1", Title: "Stale Local Copy"},
	}))

	require.NoError(t, f.orch.Load(ctx))

	arts := f.orch.Artifacts()
	require.Len(t, arts, 3)
	assert.Equal(t, "r2", arts[0].ID)
	assert.Equal(t, "r1", arts[1].ID)
	assert.Equal(t, "Remote One", arts[1].Title)
	assert.Equal(t, "local-only", arts[2].ID)

	assert.Len(t, f.cache.get(testPrincipal), 3)
	assert.Equal(t, int64(7), f.orch.CreditBalance())
}

func TestLoad_RemoteFailureUsesLocal(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.store.failList = true
	require.NoError(t, f.cache.SaveArtifacts(ctx, testPrincipal, []model.GeneratedArtifact{{ID: "l1"}, {ID: "l2"}}))

	require.NoError(t, f.orch.Load(ctx))

	arts := f.orch.Artifacts()
	require.Len(t, arts, 2)
	assert.Equal(t, "l1", arts[0].ID)
}

func TestLoad_ResumesOpenTasks(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	require.NoError(t, f.store.SaveTask(ctx, testPrincipal, &model.Task{
		ID:          "old-task",
		Status:      model.TaskStatusPendingExtended,
		SubmittedAt: testStart.Add(-time.Hour),
		UpdatedAt:   testStart.Add(-time.Hour),
		Request:     *validRequest(),
	}))

	require.NoError(t, f.orch.Load(ctx))
	assert.Equal(t, 1, f.orch.State().Rechecking)

	f.jobs.setRespond(completed)
	// stale entries are eligible on the first sweep
	f.clock.Advance(30 * time.Second)

	arts := f.orch.Artifacts()
	require.Len(t, arts, 1)
	assert.Equal(t, "Tides", arts[0].Title)
	assert.Zero(t, f.orch.State().Rechecking)
}

func TestLoad_BothSourcesFailStillResumes(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	require.NoError(t, f.store.SaveTask(ctx, testPrincipal, &model.Task{
		ID:          "open-1",
		Status:      model.TaskStatusPendingExtended,
		SubmittedAt: testStart.Add(-time.Hour),
		UpdatedAt:   testStart.Add(-time.Hour),
		Request:     *validRequest(),
	}))
	f.cache.setFailLoad(true)
	f.store.setFailList(true)

	assert.Error(t, f.orch.Load(ctx))
	assert.Equal(t, 1, f.orch.State().Rechecking)
}

func TestRecheck_GiveUpIsPersisted(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	require.NoError(t, f.orch.Submit(ctx, validRequest()))
	for i := 0; i < 61; i++ {
		f.clock.Advance(5 * time.Second)
	}
	require.Equal(t, 1, f.orch.State().Rechecking)

	for i := 0; i < 240 && f.orch.State().Rechecking > 0; i++ {
		f.clock.Advance(30 * time.Second)
	}
	require.Zero(t, f.orch.State().Rechecking)
	assert.Zero(t, f.events.count(EventFailed))

	task, err := f.store.GetTask(ctx, testPrincipal, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusAbandoned, task.Status)
	assert.NotEmpty(t, task.Error)

	// a fresh orchestrator, as after a restart, does not track it again
	reloaded := NewOrchestrator(testPrincipal, f.deps, testConfig())
	t.Cleanup(reloaded.Close)
	require.NoError(t, reloaded.Load(ctx))
	assert.Zero(t, reloaded.State().Rechecking)

	polls := f.jobs.pollCount("task-1")
	f.clock.Advance(time.Hour)
	assert.Equal(t, polls, f.jobs.pollCount("task-1"))
}

func TestDeleteArtifact(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	res, _ := completed("task-1", 1)
	f.orch.onBackgroundCompleted("task-1", res)

	require.NoError(t, f.orch.DeleteArtifact(ctx, "task-1"))

	assert.Empty(t, f.orch.Artifacts())
	assert.Empty(t, f.cache.get(testPrincipal))
	remote, err := f.store.ListArtifacts(ctx, testPrincipal)
	require.NoError(t, err)
	assert.Empty(t, remote)
	assert.Equal(t, []string{"task-1.mp3", "task-1.jpg"}, f.media.deleted)

	assert.ErrorIs(t, f.orch.DeleteArtifact(ctx, "task-1"), model.ErrNotFound)
}

func TestDeleteArtifact_LocalOnly(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	require.NoError(t, f.cache.SaveArtifacts(ctx, testPrincipal, []model.GeneratedArtifact{
		{ID: "offline", MediaURL: "https://elsewhere.example.org/x.mp3"},
	}))
	require.NoError(t, f.orch.Load(ctx))

	require.NoError(t, f.orch.DeleteArtifact(ctx, "offline"))
	assert.Empty(t, f.orch.Artifacts())
	assert.Empty(t, f.media.deleted)
}

func TestClose_StopsTimers(t *testing.T) {
	f := newFixture(t, 10)
	require.NoError(t, f.orch.Submit(context.Background(), validRequest()))
	require.Equal(t, 1, f.clock.Pending())

	f.orch.Close()
	f.clock.Advance(time.Minute)

	assert.Zero(t, f.clock.Pending())
	assert.Zero(t, f.jobs.pollCount("task-1"))
}

func TestEvents_ObserverSeesClearedSlot(t *testing.T) {
	f := newFixture(t, 10)
	f.jobs.setRespond(completed)

	var generatingAtComplete bool
	f.orch.Subscribe(ObserverFunc(func(e Event) {
		if e.Type == EventCompleted {
			generatingAtComplete = f.orch.IsGenerating()
		}
	}))

	require.NoError(t, f.orch.Submit(context.Background(), validRequest()))
	f.clock.Advance(5 * time.Second)

	assert.False(t, generatingAtComplete)
	ev, ok := f.events.last(EventCompleted)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(ev.Artifact.MediaURL, "https://media.example.com/"))
}
