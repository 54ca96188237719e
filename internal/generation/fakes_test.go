package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/makeasinger/songgen/internal/client"
	"github.com/makeasinger/songgen/internal/ledger"
	"github.com/makeasinger/songgen/internal/model"
	"github.com/makeasinger/songgen/internal/schedule"
	"github.com/makeasinger/songgen/internal/store/memory"
)

var errUnavailable = errors.New("service unavailable")

// fakeJobs is a scripted JobService. respond receives the 1-based poll
// count for the task.
type fakeJobs struct {
	mu        sync.Mutex
	submitErr error
	submits   int
	polls     map[string]int
	respond   func(taskID string, n int) (*client.PollResult, error)
}

func newFakeJobs(respond func(taskID string, n int) (*client.PollResult, error)) *fakeJobs {
	return &fakeJobs{polls: make(map[string]int), respond: respond}
}

func (f *fakeJobs) Submit(_ context.Context, _ *client.GenerateMusicRequest) (*client.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submits++
	return &client.SubmitResult{TaskID: fmt.Sprintf("task-%d", f.submits), Status: "pending"}, nil
}

func (f *fakeJobs) Poll(_ context.Context, taskID string) (*client.PollResult, error) {
	f.mu.Lock()
	f.polls[taskID]++
	n := f.polls[taskID]
	respond := f.respond
	f.mu.Unlock()
	return respond(taskID, n)
}

func (f *fakeJobs) setRespond(fn func(taskID string, n int) (*client.PollResult, error)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeJobs) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeJobs) pollCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[taskID]
}

func processing(taskID string, _ int) (*client.PollResult, error) {
	return &client.PollResult{TaskID: taskID, Status: model.TaskStatusProcessing}, nil
}

func completed(taskID string, _ int) (*client.PollResult, error) {
	return &client.PollResult{
		TaskID:   taskID,
		Status:   model.TaskStatusCompleted,
		MediaURL: "https://media.example.com/" + taskID + ".mp3",
		CoverURL: "https://media.example.com/" + taskID + ".jpg",
	}, nil
}

// fakeStore wraps the memory store with switchable failures.
type fakeStore struct {
	*memory.Store

	mu           sync.Mutex
	failUpsert   bool
	failList     bool
	upserts      int
	statusWrites []model.TaskStatus
}

func newFakeStore(balance int64) *fakeStore {
	return &fakeStore{Store: memory.New(balance)}
}

func (s *fakeStore) UpsertArtifact(ctx context.Context, principal string, a *model.GeneratedArtifact) error {
	s.mu.Lock()
	s.upserts++
	fail := s.failUpsert
	s.mu.Unlock()
	if fail {
		return errUnavailable
	}
	return s.Store.UpsertArtifact(ctx, principal, a)
}

func (s *fakeStore) ListArtifacts(ctx context.Context, principal string) ([]model.GeneratedArtifact, error) {
	s.mu.Lock()
	fail := s.failList
	s.mu.Unlock()
	if fail {
		return nil, errUnavailable
	}
	return s.Store.ListArtifacts(ctx, principal)
}

func (s *fakeStore) UpdateTaskStatus(ctx context.Context, principal, taskID string, status model.TaskStatus, errMsg string) error {
	s.mu.Lock()
	s.statusWrites = append(s.statusWrites, status)
	s.mu.Unlock()
	return s.Store.UpdateTaskStatus(ctx, principal, taskID, status, errMsg)
}

func (s *fakeStore) setFailList(fail bool) {
	s.mu.Lock()
	s.failList = fail
	s.mu.Unlock()
}

func (s *fakeStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

// memCache is an in-memory cache.ArtifactCache.
type memCache struct {
	mu       sync.Mutex
	lists    map[string][]model.GeneratedArtifact
	saves    int
	failLoad bool
}

func newMemCache() *memCache {
	return &memCache{lists: make(map[string][]model.GeneratedArtifact)}
}

func (c *memCache) LoadArtifacts(_ context.Context, principal string) ([]model.GeneratedArtifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failLoad {
		return nil, errUnavailable
	}
	return append([]model.GeneratedArtifact{}, c.lists[principal]...), nil
}

func (c *memCache) SaveArtifacts(_ context.Context, principal string, list []model.GeneratedArtifact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	c.lists[principal] = append([]model.GeneratedArtifact{}, list...)
	return nil
}

func (c *memCache) setFailLoad(fail bool) {
	c.mu.Lock()
	c.failLoad = fail
	c.mu.Unlock()
}

func (c *memCache) get(principal string) []model.GeneratedArtifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lists[principal]
}

type fakeSyncer struct {
	mu       sync.Mutex
	enqueued []string
}

func (s *fakeSyncer) EnqueueArtifactSync(_ context.Context, _ string, a *model.GeneratedArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, a.ID)
	return nil
}

type fakeMedia struct {
	mu      sync.Mutex
	deleted []string
}

func (m *fakeMedia) KeyForURL(u string) (string, bool) {
	const prefix = "https://media.example.com/"
	if len(u) > len(prefix) && u[:len(prefix)] == prefix {
		return u[len(prefix):], true
	}
	return "", false
}

func (m *fakeMedia) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, key)
	return nil
}

// brokenLedger reads balances from the store but cannot debit.
type brokenLedger struct {
	*ledger.Client
}

func (brokenLedger) Debit(context.Context, string, int64) (bool, error) {
	return false, errUnavailable
}

// recorder is an Observer that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last(typ EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return Event{}, false
}

const testPrincipal = "user-1"

var testStart = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Cost: 5,
		Poll: PollerConfig{
			Interval:       5 * time.Second,
			MaxAttempts:    60,
			MaxWindow:      5 * time.Minute,
			RequestTimeout: time.Second,
		},
		Recheck: RecheckConfig{
			Interval:       30 * time.Second,
			Cooldown:       2 * time.Minute,
			MaxRetries:     10,
			RequestTimeout: time.Second,
		},
		RequestTimeout: time.Second,
	}
}

type fixture struct {
	clock  *schedule.Manual
	jobs   *fakeJobs
	store  *fakeStore
	cache  *memCache
	sync   *fakeSyncer
	media  *fakeMedia
	events *recorder
	deps   Deps
	orch   *Orchestrator
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()

	f := &fixture{
		clock:  schedule.NewManual(testStart),
		jobs:   newFakeJobs(processing),
		store:  newFakeStore(balance),
		cache:  newMemCache(),
		sync:   &fakeSyncer{},
		media:  &fakeMedia{},
		events: &recorder{},
	}
	f.deps = Deps{
		Jobs:      f.jobs,
		Store:     f.store,
		Cache:     f.cache,
		Ledger:    ledger.New(f.store, zerolog.Nop()),
		Media:     f.media,
		Sync:      f.sync,
		Scheduler: f.clock,
		Log:       zerolog.Nop(),
	}
	f.orch = NewOrchestrator(testPrincipal, f.deps, testConfig())
	f.orch.Subscribe(f.events)
	t.Cleanup(f.orch.Close)
	return f
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	bal, err := f.store.GetBalance(context.Background(), testPrincipal)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return bal
}

func validRequest() *model.GenerationRequest {
	return &model.GenerationRequest{
		PromptText: "a slow song about the sea",
		Title:      "Tides",
		LyricsMode: model.LyricsModeGenerate,
	}
}
