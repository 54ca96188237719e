package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/makeasinger/songgen/internal/model"
)

// MockMusicClient is an in-process JobService used when no Suno API key is
// configured. Every task reports processing for ReadyAfter polls, then
// completes with placeholder media.
type MockMusicClient struct {
	ReadyAfter int

	mu    sync.Mutex
	polls map[string]int
}

// NewMockMusicClient creates a mock job service.
func NewMockMusicClient(readyAfter int) *MockMusicClient {
	return &MockMusicClient{
		ReadyAfter: readyAfter,
		polls:      make(map[string]int),
	}
}

func (c *MockMusicClient) Submit(_ context.Context, _ *GenerateMusicRequest) (*SubmitResult, error) {
	taskID := uuid.New().String()

	c.mu.Lock()
	c.polls[taskID] = 0
	c.mu.Unlock()

	return &SubmitResult{TaskID: taskID, Status: string(model.TaskStatusPending)}, nil
}

func (c *MockMusicClient) Poll(_ context.Context, taskID string) (*PollResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.polls[taskID]
	if !ok {
		return nil, &ServiceError{StatusCode: 404, Body: fmt.Sprintf("task %s not found", taskID)}
	}
	n++
	c.polls[taskID] = n

	if n <= c.ReadyAfter {
		return &PollResult{TaskID: taskID, Status: model.TaskStatusProcessing}, nil
	}
	return &PollResult{
		TaskID:   taskID,
		Status:   model.TaskStatusCompleted,
		MediaURL: fmt.Sprintf("https://cdn.makeasinger.com/songs/%s.mp3", taskID),
		CoverURL: fmt.Sprintf("https://cdn.makeasinger.com/covers/%s.jpg", taskID),
	}, nil
}
