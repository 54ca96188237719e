package model

import "time"

// GenerationRequest is the caller's description of one song to generate.
type GenerationRequest struct {
	PromptText   string       `json:"promptText" validate:"required,min=1,max=3000"`
	Title        string       `json:"title" validate:"required,min=1,max=120"`
	LyricsMode   LyricsMode   `json:"lyricsMode" validate:"required,oneof=generate user instrumental"`
	Seed         *int64       `json:"seed,omitempty" validate:"omitempty,min=0"`
	FrequencyTag FrequencyTag `json:"frequencyTag,omitempty" validate:"omitempty,oneof=432hz 528hz 639hz 741hz 963hz"`
}

// Task represents one remote generation job
type Task struct {
	ID          string            `json:"id"`
	Status      TaskStatus        `json:"status"`
	SubmittedAt time.Time         `json:"submittedAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	Request     GenerationRequest `json:"request"`
	Error       string            `json:"error,omitempty"`
}

// GeneratedArtifact is the result of a completed task. Its ID is the task ID.
type GeneratedArtifact struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	MediaURL    string     `json:"mediaUrl"`
	CoverURL    string     `json:"coverUrl,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	LyricsMode  LyricsMode `json:"lyricsMode"`
}

// TimeoutEntry tracks a task that outlived the fast polling window.
type TimeoutEntry struct {
	TaskID        string    `json:"taskId"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
	RetryCount    int       `json:"retryCount"`
	MaxRetries    int       `json:"maxRetries"`
}

// Exhausted reports whether the entry has used all of its rechecks.
func (e *TimeoutEntry) Exhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// GenerationState is a point-in-time view of an orchestrator.
type GenerationState struct {
	IsGenerating  bool   `json:"isGenerating"`
	ActiveTaskID  string `json:"activeTaskId,omitempty"`
	CreditBalance int64  `json:"creditBalance"`
	Rechecking    int    `json:"rechecking"`
}

// CreditBalanceResponse is returned by the credits endpoint
type CreditBalanceResponse struct {
	Balance int64 `json:"balance"`
	Cost    int64 `json:"cost"`
}
