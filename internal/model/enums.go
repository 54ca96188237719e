package model

// Lyrics modes
type LyricsMode string

const (
	LyricsModeGenerate     LyricsMode = "generate"
	LyricsModeUser         LyricsMode = "user"
	LyricsModeInstrumental LyricsMode = "instrumental"
)

var ValidLyricsModes = []LyricsMode{
	LyricsModeGenerate, LyricsModeUser, LyricsModeInstrumental,
}

// Task status
type TaskStatus string

const (
	TaskStatusPending         TaskStatus = "pending"
	TaskStatusProcessing      TaskStatus = "processing"
	TaskStatusCompleted       TaskStatus = "completed"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusPendingExtended TaskStatus = "pending_extended"
	// TaskStatusAbandoned marks a task the recheck queue gave up on. It is
	// never tracked again.
	TaskStatusAbandoned TaskStatus = "abandoned"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusAbandoned
}

// IsOpen reports whether the task is still being tracked.
func (s TaskStatus) IsOpen() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusPendingExtended:
		return true
	}
	return false
}

// Frequency tags appended to the style prompt
type FrequencyTag string

const (
	Frequency432Hz FrequencyTag = "432hz"
	Frequency528Hz FrequencyTag = "528hz"
	Frequency639Hz FrequencyTag = "639hz"
	Frequency741Hz FrequencyTag = "741hz"
	Frequency963Hz FrequencyTag = "963hz"
)
