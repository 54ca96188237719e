package model

// WebSocket message types
const (
	WSMessageTypeSubmitted  = "submitted"
	WSMessageTypeProgress   = "progress"
	WSMessageTypeComplete   = "complete"
	WSMessageTypeBackground = "background"
	WSMessageTypeError      = "error"
	WSMessageTypePing       = "ping"
	WSMessageTypePong       = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage represents a status change of the active task
type WSProgressMessage struct {
	Type   string     `json:"type"`
	TaskID string     `json:"taskId"`
	Status TaskStatus `json:"status"`
}

// WSCompleteMessage carries the reconciled artifact
type WSCompleteMessage struct {
	Type     string             `json:"type"`
	TaskID   string             `json:"taskId"`
	Artifact *GeneratedArtifact `json:"artifact"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type   string  `json:"type"`
	TaskID string  `json:"taskId"`
	Error  WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
