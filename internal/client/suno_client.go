package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/makeasinger/songgen/internal/config"
	"github.com/makeasinger/songgen/internal/model"
)

// JobService defines the remote generation job operations
type JobService interface {
	Submit(ctx context.Context, req *GenerateMusicRequest) (*SubmitResult, error)
	Poll(ctx context.Context, taskID string) (*PollResult, error)
}

// ErrMalformedResponse is returned when the job service answers with a
// payload the state machine cannot interpret.
var ErrMalformedResponse = errors.New("malformed job service response")

// NetworkError wraps transport level failures
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("suno %s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServiceError is a non-2xx answer from the job service
type ServiceError struct {
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("suno API error (status %d): %s", e.StatusCode, e.Body)
}

// SunoClient implements JobService for Suno API
type SunoClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        zerolog.Logger
}

// GenerateMusicRequest represents the request for music generation
type GenerateMusicRequest struct {
	Prompt           string `json:"prompt"`
	Title            string `json:"title,omitempty"`
	Style            string `json:"style,omitempty"`
	CustomMode       bool   `json:"custom_mode"`
	MakeInstrumental bool   `json:"make_instrumental,omitempty"`
	Seed             *int64 `json:"seed,omitempty"`
}

// SubmitResult represents the response from music generation
type SubmitResult struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// PollResult is a parsed status answer. Status is always one of
// pending, processing, completed or failed.
type PollResult struct {
	TaskID   string
	Status   model.TaskStatus
	MediaURL string
	CoverURL string
	Error    string
}

type statusResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Result *struct {
		MediaURL string `json:"media_url"`
		CoverURL string `json:"cover_url,omitempty"`
	} `json:"result,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewSunoClient creates a new Suno API client
func NewSunoClient(cfg *config.SunoConfig, log zerolog.Logger) *SunoClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &SunoClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		log:     log.With().Str("component", "suno").Logger(),
	}
}

// BuildGenerateRequest maps a generation request onto the Suno payload.
func BuildGenerateRequest(req *model.GenerationRequest) *GenerateMusicRequest {
	out := &GenerateMusicRequest{
		Prompt: req.PromptText,
		Title:  req.Title,
		Seed:   req.Seed,
	}

	switch req.LyricsMode {
	case model.LyricsModeUser:
		// prompt carries the user's own lyrics
		out.CustomMode = true
	case model.LyricsModeInstrumental:
		out.MakeInstrumental = true
	}

	if req.FrequencyTag != "" {
		out.Style = fmt.Sprintf("tuned to %s", req.FrequencyTag)
	}
	return out
}

// Submit initiates music generation
func (c *SunoClient) Submit(ctx context.Context, req *GenerateMusicRequest) (*SubmitResult, error) {
	var result SubmitResult
	if err := c.post(ctx, "/v1/music/generate", req, &result); err != nil {
		return nil, err
	}
	if result.TaskID == "" {
		return nil, fmt.Errorf("%w: missing task_id", ErrMalformedResponse)
	}
	return &result, nil
}

// Poll retrieves the status of a music generation task
func (c *SunoClient) Poll(ctx context.Context, taskID string) (*PollResult, error) {
	endpoint := fmt.Sprintf("/v1/music/status/%s", url.PathEscape(taskID))
	var raw statusResponse
	if err := c.get(ctx, endpoint, &raw); err != nil {
		return nil, err
	}
	return parseStatus(taskID, &raw)
}

// parseStatus validates a raw status payload at the adapter boundary.
func parseStatus(taskID string, raw *statusResponse) (*PollResult, error) {
	if raw.TaskID != "" && raw.TaskID != taskID {
		return nil, fmt.Errorf("%w: task_id %q does not match %q", ErrMalformedResponse, raw.TaskID, taskID)
	}

	status, ok := normalizeStatus(raw.Status)
	if !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformedResponse, raw.Status)
	}

	result := &PollResult{
		TaskID: taskID,
		Status: status,
		Error:  raw.Error,
	}
	if raw.Result != nil {
		result.MediaURL = strings.TrimSpace(raw.Result.MediaURL)
		result.CoverURL = strings.TrimSpace(raw.Result.CoverURL)
	}
	return result, nil
}

func normalizeStatus(s string) (model.TaskStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued":
		return model.TaskStatusPending, true
	case "processing", "running":
		return model.TaskStatusProcessing, true
	case "completed", "success":
		return model.TaskStatusCompleted, true
	case "failed", "error":
		return model.TaskStatusFailed, true
	}
	return "", false
}

// post sends a POST request with JSON body
func (c *SunoClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *SunoClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *SunoClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	op := req.Method + " " + req.URL.Path
	c.log.Debug().Str("op", op).Msg("request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("op", op).Msg("request failed")
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	c.log.Debug().Str("op", op).Int("status", resp.StatusCode).Msg("response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ServiceError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		c.log.Warn().Err(err).Str("op", op).Str("body", string(respBody)).Msg("unmarshal failed")
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *SunoClient) IsConfigured() bool {
	return c.apiKey != ""
}
