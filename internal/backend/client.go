// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the backend client.
type ClientError struct {
	Type    ErrorType
	Status  int // HTTP status, 0 when no response was received
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeRejected
	ErrTypeConnection
	ErrTypeInvalidResponse
)

// Sentinel errors for easy checking.
var (
	ErrNotRunning = &ClientError{Type: ErrTypeNotRunning, Message: "backend is not running"}
	ErrTimeout    = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
)

// IsRejected reports whether the backend answered with a refusal
// (a non-2xx status with or without a detail message).
func IsRejected(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Type == ErrTypeRejected
}

// IsUnreachable reports whether the request never got a response.
func IsUnreachable(err error) bool {
	var ce *ClientError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Type == ErrTypeNotRunning || ce.Type == ErrTypeTimeout || ce.Type == ErrTypeConnection
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the backend client.
type ClientConfig struct {
	// TrainingURL is the root of the training service (default: http://127.0.0.1:8000/api)
	TrainingURL string

	// InferenceURL is the root of the inference service (default: http://127.0.0.1:8001/chat-api)
	InferenceURL string

	// StreamURL is the websocket root for chat streams (default: ws://127.0.0.1:8001/chat-stream)
	StreamURL string

	// Timeout for ordinary requests (default: 10s)
	Timeout time.Duration

	// UploadTimeout for multipart uploads, which the backend parses inline (default: 5m)
	UploadTimeout time.Duration

	// LoadTimeout for the model load handshake (default: 2m)
	LoadTimeout time.Duration

	// DialTimeout for the websocket handshake (default: 10s)
	DialTimeout time.Duration
}

// Default endpoint roots, matching the ports the training and inference
// services listen on.
const (
	DefaultTrainingURL  = "http://127.0.0.1:8000/api"
	DefaultInferenceURL = "http://127.0.0.1:8001/chat-api"
	DefaultStreamURL    = "ws://127.0.0.1:8001/chat-stream"
)

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		TrainingURL:   DefaultTrainingURL,
		InferenceURL:  DefaultInferenceURL,
		StreamURL:     DefaultStreamURL,
		Timeout:       10 * time.Second,
		UploadTimeout: 5 * time.Minute,
		LoadTimeout:   2 * time.Minute,
		DialTimeout:   10 * time.Second,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the training and inference services.
//
// The Client is safe for concurrent use. Every method honours ctx; the
// per-request timeouts from ClientConfig apply on top of it.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
}

// NewClient creates a client with default configuration.
func NewClient() *Client {
	return NewClientWithConfig(DefaultConfig())
}

// NewClientWithConfig creates a client with custom configuration.
func NewClientWithConfig(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	// Fill in defaults for any zero values
	if config.TrainingURL == "" {
		config.TrainingURL = DefaultTrainingURL
	}
	if config.InferenceURL == "" {
		config.InferenceURL = DefaultInferenceURL
	}
	if config.StreamURL == "" {
		config.StreamURL = DefaultStreamURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.UploadTimeout == 0 {
		config.UploadTimeout = 5 * time.Minute
	}
	if config.LoadTimeout == 0 {
		config.LoadTimeout = 2 * time.Minute
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}
	config.TrainingURL = strings.TrimRight(config.TrainingURL, "/")
	config.InferenceURL = strings.TrimRight(config.InferenceURL, "/")
	config.StreamURL = strings.TrimRight(config.StreamURL, "/")

	// Timeouts are applied per request through contexts.
	return &Client{
		config:     config,
		httpClient: &http.Client{},
	}
}

// Config returns the client configuration.
func (c *Client) Config() *ClientConfig {
	return c.config
}

// =============================================================================
// TRAINING SERVICE
// =============================================================================

// SystemInfo fetches the host resource snapshot.
func (c *Client) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.getJSON(ctx, c.config.TrainingURL+"/system-info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// TrainingStatus fetches the backend's single training job snapshot.
func (c *Client) TrainingStatus(ctx context.Context) (*TrainingStatus, error) {
	var status TrainingStatus
	if err := c.getJSON(ctx, c.config.TrainingURL+"/training-status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListProjects returns the project slugs the backend holds a corpus for.
func (c *Client) ListProjects(ctx context.Context) ([]string, error) {
	var result ProjectsResponse
	if err := c.getJSON(ctx, c.config.TrainingURL+"/projects", &result); err != nil {
		return nil, err
	}
	return result.Projects, nil
}

// UploadData submits one file to a project's corpus as multipart field "file".
func (c *Client) UploadData(ctx context.Context, slug, filename string, data io.Reader) (*UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to build upload", Cause: err}
	}
	if _, err := io.Copy(part, data); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to read " + filename, Cause: err}
	}
	if err := mw.Close(); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to build upload", Cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.UploadTimeout)
	defer cancel()

	endpoint := c.config.TrainingURL + "/upload-data?project_slug=" + url.QueryEscape(slug)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var result UploadResult
	if err := c.do(req, "upload "+filename, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StartTraining asks the backend to begin a training run.
func (c *Client) StartTraining(ctx context.Context, r StartTrainingRequest) error {
	return c.postJSON(ctx, c.config.Timeout, c.config.TrainingURL+"/start-training", r, nil)
}

// ContinueTraining asks the backend to train an existing model further.
func (c *Client) ContinueTraining(ctx context.Context, r ContinueTrainingRequest) error {
	return c.postJSON(ctx, c.config.Timeout, c.config.TrainingURL+"/continue-training", r, nil)
}

// =============================================================================
// INFERENCE SERVICE
// =============================================================================

// LoadModel performs the load handshake for a project's trained model.
// Loading an already loaded model succeeds.
func (c *Client) LoadModel(ctx context.Context, slug string) error {
	return c.postJSON(ctx, c.config.LoadTimeout, c.config.InferenceURL+"/load-model", ModelRequest{ProjectSlug: slug}, nil)
}

// UnloadModel releases a project's model on the inference service.
func (c *Client) UnloadModel(ctx context.Context, slug string) error {
	return c.postJSON(ctx, c.config.Timeout, c.config.InferenceURL+"/unload-model", ModelRequest{ProjectSlug: slug}, nil)
}

// Health reports inference service health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.getJSON(ctx, c.config.InferenceURL+"/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// StreamEndpoint returns the websocket URL for a project session.
func (c *Client) StreamEndpoint(slug, sessionID string) string {
	return c.config.StreamURL + "/" + url.PathEscape(slug) + "/" + url.PathEscape(sessionID)
}

// =============================================================================
// HELPERS
// =============================================================================

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	return c.do(req, "GET "+endpoint, out)
}

func (c *Client) postJSON(ctx context.Context, timeout time.Duration, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, "POST "+endpoint, out)
}

// do sends req and decodes a 2xx body into out (when non-nil). Non-2xx
// responses become ErrTypeRejected carrying the backend's detail message.
func (c *Client) do(req *http.Request, what string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &ClientError{Type: ErrTypeTimeout, Message: what + " timed out", Cause: err}
		}
		if errors.Is(err, context.Canceled) {
			return &ClientError{Type: ErrTypeConnection, Message: what + " cancelled", Cause: err}
		}
		return &ClientError{Type: ErrTypeNotRunning, Message: "backend is not running", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Detail != "" {
			return &ClientError{Type: ErrTypeRejected, Status: resp.StatusCode, Message: apiErr.Detail}
		}
		return &ClientError{
			Type:    ErrTypeRejected,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("%s failed: %s", what, resp.Status),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Status: resp.StatusCode, Message: "failed to decode response", Cause: err}
	}
	return nil
}
