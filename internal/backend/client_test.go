// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// HELPERS
// =============================================================================

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClientWithConfig(&ClientConfig{
		TrainingURL:  srv.URL + "/api",
		InferenceURL: srv.URL + "/chat-api",
		StreamURL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat-stream",
		Timeout:      2 * time.Second,
	})
}

// =============================================================================
// CONFIG TESTS
// =============================================================================

func TestNewClientWithConfig_FillsDefaults(t *testing.T) {
	c := NewClientWithConfig(&ClientConfig{TrainingURL: "http://host:9000/api/"})
	cfg := c.Config()

	assert.Equal(t, "http://host:9000/api", cfg.TrainingURL)
	assert.Equal(t, DefaultInferenceURL, cfg.InferenceURL)
	assert.Equal(t, DefaultStreamURL, cfg.StreamURL)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, 2*time.Minute, cfg.LoadTimeout)
}

func TestNewClientWithConfig_Nil(t *testing.T) {
	c := NewClientWithConfig(nil)
	assert.Equal(t, DefaultTrainingURL, c.Config().TrainingURL)
}

func TestStreamEndpoint(t *testing.T) {
	c := NewClient()
	got := c.StreamEndpoint("demo", "0b7f6a4e-1111-2222-3333-444455556666")
	assert.Equal(t, "ws://127.0.0.1:8001/chat-stream/demo/0b7f6a4e-1111-2222-3333-444455556666", got)
}

// =============================================================================
// TRAINING SERVICE TESTS
// =============================================================================

func TestTrainingStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/training-status", r.URL.Path)
		_, _ = io.WriteString(w, `{"is_training":true,"project":"demo","progress":{"current_epoch":1,"total_epochs":3,"current_step":40,"total_steps":120,"progress_percent":33.3,"eta_minutes":4.5,"recent_logs":[{"step":40,"loss":2.1}]}}`)
	}))

	status, err := c.TrainingStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsTraining)
	assert.Equal(t, "demo", status.Project)
	assert.Equal(t, 3, status.Progress.TotalEpochs)
	require.NotNil(t, status.Progress.ETAMinutes)
	assert.InDelta(t, 4.5, *status.Progress.ETAMinutes, 0.001)
	require.Len(t, status.Progress.RecentLogs, 1)
	assert.False(t, status.Progress.Completed)
}

func TestListProjects(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"projects":["alpha","beta"]}`)
	}))

	projects, err := c.ListProjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, projects)
}

func TestUploadData_Multipart(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/upload-data", r.URL.Path)
		assert.Equal(t, "my project", r.URL.Query().Get("project_slug"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		body, _ := io.ReadAll(file)
		assert.Equal(t, "stories.txt", header.Filename)
		assert.Equal(t, "once upon a time", string(body))

		_, _ = io.WriteString(w, `{"success":true,"texts_count":1,"total_chars":16}`)
	}))

	res, err := c.UploadData(context.Background(), "my project", "stories.txt", strings.NewReader("once upon a time"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.TextsCount)
	assert.Equal(t, 16, res.TotalChars)
}

func TestStartTraining_Rejected(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req StartTrainingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "demo", req.ProjectSlug)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"detail":"Training already in progress"}`)
	}))

	err := c.StartTraining(context.Background(), StartTrainingRequest{ProjectSlug: "demo", ModelSize: "toy", Epochs: 1})
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.Equal(t, "Training already in progress", err.Error())

	var ce *ClientError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, http.StatusBadRequest, ce.Status)
}

func TestRejectedWithoutDetail(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	err := c.LoadModel(context.Background(), "demo")
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.Contains(t, err.Error(), "500")
}

func TestNotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClientWithConfig(&ClientConfig{TrainingURL: srv.URL + "/api", Timeout: time.Second})

	_, err := c.SystemInfo(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnreachable(err))
	assert.False(t, IsRejected(err))
}

func TestInvalidResponse(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	}))

	_, err := c.SystemInfo(context.Background())
	var ce *ClientError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrTypeInvalidResponse, ce.Type)
}

func TestLoadAndUnloadModel(t *testing.T) {
	var paths []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		var req ModelRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "demo", req.ProjectSlug)
		_, _ = io.WriteString(w, `{"success":true}`)
	}))

	require.NoError(t, c.LoadModel(context.Background(), "demo"))
	require.NoError(t, c.UnloadModel(context.Background(), "demo"))
	assert.Equal(t, []string{"/chat-api/load-model", "/chat-api/unload-model"}, paths)
}

// =============================================================================
// STREAM TESTS
// =============================================================================

func TestDialStream_RoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat-stream/demo/sess-1", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "message_received", "message": req.Message})
		_ = conn.WriteJSON(map[string]any{"type": "token", "token": "Once "})
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))

	stream, err := c.DialStream(context.Background(), "demo", "sess-1")
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, stream.Send(ChatRequest{Message: "Tell me a story", Temperature: 0.7, MaxTokens: 150}))

	data, err := stream.Read()
	require.NoError(t, err)
	ev, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, MessageReceived{Message: "Tell me a story"}, ev)

	data, err = stream.Read()
	require.NoError(t, err)
	ev, err = DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, Token{Token: "Once "}, ev)

	_, err = stream.Read()
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestDialStream_Refused(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())

	_, err := c.DialStream(context.Background(), "demo", "sess-1")
	require.Error(t, err)

	var ce *ClientError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrTypeConnection, ce.Type)
	assert.Equal(t, http.StatusNotFound, ce.Status)
}

func TestStreamClose_Idempotent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))

	stream, err := c.DialStream(context.Background(), "demo", "sess-1")
	require.NoError(t, err)
	first := stream.Close()
	second := stream.Close()
	assert.Equal(t, first, second)

	_, err = stream.Read()
	assert.Error(t, err)
}
