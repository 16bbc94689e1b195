// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/trainchat/internal/backend"
	"github.com/jeranaias/trainchat/internal/failure"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeStream struct {
	frames    chan []byte
	sent      chan backend.ChatRequest
	sendErr   error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames: make(chan []byte, 16),
		sent:   make(chan backend.ChatRequest, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) Send(req backend.ChatRequest) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent <- req
	return nil
}

func (f *fakeStream) Read() ([]byte, error) {
	select {
	case data, ok := <-f.frames:
		if !ok {
			return nil, backend.ErrStreamClosed
		}
		return data, nil
	case <-f.closed:
		return nil, backend.ErrStreamClosed
	}
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) push(frames ...string) {
	for _, fr := range frames {
		f.frames <- []byte(fr)
	}
}

type fakeBackend struct {
	mu         sync.Mutex
	loadErr    error
	dialErr    error
	loads      int
	streams    []*fakeStream
	sessionIDs []string
}

func (b *fakeBackend) LoadModel(ctx context.Context, slug string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loads++
	return b.loadErr
}

func (b *fakeBackend) DialStream(ctx context.Context, slug, sessionID string) (backend.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionIDs = append(b.sessionIDs, sessionID)
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	st := newFakeStream()
	b.streams = append(b.streams, st)
	return st, nil
}

func (b *fakeBackend) stream(i int) *fakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[i]
}

func (b *fakeBackend) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessionIDs)
}

func (b *fakeBackend) set(loadErr, dialErr error) {
	b.mu.Lock()
	b.loadErr, b.dialErr = loadErr, dialErr
	b.mu.Unlock()
}

func testConfig() Config {
	return Config{ReconnectAttempts: 3, ReconnectInitial: time.Millisecond, ReconnectMax: 5 * time.Millisecond}
}

func readySession(t *testing.T, be *fakeBackend, cfg Config) *Session {
	t.Helper()
	s := NewSession("demo", be, cfg)
	t.Cleanup(s.Close)
	require.NoError(t, s.Load(context.Background()))
	require.Equal(t, StateReadyIdle, s.State())
	return s
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, time.Millisecond,
		"state never reached %s", want)
}

// =============================================================================
// LOAD TESTS
// =============================================================================

func TestLoad_Success(t *testing.T) {
	be := &fakeBackend{}
	s := readySession(t, be, testConfig())

	assert.False(t, s.ConnectionPending())
	assert.Equal(t, []string{s.ID()}, be.sessionIDs)

	// Already ready: no second handshake.
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 1, be.loads)
}

func TestLoad_ModelLoadFailed(t *testing.T) {
	be := &fakeBackend{loadErr: errors.New("No trained model found")}
	s := NewSession("demo", be, testConfig())
	defer s.Close()

	err := s.Load(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindModelLoadFailed))
	assert.Equal(t, StateError, s.State())
	assert.Equal(t, 0, be.dialCount())

	be.set(nil, nil)
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, StateReadyIdle, s.State())
}

func TestLoad_DialFailed(t *testing.T) {
	be := &fakeBackend{dialErr: errors.New("connection refused")}
	s := NewSession("demo", be, testConfig())
	defer s.Close()

	err := s.Load(context.Background())
	assert.True(t, failure.Is(err, failure.KindConnectionFailed))
	assert.Equal(t, StateError, s.State())
	assert.False(t, s.ConnectionPending())
}

func TestLoad_AfterClose(t *testing.T) {
	s := NewSession("demo", &fakeBackend{}, testConfig())
	s.Close()
	assert.ErrorIs(t, s.Load(context.Background()), ErrClosed)
}

// =============================================================================
// SEND TESTS
// =============================================================================

func TestSend_NotReadyWhileUnloaded(t *testing.T) {
	s := NewSession("demo", &fakeBackend{}, testConfig())
	defer s.Close()

	err := s.SendMessage("hello", DefaultChatConfig())
	require.Error(t, err)
	assert.True(t, failure.IsNotReady(err))
	assert.Empty(t, s.Snapshot().Transcript)
	assert.Equal(t, StateUnloaded, s.State())
}

func TestSend_SecondSendRejectedWhileAwaiting(t *testing.T) {
	be := &fakeBackend{}
	s := readySession(t, be, testConfig())

	require.NoError(t, s.SendMessage("first", DefaultChatConfig()))
	assert.Equal(t, StateAwaitingResponse, s.State())

	err := s.SendMessage("second", DefaultChatConfig())
	assert.True(t, failure.IsNotReady(err))
	assert.Len(t, s.Snapshot().Transcript, 1)

	req := <-be.stream(0).sent
	assert.Equal(t, backend.ChatRequest{Message: "first", Temperature: 0.7, MaxTokens: 150}, req)
	assert.Len(t, be.stream(0).sent, 0)
}

func TestSend_InvalidInput(t *testing.T) {
	s := readySession(t, &fakeBackend{}, testConfig())

	assert.ErrorIs(t, s.SendMessage("   ", DefaultChatConfig()), ErrEmptyMessage)
	assert.Error(t, s.SendMessage("hi", ChatConfig{Temperature: 2, MaxTokens: 10}))
	assert.Equal(t, StateReadyIdle, s.State())
	assert.Empty(t, s.Snapshot().Transcript)
}

// =============================================================================
// STREAM EVENT TESTS
// =============================================================================

func TestStreamedTurn(t *testing.T) {
	be := &fakeBackend{}
	s := readySession(t, be, testConfig())

	var mu sync.Mutex
	var tokens []string
	s.OnUpdate(func(u Update) {
		if u.Kind == UpdateToken {
			mu.Lock()
			tokens = append(tokens, u.Token)
			mu.Unlock()
		}
	})

	require.NoError(t, s.SendMessage("Tell me a story", DefaultChatConfig()))
	be.stream(0).push(
		`{"type":"message_received","message":"Tell me a story"}`,
		`{"type":"token","token":"Once"}`,
		`{"type":"token","token":" upon"}`,
		`{"type":"token","token":" a time."}`,
		`{"type":"complete","latency_ms":120,"input_tokens":5,"output_tokens":4,"total_tokens":9}`,
	)
	waitState(t, s, StateReadyIdle)

	snap := s.Snapshot()
	require.Len(t, snap.Transcript, 2)
	assert.Equal(t, RoleUser, snap.Transcript[0].Role)
	assistant := snap.Transcript[1]
	assert.Equal(t, RoleAssistant, assistant.Role)
	assert.Equal(t, "Once upon a time.", assistant.Content)
	require.NotNil(t, assistant.Metrics)
	assert.Equal(t, TurnMetrics{LatencyMs: 120, InputTokens: 5, OutputTokens: 4, TotalTokens: 9}, *assistant.Metrics)
	assert.Empty(t, snap.Buffer)
	assert.Equal(t, assistant.Metrics, snap.LastMetrics)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tokens) == 3
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"Once", " upon", " a time."}, tokens)
}

func TestTurnErrorEvent(t *testing.T) {
	be := &fakeBackend{}
	s := readySession(t, be, testConfig())

	require.NoError(t, s.SendMessage("hi", DefaultChatConfig()))
	be.stream(0).push(
		`{"type":"message_received","message":"hi"}`,
		`{"type":"token","token":"partial"}`,
		`{"type":"error","error":"CUDA out of memory"}`,
	)
	waitState(t, s, StateReadyIdle)

	snap := s.Snapshot()
	assert.Len(t, snap.Transcript, 1)
	assert.Empty(t, snap.Buffer)
	var te *TurnError
	require.ErrorAs(t, snap.LastError, &te)
	assert.Equal(t, "CUDA out of memory", te.Message)
}

func TestProtocolViolationLeavesStateUnchanged(t *testing.T) {
	be := &fakeBackend{}
	s := readySession(t, be, testConfig())

	require.NoError(t, s.SendMessage("hi", DefaultChatConfig()))
	be.stream(0).push(
		`{"type":"heartbeat"}`,
		`not json`,
		`{"type":"token","token":"ok"}`,
	)
	require.Eventually(t, func() bool { return s.Snapshot().Buffer == "ok" }, time.Second, time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.Violations)
	assert.Equal(t, StateAwaitingResponse, snap.State)
}

func TestCompleteWithoutMetricsIsViolation(t *testing.T) {
	be := &fakeBackend{}
	s := readySession(t, be, testConfig())

	require.NoError(t, s.SendMessage("hi", DefaultChatConfig()))
	be.stream(0).push(
		`{"type":"message_received","message":"hi"}`,
		`{"type":"token","token":"x"}`,
		`{"type":"complete"}`,
	)
	require.Eventually(t, func() bool { return s.Snapshot().Violations == 1 }, time.Second, time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, StateAwaitingResponse, snap.State)
	assert.Len(t, snap.Transcript, 1)
	assert.Equal(t, "x", snap.Buffer)
	assert.Nil(t, snap.LastMetrics)
}

func TestOutOfTurnEventsIgnored(t *testing.T) {
	be := &fakeBackend{}
	s := readySession(t, be, testConfig())

	be.stream(0).push(
		`{"type":"token","token":"ghost"}`,
		`{"type":"complete","latency_ms":1,"input_tokens":1,"output_tokens":1,"total_tokens":2}`,
	)
	require.Eventually(t, func() bool { return s.Snapshot().Violations == 2 }, time.Second, time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, StateReadyIdle, snap.State)
	assert.Empty(t, snap.Transcript)
	assert.Empty(t, snap.Buffer)
}

func TestStaleConnectionFramesDropped(t *testing.T) {
	be := &fakeBackend{}
	s := readySession(t, be, testConfig())
	require.NoError(t, s.SendMessage("hi", DefaultChatConfig()))

	s.mu.Lock()
	stale := s.connSeq - 1
	s.mu.Unlock()

	s.handleFrame(stale, []byte(`{"type":"token","token":"old"}`))
	s.handleFrame(stale, []byte(`{"type":"heartbeat"}`))

	snap := s.Snapshot()
	assert.Empty(t, snap.Buffer)
	assert.Equal(t, 0, snap.Violations)
}

func TestRefusedFrame(t *testing.T) {
	be := &fakeBackend{}
	s := readySession(t, be, testConfig())

	be.stream(0).push(`{"error":"Model not loaded"}`)
	require.Eventually(t, func() bool { return s.Snapshot().LastError != nil }, time.Second, time.Millisecond)
	assert.True(t, failure.Is(s.Snapshot().LastError, failure.KindModelLoadFailed))
}

// =============================================================================
// RECONNECT TESTS
// =============================================================================

func TestDisconnectMidTurnReconnectsWithoutResend(t *testing.T) {
	be := &fakeBackend{}
	s := readySession(t, be, testConfig())

	var mu sync.Mutex
	var errs []error
	s.OnUpdate(func(u Update) {
		if u.Kind == UpdateError {
			mu.Lock()
			errs = append(errs, u.Err)
			mu.Unlock()
		}
	})

	require.NoError(t, s.SendMessage("hi", DefaultChatConfig()))
	<-be.stream(0).sent
	be.stream(0).push(`{"type":"token","token":"half"}`)
	require.Eventually(t, func() bool { return s.Snapshot().Buffer == "half" }, time.Second, time.Millisecond)

	close(be.stream(0).frames)
	waitState(t, s, StateReadyIdle)

	assert.Equal(t, 2, be.dialCount())
	assert.Equal(t, be.sessionIDs[0], be.sessionIDs[1], "session ID must survive reconnects")
	assert.Equal(t, 2, be.loads)

	snap := s.Snapshot()
	assert.Len(t, snap.Transcript, 1)
	assert.Empty(t, snap.Buffer)
	assert.Len(t, be.stream(1).sent, 0)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range errs {
			if errors.Is(e, ErrTurnInterrupted) {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	// The replacement connection serves the next turn.
	require.NoError(t, s.SendMessage("again", DefaultChatConfig()))
	be.stream(1).push(`{"type":"token","token":"ok"}`, `{"type":"complete","latency_ms":3,"input_tokens":1,"output_tokens":1,"total_tokens":2}`)
	waitState(t, s, StateReadyIdle)
	assert.Len(t, s.Snapshot().Transcript, 3)
}

func TestReconnectExhausted(t *testing.T) {
	be := &fakeBackend{}
	s := readySession(t, be, testConfig())

	be.set(nil, errors.New("connection refused"))
	close(be.stream(0).frames)
	waitState(t, s, StateError)

	assert.Equal(t, 1+3, be.dialCount())
	assert.True(t, failure.Is(s.Snapshot().LastError, failure.KindConnectionFailed))
	assert.True(t, failure.IsNotReady(s.SendMessage("hi", DefaultChatConfig())))
}

func TestSendFailureTriggersReconnect(t *testing.T) {
	be := &fakeBackend{}
	s := readySession(t, be, testConfig())
	be.stream(0).sendErr = errors.New("broken pipe")

	err := s.SendMessage("hi", DefaultChatConfig())
	assert.True(t, failure.Is(err, failure.KindConnectionFailed))
	assert.Empty(t, s.Snapshot().Transcript)

	waitState(t, s, StateReadyIdle)
	assert.Equal(t, 2, be.dialCount())
}

// =============================================================================
// TEARDOWN TESTS
// =============================================================================

func TestCloseArchivesAndDiscards(t *testing.T) {
	be := &fakeBackend{}
	var archived []Archive
	cfg := testConfig()
	cfg.OnArchive = func(a Archive) { archived = append(archived, a) }

	s := NewSession("demo", be, cfg)
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.SendMessage("hi", DefaultChatConfig()))
	be.stream(0).push(`{"type":"token","token":"hello"}`, `{"type":"complete","latency_ms":5,"input_tokens":1,"output_tokens":1,"total_tokens":2}`)
	waitState(t, s, StateReadyIdle)

	s.Close()
	s.Close()

	snap := s.Snapshot()
	assert.Equal(t, StateUnloaded, snap.State)
	assert.Empty(t, snap.Transcript)
	assert.Nil(t, snap.LastMetrics)

	require.Len(t, archived, 1)
	assert.Equal(t, s.ID(), archived[0].SessionID)
	assert.Len(t, archived[0].Turns, 2)

	select {
	case <-be.stream(0).closed:
	default:
		t.Fatal("stream not closed on teardown")
	}
	assert.True(t, failure.IsNotReady(s.SendMessage("hi", DefaultChatConfig())))
}

func TestCloseDuringAwaitDoesNotReconnect(t *testing.T) {
	be := &fakeBackend{}
	s := NewSession("demo", be, testConfig())
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.SendMessage("hi", DefaultChatConfig()))

	s.Close()
	assert.Equal(t, 1, be.dialCount())
	assert.Equal(t, StateUnloaded, s.State())
}

func TestUpdatesDeliveredInOrder(t *testing.T) {
	be := &fakeBackend{}
	s := NewSession("demo", be, testConfig())

	var mu sync.Mutex
	var states []State
	s.OnUpdate(func(u Update) {
		if u.Kind == UpdateState {
			mu.Lock()
			states = append(states, u.State)
			mu.Unlock()
		}
	})

	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.SendMessage("hi", DefaultChatConfig()))
	be.stream(0).push(`{"type":"complete","latency_ms":1,"input_tokens":1,"output_tokens":1,"total_tokens":2}`)
	waitState(t, s, StateReadyIdle)
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateLoading, StateReadyIdle, StateAwaitingResponse, StateReadyIdle, StateUnloaded}, states)
}

// =============================================================================
// CONFIG TESTS
// =============================================================================

func TestChatConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ChatConfig
		wantErr bool
	}{
		{"defaults", DefaultChatConfig(), false},
		{"min temperature", ChatConfig{Temperature: 0.1, MaxTokens: 1}, false},
		{"max temperature", ChatConfig{Temperature: 1.0, MaxTokens: 500}, false},
		{"too cold", ChatConfig{Temperature: 0.05, MaxTokens: 150}, true},
		{"too hot", ChatConfig{Temperature: 1.5, MaxTokens: 150}, true},
		{"zero tokens", ChatConfig{Temperature: 0.7}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", StateReadyIdle.String())
	assert.Equal(t, "awaiting_response", StateAwaitingResponse.String())
	assert.Equal(t, "state(42)", State(42).String())
}
