// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/trainchat/internal/backend"
	"github.com/jeranaias/trainchat/internal/failure"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds session settings.
type Config struct {
	// ReconnectAttempts bounds reconnection after an unexpected close (default: 5)
	ReconnectAttempts int

	// ReconnectInitial is the first backoff delay (default: 500ms)
	ReconnectInitial time.Duration

	// ReconnectMax caps the backoff delay (default: 8s)
	ReconnectMax time.Duration

	// OnArchive receives the transcript when the session is torn down.
	// Sessions without turns are not archived.
	OnArchive func(Archive)

	// Logger receives session events (default: no-op)
	Logger *zap.Logger
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		ReconnectAttempts: 5,
		ReconnectInitial:  500 * time.Millisecond,
		ReconnectMax:      8 * time.Second,
		Logger:            zap.NewNop(),
	}
}

// =============================================================================
// SESSION
// =============================================================================

// Session is a chat session with one project's model.
//
// A session owns at most one stream connection at a time. Frames from a
// connection that has since been replaced or closed are ignored. Close
// discards all state; a closed session cannot be reused.
//
// Subscribers registered with OnUpdate are called from a dedicated
// goroutine, in order, without any session lock held. They must not call
// Close.
type Session struct {
	id      string
	project string
	be      Backend
	cfg     Config
	log     *zap.Logger

	violationLog rate.Sometimes

	mu          sync.Mutex
	state       State
	pending     bool // load acknowledged, stream not yet open
	conn        backend.Stream
	connSeq     uint64
	transcript  []Turn
	buffer      strings.Builder
	lastMetrics *TurnMetrics
	lastErr     error
	violations  int
	closed      bool
	startedAt   time.Time

	subs   []func(Update)
	queue  []Update
	notify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewSession creates an unloaded session for project with a fresh ID.
func NewSession(project string, be Backend, cfg Config) *Session {
	def := DefaultConfig()
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = def.ReconnectAttempts
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = def.ReconnectInitial
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           id,
		project:      project,
		be:           be,
		cfg:          cfg,
		log:          cfg.Logger.With(zap.String("project", project), zap.String("session_id", id)),
		violationLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
		state:        StateUnloaded,
		startedAt:    time.Now(),
		notify:       make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.wg.Go(s.dispatchLoop)
	return s
}

// ID returns the session identifier sent on the stream URL.
func (s *Session) ID() string { return s.id }

// Project returns the project slug.
func (s *Session) Project() string { return s.project }

// OnUpdate registers fn for state changes, tokens, turns and errors.
func (s *Session) OnUpdate(fn func(Update)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// State returns the current state. A session whose load succeeded but
// whose stream is not open yet reports StateLoading.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionPending reports whether the load handshake succeeded and the
// stream is still opening.
func (s *Session) ConnectionPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Snapshot is a consistent view of a session.
type Snapshot struct {
	ID          string
	Project     string
	State       State
	Transcript  []Turn
	Buffer      string
	LastMetrics *TurnMetrics
	LastError   error
	Violations  int
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:         s.id,
		Project:    s.project,
		State:      s.state,
		Transcript: append([]Turn(nil), s.transcript...),
		Buffer:     s.buffer.String(),
		LastError:  s.lastErr,
		Violations: s.violations,
	}
	if s.lastMetrics != nil {
		m := *s.lastMetrics
		snap.LastMetrics = &m
	}
	return snap
}

// =============================================================================
// LOAD
// =============================================================================

// Load performs the load handshake and opens the stream. It is legal from
// StateUnloaded and StateError, and a no-op when the session is already
// ready. Load blocks until the session is ready or has failed.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	switch s.state {
	case StateReadyIdle, StateAwaitingResponse:
		s.mu.Unlock()
		return nil
	case StateLoading, StateConnecting, StateDisconnected:
		s.mu.Unlock()
		return ErrBusy
	}
	s.lastErr = nil
	s.setStateLocked(StateLoading)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.log.Info("MODEL_LOAD | requesting")
	if err := s.be.LoadModel(ctx, s.project); err != nil {
		return s.failLoad(failure.Wrap(failure.KindModelLoadFailed, "load model "+s.project, err))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.pending = true
	s.dropConnLocked()
	s.mu.Unlock()

	conn, err := s.be.DialStream(ctx, s.project, s.id)
	if err != nil {
		return s.failLoad(failure.Wrap(failure.KindConnectionFailed, "open stream", err))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.pending = false
	s.attachLocked(conn)
	s.setStateLocked(StateReadyIdle)
	s.mu.Unlock()

	s.log.Info("SESSION_READY")
	return nil
}

func (s *Session) failLoad(err *failure.Error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.pending = false
	s.lastErr = err
	s.setStateLocked(StateError)
	s.enqueueLocked(Update{Kind: UpdateError, State: s.state, Err: err})
	s.log.Warn("SESSION_LOAD_FAILED", zap.Stringer("kind", err.Kind), zap.Error(err))
	return err
}

// =============================================================================
// SEND
// =============================================================================

// SendMessage transmits a user turn. It is rejected with a
// SendRejectedNotReady failure unless the session is ReadyIdle; a rejected
// send leaves the transcript untouched. The user turn is recorded only once
// the request is on the wire.
func (s *Session) SendMessage(text string, cfg ChatConfig) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed || s.state != StateReadyIdle || s.conn == nil {
		state := s.state
		s.mu.Unlock()
		return failure.New(failure.KindSendRejectedNotReady, fmt.Sprintf("cannot send: session is %s", state))
	}

	// Held across the write so a fast reply cannot arrive before the
	// session is awaiting it.
	req := backend.ChatRequest{Message: text, Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens}
	if err := s.conn.Send(req); err != nil {
		s.loseConnLocked(err)
		s.mu.Unlock()
		return failure.Wrap(failure.KindConnectionFailed, "send message", err)
	}

	turn := Turn{Role: RoleUser, Content: text, Timestamp: time.Now()}
	s.transcript = append(s.transcript, turn)
	s.buffer.Reset()
	s.lastErr = nil
	s.enqueueLocked(Update{Kind: UpdateTurn, State: s.state, Turn: &turn})
	s.setStateLocked(StateAwaitingResponse)
	s.mu.Unlock()
	return nil
}

// =============================================================================
// STREAM HANDLING
// =============================================================================

// dropConnLocked closes the current connection, if any, so a new one can
// be opened. Caller holds s.mu.
func (s *Session) dropConnLocked() {
	s.connSeq++
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// attachLocked installs conn and starts its reader. Caller holds s.mu.
func (s *Session) attachLocked(conn backend.Stream) {
	s.dropConnLocked()
	s.conn = conn
	seq := s.connSeq
	s.wg.Go(func() { s.readLoop(seq, conn) })
}

func (s *Session) readLoop(seq uint64, conn backend.Stream) {
	for {
		data, err := conn.Read()
		if err != nil {
			s.mu.Lock()
			if s.closed || seq != s.connSeq {
				s.mu.Unlock()
				return
			}
			s.loseConnLocked(err)
			s.mu.Unlock()
			return
		}
		s.handleFrame(seq, data)
	}
}

// handleFrame applies one server frame received on connection seq.
func (s *Session) handleFrame(seq uint64, data []byte) {
	ev, decodeErr := backend.DecodeEvent(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || seq != s.connSeq {
		return
	}
	if decodeErr != nil {
		s.violationLocked(decodeErr)
		return
	}

	if refused, ok := ev.(backend.Refused); ok {
		// The service closes the socket after this; the reconnect path
		// repeats the load handshake.
		err := failure.New(failure.KindModelLoadFailed, refused.Message)
		s.lastErr = err
		s.enqueueLocked(Update{Kind: UpdateError, State: s.state, Err: err})
		s.log.Warn("STREAM_REFUSED", zap.String("reason", refused.Message))
		return
	}

	if s.state != StateAwaitingResponse {
		s.violationLocked(fmt.Errorf("%T received while %s", ev, s.state))
		return
	}

	switch ev := ev.(type) {
	case backend.MessageReceived:
		s.buffer.Reset()

	case backend.Token:
		s.buffer.WriteString(ev.Token)
		s.enqueueLocked(Update{Kind: UpdateToken, State: s.state, Token: ev.Token})

	case backend.Complete:
		metrics := &TurnMetrics{
			LatencyMs:    ev.LatencyMs,
			InputTokens:  ev.InputTokens,
			OutputTokens: ev.OutputTokens,
			TotalTokens:  ev.TotalTokens,
		}
		turn := Turn{Role: RoleAssistant, Content: s.buffer.String(), Timestamp: time.Now(), Metrics: metrics}
		s.transcript = append(s.transcript, turn)
		s.buffer.Reset()
		m := *metrics
		s.lastMetrics = &m
		s.enqueueLocked(Update{Kind: UpdateTurn, State: s.state, Turn: &turn})
		s.setStateLocked(StateReadyIdle)
		s.log.Debug("TURN_COMPLETE", zap.Float64("latency_ms", ev.LatencyMs), zap.Int("total_tokens", ev.TotalTokens))

	case backend.TurnError:
		s.buffer.Reset()
		err := &TurnError{Message: ev.Message}
		s.lastErr = err
		s.enqueueLocked(Update{Kind: UpdateError, State: s.state, Err: err})
		s.setStateLocked(StateReadyIdle)
		s.log.Warn("TURN_ERROR", zap.String("error", ev.Message))
	}
}

// violationLocked counts a frame that broke the stream contract. The
// session state is left unchanged. Caller holds s.mu.
func (s *Session) violationLocked(err error) {
	s.violations++
	n := s.violations
	s.violationLog.Do(func() {
		s.log.Warn("PROTOCOL_VIOLATION", zap.Int("count", n), zap.Error(err))
	})
}

// loseConnLocked handles an unexpected close: drop any in-flight reply,
// move to Disconnected and start reconnecting. Caller holds s.mu.
func (s *Session) loseConnLocked(cause error) {
	s.dropConnLocked()

	if s.state == StateAwaitingResponse {
		s.buffer.Reset()
		err := failure.Wrap(failure.KindConnectionFailed, "reply lost", ErrTurnInterrupted)
		s.enqueueLocked(Update{Kind: UpdateError, State: s.state, Err: err})
	}
	if !errors.Is(cause, backend.ErrStreamClosed) {
		s.lastErr = failure.Wrap(failure.KindConnectionFailed, "stream lost", cause)
	} else {
		s.lastErr = failure.New(failure.KindConnectionFailed, "stream closed by server")
	}
	s.setStateLocked(StateDisconnected)
	s.log.Warn("STREAM_LOST", zap.Error(cause))

	s.wg.Go(s.reconnect)
}

// reconnect repeats the load handshake and dial under exponential backoff
// until it succeeds, the attempts run out, or the session is closed.
func (s *Session) reconnect() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectInitial
	b.MaxInterval = s.cfg.ReconnectMax

	attempt := 0
	op := func() (backend.Stream, error) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, backoff.Permanent(ErrClosed)
		}
		attempt++
		s.setStateLocked(StateConnecting)
		s.mu.Unlock()

		if err := s.be.LoadModel(s.ctx, s.project); err != nil {
			return nil, err
		}
		return s.be.DialStream(s.ctx, s.project, s.id)
	}
	notify := func(err error, next time.Duration) {
		s.mu.Lock()
		if !s.closed {
			s.setStateLocked(StateDisconnected)
		}
		s.mu.Unlock()
		s.log.Info("RECONNECT_RETRY", zap.Int("attempt", attempt), zap.Duration("next", next), zap.Error(err))
	}

	conn, err := backoff.Retry(s.ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.ReconnectAttempts)),
		backoff.WithNotify(notify),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		ferr := failure.Wrap(failure.KindConnectionFailed, fmt.Sprintf("reconnect failed after %d attempts", attempt), err)
		s.lastErr = ferr
		s.enqueueLocked(Update{Kind: UpdateError, State: s.state, Err: ferr})
		s.setStateLocked(StateError)
		s.log.Error("RECONNECT_FAILED", zap.Int("attempts", attempt), zap.Error(err))
		return
	}
	s.attachLocked(conn)
	s.setStateLocked(StateReadyIdle)
	s.log.Info("RECONNECTED", zap.Int("attempts", attempt))
}

// =============================================================================
// TEARDOWN
// =============================================================================

// Close tears the session down: the stream is closed, reconnects stop,
// the transcript is handed to Config.OnArchive, and all state is cleared.
// Close waits for the session's goroutines and is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	archive := Archive{
		SessionID: s.id,
		Project:   s.project,
		StartedAt: s.startedAt,
		EndedAt:   time.Now(),
		Turns:     append([]Turn(nil), s.transcript...),
	}
	s.dropConnLocked()
	s.transcript = nil
	s.buffer.Reset()
	s.lastMetrics = nil
	s.lastErr = nil
	s.pending = false
	s.setStateLocked(StateUnloaded)
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.log.Info("SESSION_CLOSED", zap.Int("turns", len(archive.Turns)))

	if s.cfg.OnArchive != nil && len(archive.Turns) > 0 {
		s.cfg.OnArchive(archive)
	}
}

// =============================================================================
// UPDATE DISPATCH
// =============================================================================

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.enqueueLocked(Update{Kind: UpdateState, State: st})
}

func (s *Session) enqueueLocked(u Update) {
	s.queue = append(s.queue, u)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// dispatchLoop delivers queued updates in order until the session is
// closed, then drains what is left.
func (s *Session) dispatchLoop() {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		subs := append([]func(Update){}, s.subs...)
		s.mu.Unlock()

		for _, u := range batch {
			for _, fn := range subs {
				fn(u)
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.notify:
		case <-s.ctx.Done():
			s.mu.Lock()
			batch = s.queue
			s.queue = nil
			s.mu.Unlock()
			for _, u := range batch {
				for _, fn := range subs {
					fn(u)
				}
			}
			return
		}
	}
}
