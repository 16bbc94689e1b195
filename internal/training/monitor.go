// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package training

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/jeranaias/trainchat/internal/backend"
	"github.com/jeranaias/trainchat/internal/failure"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// StatusSource fetches the backend training snapshot.
type StatusSource interface {
	TrainingStatus(ctx context.Context) (*backend.TrainingStatus, error)
}

// Config holds monitor settings.
type Config struct {
	// FastInterval is the poll interval while Running (default: 1s)
	FastInterval time.Duration

	// SlowInterval is the poll interval in every other phase (default: 5s)
	SlowInterval time.Duration

	// DegradedAfter is the number of consecutive failed polls that raise
	// the degraded-connectivity warning (default: 3)
	DegradedAfter int

	// Logger receives monitor events (default: no-op)
	Logger *zap.Logger
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		FastInterval:  time.Second,
		SlowInterval:  5 * time.Second,
		DegradedAfter: 3,
		Logger:        zap.NewNop(),
	}
}

// ErrStopped is returned by operations on a stopped monitor.
var ErrStopped = errors.New("monitor stopped")

// TransitionError reports a local action that is not legal in the current
// phase.
type TransitionError struct {
	From   Phase
	To     Phase
	Action Cause
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s: phase is %s", e.Action, e.From)
}

// Status is a point-in-time view of the monitor.
type Status struct {
	Project             string
	Phase               Phase
	Progress            Progress
	Error               string // backend failure message while Failed
	BusyWith            string // another project the backend is training
	Degraded            bool
	ConsecutiveFailures int
	LastPoll            time.Time
	LastPollError       string
}

// =============================================================================
// MONITOR
// =============================================================================

// Monitor turns repeated training status snapshots into edge-triggered
// phase transitions for one project.
//
// A Monitor is bound to a single project for its whole life; switching
// projects means stopping this monitor and creating another. Results of
// polls issued before a local action (upload, start, continue) or before
// Stop are discarded.
type Monitor struct {
	project string
	source  StatusSource
	cfg     Config
	log     *zap.Logger

	mu          sync.Mutex
	phase       Phase
	preUpload   Phase
	progress    Progress
	failMsg     string
	busyWith    string
	failures    int
	degraded    bool
	lastPoll    time.Time
	lastPollErr string
	gen         uint64
	pollSeq     uint64
	appliedSeq  uint64
	started     bool
	stopped     bool

	transitionSubs []func(Transition)
	completeSubs   []func(Transition)
	degradedSubs   []func(bool)

	wake   chan struct{}
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewMonitor creates a monitor for project in PhaseIdle.
func NewMonitor(project string, source StatusSource, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = def.FastInterval
	}
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = def.SlowInterval
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = def.DegradedAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	return &Monitor{
		project: project,
		source:  source,
		cfg:     cfg,
		log:     cfg.Logger.With(zap.String("project", project)),
		phase:   PhaseIdle,
		wake:    make(chan struct{}, 1),
	}
}

// Project returns the project this monitor tracks.
func (m *Monitor) Project() string {
	return m.project
}

// OnTransition registers fn for every phase change.
func (m *Monitor) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	m.transitionSubs = append(m.transitionSubs, fn)
	m.mu.Unlock()
}

// OnComplete registers fn for each entry into PhaseCompleted.
func (m *Monitor) OnComplete(fn func(Transition)) {
	m.mu.Lock()
	m.completeSubs = append(m.completeSubs, fn)
	m.mu.Unlock()
}

// OnDegraded registers fn for changes of the degraded-connectivity flag.
func (m *Monitor) OnDegraded(fn func(bool)) {
	m.mu.Lock()
	m.degradedSubs = append(m.degradedSubs, fn)
	m.mu.Unlock()
}

// Phase returns the current phase.
func (m *Monitor) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Status returns a snapshot of the monitor state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Project:             m.project,
		Phase:               m.phase,
		Progress:            m.progress,
		Error:               m.failMsg,
		BusyWith:            m.busyWith,
		Degraded:            m.degraded,
		ConsecutiveFailures: m.failures,
		LastPoll:            m.lastPoll,
		LastPollError:       m.lastPollErr,
	}
}

// Interval returns the poll interval for the current phase.
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intervalLocked()
}

func (m *Monitor) intervalLocked() time.Duration {
	if m.phase == PhaseRunning {
		return m.cfg.FastInterval
	}
	return m.cfg.SlowInterval
}

// =============================================================================
// POLLING
// =============================================================================

// notifications collects callbacks to run after the lock is released.
type notifications struct {
	transition *Transition
	complete   bool
	degraded   *bool
}

// Poll fetches one status snapshot and applies it. A fetch failure leaves
// the phase unchanged and returns a TransientPollFailure. A response that
// was overtaken by a local action, a newer poll, or Stop is dropped and
// Poll returns nil.
func (m *Monitor) Poll(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	gen := m.gen
	m.pollSeq++
	seq := m.pollSeq
	m.mu.Unlock()

	snapshot, err := m.source.TrainingStatus(ctx)

	m.mu.Lock()
	if m.stopped || gen != m.gen || seq < m.appliedSeq {
		m.mu.Unlock()
		m.log.Debug("STATUS_DISCARDED | stale response", zap.Uint64("seq", seq))
		return nil
	}
	m.appliedSeq = seq
	m.lastPoll = time.Now()

	var notes notifications
	if err != nil {
		m.failures++
		m.lastPollErr = err.Error()
		if m.failures >= m.cfg.DegradedAfter && !m.degraded {
			m.degraded = true
			on := true
			notes.degraded = &on
			m.log.Warn("POLL_DEGRADED | consecutive failures", zap.Int("failures", m.failures), zap.Error(err))
		} else {
			m.log.Debug("POLL_FAILED | transient", zap.Int("failures", m.failures), zap.Error(err))
		}
		m.mu.Unlock()
		m.dispatch(notes)
		return failure.Wrap(failure.KindTransientPollFailure, "training status", err)
	}

	if m.degraded {
		m.degraded = false
		off := false
		notes.degraded = &off
		m.log.Info("POLL_RECOVERED", zap.Int("after_failures", m.failures))
	}
	m.failures = 0
	m.lastPollErr = ""
	m.applyLocked(snapshot, &notes)
	m.mu.Unlock()

	m.dispatch(notes)
	return nil
}

// applyLocked derives the phase from a snapshot. Caller holds m.mu.
func (m *Monitor) applyLocked(s *backend.TrainingStatus, notes *notifications) {
	ours := s.Project == m.project

	if !ours {
		if s.IsTraining {
			m.busyWith = s.Project
		} else {
			m.busyWith = ""
		}
		// The backend runs one job at a time. If it reports anything other
		// than our job while we are Running, our job is gone.
		if m.phase == PhaseRunning {
			m.transitionLocked(PhaseFailed, CausePoll, "training job no longer reported by backend", notes)
		}
		return
	}

	m.busyWith = ""
	m.progress = progressFrom(s.Progress)

	var next Phase
	msg := ""
	switch {
	case s.IsTraining:
		next = PhaseRunning
	case s.Progress.Completed:
		next = PhaseCompleted
	case s.Error != "":
		next, msg = PhaseFailed, s.Error
	case m.phase == PhaseRunning:
		next, msg = PhaseFailed, "training stopped without completing"
	default:
		return
	}

	if next == m.phase {
		return
	}
	if !pollAllowed(m.phase, next) {
		m.log.Debug("STATUS_IGNORED | edge not allowed from poll",
			zap.Stringer("from", m.phase), zap.Stringer("to", next))
		return
	}
	m.transitionLocked(next, CausePoll, msg, notes)
}

// transitionLocked records a phase change. Caller holds m.mu.
func (m *Monitor) transitionLocked(to Phase, cause Cause, msg string, notes *notifications) {
	from := m.phase
	m.phase = to
	if to == PhaseFailed {
		if msg != "" {
			m.failMsg = msg
		}
	} else {
		m.failMsg = ""
	}

	t := Transition{Project: m.project, From: from, To: to, Cause: cause, Error: msg, At: time.Now()}
	notes.transition = &t
	notes.complete = to == PhaseCompleted

	fields := []zap.Field{zap.Stringer("from", from), zap.Stringer("to", to), zap.String("cause", string(cause))}
	if msg != "" {
		fields = append(fields, zap.String("error", msg))
	}
	m.log.Info("PHASE_CHANGE", fields...)
}

// dispatch runs subscribers and re-arms the poll timer. Caller must not
// hold m.mu.
func (m *Monitor) dispatch(notes notifications) {
	if notes.transition == nil && notes.degraded == nil {
		return
	}

	m.mu.Lock()
	transitionSubs := append([]func(Transition){}, m.transitionSubs...)
	completeSubs := append([]func(Transition){}, m.completeSubs...)
	degradedSubs := append([]func(bool){}, m.degradedSubs...)
	m.mu.Unlock()

	if notes.transition != nil {
		select {
		case m.wake <- struct{}{}:
		default:
		}
		for _, fn := range transitionSubs {
			fn(*notes.transition)
		}
		if notes.complete {
			for _, fn := range completeSubs {
				fn(*notes.transition)
			}
		}
	}
	if notes.degraded != nil {
		for _, fn := range degradedSubs {
			fn(*notes.degraded)
		}
	}
}

// =============================================================================
// LOCAL ACTIONS
// =============================================================================

// action applies a locally initiated transition. It advances the
// generation so polls issued before the action cannot overwrite it.
func (m *Monitor) action(cause Cause, to Phase, allowed ...Phase) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	ok := false
	for _, p := range allowed {
		if m.phase == p {
			ok = true
			break
		}
	}
	if !ok {
		err := &TransitionError{From: m.phase, To: to, Action: cause}
		m.mu.Unlock()
		return err
	}

	m.gen++
	var notes notifications
	if to == PhaseUploading {
		m.preUpload = m.phase
	}
	if to == PhaseRunning {
		m.progress = Progress{}
	}
	m.transitionLocked(to, cause, "", &notes)
	m.mu.Unlock()

	m.dispatch(notes)
	return nil
}

// BeginUpload enters PhaseUploading from Idle or Failed.
func (m *Monitor) BeginUpload() error {
	return m.action(CauseUpload, PhaseUploading, PhaseIdle, PhaseFailed)
}

// EndUpload leaves PhaseUploading, returning to the phase it was entered
// from. It is a no-op in any other phase.
func (m *Monitor) EndUpload() {
	m.mu.Lock()
	if m.stopped || m.phase != PhaseUploading {
		m.mu.Unlock()
		return
	}
	back := m.preUpload
	m.mu.Unlock()

	_ = m.action(CauseUpload, back, PhaseUploading)
}

// CanStart reports whether a fresh training run may be started.
func (m *Monitor) CanStart() bool {
	p := m.Phase()
	return p == PhaseIdle || p == PhaseFailed
}

// MarkStarted records that the backend accepted a start request.
func (m *Monitor) MarkStarted() error {
	return m.action(CauseStart, PhaseRunning, PhaseIdle, PhaseFailed)
}

// MarkContinued records that the backend accepted a continue request. It
// is the only way out of PhaseCompleted.
func (m *Monitor) MarkContinued() error {
	return m.action(CauseContinue, PhaseRunning, PhaseCompleted)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start begins polling in the background. The first poll is immediate.
// Start on a started or stopped monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Go(func() { m.run(ctx) })
}

func (m *Monitor) run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			// Phase changed: apply the new cadence from now.
			timer.Reset(m.Interval())
		case <-timer.C:
			_ = m.Poll(ctx)
			timer.Reset(m.Interval())
		}
	}
}

// Stop halts polling and waits for the poll loop to exit. Responses to
// polls still in flight are discarded. Stop must not be called from a
// subscriber callback.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.gen++
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.log.Debug("MONITOR_STOPPED")
}
