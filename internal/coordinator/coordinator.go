// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/jeranaias/trainchat/internal/backend"
	"github.com/jeranaias/trainchat/internal/inference"
	"github.com/jeranaias/trainchat/internal/project"
	"github.com/jeranaias/trainchat/internal/telemetry"
	"github.com/jeranaias/trainchat/internal/training"
)

// =============================================================================
// CONTRACTS
// =============================================================================

// Backend is everything the coordinator needs from the two services.
// *backend.Client satisfies it.
type Backend interface {
	training.StatusSource
	inference.Backend
	telemetry.InfoSource

	ListProjects(ctx context.Context) ([]string, error)
	UploadData(ctx context.Context, slug, filename string, data io.Reader) (*backend.UploadResult, error)
	StartTraining(ctx context.Context, req backend.StartTrainingRequest) error
	ContinueTraining(ctx context.Context, req backend.ContinueTrainingRequest) error
	UnloadModel(ctx context.Context, slug string) error
}

// Archiver stores transcripts of closed sessions. *history.Store
// satisfies it.
type Archiver interface {
	Save(ctx context.Context, a inference.Archive) error
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds coordinator settings.
type Config struct {
	Monitor training.Config
	Session inference.Config

	// TelemetryInterval is the system-info poll interval (default: 5s)
	TelemetryInterval time.Duration

	// AutoLoad loads the model when training completes.
	AutoLoad bool

	// UnloadOnClose releases the model on the backend when a loaded
	// session is torn down.
	UnloadOnClose bool

	// Archiver receives transcripts of closed sessions (optional).
	Archiver Archiver

	// Logger receives coordinator events (default: no-op)
	Logger *zap.Logger
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Monitor:           training.DefaultConfig(),
		Session:           inference.DefaultConfig(),
		TelemetryInterval: 5 * time.Second,
		AutoLoad:          true,
		Logger:            zap.NewNop(),
	}
}

const (
	unloadTimeout  = 5 * time.Second
	archiveTimeout = 5 * time.Second
)

// Errors returned by the coordinator.
var (
	ErrClosed     = errors.New("coordinator closed")
	ErrNotTrained = errors.New("training has not completed")
)

// =============================================================================
// EVENTS
// =============================================================================

// EventKind identifies a coordinator event.
type EventKind int

const (
	// EventPhase carries a training phase transition.
	EventPhase EventKind = iota
	// EventCompleted fires once per entry into PhaseCompleted.
	EventCompleted
	// EventDegraded carries a change of the degraded-connectivity flag.
	EventDegraded
	// EventSession carries a chat session update.
	EventSession
	// EventSelected fires after the active project changed.
	EventSelected
)

// Event is delivered to subscribers for the active project only.
type Event struct {
	Kind       EventKind
	Project    string
	Transition training.Transition
	Degraded   bool
	Update     inference.Update
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator ties project selection, the training monitor and the chat
// session together.
//
// Exactly one monitor and one session exist at a time, both for the
// selected project. Switching projects stops the old pair before the new
// pair is created, and events from a replaced pair are never delivered.
//
// Subscribers run on monitor and session goroutines without any
// coordinator lock held. They must not call SelectProject,
// ContinueTraining or Close synchronously.
type Coordinator struct {
	be     Backend
	cfg    Config
	log    *zap.Logger
	dir    *project.Directory
	system *telemetry.SystemPoller
	usage  *telemetry.UsageTracker

	// switchMu serializes operations that replace the monitor or session.
	switchMu sync.Mutex
	// uploadMu keeps uploads strictly sequential.
	uploadMu sync.Mutex
	// emitMu is held shared while an event is delivered and exclusively
	// while the selection changes, so no event of a replaced selection is
	// delivered once the change returns.
	emitMu sync.RWMutex

	mu      sync.Mutex
	sel     project.Selection
	monitor *training.Monitor
	session *inference.Session
	subs    []func(Event)
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New creates a coordinator with no project selected.
func New(be Backend, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = def.TelemetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		be:     be,
		cfg:    cfg,
		log:    cfg.Logger,
		dir:    project.NewDirectory(),
		system: telemetry.NewSystemPoller(be, cfg.TelemetryInterval, cfg.Logger.Named("telemetry")),
		usage:  telemetry.NewUsageTracker(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnEvent registers fn for events of the active project.
func (c *Coordinator) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

// Directory returns the project directory.
func (c *Coordinator) Directory() *project.Directory {
	return c.dir
}

// Usage returns the per-session usage tracker.
func (c *Coordinator) Usage() *telemetry.UsageTracker {
	return c.usage
}

// Start refreshes the project list and starts the telemetry poller. A
// failed refresh is returned but leaves the coordinator usable.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	first := !c.started
	c.started = true
	c.mu.Unlock()

	if first {
		c.system.Start(c.ctx)
	}
	return c.RefreshProjects(ctx)
}

// RefreshProjects replaces the known projects with the backend's list.
func (c *Coordinator) RefreshProjects(ctx context.Context) error {
	slugs, err := c.be.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	c.dir.Replace(slugs)
	return nil
}

// Projects returns the known project slugs in sorted order.
func (c *Coordinator) Projects() []string {
	return c.dir.List()
}

// Active returns the current selection.
func (c *Coordinator) Active() project.Selection {
	return c.dir.Active()
}

// =============================================================================
// PROJECT SELECTION
// =============================================================================

// SelectProject makes slug the active project. The previous project's
// monitor is stopped and its session closed before anything is created
// for slug. Unknown slugs trigger one project list refresh.
func (c *Coordinator) SelectProject(ctx context.Context, slug string) error {
	norm, err := project.NormalizeSlug(slug)
	if err != nil {
		return err
	}
	if !c.dir.Contains(norm) {
		if err := c.RefreshProjects(ctx); err != nil {
			return err
		}
	}

	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	return c.selectLocked(norm)
}

// selectLocked performs the switch. Caller holds switchMu.
func (c *Coordinator) selectLocked(slug string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.emitMu.Lock()
	sel, err := c.dir.Select(slug)
	c.emitMu.Unlock()
	if err != nil {
		return err
	}

	c.mu.Lock()
	oldMon, oldSess := c.monitor, c.session
	c.monitor, c.session = nil, nil
	c.sel = sel
	c.mu.Unlock()

	c.teardown(oldMon, oldSess)

	mon := c.newMonitor(sel)
	sess := c.newSession(sel)

	c.mu.Lock()
	if c.closed || !c.dir.IsCurrent(sel) {
		c.mu.Unlock()
		c.teardown(mon, sess)
		return ErrClosed
	}
	c.monitor, c.session = mon, sess
	c.mu.Unlock()

	mon.Start(c.ctx)
	c.log.Info("PROJECT_SELECTED", zap.String("project", sel.Slug), zap.Uint64("generation", sel.Generation))
	c.emit(sel, Event{Kind: EventSelected, Project: sel.Slug})
	return nil
}

// teardown stops a monitor and closes a session. Either may be nil.
func (c *Coordinator) teardown(mon *training.Monitor, sess *inference.Session) {
	if mon != nil {
		mon.Stop()
	}
	c.closeSession(sess)
}

func (c *Coordinator) closeSession(sess *inference.Session) {
	if sess == nil {
		return
	}
	wasLoaded := sess.State() != inference.StateUnloaded
	sess.Close()

	if c.cfg.UnloadOnClose && wasLoaded {
		ctx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
		defer cancel()
		if err := c.be.UnloadModel(ctx, sess.Project()); err != nil {
			c.log.Warn("MODEL_UNLOAD_FAILED", zap.String("project", sess.Project()), zap.Error(err))
		}
	}
}

func (c *Coordinator) newMonitor(sel project.Selection) *training.Monitor {
	mcfg := c.cfg.Monitor
	mcfg.Logger = c.log.Named("monitor")
	mon := training.NewMonitor(sel.Slug, c.be, mcfg)

	mon.OnTransition(func(tr training.Transition) {
		c.emit(sel, Event{Kind: EventPhase, Project: sel.Slug, Transition: tr})
	})
	mon.OnComplete(func(tr training.Transition) {
		c.emit(sel, Event{Kind: EventCompleted, Project: sel.Slug, Transition: tr})
		if c.cfg.AutoLoad {
			c.goCurrent(sel, func() { c.autoLoad(sel) })
		}
	})
	mon.OnDegraded(func(degraded bool) {
		c.emit(sel, Event{Kind: EventDegraded, Project: sel.Slug, Degraded: degraded})
	})
	return mon
}

func (c *Coordinator) newSession(sel project.Selection) *inference.Session {
	scfg := c.cfg.Session
	scfg.Logger = c.log.Named("session")
	scfg.OnArchive = c.archive

	sess := inference.NewSession(sel.Slug, c.be, scfg)
	sess.OnUpdate(func(u inference.Update) {
		if u.Kind == inference.UpdateTurn && u.Turn != nil && u.Turn.Role == inference.RoleAssistant && u.Turn.Metrics != nil {
			m := u.Turn.Metrics
			c.usage.Record(sess.ID(), sel.Slug, m.LatencyMs, m.InputTokens, m.OutputTokens, m.TotalTokens)
		}
		c.emit(sel, Event{Kind: EventSession, Project: sel.Slug, Update: u})
	})
	return sess
}

// emit delivers ev when sel is still the active selection. Subscribers
// must not call back into the coordinator.
func (c *Coordinator) emit(sel project.Selection, ev Event) {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if !c.dir.IsCurrent(sel) {
		return
	}
	c.mu.Lock()
	subs := append([]func(Event){}, c.subs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// goCurrent runs fn in the background unless the coordinator is closed or
// sel has been replaced.
func (c *Coordinator) goCurrent(sel project.Selection, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.dir.IsCurrent(sel) {
		return
	}
	c.wg.Go(fn)
}

func (c *Coordinator) autoLoad(sel project.Selection) {
	c.mu.Lock()
	if c.closed || !c.dir.IsCurrent(sel) || c.session == nil {
		c.mu.Unlock()
		return
	}
	sess := c.session
	c.mu.Unlock()

	c.log.Info("AUTO_LOAD", zap.String("project", sel.Slug))
	if err := sess.Load(c.ctx); err != nil && !errors.Is(err, inference.ErrClosed) && !errors.Is(err, inference.ErrBusy) {
		c.log.Warn("AUTO_LOAD_FAILED", zap.String("project", sel.Slug), zap.Error(err))
	}
}

func (c *Coordinator) archive(a inference.Archive) {
	if c.cfg.Archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := c.cfg.Archiver.Save(ctx, a); err != nil {
		c.log.Warn("ARCHIVE_FAILED", zap.String("session", a.SessionID), zap.Error(err))
		return
	}
	c.log.Debug("ARCHIVED", zap.String("session", a.SessionID), zap.Int("turns", len(a.Turns)))
}

// current returns the active monitor and session. Both are nil when no
// project is selected.
func (c *Coordinator) current() (project.Selection, *training.Monitor, *inference.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return project.Selection{}, nil, nil, ErrClosed
	}
	if c.monitor == nil {
		return project.Selection{}, nil, nil, project.ErrNoneSelected
	}
	return c.sel, c.monitor, c.session, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Close stops polling, closes the session (archiving its transcript) and
// waits for background work. Close is idempotent.
func (c *Coordinator) Close() {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	mon, sess := c.monitor, c.session
	c.monitor, c.session = nil, nil
	c.mu.Unlock()

	c.emitMu.Lock()
	c.dir.Clear()
	c.emitMu.Unlock()
	c.system.Stop()
	c.teardown(mon, sess)
	c.cancel()
	c.wg.Wait()
	c.log.Debug("COORDINATOR_CLOSED")
}
