// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/jeranaias/trainchat/internal/backend"
	"github.com/jeranaias/trainchat/internal/failure"
	"github.com/jeranaias/trainchat/internal/inference"
	"github.com/jeranaias/trainchat/internal/project"
	"github.com/jeranaias/trainchat/internal/telemetry"
	"github.com/jeranaias/trainchat/internal/training"
)

// =============================================================================
// UPLOAD
// =============================================================================

// UploadExtensions are the file types the training service can parse.
var UploadExtensions = []string{".txt", ".jsonl", ".csv", ".pdf"}

// UploadReport describes one accepted file.
type UploadReport struct {
	File       string
	TextsCount int
	TotalChars int
}

// Upload sends files to project slug one at a time, in order. Every file
// extension is checked before any network I/O. The first rejected file
// stops the batch; reports for the files accepted before it are returned
// with the error. The first accepted file creates the project if needed
// and makes it active.
func (c *Coordinator) Upload(ctx context.Context, slug string, files []string) ([]UploadReport, error) {
	slug, err := project.NormalizeSlug(slug)
	if err != nil {
		return nil, failure.Wrap(failure.KindUploadRejected, "upload", err)
	}
	if len(files) == 0 {
		return nil, failure.New(failure.KindUploadRejected, "no files to upload")
	}
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f))
		if !slices.Contains(UploadExtensions, ext) {
			return nil, failure.New(failure.KindUploadRejected,
				fmt.Sprintf("%s: unsupported file type (want one of %s)", filepath.Base(f), strings.Join(UploadExtensions, ", ")))
		}
	}

	c.uploadMu.Lock()
	defer c.uploadMu.Unlock()

	var mon *training.Monitor
	if sel, m, _, err := c.current(); err == nil && sel.Slug == slug {
		if err := m.BeginUpload(); err != nil {
			return nil, failure.Wrap(failure.KindUploadRejected, "upload", err)
		}
		mon = m
	} else if errors.Is(err, ErrClosed) {
		return nil, err
	}
	defer func() {
		if mon != nil {
			mon.EndUpload()
		}
	}()

	reports := make([]UploadReport, 0, len(files))
	for i, path := range files {
		res, err := c.uploadOne(ctx, slug, path)
		if err != nil {
			c.log.Warn("UPLOAD_REJECTED", zap.String("project", slug), zap.String("file", path), zap.Error(err))
			return reports, failure.Wrap(failure.KindUploadRejected, "upload "+filepath.Base(path), err)
		}
		reports = append(reports, UploadReport{File: path, TextsCount: res.TextsCount, TotalChars: res.TotalChars})
		c.log.Info("UPLOAD_ACCEPTED", zap.String("project", slug), zap.String("file", path), zap.Int("texts", res.TextsCount))

		if i == 0 && mon == nil {
			if _, err := c.dir.Add(slug); err != nil {
				return reports, err
			}
			if err := c.SelectProject(ctx, slug); err != nil {
				return reports, err
			}
			if _, m, _, err := c.current(); err == nil && m.BeginUpload() == nil {
				mon = m
			}
		}
	}
	return reports, nil
}

func (c *Coordinator) uploadOne(ctx context.Context, slug, path string) (*backend.UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return c.be.UploadData(ctx, slug, filepath.Base(path), f)
}

// =============================================================================
// TRAINING
// =============================================================================

// TrainingOptions are the parameters of a new training run.
type TrainingOptions struct {
	ModelSize    string  `validate:"oneof=toy base plus"`
	Epochs       int     `validate:"gte=1,lte=5"`
	LearningRate float64 `validate:"gt=0,lte=1"`
	UseCase      string  `validate:"oneof=general storytelling qa chat assistant"`
	Temperature  float64 `validate:"gte=0.1,lte=1"`
}

// DefaultTrainingOptions returns the training service's defaults.
func DefaultTrainingOptions() TrainingOptions {
	return TrainingOptions{
		ModelSize:    "toy",
		Epochs:       1,
		LearningRate: 5e-5,
		UseCase:      "general",
		Temperature:  0.7,
	}
}

var validate = validator.New()

// Validate checks every option is in range.
func (o TrainingOptions) Validate() error {
	err := validate.Struct(o)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Field() {
		case "ModelSize":
			msgs = append(msgs, fmt.Sprintf("model size %q must be one of %s", fe.Value(), strings.Join(backend.ModelSizes, ", ")))
		case "UseCase":
			msgs = append(msgs, fmt.Sprintf("use case %q must be one of %s", fe.Value(), strings.Join(backend.UseCases, ", ")))
		case "Epochs":
			msgs = append(msgs, fmt.Sprintf("epochs must be between %d and %d", backend.MinEpochs, backend.MaxEpochs))
		case "LearningRate":
			msgs = append(msgs, "learning rate must be in (0, 1]")
		case "Temperature":
			msgs = append(msgs, "temperature must be between 0.1 and 1.0")
		default:
			msgs = append(msgs, fe.Error())
		}
	}
	return fmt.Errorf("invalid training options: %s", strings.Join(msgs, "; "))
}

// StartTraining starts a fresh run for the active project. It is allowed
// only from PhaseIdle or PhaseFailed and while the backend is not busy
// with another project.
func (c *Coordinator) StartTraining(ctx context.Context, opts TrainingOptions) error {
	sel, mon, _, err := c.current()
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return failure.Wrap(failure.KindTrainingStartRejected, "start training", err)
	}
	st := mon.Status()
	if st.Phase != training.PhaseIdle && st.Phase != training.PhaseFailed {
		return failure.New(failure.KindTrainingStartRejected, fmt.Sprintf("cannot start training: phase is %s", st.Phase))
	}
	if st.BusyWith != "" {
		return failure.New(failure.KindTrainingStartRejected, fmt.Sprintf("cannot start training: backend is busy with %s", st.BusyWith))
	}

	req := backend.StartTrainingRequest{
		ProjectSlug:  sel.Slug,
		ModelSize:    opts.ModelSize,
		Epochs:       opts.Epochs,
		LearningRate: opts.LearningRate,
		UseCase:      opts.UseCase,
		Temperature:  opts.Temperature,
	}
	if err := c.be.StartTraining(ctx, req); err != nil {
		c.log.Warn("TRAINING_START_REJECTED", zap.String("project", sel.Slug), zap.Error(err))
		return failure.Wrap(failure.KindTrainingStartRejected, "start training", err)
	}
	c.log.Info("TRAINING_STARTED", zap.String("project", sel.Slug), zap.String("size", opts.ModelSize), zap.Int("epochs", opts.Epochs))

	// A stopped monitor means the project was switched meanwhile; the
	// new project's monitor will pick the run up from polling.
	if err := mon.MarkStarted(); err != nil && !errors.Is(err, training.ErrStopped) {
		return err
	}
	return nil
}

// ContinueTraining adds epochs to the active project's completed run. The
// chat session is closed because the model is about to change.
func (c *Coordinator) ContinueTraining(ctx context.Context, epochs int) error {
	if epochs < backend.MinEpochs || epochs > backend.MaxEpochs {
		return failure.New(failure.KindTrainingStartRejected,
			fmt.Sprintf("additional epochs must be between %d and %d", backend.MinEpochs, backend.MaxEpochs))
	}

	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	sel, mon, _, err := c.current()
	if err != nil {
		return err
	}
	if p := mon.Phase(); p != training.PhaseCompleted {
		return failure.New(failure.KindTrainingStartRejected, fmt.Sprintf("cannot continue training: phase is %s", p))
	}

	req := backend.ContinueTrainingRequest{ProjectSlug: sel.Slug, AdditionalEpochs: epochs}
	if err := c.be.ContinueTraining(ctx, req); err != nil {
		c.log.Warn("TRAINING_CONTINUE_REJECTED", zap.String("project", sel.Slug), zap.Error(err))
		return failure.Wrap(failure.KindTrainingStartRejected, "continue training", err)
	}
	if err := mon.MarkContinued(); err != nil {
		return err
	}

	// Replace the session so the next load picks up the new checkpoint.
	fresh := c.newSession(sel)
	c.mu.Lock()
	if c.closed || !c.dir.IsCurrent(sel) {
		c.mu.Unlock()
		fresh.Close()
		return ErrClosed
	}
	old := c.session
	c.session = fresh
	c.mu.Unlock()
	c.closeSession(old)

	c.log.Info("TRAINING_CONTINUED", zap.String("project", sel.Slug), zap.Int("epochs", epochs))
	return nil
}

// =============================================================================
// CHAT
// =============================================================================

// LoadModel loads the active project's model and opens its stream. It is
// refused unless training has completed.
func (c *Coordinator) LoadModel(ctx context.Context) error {
	_, mon, sess, err := c.current()
	if err != nil {
		return err
	}
	if p := mon.Phase(); p != training.PhaseCompleted {
		return failure.Wrap(failure.KindModelLoadFailed, fmt.Sprintf("cannot load model: phase is %s", p), ErrNotTrained)
	}
	return sess.Load(ctx)
}

// Send forwards a user message to the active session.
func (c *Coordinator) Send(text string, cfg inference.ChatConfig) error {
	_, mon, sess, err := c.current()
	if errors.Is(err, project.ErrNoneSelected) {
		return failure.Wrap(failure.KindSendRejectedNotReady, "cannot send", err)
	}
	if err != nil {
		return err
	}
	if p := mon.Phase(); p != training.PhaseCompleted {
		return failure.New(failure.KindSendRejectedNotReady, fmt.Sprintf("cannot send: phase is %s", p))
	}
	return sess.SendMessage(text, cfg)
}

// Session returns the active chat session, or nil.
func (c *Coordinator) Session() *inference.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is one consistent view of everything the coordinator tracks.
type Snapshot struct {
	Project  string
	Projects []string

	Training   training.Status
	HasProject bool

	Session inference.Snapshot
	Usage   telemetry.SessionUsage

	System   telemetry.Sample
	SystemOK bool
}

// Snapshot returns the current state. The monitor and session views are
// taken under the coordinator lock so they always describe the same
// project.
func (c *Coordinator) Snapshot() Snapshot {
	snap := Snapshot{Projects: c.dir.List()}
	snap.System, snap.SystemOK = c.system.Latest()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.monitor == nil {
		return snap
	}
	snap.HasProject = true
	snap.Project = c.sel.Slug
	snap.Training = c.monitor.Status()
	if c.session != nil {
		snap.Session = c.session.Snapshot()
		snap.Usage, _ = c.usage.Session(snap.Session.ID)
	}
	return snap
}

// Refresh polls training status and system info once, synchronously.
func (c *Coordinator) Refresh(ctx context.Context) error {
	sysErr := c.system.Poll(ctx)

	_, mon, _, err := c.current()
	if err != nil {
		if errors.Is(err, project.ErrNoneSelected) {
			return sysErr
		}
		return err
	}
	return mon.Poll(ctx)
}
