// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/sourcegraph/conc"

	"github.com/jeranaias/trainchat/internal/backend"
	"github.com/jeranaias/trainchat/internal/coordinator"
	"github.com/jeranaias/trainchat/internal/telemetry"
	"github.com/jeranaias/trainchat/internal/training"
	"github.com/jeranaias/trainchat/internal/ui/styles"
)

// =============================================================================
// STATUS
// =============================================================================

// ServiceStatus is the service overview printed by "trainchat status".
type ServiceStatus struct {
	TrainingURL  string                  `json:"training_url"`
	InferenceURL string                  `json:"inference_url"`
	System       *backend.SystemInfo     `json:"system,omitempty"`
	SystemError  string                  `json:"system_error,omitempty"`
	Training     *backend.TrainingStatus `json:"training,omitempty"`
	TrainingErr  string                  `json:"training_error,omitempty"`
	Health       *backend.Health         `json:"health,omitempty"`
	HealthError  string                  `json:"health_error,omitempty"`
}

// ProjectStatus is the per-project view printed by "trainchat status <project>".
type ProjectStatus struct {
	Project     string   `json:"project"`
	Phase       string   `json:"phase"`
	Percent     float64  `json:"progress_percent"`
	Epoch       int      `json:"current_epoch"`
	TotalEpochs int      `json:"total_epochs"`
	Step        int      `json:"current_step"`
	TotalSteps  int      `json:"total_steps"`
	Loss        *float64 `json:"loss,omitempty"`
	ETA         string   `json:"eta"`
	ModelSize   string   `json:"model_size,omitempty"`
	Error       string   `json:"error,omitempty"`
	BusyWith    string   `json:"busy_with,omitempty"`
	Degraded    bool     `json:"degraded"`
	PollError   string   `json:"poll_error,omitempty"`
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [project]",
		Short: "Show service health, or a project's training status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				return OutputJSON(out, a.jsonOut, "status", func() (interface{}, error) {
					st, err := a.projectStatus(cmd.Context(), args[0])
					if err == nil && !a.jsonOut {
						printProjectStatus(out, st)
					}
					return st, err
				})
			}
			return OutputJSON(out, a.jsonOut, "status", func() (interface{}, error) {
				st := a.serviceStatus(cmd.Context())
				if !a.jsonOut {
					printServiceStatus(out, st)
				}
				return st, nil
			})
		},
	}
}

// serviceStatus queries both services concurrently. Each failure is
// reported in its own field.
func (a *app) serviceStatus(ctx context.Context) ServiceStatus {
	st := ServiceStatus{
		TrainingURL:  a.cfg.Backend.TrainingURL,
		InferenceURL: a.cfg.Backend.InferenceURL,
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		info, err := a.client.SystemInfo(ctx)
		if err != nil {
			st.SystemError = err.Error()
			return
		}
		st.System = info
	})
	wg.Go(func() {
		ts, err := a.client.TrainingStatus(ctx)
		if err != nil {
			st.TrainingErr = err.Error()
			return
		}
		st.Training = ts
	})
	wg.Go(func() {
		h, err := a.client.Health(ctx)
		if err != nil {
			st.HealthError = err.Error()
			return
		}
		st.Health = h
	})
	wg.Wait()
	return st
}

// projectStatus polls training status once through a monitor so the phase
// is derived the same way the dashboard derives it.
func (a *app) projectStatus(ctx context.Context, slug string) (ProjectStatus, error) {
	coord := coordinator.New(a.client, a.coordinatorConfig(nil))
	defer coord.Close()

	if err := coord.SelectProject(ctx, slug); err != nil {
		return ProjectStatus{}, err
	}
	pollErr := coord.Refresh(ctx)
	snap := coord.Snapshot()
	st := projectStatusFrom(snap.Training)
	if pollErr != nil {
		st.PollError = pollErr.Error()
	}
	return st, nil
}

func projectStatusFrom(ts training.Status) ProjectStatus {
	p := ts.Progress
	st := ProjectStatus{
		Project:     ts.Project,
		Phase:       ts.Phase.String(),
		Percent:     p.ProgressPercent,
		Epoch:       p.CurrentEpoch,
		TotalEpochs: p.TotalEpochs,
		Step:        p.CurrentStep,
		TotalSteps:  p.TotalSteps,
		ETA:         training.FormatETA(p.ETAMinutes),
		ModelSize:   p.ModelSize,
		Error:       ts.Error,
		BusyWith:    ts.BusyWith,
		Degraded:    ts.Degraded,
	}
	if loss, ok := p.LatestLoss(); ok {
		st.Loss = &loss
	}
	return st
}

// =============================================================================
// RENDERING
// =============================================================================

func printServiceStatus(w io.Writer, st ServiceStatus) {
	fmt.Fprintln(w, TitleStyle.Render("trainchat status"))

	fmt.Fprintln(w, SectionStyle.Render("Training service"))
	printField(w, "url", st.TrainingURL)
	switch {
	case st.TrainingErr != "":
		printField(w, "state", RenderStatus("fail")+" "+st.TrainingErr)
	case st.Training.IsTraining:
		printField(w, "state", RenderStatus("ok")+" training "+st.Training.Project)
		printField(w, "progress", formatPercent(st.Training.Progress.ProgressPercent))
	default:
		printField(w, "state", RenderStatus("ok")+" idle")
	}

	fmt.Fprintln(w, SectionStyle.Render("Chat service"))
	printField(w, "url", st.InferenceURL)
	if st.HealthError != "" {
		printField(w, "state", RenderStatus("fail")+" "+st.HealthError)
	} else {
		printField(w, "state", RenderStatus(st.Health.Status)+fmt.Sprintf(" %d model(s) loaded", st.Health.ActiveModels))
	}

	fmt.Fprintln(w, SectionStyle.Render("System"))
	if st.SystemError != "" {
		printField(w, "state", RenderStatus("fail")+" "+st.SystemError)
		return
	}
	fmt.Fprintln(w, telemetry.Sample{Info: *st.System}.Summary())
}

func printProjectStatus(w io.Writer, st ProjectStatus) {
	fmt.Fprintln(w, TitleStyle.Render("Project "+st.Project))
	printField(w, "phase", styles.RenderPhase(st.Phase))
	if st.Phase == training.PhaseRunning.String() {
		printField(w, "progress", formatPercent(st.Percent))
		if st.TotalEpochs > 0 {
			printField(w, "epoch", fmt.Sprintf("%d/%d", st.Epoch, st.TotalEpochs))
		}
		if st.TotalSteps > 0 {
			printField(w, "step", fmt.Sprintf("%d/%d", st.Step, st.TotalSteps))
		}
		printField(w, "eta", st.ETA)
	}
	if st.Loss != nil {
		printField(w, "loss", fmt.Sprintf("%.4f", *st.Loss))
	}
	if st.ModelSize != "" {
		printField(w, "model", st.ModelSize)
	}
	if st.Error != "" {
		fmt.Fprintln(w, styles.RenderError(st.Error))
	}
	if st.BusyWith != "" {
		fmt.Fprintln(w, styles.RenderWarning("backend is busy training "+st.BusyWith))
	}
	if st.PollError != "" {
		fmt.Fprintln(w, styles.RenderWarning("status poll failed: "+st.PollError))
	}
}

func formatPercent(p float64) string {
	return fmt.Sprintf("%.1f%%", p)
}
