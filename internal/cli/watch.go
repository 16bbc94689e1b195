// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/jeranaias/trainchat/internal/coordinator"
	"github.com/jeranaias/trainchat/internal/ui/dashboard"
)

// dashboardInterval is how often the dashboard re-reads the coordinator.
// Polling cadence itself is set by the monitor.
const dashboardInterval = 500 * time.Millisecond

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [project]",
		Short: "Live dashboard of a project's training run",
		Long: `Open a live dashboard for a project's training run.

Without a project, the dashboard follows whichever project the training
service is currently busy with.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := RequiresTTY("watch training"); err != nil {
				return err
			}
			ctx := cmd.Context()

			slug := ""
			if len(args) == 1 {
				slug = args[0]
			} else {
				ts, err := a.client.TrainingStatus(ctx)
				if err != nil {
					return err
				}
				if ts.Project == "" {
					return errors.New("the training service has no active project; name one: trainchat watch <project>")
				}
				slug = ts.Project
			}

			cc := a.coordinatorConfig(nil)
			cc.AutoLoad = false
			coord := coordinator.New(a.client, cc)
			defer coord.Close()

			if err := coord.SelectProject(ctx, slug); err != nil {
				return err
			}
			return runDashboard(ctx, coord)
		},
	}
}

// runDashboard runs the dashboard until the user quits or ctx ends.
func runDashboard(ctx context.Context, coord *coordinator.Coordinator) error {
	// A failed project refresh surfaces as degraded polling on screen.
	_ = coord.Start(ctx)

	p := tea.NewProgram(dashboard.New(coord, dashboardInterval), tea.WithContext(ctx))
	coord.OnEvent(func(ev coordinator.Event) {
		if ev.Kind != coordinator.EventSession {
			p.Send(dashboard.EventMsg{Event: ev})
		}
	})
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}
