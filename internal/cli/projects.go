// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/trainchat/internal/coordinator"
)

func newProjectsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "projects",
		Aliases: []string{"ls"},
		Short:   "List projects known to the training service",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return OutputJSON(out, a.jsonOut, "projects", func() (interface{}, error) {
				projects, err := a.client.ListProjects(cmd.Context())
				if err != nil {
					return nil, err
				}
				if !a.jsonOut {
					if len(projects) == 0 {
						fmt.Fprintln(out, DimStyle.Render("No projects yet. Create one with: trainchat upload <project> <files...>"))
						return projects, nil
					}
					for _, p := range projects {
						fmt.Fprintln(out, p)
					}
				}
				return projects, nil
			})
		},
	}
}

func newUploadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <project> <files...>",
		Short: "Upload training data to a project, creating it if needed",
		Long: `Upload files to a project one at a time, in order.

Accepted file types: ` + strings.Join(coordinator.UploadExtensions, ", ") + `

Every file type is checked before anything is sent. The first file the
service rejects stops the batch; files accepted before it stay uploaded.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			coord := coordinator.New(a.client, a.coordinatorConfig(nil))
			defer coord.Close()

			return OutputJSON(out, a.jsonOut, "upload", func() (interface{}, error) {
				if err := coord.RefreshProjects(cmd.Context()); err != nil {
					a.log.Debug("project list unavailable before upload")
				}
				reports, err := coord.Upload(cmd.Context(), args[0], args[1:])
				if !a.jsonOut {
					for _, r := range reports {
						fmt.Fprintf(out, "%s %s  %d texts, %d chars\n",
							RenderStatus("ok"), filepath.Base(r.File), r.TextsCount, r.TotalChars)
					}
					if err == nil {
						fmt.Fprintln(out, SuccessStyle.Render(fmt.Sprintf("Uploaded %d file(s) to %s", len(reports), args[0])))
					}
				}
				return reports, err
			})
		},
	}
}
