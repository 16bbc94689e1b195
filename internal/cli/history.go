// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jeranaias/trainchat/internal/history"
	"github.com/jeranaias/trainchat/internal/inference"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		project string
		limit   int
		keep    int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse archived chat transcripts",
		Long: `Browse chat transcripts archived when chat sessions end.

Subcommands:
  list             List archived sessions (newest first)
  show <id>        Print a transcript
  delete <id>      Delete a transcript
  prune            Keep only the newest sessions`,
	}

	// withStore opens the archive for one subcommand.
	withStore := func(fn func(*history.Store) (interface{}, error)) func() (interface{}, error) {
		return func() (interface{}, error) {
			store, err := history.Open(a.cfg.HistoryPath())
			if err != nil {
				return nil, err
			}
			defer store.Close()
			return fn(store)
		}
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List archived sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return OutputJSON(out, a.jsonOut, "history list", withStore(func(s *history.Store) (interface{}, error) {
				sums, err := s.List(cmd.Context(), project, limit)
				if err != nil {
					return nil, err
				}
				if !a.jsonOut {
					printSummaries(out, sums)
				}
				return sums, nil
			}))
		},
	}
	list.Flags().StringVarP(&project, "project", "p", "", "Only sessions for this project")
	list.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions to list (0 for all)")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print an archived transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return OutputJSON(out, a.jsonOut, "history show", withStore(func(s *history.Store) (interface{}, error) {
				arch, err := s.Get(cmd.Context(), args[0])
				if err != nil {
					return nil, notFoundHint(err)
				}
				if !a.jsonOut {
					printArchive(out, arch)
				}
				return arch, nil
			}))
		},
	}

	del := &cobra.Command{
		Use:     "delete <session-id>",
		Aliases: []string{"rm"},
		Short:   "Delete an archived transcript",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return OutputJSON(out, a.jsonOut, "history delete", withStore(func(s *history.Store) (interface{}, error) {
				if err := s.Delete(cmd.Context(), args[0]); err != nil {
					return nil, notFoundHint(err)
				}
				if !a.jsonOut {
					fmt.Fprintln(out, SuccessStyle.Render("Deleted "+args[0]))
				}
				return map[string]string{"deleted": args[0]}, nil
			}))
		},
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !cmd.Flags().Changed("keep") {
				keep = a.cfg.History.Keep
			}
			return OutputJSON(out, a.jsonOut, "history prune", withStore(func(s *history.Store) (interface{}, error) {
				n, err := s.Prune(cmd.Context(), keep)
				if err != nil {
					return nil, err
				}
				if !a.jsonOut {
					fmt.Fprintf(out, "Removed %d session(s), kept the newest %d\n", n, keep)
				}
				return map[string]int{"removed": n, "kept": keep}, nil
			}))
		},
	}
	prune.Flags().IntVarP(&keep, "keep", "k", 0, "Sessions to keep (default from config)")

	cmd.AddCommand(list, show, del, prune)
	return cmd
}

func notFoundHint(err error) error {
	if errors.Is(err, history.ErrNotFound) {
		return fmt.Errorf("%w (see: trainchat history list)", err)
	}
	return err
}

func printSummaries(w io.Writer, sums []history.Summary) {
	if len(sums) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No archived sessions."))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tPROJECT\tENDED\tTURNS\tTOKENS\tFIRST MESSAGE")
	for _, s := range sums {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.SessionID, s.Project, s.EndedAt.Local().Format("2006-01-02 15:04"),
			s.Turns, s.TotalTokens, s.Preview)
	}
	_ = tw.Flush()
}

func printArchive(w io.Writer, a *inference.Archive) {
	fmt.Fprintln(w, TitleStyle.Render("Session "+a.SessionID))
	printField(w, "project", a.Project)
	printField(w, "started", a.StartedAt.Local().Format("2006-01-02 15:04:05"))
	printField(w, "ended", a.EndedAt.Local().Format("2006-01-02 15:04:05"))
	printField(w, "turns", strconv.Itoa(len(a.Turns)))
	fmt.Fprintln(w)

	width := GetTerminalWidth()
	for _, t := range a.Turns {
		label := PromptStyle.Render("you> ")
		if t.Role == inference.RoleAssistant {
			label = AssistantStyle.Render("model> ")
		}
		fmt.Fprintln(w, label+WrapText(t.Content, width-8))
		if t.Metrics != nil {
			fmt.Fprintln(w, DimStyle.Render(formatMetrics(*t.Metrics)))
		}
	}
}
