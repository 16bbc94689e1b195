// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/trainchat/internal/backend"
	"github.com/jeranaias/trainchat/internal/coordinator"
)

type trainFlags struct {
	size        string
	epochs      int
	lr          float64
	useCase     string
	temperature float64
	cont        bool
	watch       bool
}

// options merges explicitly set flags over the configured defaults.
func (f trainFlags) options(cmd *cobra.Command, a *app) coordinator.TrainingOptions {
	opts := coordinator.TrainingOptions{
		ModelSize:    a.cfg.Training.ModelSize,
		Epochs:       a.cfg.Training.Epochs,
		LearningRate: a.cfg.Training.LearningRate,
		UseCase:      a.cfg.Training.UseCase,
		Temperature:  a.cfg.Training.Temperature,
	}
	flags := cmd.Flags()
	if flags.Changed("size") {
		opts.ModelSize = strings.ToLower(f.size)
	}
	if flags.Changed("epochs") {
		opts.Epochs = f.epochs
	}
	if flags.Changed("lr") {
		opts.LearningRate = f.lr
	}
	if flags.Changed("use-case") {
		opts.UseCase = strings.ToLower(f.useCase)
	}
	if flags.Changed("temperature") {
		opts.Temperature = f.temperature
	}
	return opts
}

func newTrainCmd(a *app) *cobra.Command {
	var f trainFlags
	cmd := &cobra.Command{
		Use:   "train <project>",
		Short: "Start (or continue) training a project's model",
		Long: `Start a training run for a project. Defaults come from the [training]
section of the config file; flags override them.

With --continue, a completed run is trained for --epochs more epochs
instead of starting over.`,
		Example: `  trainchat train stories --size base --epochs 3
  trainchat train stories --continue --epochs 2 --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			cc := a.coordinatorConfig(nil)
			cc.AutoLoad = false
			coord := coordinator.New(a.client, cc)
			defer coord.Close()

			err := OutputJSON(out, a.jsonOut, "train", func() (interface{}, error) {
				if err := coord.SelectProject(ctx, args[0]); err != nil {
					return nil, err
				}
				// The current phase gates start and continue.
				if err := coord.Refresh(ctx); err != nil {
					return nil, err
				}

				if f.cont {
					epochs := a.cfg.Training.ContinueEpochs
					if cmd.Flags().Changed("epochs") {
						epochs = f.epochs
					}
					if err := coord.ContinueTraining(ctx, epochs); err != nil {
						return nil, err
					}
					if !a.jsonOut {
						fmt.Fprintln(out, SuccessStyle.Render(fmt.Sprintf("Continuing %s for %d more epoch(s)", args[0], epochs)))
					}
					return map[string]interface{}{"project": args[0], "additional_epochs": epochs}, nil
				}

				opts := f.options(cmd, a)
				if err := coord.StartTraining(ctx, opts); err != nil {
					return nil, err
				}
				if !a.jsonOut {
					fmt.Fprintln(out, SuccessStyle.Render("Training started for "+args[0]))
					printField(out, "model size", opts.ModelSize)
					printField(out, "epochs", fmt.Sprint(opts.Epochs))
					printField(out, "learning rate", fmt.Sprintf("%g", opts.LearningRate))
					printField(out, "use case", opts.UseCase)
				}
				return opts, nil
			})
			if err != nil || !f.watch || a.jsonOut {
				return err
			}
			return runDashboard(ctx, coord)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.size, "size", "", "Model size: "+strings.Join(backend.ModelSizes, ", "))
	flags.IntVar(&f.epochs, "epochs", 0, fmt.Sprintf("Epochs to train (%d-%d)", backend.MinEpochs, backend.MaxEpochs))
	flags.Float64Var(&f.lr, "lr", 0, "Learning rate")
	flags.StringVar(&f.useCase, "use-case", "", "Use case: "+strings.Join(backend.UseCases, ", "))
	flags.Float64Var(&f.temperature, "temperature", 0, "Sampling temperature for evaluation (0.1-1.0)")
	flags.BoolVar(&f.cont, "continue", false, "Continue a completed run instead of starting over")
	flags.BoolVarP(&f.watch, "watch", "w", false, "Open the dashboard after starting")
	return cmd
}
