// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/trainchat/internal/backend"
	"github.com/jeranaias/trainchat/internal/config"
	"github.com/jeranaias/trainchat/internal/coordinator"
	"github.com/jeranaias/trainchat/internal/history"
	"github.com/jeranaias/trainchat/internal/logging"
)

// BuildInfo is stamped into the binary at build time.
type BuildInfo struct {
	Version   string
	GitCommit string
	BuildDate string
}

// =============================================================================
// APPLICATION STATE
// =============================================================================

// app is the state shared by every command: parsed flags plus what is
// built from them before a command runs.
type app struct {
	configPath string
	jsonOut    bool
	logLevel   string

	cfg      *config.Config
	log      *zap.Logger
	closeLog func() error
	client   *backend.Client
}

// setup loads .env files and config, then builds the logger and client.
func (a *app) setup() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}

	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.LoadFromPath(a.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		if _, err := logging.ParseLevel(a.logLevel); err != nil {
			return err
		}
		cfg.Logging.Level = a.logLevel
	}
	config.SetGlobal(cfg)
	a.cfg = cfg

	logger, closeLog, err := logging.New(cfg.LoggingOptions())
	if err != nil {
		return fmt.Errorf("failed to start logging: %w", err)
	}
	a.log = logger
	a.closeLog = closeLog
	a.client = backend.NewClientWithConfig(cfg.ClientConfig())
	return nil
}

// close flushes the logger.
func (a *app) close() {
	if a.log != nil {
		_ = a.log.Sync()
	}
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}

// coordinatorConfig maps the loaded config onto coordinator settings.
func (a *app) coordinatorConfig(archiver coordinator.Archiver) coordinator.Config {
	cc := coordinator.DefaultConfig()
	cc.Monitor = a.cfg.MonitorConfig()
	cc.Monitor.Logger = a.log.Named("training")
	cc.Session = a.cfg.SessionConfig()
	cc.Session.Logger = a.log.Named("inference")
	cc.TelemetryInterval = a.cfg.TelemetryInterval()
	cc.AutoLoad = a.cfg.Chat.AutoLoad
	cc.UnloadOnClose = a.cfg.Chat.UnloadOnClose
	cc.Archiver = archiver
	cc.Logger = a.log.Named("coordinator")
	return cc
}

// openHistory opens the transcript archive, or returns nil when history
// is disabled.
func (a *app) openHistory() (*history.Store, error) {
	if !a.cfg.History.Enabled {
		return nil, nil
	}
	return history.Open(a.cfg.HistoryPath())
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

// NewRootCmd builds the command tree.
func NewRootCmd(info BuildInfo) *cobra.Command {
	root, _ := buildRoot(info)
	return root
}

func buildRoot(info BuildInfo) (*cobra.Command, *app) {
	a := &app{}
	root := newRootCmd(a, info)
	root.AddCommand(
		newStatusCmd(a),
		newProjectsCmd(a),
		newUploadCmd(a),
		newTrainCmd(a),
		newWatchCmd(a),
		newChatCmd(a),
		newHistoryCmd(a),
		newConfigCmd(a),
	)
	return root, a
}

func newRootCmd(a *app, info BuildInfo) *cobra.Command {
	root := &cobra.Command{
		Use:   "trainchat",
		Short: "Train small language models and chat with them",
		Long: `trainchat drives a local model training service and chat service.

Upload text to a project, train a model on it, watch the run, then chat
with the result over a streaming connection.

Quick Start:
  trainchat upload stories corpus.txt    # Create a project and upload data
  trainchat train stories --epochs 3     # Start training
  trainchat watch stories                # Live training dashboard
  trainchat chat stories                 # Chat once training completes`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.GitCommit, info.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file (default ~/.trainchat/config.toml)")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "Print machine-readable JSON")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute(info BuildInfo) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, a := buildRoot(info)
	err := root.ExecuteContext(ctx)
	a.close()
	if err != nil && !errors.Is(err, context.Canceled) {
		if !a.jsonOut {
			fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error:")+" "+err.Error())
		}
		os.Exit(1)
	}
}
