// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/trainchat/internal/config"
	"github.com/jeranaias/trainchat/internal/ui/styles"
)

func newConfigCmd(a *app) *cobra.Command {
	// loadErr holds a config load failure so "config set" and "config
	// init" can still repair a broken file.
	var loadErr error

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change configuration",
		Long: `Show or change configuration.

Subcommands:
  show               Print the effective configuration
  get <key>          Print one setting, e.g. chat.temperature
  set <key> <value>  Change one setting in the config file
  keys               List every setting key
  path               Print the config file location
  init               Write a config file with the defaults`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = config.LoadDotEnv()
			path, err := a.configFile()
			if err != nil {
				return err
			}
			var cfg *config.Config
			if _, statErr := os.Stat(path); statErr == nil {
				cfg, loadErr = config.LoadFromPath(path)
			} else {
				cfg, loadErr = config.Load()
			}
			if loadErr != nil {
				cfg = config.Default()
			}
			a.cfg = cfg
			a.log = zap.NewNop()
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return OutputJSON(out, a.jsonOut, "config show", func() (interface{}, error) {
				if loadErr != nil {
					return nil, loadErr
				}
				if !a.jsonOut {
					if err := toml.NewEncoder(out).Encode(a.cfg); err != nil {
						return nil, err
					}
				}
				return a.cfg, nil
			})
		},
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return OutputJSON(out, a.jsonOut, "config get", func() (interface{}, error) {
				if loadErr != nil {
					return nil, loadErr
				}
				v, err := a.cfg.Get(args[0])
				if err != nil {
					return nil, err
				}
				if !a.jsonOut {
					fmt.Fprintln(out, v)
				}
				return map[string]interface{}{args[0]: v}, nil
			})
		},
	}

	set := &cobra.Command{
		Use:     "set <key> <value>",
		Short:   "Change one setting in the config file",
		Example: "  trainchat config set chat.temperature 0.9\n  trainchat config set backend.training_url http://gpu-box:8000/api",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return OutputJSON(out, a.jsonOut, "config set", func() (interface{}, error) {
				path, err := a.configFile()
				if err != nil {
					return nil, err
				}
				cfg, err := readConfigFile(path)
				if err != nil {
					return nil, err
				}
				if err := cfg.Set(args[0], args[1]); err != nil {
					return nil, err
				}
				cfg.SetDefaults()
				if err := cfg.Validate(); err != nil {
					return nil, err
				}
				if err := writeConfigFile(cfg, path); err != nil {
					return nil, err
				}
				v, _ := cfg.Get(args[0])
				if !a.jsonOut {
					fmt.Fprintf(out, "%s = %v\n", args[0], v)
				}
				return map[string]interface{}{args[0]: v}, nil
			})
		},
	}

	keys := &cobra.Command{
		Use:   "keys",
		Short: "List every setting key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return OutputJSON(out, a.jsonOut, "config keys", func() (interface{}, error) {
				keys := config.GetAllKeys()
				if !a.jsonOut {
					fmt.Fprintln(out, strings.Join(keys, "\n"))
				}
				return keys, nil
			})
		},
	}

	path := &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return OutputJSON(out, a.jsonOut, "config path", func() (interface{}, error) {
				p, err := a.configFile()
				if err != nil {
					return nil, err
				}
				_, statErr := os.Stat(p)
				if !a.jsonOut {
					fmt.Fprintln(out, p)
					if loadErr != nil {
						fmt.Fprintln(out, styles.RenderWarning(loadErr.Error()))
					}
				}
				return map[string]interface{}{"path": p, "exists": statErr == nil}, nil
			})
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return OutputJSON(out, a.jsonOut, "config init", func() (interface{}, error) {
				p, err := a.configFile()
				if err != nil {
					return nil, err
				}
				if _, err := os.Stat(p); err == nil && !force {
					return nil, fmt.Errorf("%s already exists (use --force to overwrite)", p)
				}
				if err := writeConfigFile(config.Default(), p); err != nil {
					return nil, err
				}
				if !a.jsonOut {
					fmt.Fprintln(out, SuccessStyle.Render("Wrote "+p))
				}
				return map[string]string{"path": p}, nil
			})
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	cmd.AddCommand(show, get, set, keys, path, initCmd)
	return cmd
}

// configFile returns --config, or the default TOML location.
func (a *app) configFile() (string, error) {
	if a.configPath != "" {
		return a.configPath, nil
	}
	return config.ConfigPathTOML()
}

// readConfigFile decodes path over the defaults without environment
// overrides, so saving it back never persists an env value. A missing
// file yields the defaults.
func readConfigFile(path string) (*config.Config, error) {
	cfg := config.Default()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	var err error
	if strings.HasSuffix(path, ".json") {
		err = config.LoadJSON(cfg, path)
	} else {
		err = config.LoadTOML(cfg, path)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Migrate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeConfigFile(cfg *config.Config, path string) error {
	if strings.HasSuffix(path, ".json") {
		return config.SaveJSON(cfg, path)
	}
	return config.SaveTOML(cfg, path)
}
