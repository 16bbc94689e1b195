// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for trainchat.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - BackendConfig: Training, inference and stream endpoints
//   - PollingConfig: Status and telemetry cadence
//   - ChatConfig: Generation defaults and reconnect policy
//   - TrainingConfig: Defaults for new training runs
//   - Watcher: Reloads the config file when it changes
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (TRAINCHAT_*), optionally from .env files
//   - ~/.trainchat/config.toml
//   - ~/.trainchat/config.json
//   - Built-in defaults
//
// # Usage
//
//	_ = config.LoadDotEnv()
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client := backend.NewClientWithConfig(cfg.ClientConfig())
package config
