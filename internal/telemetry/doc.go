// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry provides host resource sampling and chat usage
// accounting for display.
//
// # Key Types
//
//   - SystemPoller: polls the backend's system-info endpoint and keeps
//     only the latest sample, which expires when polling stops succeeding
//   - UsageTracker: per-session token and latency totals
//
// # Usage
//
//	poller := telemetry.NewSystemPoller(client, 5*time.Second, logger)
//	poller.Start(ctx)
//	defer poller.Stop()
//
//	if sample, ok := poller.Latest(); ok {
//	    fmt.Printf("CPU %.0f%%\n", sample.Info.CPUPercent)
//	}
//
// Nothing here drives state; a missing or stale sample only affects what
// is shown.
package telemetry
