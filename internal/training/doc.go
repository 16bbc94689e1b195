// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package training tracks the training job of the selected project.
//
// The backend exposes a single status snapshot for whatever job it is
// running. Monitor polls it, derives a Phase, and emits transitions only
// when the derived phase differs from the stored one, so the completion
// notification fires exactly once per entry into PhaseCompleted.
//
// # Phases
//
//	Idle ──upload──▶ Uploading ──done──▶ Idle
//	Idle ──start/poll──▶ Running ──poll──▶ Completed
//	Running ──poll──▶ Failed ──start──▶ Running
//	Completed ──continue──▶ Running
//
// Completed only leaves through MarkContinued. A failed poll never changes
// the phase; after Config.DegradedAfter consecutive failures the monitor
// raises a degraded-connectivity flag until the next success.
//
// # Cadence
//
// The poll loop runs every FastInterval while Running and every
// SlowInterval otherwise, re-arming immediately when the phase changes.
package training
