// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the CLI and storage code.
//
// # Key Functions
//
//   - AtomicWriteFile: crash-safe file writing with fsync
//   - Preview: single-line, width-bounded rendering of chat text
//   - TruncateWidth / PadWidth: display-width aware string fitting
//
// # Usage
//
//	err := util.AtomicWriteFile(path, data, 0o600)
//	line := util.Preview(turn.Content, 60)
package util
