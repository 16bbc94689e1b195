// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package inference manages a chat session with a trained model.
//
// # Key Types
//
//   - Session: load handshake, one stream connection, per-turn protocol
//   - Turn / TurnMetrics: finalized transcript entries
//   - ChatConfig: generation settings validated per send
//   - Update: ordered change notifications for display
//
// # States
//
//	Unloaded ──Load──▶ Loading ──▶ ReadyIdle ⇄ AwaitingResponse
//	Loading ──fail──▶ Error ──Load──▶ Loading
//	ReadyIdle/AwaitingResponse ──drop──▶ Disconnected ⇄ Connecting ──▶ ReadyIdle | Error
//	any ──Close──▶ Unloaded (terminal)
//
// A reply in flight when the stream drops is reported with
// ErrTurnInterrupted and is not resent. The session ID is generated once
// and reused on every reconnect.
package inference
