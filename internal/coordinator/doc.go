// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package coordinator reconciles training status polling with the chat
// token stream into one view of the selected project.
//
// # Rules
//
//   - Chat is available only after training has completed and the model
//     load handshake succeeded.
//   - One monitor and one session exist at a time, both for the selected
//     project. Switching stops the old pair before creating the new one.
//   - Events from a replaced monitor or session are dropped.
//   - Uploads run one file at a time and stop at the first rejection.
//
// # Usage
//
//	c := coordinator.New(client, cfg)
//	defer c.Close()
//	_ = c.Start(ctx)
//	if err := c.SelectProject(ctx, "stories"); err != nil {
//	    return err
//	}
//	c.OnEvent(func(ev coordinator.Event) { ... })
package coordinator
