// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend provides the client for the training and inference
// services.
//
// The training service exposes system telemetry, project listing, corpus
// upload and the single training job. The inference service loads a
// project's trained model and serves chat turns over a websocket stream.
//
// # Key Types
//
//   - Client: REST calls against both services plus DialStream
//   - Stream: one open chat stream (Send, Read, Close)
//   - Event: decoded stream frame (MessageReceived, Token, Complete,
//     TurnError, Refused)
//   - ClientError: transport and refusal errors
//
// # Usage
//
//	client := backend.NewClient()
//	if err := client.LoadModel(ctx, "demo"); err != nil {
//	    return err
//	}
//	stream, err := client.DialStream(ctx, "demo", sessionID)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	_ = stream.Send(backend.ChatRequest{Message: "Tell me a story", Temperature: 0.7, MaxTokens: 150})
//	data, _ := stream.Read()
//	ev, err := backend.DecodeEvent(data)
package backend
