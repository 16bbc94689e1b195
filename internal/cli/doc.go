// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the trainchat command line.
//
// # Commands
//
//	trainchat status [project]          Service health, or one project's training status
//	trainchat projects                  List projects
//	trainchat upload <project> <files>  Upload training data
//	trainchat train <project>           Start or continue training
//	trainchat watch [project]           Live training dashboard
//	trainchat chat <project>            Chat with a trained model
//	trainchat history                   Browse archived transcripts
//	trainchat config                    Show or change configuration
//
// Every non-interactive command accepts --json and then prints a single
// JSONResponse instead of text.
package cli
