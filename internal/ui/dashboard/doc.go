// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dashboard is the live training view behind "trainchat watch".
//
// The model re-reads a coordinator snapshot on a ticker and whenever a
// coordinator event arrives:
//
//	m := dashboard.New(coord, time.Second)
//	p := tea.NewProgram(m)
//	coord.OnEvent(func(ev coordinator.Event) { p.Send(dashboard.EventMsg{Event: ev}) })
//	_, err := p.Run()
package dashboard
