// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package styles

import "github.com/charmbracelet/lipgloss"

// =============================================================================
// PRIMARY ACCENT COLORS
// =============================================================================

// Purple - Primary accent, assistant replies
var Purple = lipgloss.AdaptiveColor{Light: "#7C3AED", Dark: "#A78BFA"}

// Cyan - Brand color, prompts, project names
var Cyan = lipgloss.AdaptiveColor{Light: "#0891B2", Dark: "#22D3EE"}

// Emerald - Completed training, ready sessions
var Emerald = lipgloss.AdaptiveColor{Light: "#059669", Dark: "#34D399"}

// =============================================================================
// SEMANTIC COLORS
// =============================================================================

// Rose - Failures, errors
var Rose = lipgloss.AdaptiveColor{Light: "#E11D48", Dark: "#FB7185"}

// Amber - Warnings, degraded connectivity, in-flight work
var Amber = lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#FBBF24"}

// =============================================================================
// TEXT COLORS
// =============================================================================

// TextPrimary - Main body text
var TextPrimary = lipgloss.AdaptiveColor{Light: "#1F2937", Dark: "#CDD6F4"}

// TextSecondary - Labels, less prominent text
var TextSecondary = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#A6ADC8"}

// TextMuted - Hints, timestamps
var TextMuted = lipgloss.AdaptiveColor{Light: "#9CA3AF", Dark: "#6C7086"}

// Overlay - Borders and separators
var Overlay = lipgloss.AdaptiveColor{Light: "#E5E5E5", Dark: "#313244"}

// Gradient start/end for the training progress bar
var GradientStart = "#A78BFA" // Purple
var GradientEnd = "#22D3EE"   // Cyan

// =============================================================================
// ACCESSIBILITY: Shapes alongside colors
// =============================================================================

// StatusIndicatorSet contains text indicators for status states so the
// meaning survives without color.
type StatusIndicatorSet struct {
	Success string
	Error   string
	Warning string
	Info    string
	Pending string
	Active  string
}

// StatusIndicators are ASCII-only for maximum terminal compatibility.
var StatusIndicators = StatusIndicatorSet{
	Success: "[OK]",
	Error:   "[X]",
	Warning: "[!]",
	Info:    "[i]",
	Pending: "[ ]",
	Active:  "[*]",
}

// =============================================================================
// PHASE AND STATE COLORS
// =============================================================================

// PhaseColor returns the color for a training phase name.
func PhaseColor(phase string) lipgloss.TerminalColor {
	switch phase {
	case "completed":
		return Emerald
	case "failed":
		return Rose
	case "running", "uploading":
		return Amber
	default:
		return TextSecondary
	}
}

// PhaseIndicator returns the ASCII indicator for a training phase name.
func PhaseIndicator(phase string) string {
	switch phase {
	case "completed":
		return StatusIndicators.Success
	case "failed":
		return StatusIndicators.Error
	case "running", "uploading":
		return StatusIndicators.Active
	default:
		return StatusIndicators.Pending
	}
}

// SessionColor returns the color for a chat session state name.
func SessionColor(state string) lipgloss.TerminalColor {
	switch state {
	case "ready", "awaiting_response":
		return Emerald
	case "error":
		return Rose
	case "loading", "connecting", "disconnected":
		return Amber
	default:
		return TextSecondary
	}
}

// =============================================================================
// RENDER HELPERS
// =============================================================================

// RenderPhase renders a phase name with its indicator and color.
func RenderPhase(phase string) string {
	return lipgloss.NewStyle().
		Foreground(PhaseColor(phase)).
		Bold(true).
		Render(PhaseIndicator(phase) + " " + phase)
}

// RenderSession renders a session state name in its color.
func RenderSession(state string) string {
	return lipgloss.NewStyle().Foreground(SessionColor(state)).Render(state)
}

// RenderWarning renders a warning message with its indicator.
func RenderWarning(message string) string {
	return lipgloss.NewStyle().
		Foreground(Amber).
		Bold(true).
		Render(StatusIndicators.Warning + " " + message)
}

// RenderError renders an error message with its indicator.
func RenderError(message string) string {
	return lipgloss.NewStyle().
		Foreground(Rose).
		Bold(true).
		Render(StatusIndicators.Error + " " + message)
}
