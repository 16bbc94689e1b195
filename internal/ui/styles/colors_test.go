// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package styles

import (
	"strings"
	"testing"
)

func TestPhaseIndicator(t *testing.T) {
	tests := []struct {
		phase string
		want  string
	}{
		{"completed", "[OK]"},
		{"failed", "[X]"},
		{"running", "[*]"},
		{"uploading", "[*]"},
		{"idle", "[ ]"},
		{"phase(9)", "[ ]"},
	}
	for _, tt := range tests {
		if got := PhaseIndicator(tt.phase); got != tt.want {
			t.Errorf("PhaseIndicator(%q) = %q, want %q", tt.phase, got, tt.want)
		}
	}
}

func TestPhaseColor(t *testing.T) {
	if PhaseColor("completed") != Emerald {
		t.Error("completed should be Emerald")
	}
	if PhaseColor("failed") != Rose {
		t.Error("failed should be Rose")
	}
	if PhaseColor("running") != Amber {
		t.Error("running should be Amber")
	}
	if PhaseColor("idle") != TextSecondary {
		t.Error("idle should be TextSecondary")
	}
}

func TestSessionColor(t *testing.T) {
	if SessionColor("ready") != Emerald {
		t.Error("ready should be Emerald")
	}
	if SessionColor("error") != Rose {
		t.Error("error should be Rose")
	}
	if SessionColor("disconnected") != Amber {
		t.Error("disconnected should be Amber")
	}
}

func TestRenderKeepsText(t *testing.T) {
	if got := RenderPhase("running"); !strings.Contains(got, "running") || !strings.Contains(got, "[*]") {
		t.Errorf("RenderPhase lost its text: %q", got)
	}
	if got := RenderWarning("degraded"); !strings.Contains(got, "[!] degraded") {
		t.Errorf("RenderWarning = %q", got)
	}
	if got := RenderError("boom"); !strings.Contains(got, "[X] boom") {
		t.Errorf("RenderError = %q", got)
	}
}
