// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package training

import (
	"fmt"
	"math"
	"time"

	"github.com/jeranaias/trainchat/internal/backend"
)

// =============================================================================
// PHASE
// =============================================================================

// Phase is the authoritative state of a project's training job.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseUploading
	PhaseRunning
	PhaseCompleted
	PhaseFailed
)

// String returns the display name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseUploading:
		return "uploading"
	case PhaseRunning:
		return "running"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Cause records what produced a transition.
type Cause string

const (
	CausePoll     Cause = "poll"
	CauseUpload   Cause = "upload"
	CauseStart    Cause = "start"
	CauseContinue Cause = "continue"
)

// pollEdges lists the transitions a status snapshot may cause. Local
// actions have their own guards in the Monitor methods.
var pollEdges = map[Phase][]Phase{
	PhaseIdle:    {PhaseRunning, PhaseCompleted, PhaseFailed},
	PhaseRunning: {PhaseCompleted, PhaseFailed},
	PhaseFailed:  {PhaseRunning},
}

func pollAllowed(from, to Phase) bool {
	for _, p := range pollEdges[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Transition is a phase change event.
type Transition struct {
	Project string
	From    Phase
	To      Phase
	Cause   Cause
	Error   string // backend failure message when To is PhaseFailed
	At      time.Time
}

// =============================================================================
// PROGRESS
// =============================================================================

// LossPoint is one sample of training loss.
type LossPoint struct {
	Step int
	Loss float64
}

// Progress is the latest progress snapshot for the active job. It is
// replaced wholesale on every applied poll.
type Progress struct {
	CurrentEpoch    int
	TotalEpochs     int
	CurrentStep     int
	TotalSteps      int
	ProgressPercent float64
	Loss            float64
	ETAMinutes      *float64
	RecentLoss      []LossPoint
	ModelSize       string
}

// progressFrom converts the wire progress block.
func progressFrom(p backend.Progress) Progress {
	out := Progress{
		CurrentEpoch:    p.CurrentEpoch,
		TotalEpochs:     p.TotalEpochs,
		CurrentStep:     p.CurrentStep,
		TotalSteps:      p.TotalSteps,
		ProgressPercent: p.ProgressPercent,
		Loss:            p.Loss,
		ModelSize:       p.ModelSize,
	}
	if p.ETAMinutes != nil {
		eta := *p.ETAMinutes
		out.ETAMinutes = &eta
	}
	if len(p.RecentLogs) > 0 {
		out.RecentLoss = make([]LossPoint, len(p.RecentLogs))
		for i, l := range p.RecentLogs {
			out.RecentLoss[i] = LossPoint{Step: l.Step, Loss: l.Loss}
		}
	}
	// Older backends only report epochs; derive a percentage from steps or
	// epochs so the progress bar still moves.
	if out.ProgressPercent == 0 {
		switch {
		case out.TotalSteps > 0:
			out.ProgressPercent = 100 * float64(out.CurrentStep) / float64(out.TotalSteps)
		case out.TotalEpochs > 0:
			out.ProgressPercent = 100 * float64(out.CurrentEpoch) / float64(out.TotalEpochs)
		}
	}
	out.ProgressPercent = math.Max(0, math.Min(100, out.ProgressPercent))
	return out
}

// Fraction returns progress as a value in [0, 1].
func (p Progress) Fraction() float64 {
	return p.ProgressPercent / 100
}

// LatestLoss returns the most recent loss sample, falling back to the
// scalar loss field.
func (p Progress) LatestLoss() (float64, bool) {
	if n := len(p.RecentLoss); n > 0 {
		return p.RecentLoss[n-1].Loss, true
	}
	if p.Loss > 0 {
		return p.Loss, true
	}
	return 0, false
}

// FormatETA renders a remaining-time estimate: seconds under a minute,
// minutes under an hour, otherwise hours and minutes.
func FormatETA(minutes *float64) string {
	if minutes == nil || *minutes <= 0 {
		return "--"
	}
	m := *minutes
	switch {
	case m < 1:
		return fmt.Sprintf("%ds", int(math.Round(m*60)))
	case m < 60:
		return fmt.Sprintf("%dm", int(math.Round(m)))
	default:
		total := int(math.Round(m))
		return fmt.Sprintf("%dh %dm", total/60, total%60)
	}
}
