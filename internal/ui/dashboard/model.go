// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/trainchat/internal/coordinator"
	"github.com/jeranaias/trainchat/internal/training"
	"github.com/jeranaias/trainchat/internal/ui/styles"
	"github.com/jeranaias/trainchat/internal/util"
)

// Source is what the dashboard reads. *coordinator.Coordinator satisfies it.
type Source interface {
	Snapshot() coordinator.Snapshot
	Refresh(ctx context.Context) error
}

// =============================================================================
// MESSAGES
// =============================================================================

// EventMsg wraps a coordinator event for delivery through Program.Send.
type EventMsg struct {
	Event coordinator.Event
}

type tickMsg time.Time

type refreshedMsg struct {
	err error
}

// =============================================================================
// STYLES
// =============================================================================

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(styles.Cyan).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(styles.TextSecondary).
			Width(10)

	valueStyle = lipgloss.NewStyle().
			Foreground(styles.TextPrimary)

	mutedStyle = lipgloss.NewStyle().
			Foreground(styles.TextMuted)

	spinnerStyle = lipgloss.NewStyle().
			Foreground(styles.Amber)
)

// =============================================================================
// MODEL
// =============================================================================

const (
	maxEvents       = 6
	defaultBarWidth = 40
	refreshTimeout  = 10 * time.Second
)

// Model is the bubbletea model for the training dashboard.
type Model struct {
	src      Source
	interval time.Duration

	snap    coordinator.Snapshot
	events  []string
	lastErr error

	spinner spinner.Model
	bar     progress.Model
	width   int

	quitting bool
}

// New creates a dashboard that re-reads src every interval.
func New(src Source, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}

	s := spinner.New()
	s.Spinner = spinner.Spinner{
		Frames: []string{"|", "/", "-", "\\"},
		FPS:    time.Second / 10,
	}
	s.Style = spinnerStyle

	bar := progress.New(
		progress.WithGradient(styles.GradientStart, styles.GradientEnd),
		progress.WithWidth(defaultBarWidth),
		progress.WithoutPercentage(),
	)

	return Model{
		src:      src,
		interval: interval,
		snap:     src.Snapshot(),
		spinner:  s,
		bar:      bar,
	}
}

// Init starts the spinner and the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.tick(), m.refresh())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) refresh() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		return refreshedMsg{err: src.Refresh(ctx)}
	}
}

// Update handles a message.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		w := msg.Width - 24
		if w > 60 {
			w = 60
		}
		if w < 10 {
			w = 10
		}
		m.bar.Width = w

	case EventMsg:
		if line := describe(msg.Event); line != "" {
			m.pushEvent(line)
		}
		m.snap = m.src.Snapshot()

	case tickMsg:
		m.snap = m.src.Snapshot()
		return m, m.tick()

	case refreshedMsg:
		m.lastErr = msg.err
		m.snap = m.src.Snapshot()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) pushEvent(line string) {
	stamp := time.Now().Format("15:04:05")
	m.events = append(m.events, stamp+"  "+line)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
}

// describe renders an event as one log line, or "" for events the
// dashboard does not log.
func describe(ev coordinator.Event) string {
	switch ev.Kind {
	case coordinator.EventSelected:
		return "watching " + ev.Project
	case coordinator.EventPhase:
		t := ev.Transition
		line := fmt.Sprintf("%s -> %s (%s)", t.From, t.To, t.Cause)
		if t.Error != "" {
			line += ": " + t.Error
		}
		return line
	case coordinator.EventCompleted:
		return "training complete"
	case coordinator.EventDegraded:
		if ev.Degraded {
			return "training service unreachable"
		}
		return "training service reachable again"
	}
	return ""
}

// =============================================================================
// VIEW
// =============================================================================

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	snap := m.snap

	title := "trainchat"
	if snap.HasProject {
		title += " - " + snap.Project
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n\n")

	if !snap.HasProject {
		b.WriteString(mutedStyle.Render("no project selected"))
		b.WriteString("\n")
	} else {
		m.writeTraining(&b, snap.Training)
		if snap.Session.ID != "" {
			row(&b, "chat", styles.RenderSession(snap.Session.State.String()))
		}
	}

	if snap.SystemOK {
		row(&b, "system", valueStyle.Render(snap.System.Summary()))
	} else {
		row(&b, "system", mutedStyle.Render("unavailable"))
	}

	if m.lastErr != nil {
		b.WriteString("\n")
		b.WriteString(styles.RenderError(m.lastErr.Error()))
		b.WriteString("\n")
	}

	if len(m.events) > 0 {
		b.WriteString("\n")
		width := m.width
		if width <= 0 {
			width = 80
		}
		for _, e := range m.events {
			b.WriteString(mutedStyle.Render(util.TruncateWidth(e, width)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("r refresh  q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) writeTraining(b *strings.Builder, st training.Status) {
	row(b, "phase", styles.RenderPhase(st.Phase.String()))

	p := st.Progress
	if st.Phase == training.PhaseRunning {
		bar := m.bar.ViewAs(p.Fraction())
		row(b, "progress", fmt.Sprintf("%s %s %.0f%%", m.spinner.View(), bar, p.ProgressPercent))
		if p.TotalEpochs > 0 {
			row(b, "epoch", valueStyle.Render(fmt.Sprintf("%d/%d", p.CurrentEpoch, p.TotalEpochs)))
		}
		if p.TotalSteps > 0 {
			row(b, "step", valueStyle.Render(fmt.Sprintf("%d/%d", p.CurrentStep, p.TotalSteps)))
		}
		row(b, "eta", valueStyle.Render(training.FormatETA(p.ETAMinutes)))
	}
	if loss, ok := p.LatestLoss(); ok && st.Phase != training.PhaseIdle {
		row(b, "loss", valueStyle.Render(fmt.Sprintf("%.4f%s", loss, lossTrend(p.RecentLoss))))
	}
	if p.ModelSize != "" {
		row(b, "model", valueStyle.Render(p.ModelSize))
	}

	if st.Phase == training.PhaseFailed && st.Error != "" {
		b.WriteString(styles.RenderError(st.Error))
		b.WriteString("\n")
	}
	if st.BusyWith != "" {
		b.WriteString(styles.RenderWarning("backend is training " + st.BusyWith))
		b.WriteString("\n")
	}
	if st.Degraded {
		b.WriteString(styles.RenderWarning(fmt.Sprintf("training service unreachable (%d failed polls)", st.ConsecutiveFailures)))
		b.WriteString("\n")
	}
}

// lossTrend compares the latest loss sample with the oldest one kept.
func lossTrend(points []training.LossPoint) string {
	if len(points) < 2 {
		return ""
	}
	first, last := points[0].Loss, points[len(points)-1].Loss
	switch {
	case last < first:
		return "  (down from " + fmt.Sprintf("%.4f", first) + ")"
	case last > first:
		return "  (up from " + fmt.Sprintf("%.4f", first) + ")"
	}
	return ""
}

func row(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label))
	b.WriteString(value)
	b.WriteString("\n")
}
