// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"sort"
	"sync"
	"time"
)

// =============================================================================
// USAGE TRACKER
// =============================================================================

// SessionUsage aggregates completed turns for one chat session.
type SessionUsage struct {
	SessionID      string    `json:"session_id"`
	Project        string    `json:"project"`
	Turns          int       `json:"turns"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	TotalTokens    int       `json:"total_tokens"`
	TotalLatencyMs float64   `json:"total_latency_ms"`
	LastLatencyMs  float64   `json:"last_latency_ms"`
	StartTime      time.Time `json:"start_time"`
	LastTurn       time.Time `json:"last_turn"`
}

// MeanLatencyMs returns the average reply latency.
func (u SessionUsage) MeanLatencyMs() float64 {
	if u.Turns == 0 {
		return 0
	}
	return u.TotalLatencyMs / float64(u.Turns)
}

// UsageTracker tracks token usage across chat sessions.
type UsageTracker struct {
	mu       sync.RWMutex
	sessions map[string]*SessionUsage
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{sessions: make(map[string]*SessionUsage)}
}

// Record adds one completed turn to a session's totals.
func (t *UsageTracker) Record(sessionID, project string, latencyMs float64, inputTokens, outputTokens, totalTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	u := t.sessions[sessionID]
	if u == nil {
		u = &SessionUsage{SessionID: sessionID, Project: project, StartTime: now}
		t.sessions[sessionID] = u
	}

	// Some servers leave total_tokens out.
	if totalTokens == 0 {
		totalTokens = inputTokens + outputTokens
	}

	u.Turns++
	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	u.TotalTokens += totalTokens
	u.TotalLatencyMs += latencyMs
	u.LastLatencyMs = latencyMs
	u.LastTurn = now
}

// Session returns a copy of one session's totals.
func (t *UsageTracker) Session(sessionID string) (SessionUsage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.sessions[sessionID]
	if !ok {
		return SessionUsage{}, false
	}
	return *u, true
}

// Sessions returns all sessions, most recent first.
func (t *UsageTracker) Sessions() []SessionUsage {
	t.mu.RLock()
	out := make([]SessionUsage, 0, len(t.sessions))
	for _, u := range t.sessions {
		out = append(out, *u)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastTurn.After(out[j].LastTurn) })
	return out
}

// Totals sums every session.
func (t *UsageTracker) Totals() SessionUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total SessionUsage
	for _, u := range t.sessions {
		total.Turns += u.Turns
		total.InputTokens += u.InputTokens
		total.OutputTokens += u.OutputTokens
		total.TotalTokens += u.TotalTokens
		total.TotalLatencyMs += u.TotalLatencyMs
		if u.LastTurn.After(total.LastTurn) {
			total.LastTurn = u.LastTurn
			total.LastLatencyMs = u.LastLatencyMs
		}
		if total.StartTime.IsZero() || u.StartTime.Before(total.StartTime) {
			total.StartTime = u.StartTime
		}
	}
	return total
}

// Reset clears all sessions.
func (t *UsageTracker) Reset() {
	t.mu.Lock()
	t.sessions = make(map[string]*SessionUsage)
	t.mu.Unlock()
}
