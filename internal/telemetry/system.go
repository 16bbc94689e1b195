// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/jeranaias/trainchat/internal/backend"
)

// =============================================================================
// SYSTEM POLLER
// =============================================================================

// InfoSource fetches a host resource snapshot.
type InfoSource interface {
	SystemInfo(ctx context.Context) (*backend.SystemInfo, error)
}

// Sample is one system-info snapshot and when it was taken.
type Sample struct {
	Info backend.SystemInfo
	At   time.Time
}

// staleAfter is how many poll intervals a sample stays valid without a
// newer one replacing it.
const staleAfter = 3

const latestKey = "system"

// SystemPoller keeps the latest system snapshot. Each successful poll
// overwrites the previous sample.
type SystemPoller struct {
	source   InfoSource
	interval time.Duration
	log      *zap.Logger
	samples  *cache.Cache

	mu       sync.Mutex
	lastErr  error
	failures int
	cancel   context.CancelFunc
	wg       conc.WaitGroup
}

// NewSystemPoller creates a poller. A zero interval means 5s.
func NewSystemPoller(source InfoSource, interval time.Duration, logger *zap.Logger) *SystemPoller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SystemPoller{
		source:   source,
		interval: interval,
		log:      logger,
		samples:  cache.New(staleAfter*interval, 10*interval),
	}
}

// Poll fetches one snapshot and stores it as the latest.
func (p *SystemPoller) Poll(ctx context.Context) error {
	info, err := p.source.SystemInfo(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.failures++
		p.lastErr = err
		if p.failures == 1 {
			p.log.Debug("TELEMETRY_POLL_FAILED", zap.Error(err))
		}
		return fmt.Errorf("system info: %w", err)
	}
	if p.failures > 0 {
		p.log.Debug("TELEMETRY_POLL_RECOVERED", zap.Int("after_failures", p.failures))
	}
	p.failures = 0
	p.lastErr = nil
	p.samples.Set(latestKey, Sample{Info: *info, At: time.Now()}, cache.DefaultExpiration)
	return nil
}

// Latest returns the most recent sample. ok is false when no sample has
// been taken yet or the last one is stale.
func (p *SystemPoller) Latest() (Sample, bool) {
	v, ok := p.samples.Get(latestKey)
	if !ok {
		return Sample{}, false
	}
	return v.(Sample), true
}

// LastError returns the error from the most recent failed poll, or nil
// after a success.
func (p *SystemPoller) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Start polls immediately and then every interval until Stop.
func (p *SystemPoller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.wg.Go(func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		_ = p.Poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = p.Poll(ctx)
			}
		}
	})
}

// Stop halts polling and waits for the loop to exit.
func (p *SystemPoller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// =============================================================================
// FORMATTING
// =============================================================================

// FormatMemory renders a GPU memory figure reported in megabytes.
func FormatMemory(mb float64) string {
	if mb >= 1024 {
		return fmt.Sprintf("%.1f GB", mb/1024)
	}
	return fmt.Sprintf("%.0f MB", mb)
}

// Summary renders a one-line description of a sample.
func (s Sample) Summary() string {
	line := fmt.Sprintf("%s  cpu %.0f%%  mem %.0f%%", s.Info.Device, s.Info.CPUPercent, s.Info.MemoryPercent)
	if !s.Info.GPUAvailable {
		return line + "  gpu none"
	}
	if s.Info.GPUMemoryUsed != nil && s.Info.GPUMemoryTotal != nil {
		line += fmt.Sprintf("  vram %s/%s", FormatMemory(*s.Info.GPUMemoryUsed), FormatMemory(*s.Info.GPUMemoryTotal))
	}
	if s.Info.GPUUtilization != nil {
		line += fmt.Sprintf("  gpu %.0f%%", *s.Info.GPUUtilization)
	}
	return line
}
