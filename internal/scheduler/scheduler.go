// Package scheduler is the refresh scheduler (C10): it ticks a per-
// provider refresh callback at its configured interval, observing an
// Active/Idle cadence multiplier, and lets a caller force an immediate
// out-of-band refresh via PrioritizeProvider.
//
// Grounded on the teacher's cron trigger scheduler in
// internal/service/workflow/scheduler.go: hardloop does not support
// dynamic add/remove of jobs, so — exactly as the teacher's own comment
// says of its own scheduler — every add/update/remove/mode change stops
// and rebuilds the whole hardloop.Cron runner from the current provider
// set. Generalized from "one cron spec per trigger" to "one @every spec
// per provider, scaled by the active/idle multiplier".
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rakunlabs/logi"
	"github.com/worldline-go/hardloop"
)

// Mode is the scheduler's global cadence multiplier selector.
type Mode int

const (
	Active Mode = iota
	Idle
)

// IdleMultiplier scales every provider's refresh interval while the
// scheduler is Idle (spec.md §4.7: "apply a multiplier (implementation-
// defined, e.g. 4x) to the interval").
const IdleMultiplier = 4

// MinRefreshIntervalSeconds is the floor applied to every provider's
// configured refresh interval, Active or Idle.
const MinRefreshIntervalSeconds = 5

// RefreshFunc is invoked on each tick (and by PrioritizeProvider) for one
// provider ID. It should delegate to C7's fetch_pipelines — the
// scheduler never bypasses C6's deduplication, it just decides when to
// call in.
type RefreshFunc func(ctx context.Context, providerID int64) error

// cronRunner is satisfied by hardloop's unexported cron job type,
// mirroring the teacher's own cronRunner interface.
type cronRunner interface {
	Start(ctx context.Context) error
	Stop()
}

// ProviderSchedule is one provider's baseline (Active-mode) cadence.
type ProviderSchedule struct {
	ProviderID             int64
	RefreshIntervalSeconds int
}

func (p ProviderSchedule) effectiveInterval(mode Mode) int {
	interval := p.RefreshIntervalSeconds
	if interval < MinRefreshIntervalSeconds {
		interval = MinRefreshIntervalSeconds
	}
	if mode == Idle {
		interval *= IdleMultiplier
	}
	return interval
}

// Scheduler manages periodic per-provider refresh ticks.
type Scheduler struct {
	refresh RefreshFunc

	mu        sync.Mutex
	mode      Mode
	providers map[int64]ProviderSchedule
	cron      cronRunner
	cancel    context.CancelFunc
	ctx       context.Context
}

func New(refresh RefreshFunc) *Scheduler {
	return &Scheduler{
		refresh:   refresh,
		providers: make(map[int64]ProviderSchedule),
	}
}

// Start begins ticking for the given initial provider set. Call once
// during startup.
func (s *Scheduler) Start(ctx context.Context, providers []ProviderSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx = ctx
	for _, p := range providers {
		s.providers[p.ProviderID] = p
	}
	return s.rebuildLocked()
}

// Stop halts the cron runner. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

// SetMode switches between Active and Idle cadence, rebuilding every
// provider's tick at the new effective interval.
func (s *Scheduler) SetMode(mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == mode {
		return nil
	}
	s.mode = mode
	return s.rebuildLocked()
}

// AddOrUpdateProvider installs or replaces a provider's schedule and
// rebuilds the runner.
func (s *Scheduler) AddOrUpdateProvider(p ProviderSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ProviderID] = p
	return s.rebuildLocked()
}

// RemoveProvider drops a provider's schedule and rebuilds the runner.
func (s *Scheduler) RemoveProvider(providerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.providers, providerID)
	return s.rebuildLocked()
}

// PrioritizeProvider schedules an immediate refresh for providerID,
// preempting its next natural tick. It runs detached from the caller's
// context (a refresh in flight must not be canceled by the caller
// returning) and does not alter the provider's regular cadence.
func (s *Scheduler) PrioritizeProvider(providerID int64) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	go func() {
		if err := s.refresh(context.WithoutCancel(ctx), providerID); err != nil {
			logi.Ctx(ctx).Error("scheduler: prioritized refresh failed", "provider_id", providerID, "error", err)
		}
	}()
}

// rebuildLocked stops the current runner and recreates it from the
// current provider set and mode. Must be called with s.mu held.
func (s *Scheduler) rebuildLocked() error {
	s.stopLocked()

	if s.ctx == nil || len(s.providers) == 0 {
		return nil
	}

	crons := make([]hardloop.Cron, 0, len(s.providers))
	for id, p := range s.providers {
		providerID := id
		interval := p.effectiveInterval(s.mode)
		crons = append(crons, hardloop.Cron{
			Name:  fmt.Sprintf("provider-refresh-%d", providerID),
			Specs: []string{fmt.Sprintf("@every %s", time.Duration(interval)*time.Second)},
			Func: func(ctx context.Context) error {
				if err := s.refresh(ctx, providerID); err != nil {
					logi.Ctx(ctx).Error("scheduler: refresh failed", "provider_id", providerID, "error", err)
				}
				return nil // a refresh failure must not stop the tick loop
			},
		})
	}

	cronJob, err := hardloop.NewCron(crons...)
	if err != nil {
		return fmt.Errorf("scheduler: create cron runner: %w", err)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.cancel = cancel
	s.cron = cronJob

	if err := cronJob.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("scheduler: start cron runner: %w", err)
	}

	logi.Ctx(s.ctx).Info("scheduler: rebuilt refresh schedule", "providers", len(crons), "mode", s.mode)
	return nil
}
