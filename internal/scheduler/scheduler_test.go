package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEffectiveIntervalAppliesFloor(t *testing.T) {
	p := ProviderSchedule{ProviderID: 1, RefreshIntervalSeconds: 2}
	if got := p.effectiveInterval(Active); got != MinRefreshIntervalSeconds {
		t.Fatalf("got %d, want floor %d", got, MinRefreshIntervalSeconds)
	}
}

func TestEffectiveIntervalAppliesIdleMultiplier(t *testing.T) {
	p := ProviderSchedule{ProviderID: 1, RefreshIntervalSeconds: 60}
	if got := p.effectiveInterval(Idle); got != 60*IdleMultiplier {
		t.Fatalf("got %d, want %d", got, 60*IdleMultiplier)
	}
}

func TestEffectiveIntervalFloorAppliesBeforeIdleMultiplier(t *testing.T) {
	p := ProviderSchedule{ProviderID: 1, RefreshIntervalSeconds: 1}
	if got := p.effectiveInterval(Idle); got != MinRefreshIntervalSeconds*IdleMultiplier {
		t.Fatalf("got %d, want %d", got, MinRefreshIntervalSeconds*IdleMultiplier)
	}
}

func TestPrioritizeProviderInvokesRefreshImmediately(t *testing.T) {
	var calls int32
	s := New(func(ctx context.Context, providerID int64) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	s.ctx = context.Background()

	s.PrioritizeProvider(7)

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("refresh invoked %d times, want 1", calls)
	}
}

func TestPrioritizeProviderNoOpBeforeStart(t *testing.T) {
	var calls int32
	s := New(func(ctx context.Context, providerID int64) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	s.PrioritizeProvider(7)
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("expected no refresh before Start sets the scheduler's context")
	}
}
