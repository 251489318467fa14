package retrytracker

import (
	"context"
	"testing"
	"time"
)

func withClock(t *testing.T, start int64) *int64 {
	t.Helper()
	cur := start
	orig := nowMillis
	nowMillis = func() int64 { return cur }
	t.Cleanup(func() { nowMillis = orig })
	return &cur
}

func TestGetEscalationMultiplierFirstCall(t *testing.T) {
	withClock(t, 0)
	tr := New()
	cfg := Config{Enabled: true, WindowSeconds: 10, TokenMultiplier: 0.5}

	tr.RecordCall("search")
	m := tr.GetEscalationMultiplier("search", cfg)
	if m != 1 {
		t.Errorf("expected multiplier 1 for first call, got %v", m)
	}
}

func TestGetEscalationMultiplierEscalatesWithinWindow(t *testing.T) {
	clock := withClock(t, 0)
	tr := New()
	cfg := Config{Enabled: true, WindowSeconds: 10, TokenMultiplier: 0.5}

	tr.RecordCall("search")
	if m := tr.GetEscalationMultiplier("search", cfg); m != 1 {
		t.Errorf("expected 1, got %v", m)
	}

	*clock += 2000
	tr.RecordCall("search")
	if m := tr.GetEscalationMultiplier("search", cfg); m != 1.5 {
		t.Errorf("expected 1.5, got %v", m)
	}

	*clock += 2000
	tr.RecordCall("search")
	if m := tr.GetEscalationMultiplier("search", cfg); m != 2.0 {
		t.Errorf("expected 2.0, got %v", m)
	}
}

func TestGetEscalationMultiplierResetsAfterWindowSilence(t *testing.T) {
	clock := withClock(t, 0)
	tr := New()
	cfg := Config{Enabled: true, WindowSeconds: 10, TokenMultiplier: 0.5}

	tr.RecordCall("search")
	*clock += 2000
	tr.RecordCall("search")

	*clock += 11_000 // > 10s silence prunes both prior timestamps
	tr.RecordCall("search")
	if m := tr.GetEscalationMultiplier("search", cfg); m != 1 {
		t.Errorf("expected reset to 1 after window silence, got %v", m)
	}
}

func TestRetryMonotonicityWithinWindow(t *testing.T) {
	clock := withClock(t, 0)
	tr := New()
	cfg := Config{Enabled: true, WindowSeconds: 60, TokenMultiplier: 0.3}

	var prev float64
	for i := 0; i < 5; i++ {
		tr.RecordCall("fetch")
		m := tr.GetEscalationMultiplier("fetch", cfg)
		if m < prev {
			t.Fatalf("expected non-decreasing multiplier, got %v after %v", m, prev)
		}
		prev = m
		*clock += 1000
	}
}

func TestCleanupRemovesStaleTools(t *testing.T) {
	clock := withClock(t, 0)
	tr := New()

	tr.RecordCall("stale")
	*clock += 20_000
	tr.RecordCall("fresh")

	removed := tr.Cleanup(10)
	if removed != 1 {
		t.Errorf("expected 1 stale tool removed, got %d", removed)
	}
	if tr.GetEscalationMultiplier("fresh", Config{WindowSeconds: 10}) != 1 {
		t.Error("expected fresh tool to survive cleanup")
	}
}

func TestRunPeriodicCleanupStopsOnContextCancel(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithCancel(context.Background())
	stop := tr.RunPeriodicCleanup(ctx, 60, 5*time.Millisecond)
	cancel()
	stop() // must return promptly once the goroutine observes cancellation
}
