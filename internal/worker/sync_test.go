package worker

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 0.001
}

func TestSyncPlanEqualDurations(t *testing.T) {
	d := syncPlan(5.0, 5.0)
	if d.action != syncNone {
		t.Fatalf("5s/5s should need no adjustment, got action %d", d.action)
	}
}

func TestSyncPlanShorterNarrationRetimes(t *testing.T) {
	d := syncPlan(5.0, 3.0)
	if d.action != syncRetime {
		t.Fatalf("expected retime, got action %d", d.action)
	}
	if !almostEqual(d.speedFactor, 5.0/3.0) {
		t.Errorf("speed factor = %v, want %v", d.speedFactor, 5.0/3.0)
	}
	if !almostEqual(d.targetSec, 3.0) {
		t.Errorf("target = %v, want 3.0", d.targetSec)
	}
}

func TestSyncPlanLongerNarrationFreezes(t *testing.T) {
	d := syncPlan(5.0, 8.0)
	if d.action != syncFreeze {
		t.Fatalf("expected freeze, got action %d", d.action)
	}
	if !almostEqual(d.freezeSec, 3.0) {
		t.Errorf("freeze = %v, want 3.0", d.freezeSec)
	}
}

func TestSyncPlanClampsSpeedFactor(t *testing.T) {
	// 10s clip, 1s narration would need 10x; clamped to 2x, then trimmed
	// to the narration length.
	d := syncPlan(10.0, 1.0)
	if d.action != syncRetime {
		t.Fatalf("expected retime, got action %d", d.action)
	}
	if !almostEqual(d.speedFactor, 2.0) {
		t.Errorf("speed factor = %v, want clamp at 2.0", d.speedFactor)
	}
	if !almostEqual(d.targetSec, 1.0) {
		t.Errorf("target = %v, want 1.0", d.targetSec)
	}
}

func TestSyncPlanNegligibleDifference(t *testing.T) {
	if d := syncPlan(5.0, 5.005); d.action != syncNone {
		t.Errorf("sub-tolerance difference should be a no-op, got action %d", d.action)
	}
}

func TestSyncPlanDegenerateDurations(t *testing.T) {
	if d := syncPlan(0, 5.0); d.action != syncNone {
		t.Errorf("zero video duration should be a no-op, got action %d", d.action)
	}
	if d := syncPlan(5.0, 0); d.action != syncNone {
		t.Errorf("zero audio duration should be a no-op, got action %d", d.action)
	}
}
