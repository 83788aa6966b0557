package quality

import (
	"testing"
	"time"
)

func TestNewPolicyStartsAtMinimum(t *testing.T) {
	p := NewPolicy()
	if got := p.Level(); got != Ladder[minLevelIndex] {
		t.Fatalf("initial level = %+v, want minimum %+v", got, Ladder[minLevelIndex])
	}
}

func TestStepUpOnGoodSample(t *testing.T) {
	p := NewPolicy()
	t0 := time.Unix(0, 0)
	dir := p.Evaluate(Sample{Loss: 0.01, RTTMs: 80}, t0)
	if dir != StepUp {
		t.Fatalf("dir = %v, want StepUp", dir)
	}
	if p.Level() != Ladder[minLevelIndex+1] {
		t.Fatalf("level = %+v, want rung 1", p.Level())
	}
}

func TestStepDownOnBadSample(t *testing.T) {
	p := NewPolicy()
	t0 := time.Unix(0, 0)
	// Climb to the top first so there's room to step down.
	now := t0
	for i := minLevelIndex; i < maxLevelIndex; i++ {
		now = now.Add(EvalInterval)
		p.Evaluate(Sample{Loss: 0, RTTMs: 10}, now)
	}
	if p.Level() != Ladder[maxLevelIndex] {
		t.Fatalf("level = %+v, want maximum after climbing", p.Level())
	}

	now = now.Add(EvalInterval)
	dir := p.Evaluate(Sample{Loss: 0.2, RTTMs: 10}, now)
	if dir != StepDown {
		t.Fatalf("dir = %v, want StepDown", dir)
	}
	if p.Level() != Ladder[maxLevelIndex-1] {
		t.Fatalf("level = %+v, want one below maximum", p.Level())
	}
}

func TestHoldInDeadBand(t *testing.T) {
	p := NewPolicy()
	t0 := time.Unix(0, 0)
	dir := p.Evaluate(Sample{Loss: 0.05, RTTMs: 200}, t0)
	if dir != Hold {
		t.Fatalf("dir = %v, want Hold for a dead-band sample", dir)
	}
	if p.Level() != Ladder[minLevelIndex] {
		t.Fatalf("level changed on a hold sample: %+v", p.Level())
	}
}

func TestNeverStepsBelowMinimum(t *testing.T) {
	p := NewPolicy()
	t0 := time.Unix(0, 0)
	dir := p.Evaluate(Sample{Loss: 0.5, RTTMs: 500}, t0)
	if dir != Hold {
		t.Fatalf("dir = %v, want Hold at the floor", dir)
	}
	if p.Level() != Ladder[minLevelIndex] {
		t.Fatalf("level = %+v, stepped below minimum", p.Level())
	}
}

func TestNeverStepsAboveMaximum(t *testing.T) {
	p := NewPolicy()
	now := time.Unix(0, 0)
	for i := 0; i < len(Ladder)+2; i++ {
		p.Evaluate(Sample{Loss: 0, RTTMs: 10}, now)
		now = now.Add(EvalInterval)
	}
	if p.Level() != Ladder[maxLevelIndex] {
		t.Fatalf("level = %+v, want to be pinned at maximum", p.Level())
	}
	// One more good sample at the ceiling must hold, not panic or wrap.
	if dir := p.Evaluate(Sample{Loss: 0, RTTMs: 10}, now); dir != Hold {
		t.Fatalf("dir at ceiling = %v, want Hold", dir)
	}
}

func TestHysteresisHoldsWithinOneSecond(t *testing.T) {
	p := NewPolicy()
	t0 := time.Unix(0, 0)
	if dir := p.Evaluate(Sample{Loss: 0.01, RTTMs: 80}, t0); dir != StepUp {
		t.Fatalf("first eval dir = %v, want StepUp", dir)
	}

	// A second great sample arriving 500ms later must not move the ladder
	// again: spec.md §4.6 forbids two adjustments within 1s of each other.
	dir := p.Evaluate(Sample{Loss: 0.0, RTTMs: 10}, t0.Add(500*time.Millisecond))
	if dir != Hold {
		t.Fatalf("dir = %v, want Hold inside the hysteresis window", dir)
	}
	if p.Level() != Ladder[minLevelIndex+1] {
		t.Fatalf("level moved during the hysteresis window: %+v", p.Level())
	}

	// A sample a full second after the first applied evaluation is free to
	// move the ladder again.
	dir = p.Evaluate(Sample{Loss: 0.0, RTTMs: 10}, t0.Add(EvalInterval))
	if dir != StepUp {
		t.Fatalf("dir after interval = %v, want StepUp", dir)
	}
}
