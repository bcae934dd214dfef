package credpool

import (
	"testing"
	"time"
)

func TestBackoffForWalk(t *testing.T) {
	// spec.md §8 scenario 1: 60, 120, 240, 480, 960, ... capped at 3600.
	cases := []struct {
		failCount int
		want      time.Duration
	}{
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 480 * time.Second},
		{5, 960 * time.Second},
		{6, 1920 * time.Second},
		{7, 3600 * time.Second},
		{8, 3600 * time.Second},
		{100, 3600 * time.Second},
	}
	for _, c := range cases {
		if got := backoffFor(c.failCount); got != c.want {
			t.Errorf("backoffFor(%d) = %v, want %v", c.failCount, got, c.want)
		}
	}
}

func TestBackoffForZeroOrNegative(t *testing.T) {
	if got := backoffFor(0); got != 0 {
		t.Errorf("backoffFor(0) = %v, want 0", got)
	}
	if got := backoffFor(-3); got != 0 {
		t.Errorf("backoffFor(-3) = %v, want 0", got)
	}
}

func TestApplyOutcomeSuccessResetsBackoffAndRecoversWeight(t *testing.T) {
	now := time.Now()
	r := &record{weight: MinWeight, failCount: 4, availableAfter: now.Add(time.Hour)}
	applyOutcome(r, Success, now)

	if r.failCount != 0 {
		t.Errorf("failCount = %d, want 0", r.failCount)
	}
	if !r.availableAfter.IsZero() {
		t.Errorf("availableAfter = %v, want zero", r.availableAfter)
	}
	if r.requestCount != 1 {
		t.Errorf("requestCount = %d, want 1", r.requestCount)
	}
	if r.weight != MinWeight+WeightRecover {
		t.Errorf("weight = %d, want %d", r.weight, MinWeight+WeightRecover)
	}
}

func TestApplyOutcomeSuccessIdempotentAtDefaults(t *testing.T) {
	now := time.Now()
	r := &record{weight: DefaultWeight}
	applyOutcome(r, Success, now)
	applyOutcome(r, Success, now)

	if r.failCount != 0 || !r.availableAfter.IsZero() {
		t.Fatalf("expected fail_count and available_after to stay at zero, got %d %v", r.failCount, r.availableAfter)
	}
	if r.weight != DefaultWeight {
		t.Fatalf("weight should saturate at DefaultWeight, got %d", r.weight)
	}
}

func TestApplyOutcomeGenericFailureLeavesWeightUntouched(t *testing.T) {
	now := time.Now()
	r := &record{weight: DefaultWeight}
	applyOutcome(r, GenericFailure, now)

	if r.weight != DefaultWeight {
		t.Errorf("weight changed on generic_failure: %d", r.weight)
	}
	if r.failCount != 1 {
		t.Errorf("failCount = %d, want 1", r.failCount)
	}
	wantAfter := now.Add(60 * time.Second)
	if r.availableAfter.Before(wantAfter.Add(-time.Millisecond)) || r.availableAfter.After(wantAfter.Add(time.Millisecond)) {
		t.Errorf("availableAfter = %v, want ~%v", r.availableAfter, wantAfter)
	}
}

func TestApplyOutcomeCapabilityFailureLeavesBackoffUntouched(t *testing.T) {
	now := time.Now()
	r := &record{weight: DefaultWeight}
	applyOutcome(r, CapabilityFailure, now)

	if !r.availableAfter.IsZero() {
		t.Errorf("capability_failure must not induce cooldown, got availableAfter=%v", r.availableAfter)
	}
	if r.failCount != 0 {
		t.Errorf("capability_failure must not touch fail_count, got %d", r.failCount)
	}
	if r.capabilityFailCount != 1 {
		t.Errorf("capabilityFailCount = %d, want 1", r.capabilityFailCount)
	}
	if r.weight != DefaultWeight-WeightDecay {
		t.Errorf("weight = %d, want %d", r.weight, DefaultWeight-WeightDecay)
	}
}

func TestApplyOutcomeWeightSaturatesAtBounds(t *testing.T) {
	now := time.Now()

	r := &record{weight: MinWeight}
	for i := 0; i < 5; i++ {
		applyOutcome(r, CapabilityFailure, now)
	}
	if r.weight != MinWeight {
		t.Errorf("weight fell below MinWeight: %d", r.weight)
	}

	r2 := &record{weight: DefaultWeight}
	for i := 0; i < 5; i++ {
		applyOutcome(r2, Success, now)
	}
	if r2.weight != DefaultWeight {
		t.Errorf("weight rose above DefaultWeight: %d", r2.weight)
	}
}

func TestApplyOutcomeCapabilityDegradationThenRecovery(t *testing.T) {
	// spec.md §8 scenario 3.
	now := time.Now()
	a := &record{weight: DefaultWeight}
	for i := 0; i < 10; i++ {
		applyOutcome(a, CapabilityFailure, now)
	}
	if a.weight != MinWeight {
		t.Fatalf("after 10 capability failures weight = %d, want %d", a.weight, MinWeight)
	}

	for i := 0; i < 18; i++ {
		applyOutcome(a, Success, now)
	}
	if a.weight != DefaultWeight {
		t.Fatalf("after 18 successes weight = %d, want %d", a.weight, DefaultWeight)
	}
}

func TestOutcomeString(t *testing.T) {
	cases := map[Outcome]string{
		Success:           "success",
		GenericFailure:     "generic_failure",
		CapabilityFailure:  "capability_failure",
		Outcome(99):        "unknown",
	}
	for o, want := range cases {
		if got := o.String(); got != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", o, got, want)
		}
	}
}
