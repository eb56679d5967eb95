package rtt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepDetectorIdempotentInSteadyState(t *testing.T) {
	var d StepDetector
	changed := false
	for i := 0; i < 200; i++ {
		if d.Observe(10 * time.Millisecond) {
			changed = true
		}
	}
	assert.False(t, changed, "steady stream of identical samples must never report a step")
}

func TestStepDetectorDetectsSustainedStep(t *testing.T) {
	var d StepDetector
	for i := 0; i < slowWindow; i++ {
		d.Observe(10 * time.Millisecond)
	}
	// fast window fills with a sustained 5x jump; should trip the high threshold.
	sawStep := false
	for i := 0; i < fastWindow; i++ {
		if d.Observe(50 * time.Millisecond) {
			sawStep = true
		}
	}
	assert.True(t, sawStep)
}

func TestStepDetectorNoStepBelowFloor(t *testing.T) {
	var d StepDetector
	for i := 0; i < slowWindow+fastWindow; i++ {
		if d.Observe(1 * time.Millisecond) {
			t.Fatalf("unexpected step under absolute floor")
		}
	}
}
