package ratelimiter

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/regulate-go/regulate-go/internal/testutil"
	"github.com/regulate-go/regulate-go/pid"
)

var _ RateLimiter = &rateLimiter{}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name    string
		builder Builder
	}{
		{"non-finite setpoint", NewBuilder(math.NaN())},
		{"negative setpoint", NewBuilder(-1)},
		{"min above max", NewBuilder(10).WithRateBounds(20, 5)},
		{"negative min", NewBuilder(10).WithRateBounds(-1, 20)},
		{"setpoint below min", NewBuilder(10).WithRateBounds(20, 50)},
		{"setpoint above max", NewBuilder(100).WithRateBounds(0, 50)},
		{"initial rate out of bounds", NewBuilder(10).WithRateBounds(5, 50).WithInitialRate(1)},
		{"zero update interval", NewBuilder(10).WithUpdateInterval(0)},
		{"negative window duration", NewBuilder(10).WithWindowDuration(-time.Second)},
		{"zero window capacity", NewBuilder(10).WithWindowCapacity(0)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			limiter, err := tc.builder.Build()
			assert.Nil(t, limiter)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

// Asserts that a static limiter fed traffic at its setpoint admits everything.
func TestStaticLimiterAtSetpoint(t *testing.T) {
	clock := &testutil.TestClock{}
	limiter, err := NewBuilder(10).
		WithClock(clock).
		WithRandom(testutil.NewScriptedRandom()). // panics if a probabilistic decision is made
		Build()
	assert.NoError(t, err)

	for i := 0; i < 50; i++ {
		clock.CurrentTime = int64(i) * (100 * time.Millisecond).Nanoseconds()
		assert.False(t, limiter.ShouldThrottle())
	}
	assert.Equal(t, 10.0, limiter.TargetRate())
	assert.Equal(t, uint(100), limiter.AdmissionRate())
}

// Asserts that a static limiter fed twice its setpoint admits at the setpoint, within tolerance.
func TestStaticLimiterOverload(t *testing.T) {
	clock := &testutil.TestClock{}
	limiter, err := NewBuilder(10).
		WithClock(clock).
		WithRandom(testutil.NewCyclingRandom(16)).
		Build()
	assert.NoError(t, err)

	admitted := 0
	for i := 0; i < 200; i++ {
		clock.CurrentTime = int64(i) * (50 * time.Millisecond).Nanoseconds()
		if !limiter.ShouldThrottle() {
			admitted++
		}
	}
	assert.InDelta(t, 10.0, float64(admitted)/10.0, 1.5)
}

// Asserts that the controller converges the target rate up to the setpoint when demand saturates whatever rate the
// limiter currently targets.
func TestAdaptiveLimiterConvergesToSetpoint(t *testing.T) {
	second := time.Second.Nanoseconds()
	clock := &testutil.TestClock{}
	controller, err := pid.NewBuilder(50.0).
		WithProportionalGain(0.5).
		WithIntegralGain(0.1).
		Build()
	assert.NoError(t, err)
	limiter, err := NewBuilder(50).
		WithController(controller).
		WithRateBounds(10, 100).
		WithInitialRate(10).
		WithClock(clock).
		WithRandom(testutil.NewCyclingRandom(16)).
		Build()
	assert.NoError(t, err)
	assert.Equal(t, 10.0, limiter.TargetRate())

	// Epoch 0 offers the initial target rate
	for i := 0; i < 10; i++ {
		clock.CurrentTime = int64(i) * (100 * time.Millisecond).Nanoseconds()
		limiter.ShouldThrottle()
	}

	// Each subsequent epoch offers whatever rate the limiter targets after its update
	for epoch := int64(1); epoch <= 20; epoch++ {
		clock.CurrentTime = epoch * second
		limiter.ShouldThrottle()

		offered := int(math.Round(limiter.TargetRate()))
		spacing := second / int64(offered)
		for i := 1; i < offered; i++ {
			clock.CurrentTime = epoch*second + int64(i)*spacing
			limiter.ShouldThrottle()
		}

		assert.GreaterOrEqual(t, limiter.TargetRate(), 10.0)
		assert.LessOrEqual(t, limiter.TargetRate(), 100.0)
		if epoch == 2 {
			assert.Greater(t, limiter.TargetRate(), 45.0)
		}
	}

	assert.InDelta(t, 50.0, limiter.TargetRate(), 1.0)
}

// Asserts that a clamped controller output steps the target rate by at most the output limit per update.
func TestOutputClampStepsTargetRate(t *testing.T) {
	second := time.Second.Nanoseconds()
	clock := &testutil.TestClock{}
	controller, err := pid.NewBuilder(100.0).
		WithProportionalGain(1).
		WithOutputLimit(2).
		Build()
	assert.NoError(t, err)
	limiter, err := NewBuilder(100).
		WithController(controller).
		WithRateBounds(0, 200).
		WithInitialRate(10).
		WithClock(clock).
		WithRandom(testutil.NewCyclingRandom(16)).
		Build()
	assert.NoError(t, err)

	// One sparse request per second keeps the measured rate far below the setpoint
	previous := limiter.TargetRate()
	for epoch := int64(1); epoch <= 10; epoch++ {
		clock.CurrentTime = epoch * second
		limiter.ShouldThrottle()
		assert.InDelta(t, previous+2, limiter.TargetRate(), 1e-9)
		previous = limiter.TargetRate()
	}
}

// Asserts that without a controller the target rate never moves.
func TestStaticTargetRateInvariant(t *testing.T) {
	clock := &testutil.TestClock{}
	limiter, err := NewBuilder(10).
		WithClock(clock).
		WithRandom(testutil.NewCyclingRandom(16)).
		Build()
	assert.NoError(t, err)

	for i := 0; i < 100; i++ {
		clock.CurrentTime = int64(i) * (10 * time.Millisecond).Nanoseconds()
		limiter.ShouldThrottle()
		assert.Equal(t, 10.0, limiter.TargetRate())
	}
}

// Asserts that peer contributed rates join the local rate in admission decisions.
func TestExternalRequestRate(t *testing.T) {
	clock := &testutil.TestClock{}
	limiter, err := NewBuilder(10).
		WithClock(clock).
		WithRandom(testutil.NewScriptedRandom(0.05, 0.5)).
		Build()
	assert.NoError(t, err)

	limiter.SetExternalRequestRate(99)
	assert.Equal(t, 99.0, limiter.ExternalRequestRate())

	// Observed rate is 1 local + 99 external, so admission probability is about .1
	assert.False(t, limiter.ShouldThrottle()) // draw .05 admits
	clock.Advance(time.Millisecond)
	assert.True(t, limiter.ShouldThrottle()) // draw .5 throttles
}

func TestExternalRateSettersIgnoreInvalidValues(t *testing.T) {
	limiter, err := NewBuilder(10).Build()
	assert.NoError(t, err)

	limiter.SetExternalRequestRate(5)
	limiter.SetExternalRequestRate(math.NaN())
	limiter.SetExternalRequestRate(math.Inf(1))
	limiter.SetExternalRequestRate(-1)
	assert.Equal(t, 5.0, limiter.ExternalRequestRate())

	limiter.SetExternalAcceptedRequestRate(3)
	limiter.SetExternalAcceptedRequestRate(math.NaN())
	limiter.SetExternalAcceptedRequestRate(-1)
	assert.Equal(t, 3.0, limiter.ExternalAcceptedRequestRate())
}

// Asserts that a clock regression does not update the target rate.
func TestNonMonotonicNow(t *testing.T) {
	second := time.Second.Nanoseconds()
	clock := &testutil.TestClock{}
	controller, err := pid.NewBuilder(10.0).WithProportionalGain(1).Build()
	assert.NoError(t, err)
	limiter, err := NewBuilder(10).
		WithController(controller).
		WithRateBounds(0, 100).
		WithClock(clock).
		WithRandom(testutil.NewCyclingRandom(16)).
		Build()
	assert.NoError(t, err)

	clock.CurrentTime = 5 * second
	limiter.ShouldThrottle()
	target := limiter.TargetRate()

	// A request from the past is recorded but triggers no update
	clock.CurrentTime = 3 * second
	limiter.ShouldThrottle()
	assert.Equal(t, target, limiter.TargetRate())
}

func TestWindowCapacityDropsEvents(t *testing.T) {
	clock := &testutil.TestClock{}
	limiter, err := NewBuilder(10).
		WithWindowCapacity(4).
		WithClock(clock).
		WithRandom(testutil.NewCyclingRandom(16)).
		Build()
	assert.NoError(t, err)

	for i := 0; i < 6; i++ {
		clock.CurrentTime = int64(i) * time.Millisecond.Nanoseconds()
		limiter.ShouldThrottle()
	}
	assert.Equal(t, uint(4), limiter.DroppedEvents())
}

// Asserts that the observed rates combine local windows with peer contributed rates, while the local rates reported to
// peers exclude them.
func TestObservedRates(t *testing.T) {
	clock := &testutil.TestClock{}
	limiter, err := NewBuilder(100).
		WithClock(clock).
		WithRandom(testutil.NewCyclingRandom(16)).
		Build()
	assert.NoError(t, err)

	for i := 0; i < 10; i++ {
		clock.CurrentTime = int64(i) * (10 * time.Millisecond).Nanoseconds()
		assert.False(t, limiter.ShouldThrottle())
	}
	assert.Equal(t, 10.0, limiter.RequestRate())
	assert.Equal(t, 10.0, limiter.AcceptedRequestRate())

	limiter.SetExternalRequestRate(5)
	limiter.SetExternalAcceptedRequestRate(7)
	assert.Equal(t, 15.0, limiter.RequestRate())
	assert.Equal(t, 17.0, limiter.AcceptedRequestRate())
	assert.Equal(t, 10.0, limiter.LocalRequestRate())
	assert.Equal(t, 10.0, limiter.LocalAcceptedRequestRate())
}

func TestReset(t *testing.T) {
	second := time.Second.Nanoseconds()
	clock := &testutil.TestClock{}
	controller, err := pid.NewBuilder(50.0).WithProportionalGain(0.5).WithIntegralGain(0.1).Build()
	assert.NoError(t, err)
	limiter, err := NewBuilder(50).
		WithController(controller).
		WithRateBounds(10, 100).
		WithInitialRate(10).
		WithClock(clock).
		WithRandom(testutil.NewCyclingRandom(16)).
		Build()
	assert.NoError(t, err)

	clock.CurrentTime = second
	limiter.ShouldThrottle()
	limiter.SetExternalRequestRate(5)
	assert.NotEqual(t, 10.0, limiter.TargetRate())

	limiter.Reset()
	assert.Equal(t, 10.0, limiter.TargetRate())
	assert.Equal(t, 0.0, limiter.ExternalRequestRate())
	assert.Equal(t, 0.0, limiter.RequestRate())
	assert.Equal(t, uint(0), limiter.AdmittedCount())
}
