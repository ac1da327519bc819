package pid

import (
	"errors"
	"fmt"
	"math"

	"github.com/regulate-go/regulate-go/internal/util"
)

// Float is the set of scalar types a Controller can operate on.
type Float interface {
	~float32 | ~float64
}

/*
Controller is a proportional-integral-derivative controller that computes bounded corrections for a measured variable
relative to a setpoint. Corrections are computed from three terms: a proportional term that responds to the current
error, an integral term that responds to accumulated error over time, and a derivative term that responds to the rate of
change of the error.

Controllers guard against instability in a few ways:

  - The error can be biased to react more aggressively to positive or negative errors.
  - The accumulated error is clamped to a configurable limit, which bounds the integral term.
  - Correction output is clamped to a configurable limit.
  - When output is clamped, the clamped-away excess is fed back out of the accumulated error so that the integral term
    does not wind up against the clamp.

T is the scalar type. This type is not concurrency safe.
*/
type Controller[T Float] interface {
	// ComputeCorrection returns a bounded correction for the measured value, given the time in seconds since the
	// previous call. Non-finite measured or dt values are rejected, returning 0 and leaving state unchanged. A dt <= 0
	// contributes nothing to the integral term and produces a zero derivative term.
	ComputeCorrection(measured T, dt T) T

	// Setpoint returns the configured setpoint.
	Setpoint() T

	// AccumulatedError returns the current accumulated error. Its magnitude never exceeds the configured error limit.
	AccumulatedError() T

	// Reset clears the accumulated and previous errors.
	Reset()
}

/*
ControllerBuilder builds Controller instances.

T is the scalar type. This type is not concurrency safe.
*/
type ControllerBuilder[T Float] interface {
	// WithProportionalGain configures the proportional gain, which scales the response to the current error.
	WithProportionalGain(kp T) ControllerBuilder[T]

	// WithIntegralGain configures the integral gain, which scales the response to the accumulated error.
	WithIntegralGain(ki T) ControllerBuilder[T]

	// WithDerivativeGain configures the derivative gain, which scales the response to the rate of change of the error.
	WithDerivativeGain(kd T) ControllerBuilder[T]

	// WithErrorBias configures an asymmetry factor in [-1, 1]. Positive errors are scaled by 1+bias and negative errors
	// by 1-bias, so a positive bias reacts more aggressively to measurements below the setpoint, and a negative bias to
	// measurements above it.
	WithErrorBias(bias T) ControllerBuilder[T]

	// WithErrorLimit configures a symmetric bound for the accumulated error. Defaults to +Inf.
	WithErrorLimit(limit T) ControllerBuilder[T]

	// WithOutputLimit configures a symmetric bound for correction output. Defaults to +Inf.
	WithOutputLimit(limit T) ControllerBuilder[T]

	// Build returns a new Controller using the builder's configuration, else an error if the configuration is invalid.
	Build() (Controller[T], error)
}

// ErrInvalidConfig is returned, wrapped, when a builder is misconfigured.
var ErrInvalidConfig = errors.New("invalid controller config")

type config[T Float] struct {
	setpoint    T
	kp          T
	ki          T
	kd          T
	errorBias   T
	errorLimit  T
	outputLimit T
}

var _ ControllerBuilder[float64] = &config[float64]{}

// NewBuilder returns a ControllerBuilder for the setpoint. By default gains and the error bias are 0 and the error and
// output limits are +Inf, which produces a static controller whose corrections are always 0.
func NewBuilder[T Float](setpoint T) ControllerBuilder[T] {
	return &config[T]{
		setpoint:    setpoint,
		errorLimit:  inf[T](),
		outputLimit: inf[T](),
	}
}

func (c *config[T]) WithProportionalGain(kp T) ControllerBuilder[T] {
	c.kp = kp
	return c
}

func (c *config[T]) WithIntegralGain(ki T) ControllerBuilder[T] {
	c.ki = ki
	return c
}

func (c *config[T]) WithDerivativeGain(kd T) ControllerBuilder[T] {
	c.kd = kd
	return c
}

func (c *config[T]) WithErrorBias(bias T) ControllerBuilder[T] {
	c.errorBias = bias
	return c
}

func (c *config[T]) WithErrorLimit(limit T) ControllerBuilder[T] {
	c.errorLimit = limit
	return c
}

func (c *config[T]) WithOutputLimit(limit T) ControllerBuilder[T] {
	c.outputLimit = limit
	return c
}

func (c *config[T]) Build() (Controller[T], error) {
	if !util.IsFinite(c.setpoint) {
		return nil, fmt.Errorf("%w: setpoint must be finite", ErrInvalidConfig)
	}
	if !util.IsFinite(c.kp) || !util.IsFinite(c.ki) || !util.IsFinite(c.kd) {
		return nil, fmt.Errorf("%w: gains must be finite", ErrInvalidConfig)
	}
	if !util.IsFinite(c.errorBias) || c.errorBias < -1 || c.errorBias > 1 {
		return nil, fmt.Errorf("%w: error bias must be in [-1, 1]", ErrInvalidConfig)
	}
	if isNaN(c.errorLimit) || c.errorLimit <= 0 {
		return nil, fmt.Errorf("%w: error limit must be > 0", ErrInvalidConfig)
	}
	if isNaN(c.outputLimit) || c.outputLimit <= 0 {
		return nil, fmt.Errorf("%w: output limit must be > 0", ErrInvalidConfig)
	}
	configCopy := *c
	return &controller[T]{config: &configCopy}, nil
}

type controller[T Float] struct {
	*config[T]

	// Mutable state
	accumulatedError T
	previousError    T
}

var _ Controller[float64] = &controller[float64]{}

func (c *controller[T]) ComputeCorrection(measured T, dt T) T {
	if !util.IsFinite(measured) || !util.IsFinite(dt) {
		return 0
	}
	if dt < 0 {
		dt = 0
	}

	rawError := c.setpoint - measured

	// Bias the error so that one direction reacts more aggressively than the other
	var biasedError T
	if rawError > 0 {
		biasedError = rawError * (1 + c.errorBias)
	} else {
		biasedError = rawError * (1 - c.errorBias)
	}

	accumulated := util.Clamp(c.accumulatedError+biasedError*dt, -c.errorLimit, c.errorLimit)

	var derivative T
	if dt > 0 {
		derivative = (rawError - c.previousError) / dt
	}
	c.previousError = rawError

	correction := c.kp*biasedError + c.ki*accumulated + c.kd*derivative
	clamped := util.Clamp(correction, -c.outputLimit, c.outputLimit)

	// Feed the clamped-away excess back out of the integrator so it does not remember unachievable demand
	if correction != clamped && c.ki != 0 {
		accumulated = util.Clamp(accumulated-(correction-clamped)/c.ki, -c.errorLimit, c.errorLimit)
	}
	c.accumulatedError = accumulated

	return clamped
}

func (c *controller[T]) Setpoint() T {
	return c.setpoint
}

func (c *controller[T]) AccumulatedError() T {
	return c.accumulatedError
}

func (c *controller[T]) Reset() {
	c.accumulatedError = 0
	c.previousError = 0
}

func inf[T Float]() T {
	return T(math.Inf(1))
}

func isNaN[T Float](value T) bool {
	return math.IsNaN(float64(value))
}
