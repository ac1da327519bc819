package ratelimiter

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/regulate-go/regulate-go/internal/util"
	"github.com/regulate-go/regulate-go/pid"
)

// ErrInvalidConfig is returned, wrapped, when a builder is misconfigured.
var ErrInvalidConfig = errors.New("invalid rate limiter config")

// Random is a source of uniform draws in [0, 1) for admission decisions. *rand.Rand implements Random.
type Random interface {
	Float64() float64
}

// Metrics for a RateLimiter.
type Metrics interface {
	// TargetRate returns the current admission rate in requests per second.
	TargetRate() float64

	// RequestRate returns the observed request rate in requests per second: the locally recorded rate plus the rate
	// contributed by peers. This is the rate admission decisions and the controller see.
	RequestRate() float64

	// AcceptedRequestRate returns the observed accepted request rate in requests per second: the locally recorded rate
	// plus the accepted rate contributed by peers.
	AcceptedRequestRate() float64

	// LocalRequestRate returns only the locally recorded request rate, which is what a sidecar reports to its peers.
	LocalRequestRate() float64

	// LocalAcceptedRequestRate returns only the locally recorded accepted request rate, which is what a sidecar reports
	// to its peers.
	LocalAcceptedRequestRate() float64

	// AdmittedCount returns the number of admissions among recently retained decisions.
	AdmittedCount() uint

	// ThrottledCount returns the number of throttles among recently retained decisions.
	ThrottledCount() uint

	// AdmissionRate returns the percentage of recently retained decisions that were admissions.
	AdmissionRate() uint

	// DroppedEvents returns the number of events discarded after window retention hit its cap.
	DroppedEvents() uint
}

/*
RateLimiter decides, per request, whether to admit or throttle, continuously adjusting its admission rate so that the
observed request rate tracks a setpoint.

Request arrivals and admissions are tracked in sliding windows. When a controller is configured, the observed request
rate is periodically fed to it as the measured variable and the resulting correction moves the target admission rate,
bounded by the configured min and max rates. Without a controller the target rate is static.

Admission is probabilistic: when the observed request rate exceeds the target rate, requests are admitted with
probability targetRate / observedRate, which gives the accepted rate an expected value of min(targetRate, observedRate)
without aliasing against window boundaries.

A RateLimiter instance is single owner: it is not safe for concurrent use and must be guarded externally or sharded.
*/
type RateLimiter interface {
	Metrics

	// ShouldThrottle records a request arrival and returns whether it must be throttled. When it returns false, the
	// request is admitted and counted as accepted.
	ShouldThrottle() bool

	// SetExternalRequestRate sets the request rate contributed by peers, in requests per second. It is combined
	// additively with the local rate when feeding the controller and when making admission decisions. Non-finite or
	// negative rates are ignored.
	SetExternalRequestRate(rate float64)

	// SetExternalAcceptedRequestRate sets the accepted request rate contributed by peers, in requests per second. It is
	// combined additively with the local rate when reporting the observed accepted rate. Non-finite or negative rates
	// are ignored.
	SetExternalAcceptedRequestRate(rate float64)

	// ExternalRequestRate returns the most recently set peer request rate.
	ExternalRequestRate() float64

	// ExternalAcceptedRequestRate returns the most recently set peer accepted request rate.
	ExternalAcceptedRequestRate() float64

	// Reset returns the limiter to its initial state, clearing windows and decision history and restoring the initial
	// target rate.
	Reset()
}

/*
Builder builds RateLimiter instances.

This type is not concurrency safe.
*/
type Builder interface {
	// WithController configures a controller that recomputes the target rate every update interval. Without one the
	// target rate is static.
	WithController(controller pid.Controller[float64]) Builder

	// WithRateBounds configures hard bounds for the target rate. Defaults to [0, +Inf).
	WithRateBounds(minRate, maxRate float64) Builder

	// WithInitialRate configures the initial target rate. Defaults to the setpoint.
	WithInitialRate(rate float64) Builder

	// WithUpdateInterval configures how often the controller recomputes the target rate. Defaults to 1 second.
	WithUpdateInterval(interval time.Duration) Builder

	// WithWindowDuration configures the sliding window length for rate observations. Defaults to the update interval.
	WithWindowDuration(duration time.Duration) Builder

	// WithWindowCapacity configures the max events retained per sliding window. Recording past the cap evicts the
	// oldest event and counts it via Metrics.DroppedEvents.
	WithWindowCapacity(capacity uint) Builder

	// WithClock configures the time source. Defaults to the runtime's monotonic clock.
	WithClock(clock util.Clock) Builder

	// WithRandom configures the source of uniform draws for admission decisions. Defaults to a seeded PCG.
	WithRandom(random Random) Builder

	// WithLogger configures a logger that logs target rate updates at debug level.
	WithLogger(logger *slog.Logger) Builder

	// Build returns a new RateLimiter using the builder's configuration, else an error if the configuration is
	// invalid.
	Build() (RateLimiter, error)
}

type config struct {
	setpoint       float64
	controller     pid.Controller[float64]
	minRate        float64
	maxRate        float64
	initialRate    float64
	hasInitialRate bool
	updateInterval time.Duration
	windowDuration time.Duration
	windowCapacity uint
	clock          util.Clock
	random         Random
	logger         *slog.Logger
}

var _ Builder = &config{}

// NewBuilder returns a Builder for the setpoint, which is the desired steady state request rate in requests per
// second.
func NewBuilder(setpoint float64) Builder {
	return &config{
		setpoint:       setpoint,
		maxRate:        inf(),
		updateInterval: time.Second,
		windowCapacity: 1 << 16,
	}
}

func (c *config) WithController(controller pid.Controller[float64]) Builder {
	c.controller = controller
	return c
}

func (c *config) WithRateBounds(minRate, maxRate float64) Builder {
	c.minRate = minRate
	c.maxRate = maxRate
	return c
}

func (c *config) WithInitialRate(rate float64) Builder {
	c.initialRate = rate
	c.hasInitialRate = true
	return c
}

func (c *config) WithUpdateInterval(interval time.Duration) Builder {
	c.updateInterval = interval
	return c
}

func (c *config) WithWindowDuration(duration time.Duration) Builder {
	c.windowDuration = duration
	return c
}

func (c *config) WithWindowCapacity(capacity uint) Builder {
	c.windowCapacity = capacity
	return c
}

func (c *config) WithClock(clock util.Clock) Builder {
	c.clock = clock
	return c
}

func (c *config) WithRandom(random Random) Builder {
	c.random = random
	return c
}

func (c *config) WithLogger(logger *slog.Logger) Builder {
	c.logger = logger
	return c
}

func (c *config) Build() (RateLimiter, error) {
	if !util.IsFinite(c.setpoint) || c.setpoint < 0 {
		return nil, fmt.Errorf("%w: setpoint must be finite and >= 0", ErrInvalidConfig)
	}
	if isNaN(c.minRate) || isNaN(c.maxRate) || c.minRate < 0 || c.minRate > c.maxRate {
		return nil, fmt.Errorf("%w: rate bounds must satisfy 0 <= minRate <= maxRate", ErrInvalidConfig)
	}
	if c.setpoint < c.minRate || c.setpoint > c.maxRate {
		return nil, fmt.Errorf("%w: setpoint must be within [minRate, maxRate]", ErrInvalidConfig)
	}
	if c.hasInitialRate && (isNaN(c.initialRate) || c.initialRate < c.minRate || c.initialRate > c.maxRate) {
		return nil, fmt.Errorf("%w: initial rate must be within [minRate, maxRate]", ErrInvalidConfig)
	}
	if c.updateInterval <= 0 {
		return nil, fmt.Errorf("%w: update interval must be > 0", ErrInvalidConfig)
	}
	if c.windowDuration < 0 {
		return nil, fmt.Errorf("%w: window duration must not be negative", ErrInvalidConfig)
	}
	if c.windowCapacity == 0 {
		return nil, fmt.Errorf("%w: window capacity must be > 0", ErrInvalidConfig)
	}

	configCopy := *c
	if configCopy.windowDuration == 0 {
		configCopy.windowDuration = configCopy.updateInterval
	}
	if !configCopy.hasInitialRate {
		configCopy.initialRate = configCopy.setpoint
	}
	if configCopy.clock == nil {
		configCopy.clock = util.NewClock()
	}
	if configCopy.random == nil {
		configCopy.random = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	return &rateLimiter{
		config:         &configCopy,
		targetRate:     configCopy.initialRate,
		lastUpdate:     configCopy.clock.CurrentUnixNano(),
		requestWindow:  newSlidingWindow(configCopy.windowDuration, int(configCopy.windowCapacity)),
		acceptedWindow: newSlidingWindow(configCopy.windowDuration, int(configCopy.windowCapacity)),
		decisions:      newDecisionStats(defaultDecisionCapacity),
	}, nil
}

type rateLimiter struct {
	*config

	// Mutable state
	targetRate                  float64
	lastUpdate                  int64
	externalRequestRate         float64
	externalAcceptedRequestRate float64
	requestWindow               *slidingWindow
	acceptedWindow              *slidingWindow
	decisions                   *decisionStats
}

var _ RateLimiter = &rateLimiter{}

func (r *rateLimiter) ShouldThrottle() bool {
	return r.shouldThrottle(r.clock.CurrentUnixNano())
}

func (r *rateLimiter) shouldThrottle(now int64) bool {
	r.requestWindow.record(now)

	if r.controller != nil && now-r.lastUpdate >= r.updateInterval.Nanoseconds() {
		r.updateTargetRate(now)
	}

	// The observed rate includes the current request, so a lone request observes at least one event per window
	observedRate := r.requestWindow.rate(now) + r.externalRequestRate
	admit := observedRate <= r.targetRate || r.targetRate/observedRate > r.random.Float64()
	if admit {
		r.acceptedWindow.record(now)
	}
	r.decisions.recordDecision(admit)
	return !admit
}

// updateTargetRate feeds the observed request rate to the controller and moves the target rate by the resulting
// correction, bounded by the configured rate bounds.
func (r *rateLimiter) updateTargetRate(now int64) {
	dt := float64(now-r.lastUpdate) / float64(time.Second)
	measured := r.requestWindow.rate(now) + r.externalRequestRate
	correction := r.controller.ComputeCorrection(measured, dt)
	newRate := util.Clamp(r.targetRate+correction, r.minRate, r.maxRate)
	if r.logger != nil && r.logger.Enabled(nil, slog.LevelDebug) {
		r.logger.Debug(fmt.Sprintf("newTargetRate=%0.2f, oldTargetRate=%0.2f, measured=%0.2f, correction=%0.2f, dt=%0.2f", newRate, r.targetRate, measured, correction, dt))
	}
	r.targetRate = newRate
	r.lastUpdate = now
}

func (r *rateLimiter) TargetRate() float64 {
	return r.targetRate
}

func (r *rateLimiter) RequestRate() float64 {
	return r.requestWindow.rate(r.clock.CurrentUnixNano()) + r.externalRequestRate
}

func (r *rateLimiter) AcceptedRequestRate() float64 {
	return r.acceptedWindow.rate(r.clock.CurrentUnixNano()) + r.externalAcceptedRequestRate
}

func (r *rateLimiter) LocalRequestRate() float64 {
	return r.requestWindow.rate(r.clock.CurrentUnixNano())
}

func (r *rateLimiter) LocalAcceptedRequestRate() float64 {
	return r.acceptedWindow.rate(r.clock.CurrentUnixNano())
}

func (r *rateLimiter) AdmittedCount() uint {
	return r.decisions.admittedCount()
}

func (r *rateLimiter) ThrottledCount() uint {
	return r.decisions.throttledCount()
}

func (r *rateLimiter) AdmissionRate() uint {
	return r.decisions.admissionRate()
}

func (r *rateLimiter) DroppedEvents() uint {
	return r.requestWindow.dropped + r.acceptedWindow.dropped
}

func (r *rateLimiter) SetExternalRequestRate(rate float64) {
	if !util.IsFinite(rate) || rate < 0 {
		return
	}
	r.externalRequestRate = rate
}

func (r *rateLimiter) SetExternalAcceptedRequestRate(rate float64) {
	if !util.IsFinite(rate) || rate < 0 {
		return
	}
	r.externalAcceptedRequestRate = rate
}

func (r *rateLimiter) ExternalRequestRate() float64 {
	return r.externalRequestRate
}

func (r *rateLimiter) ExternalAcceptedRequestRate() float64 {
	return r.externalAcceptedRequestRate
}

func (r *rateLimiter) Reset() {
	r.targetRate = r.initialRate
	r.lastUpdate = r.clock.CurrentUnixNano()
	r.externalRequestRate = 0
	r.externalAcceptedRequestRate = 0
	r.requestWindow.reset()
	r.acceptedWindow.reset()
	r.decisions.reset()
	if r.controller != nil {
		r.controller.Reset()
	}
}

func inf() float64 {
	return math.Inf(1)
}

func isNaN(value float64) bool {
	return math.IsNaN(value)
}
