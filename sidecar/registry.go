package sidecar

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/regulate-go/regulate-go/internal/util"
	"github.com/regulate-go/regulate-go/pid"
	"github.com/regulate-go/regulate-go/ratelimiter"
)

// DefaultSegment is the segment used for admission queries that name no segment.
const DefaultSegment = "default"

// Metrics carries one process's per segment rates for a gossip exchange.
type Metrics struct {
	// Source identifies the reporting process.
	Source string

	// Segments maps segment names to their locally observed rates.
	Segments map[string]SegmentMetrics
}

// SegmentMetrics carries one segment's locally observed rates in requests per second.
type SegmentMetrics struct {
	RequestRate         float64
	AcceptedRequestRate float64
}

/*
Registry holds one rate limiter per named segment and answers admission queries for them. Each limiter is guarded by the
registry's mutex, which is held only for the duration of a single query or metrics exchange.

Peer rates applied via ApplyPeerMetrics are tracked per source: a repeated exchange from the same source replaces that
source's earlier contribution, and each segment's external rate is the sum across sources. Peers are assumed to report
disjoint traffic.

This type is concurrency safe.
*/
type Registry struct {
	source string
	logger *slog.Logger

	mu       sync.Mutex
	segments map[string]*segment
}

type segment struct {
	limiter           ratelimiter.RateLimiter
	peerRequestRates  map[string]float64
	peerAcceptedRates map[string]float64
}

/*
RegistryBuilder builds Registry instances.

This type is not concurrency safe.
*/
type RegistryBuilder interface {
	// WithClock configures the time source for all segment limiters. Defaults to the runtime's monotonic clock.
	WithClock(clock util.Clock) RegistryBuilder

	// WithRandom configures the source of uniform draws for all segment limiters. Defaults to a seeded PCG.
	WithRandom(random ratelimiter.Random) RegistryBuilder

	// WithLogger configures a logger for the registry and its limiters.
	WithLogger(logger *slog.Logger) RegistryBuilder

	// Build returns a new Registry using the builder's configuration, else an error if any segment is misconfigured.
	Build() (*Registry, error)
}

type registryConfig struct {
	config *Config
	clock  util.Clock
	random ratelimiter.Random
	logger *slog.Logger
}

var _ RegistryBuilder = &registryConfig{}

// NewRegistryBuilder returns a RegistryBuilder for the config.
func NewRegistryBuilder(config *Config) RegistryBuilder {
	return &registryConfig{config: config}
}

func (c *registryConfig) WithClock(clock util.Clock) RegistryBuilder {
	c.clock = clock
	return c
}

func (c *registryConfig) WithRandom(random ratelimiter.Random) RegistryBuilder {
	c.random = random
	return c
}

func (c *registryConfig) WithLogger(logger *slog.Logger) RegistryBuilder {
	c.logger = logger
	return c
}

func (c *registryConfig) Build() (*Registry, error) {
	if c.config == nil {
		return nil, fmt.Errorf("%w: config is required", ErrInvalidConfig)
	}
	if err := c.config.Validate(); err != nil {
		return nil, err
	}

	segments := make(map[string]*segment, len(c.config.Segments))
	for name, segmentConfig := range c.config.Segments {
		limiter, err := c.buildLimiter(&segmentConfig)
		if err != nil {
			return nil, fmt.Errorf("segment %q: %w", name, err)
		}
		segments[name] = &segment{
			limiter:           limiter,
			peerRequestRates:  map[string]float64{},
			peerAcceptedRates: map[string]float64{},
		}
	}

	return &Registry{
		source:   uuid.NewString(),
		logger:   c.logger,
		segments: segments,
	}, nil
}

func (c *registryConfig) buildLimiter(segmentConfig *SegmentConfig) (ratelimiter.RateLimiter, error) {
	minRate := 0.0
	if segmentConfig.MinTPS != nil {
		minRate = *segmentConfig.MinTPS
	}
	maxRate := math.Inf(1)
	if segmentConfig.MaxTPS != nil {
		maxRate = *segmentConfig.MaxTPS
	}

	builder := ratelimiter.NewBuilder(segmentConfig.TargetTPS).
		WithRateBounds(minRate, maxRate).
		WithLogger(c.logger)
	if segmentConfig.UpdateInterval != 0 {
		builder = builder.WithUpdateInterval(segmentConfig.UpdateInterval.Std())
	}
	if c.clock != nil {
		builder = builder.WithClock(c.clock)
	}
	if c.random != nil {
		builder = builder.WithRandom(c.random)
	}

	if segmentConfig.adaptive() {
		controllerBuilder := pid.NewBuilder(segmentConfig.TargetTPS).
			WithProportionalGain(segmentConfig.ProportionalGain).
			WithIntegralGain(segmentConfig.IntegralGain).
			WithDerivativeGain(segmentConfig.DerivativeGain).
			WithErrorBias(segmentConfig.ErrorBias)
		if segmentConfig.ErrorLimit != nil {
			controllerBuilder = controllerBuilder.WithErrorLimit(*segmentConfig.ErrorLimit)
		}
		if segmentConfig.OutputLimit != nil {
			controllerBuilder = controllerBuilder.WithOutputLimit(*segmentConfig.OutputLimit)
		}
		controller, err := controllerBuilder.Build()
		if err != nil {
			return nil, err
		}
		builder = builder.WithController(controller)
	}

	return builder.Build()
}

// Source returns the identifier this registry reports in gossip exchanges.
func (r *Registry) Source() string {
	return r.source
}

// SegmentNames returns the configured segment names.
func (r *Registry) SegmentNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.segments))
	for name := range r.segments {
		names = append(names, name)
	}
	return names
}

// ShouldThrottle records a request arrival for the segment and returns whether it must be throttled. An empty segment
// name queries DefaultSegment. Queries for unknown segments are admitted.
func (r *Registry) ShouldThrottle(segmentName string) bool {
	if segmentName == "" {
		segmentName = DefaultSegment
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	seg, ok := r.segments[segmentName]
	if !ok {
		return false
	}
	return seg.limiter.ShouldThrottle()
}

// Metrics returns a snapshot of every segment's locally observed rates for exchange with peers. Rates contributed by
// peers are excluded so that each source gossips only its own disjoint traffic.
func (r *Registry) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	segments := make(map[string]SegmentMetrics, len(r.segments))
	for name, seg := range r.segments {
		segments[name] = SegmentMetrics{
			RequestRate:         seg.limiter.LocalRequestRate(),
			AcceptedRequestRate: seg.limiter.LocalAcceptedRequestRate(),
		}
	}
	return Metrics{Source: r.source, Segments: segments}
}

// ApplyPeerMetrics folds a peer's reported rates into the matching segments' external rates. A source's earlier
// contribution is replaced, including removal for segments the source no longer reports. Metrics reported for unknown
// segments and metrics from this registry's own source are ignored.
func (r *Registry) ApplyPeerMetrics(peer Metrics) {
	if peer.Source == "" || peer.Source == r.source {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, seg := range r.segments {
		if metrics, ok := peer.Segments[name]; ok {
			seg.peerRequestRates[peer.Source] = metrics.RequestRate
			seg.peerAcceptedRates[peer.Source] = metrics.AcceptedRequestRate
		} else {
			delete(seg.peerRequestRates, peer.Source)
			delete(seg.peerAcceptedRates, peer.Source)
		}
		seg.limiter.SetExternalRequestRate(sumRates(seg.peerRequestRates))
		seg.limiter.SetExternalAcceptedRequestRate(sumRates(seg.peerAcceptedRates))
	}
}

// SegmentMetricsFor returns the target rate and observed rates for a segment, including rates contributed by peers,
// else false if the segment is unknown.
func (r *Registry) SegmentMetricsFor(segmentName string) (targetRate float64, metrics SegmentMetrics, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seg, found := r.segments[segmentName]
	if !found {
		return 0, SegmentMetrics{}, false
	}
	return seg.limiter.TargetRate(), SegmentMetrics{
		RequestRate:         seg.limiter.RequestRate(),
		AcceptedRequestRate: seg.limiter.AcceptedRequestRate(),
	}, true
}

func sumRates(rates map[string]float64) float64 {
	var sum float64
	for _, rate := range rates {
		sum += rate
	}
	return sum
}
