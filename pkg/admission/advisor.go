// Package admission implements the observational bandwidth advisor. The
// scheduling core's total_bw counter carries no policy of its own; the
// advisor periodically compares that reserved deadline bandwidth with the
// host's historical P95 CPU utilisation from OCI Monitoring and reports the
// headroom to operators. It never enforces anything.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"dlsched/pkg/domain"
)

// P95Source provides the historical P95 CPU utilisation ratio for a compute
// instance. pkg/oci.Client satisfies this.
type P95Source interface {
	QueryP95CPU(ctx context.Context, instanceOCID string, last7d bool) (float32, error)
}

// InstanceResolver yields the identity of the instance being advised.
// pkg/imds.Client satisfies this: the OCID keys the Monitoring query and
// the shape's OCPU count converts the reserved bandwidth into a share of
// the actual machine.
type InstanceResolver interface {
	InstanceID(ctx context.Context) (string, error)
	ShapeOCPUs(ctx context.Context) (float64, error)
}

// Observer receives advisory datapoints, typically the metrics exporter.
type Observer interface {
	ObserveOCIP95(value float64, fetchedAt time.Time)
	SetBandwidthHeadroom(headroom float64)
}

// Deps are the advisor's collaborators. Source, Resolver, Domain, and a
// positive CPUs are required; the rest degrade gracefully when absent.
type Deps struct {
	Source   P95Source
	Resolver InstanceResolver
	Domain   *domain.Domain
	// CPUs is the scheduler's own CPU count, the fallback denominator when
	// the resolver cannot report the shape's OCPUs.
	CPUs     int
	Observer Observer
	Logger   *zap.Logger
	// HostLoad reports the locally sampled utilisation ratio (pkg/est) for
	// the drift log; the second result is false until a sample exists.
	HostLoad func() (float64, bool)
}

// Config tunes the advisory loop.
type Config struct {
	// Interval between probes. DefaultInterval applies when zero.
	Interval time.Duration
	// Last7d widens the Monitoring query window from 24h to seven days.
	Last7d bool
}

// DefaultInterval paces probes gently; the P95 moves slowly anyway.
const DefaultInterval = 5 * time.Minute

const breakerConsecutiveFailures = 3

var (
	errMissingSource   = errors.New("admission: p95 source is required")
	errMissingResolver = errors.New("admission: instance resolver is required")
	errMissingDomain   = errors.New("admission: root domain is required")
	errInvalidCPUs     = errors.New("admission: cpu count must be positive")
)

// Advisor runs the periodic comparison. Monitoring calls go through a
// circuit breaker so a flaky endpoint cannot retry-storm the API or stall
// the loop.
type Advisor struct {
	deps     Deps
	interval time.Duration
	last7d   bool
	breaker  *gobreaker.CircuitBreaker
	now      func() time.Time

	mu           sync.Mutex
	lastErr      error
	lastHeadroom float64
}

// New constructs an Advisor from deps. Observer, Logger, and HostLoad may
// be nil.
func New(deps Deps, cfg Config) (*Advisor, error) {
	if deps.Source == nil {
		return nil, errMissingSource
	}

	if deps.Resolver == nil {
		return nil, errMissingResolver
	}

	if deps.Domain == nil {
		return nil, errMissingDomain
	}

	if deps.CPUs <= 0 {
		return nil, errInvalidCPUs
	}

	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "oci-monitoring",
		Timeout: 2 * interval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
	})

	return &Advisor{
		deps:     deps,
		interval: interval,
		last7d:   cfg.Last7d,
		breaker:  breaker,
		now:      time.Now,
	}, nil
}

// Run probes once immediately and then on every interval tick until the
// context is cancelled.
func (a *Advisor) Run(ctx context.Context) error {
	_ = a.Probe(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = a.Probe(ctx)
		}
	}
}

// Probe performs one advisory comparison: fetch the instance's P95
// utilisation through the breaker, derive the headroom against the reserved
// deadline bandwidth, and publish it.
func (a *Advisor) Probe(ctx context.Context) error {
	instanceID, err := a.deps.Resolver.InstanceID(ctx)
	if err != nil {
		return a.fail(fmt.Errorf("resolve instance: %w", err))
	}

	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.deps.Source.QueryP95CPU(ctx, instanceID, a.last7d)
	})
	if err != nil {
		return a.fail(fmt.Errorf("query p95: %w", err))
	}

	p95 := float64(result.(float32))
	fetchedAt := a.now()

	// Reserved bandwidth is a sum over tasks (one CPU each at most); the
	// Monitoring ratio covers the whole host. Prefer the shape's OCPU count
	// as the denominator so the comparison matches the machine Monitoring
	// is describing, not the simulated CPU set.
	cpus := float64(a.deps.CPUs)
	if ocpus, shapeErr := a.deps.Resolver.ShapeOCPUs(ctx); shapeErr == nil && ocpus > 0 {
		cpus = ocpus
	}

	reservedShare := a.deps.Domain.TotalBW().Float64() / cpus
	headroom := 1 - reservedShare - p95

	a.mu.Lock()
	a.lastErr = nil
	a.lastHeadroom = headroom
	a.mu.Unlock()

	if a.deps.Observer != nil {
		a.deps.Observer.ObserveOCIP95(p95, fetchedAt)
		a.deps.Observer.SetBandwidthHeadroom(headroom)
	}

	a.deps.Logger.Info("bandwidth advisory",
		zap.Float64("reservedShare", reservedShare),
		zap.Float64("hostCPUs", cpus),
		zap.Float64("observedP95", p95),
		zap.Float64("headroom", headroom),
	)

	if a.deps.HostLoad != nil {
		if utilisation, ok := a.deps.HostLoad(); ok {
			a.deps.Logger.Info("host load cross-check",
				zap.Float64("reservedShare", reservedShare),
				zap.Float64("localUtilisation", utilisation),
				zap.Float64("drift", utilisation-reservedShare),
			)
		}
	}

	if headroom < 0 {
		a.deps.Logger.Warn("reserved bandwidth plus observed load exceeds the host",
			zap.Float64("headroom", headroom),
		)
	}

	return nil
}

func (a *Advisor) fail(err error) error {
	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()

	a.deps.Logger.Warn("bandwidth advisory probe failed", zap.Error(err))

	return err
}

// LastError returns the most recent probe failure, or nil after a success.
func (a *Advisor) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Headroom returns the most recently computed headroom ratio.
func (a *Advisor) Headroom() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastHeadroom
}
