package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"installcore/internal/adapters/collections"
	"installcore/internal/core"
	"installcore/pkg/domain"
)

// Recorder accepts automated check outcomes. *core.Service implements it.
type Recorder interface {
	RecordSystemPreVerification(ctx context.Context, id string, passed bool, opts ...core.TransitionOption) (domain.Installation, error)
}

// Invalidator is implemented by sources that hold readings, such as CachedSource.
type Invalidator interface {
	Invalidate(deviceID string)
}

type subscriber[T any] interface {
	Subscribe(ctx context.Context, predicate func(T) bool) *collections.Stream[collections.Snapshot[T]]
}

// Check result labels.
const (
	ResultPassed    = "passed"
	ResultFailed    = "failed"
	ResultNoReading = "no_reading"
	ResultError     = "error"
)

// Outcome describes one comparison.
type Outcome struct {
	InstallationID string
	DeviceID       string
	Installer      float64
	Server         float64
	Difference     float64
	Passed         bool
	Installation   domain.Installation
}

// CheckerOptions configures a Checker.
type CheckerOptions struct {
	// ThresholdPercent defaults to DefaultThresholdPercent.
	ThresholdPercent float64
	// Readings, when set, re-runs the sweep whenever server data changes.
	Readings   subscriber[domain.ServerData]
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// Checker watches actionable installations and records whether each one's reading
// agrees with the server. Check must not be called concurrently with Run.
type Checker struct {
	installations subscriber[domain.Installation]
	readings      subscriber[domain.ServerData]
	source        Source
	recorder      Recorder
	threshold     float64
	logger        *zap.Logger
	checks        *prometheus.CounterVec

	// installation id -> reading timestamp already evaluated
	checked map[string]time.Time
	// device id -> reading timestamp last seen on the server data feed
	readAt map[string]time.Time
}

// NewChecker constructs a checker over the installations collection.
func NewChecker(installations subscriber[domain.Installation], source Source, recorder Recorder, opts CheckerOptions) *Checker {
	threshold := opts.ThresholdPercent
	if threshold <= 0 {
		threshold = DefaultThresholdPercent
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "installcore",
		Subsystem: "telemetry",
		Name:      "checks_total",
		Help:      "Automated reading comparisons by result.",
	}, []string{"result"})
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(checks)
	}
	return &Checker{
		installations: installations,
		readings:      opts.Readings,
		source:        source,
		recorder:      recorder,
		threshold:     threshold,
		logger:        logger.Named("telemetry"),
		checks:        checks,
		checked:       make(map[string]time.Time),
		readAt:        make(map[string]time.Time),
	}
}

// Checks exposes the result counter.
func (c *Checker) Checks() *prometheus.CounterVec { return c.checks }

// Run sweeps the actionable installations on every change until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	installs := c.installations.Subscribe(ctx, domain.Installation.Actionable)
	defer installs.Close()

	var readings <-chan collections.Snapshot[domain.ServerData]
	if c.readings != nil {
		stream := c.readings.Subscribe(ctx, nil)
		defer stream.Close()
		readings = stream.C()
	}

	var actionable []domain.Installation
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-installs.C():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return collections.ErrWatchClosed
			}
			if snap.Err != nil {
				c.logger.Error("installation feed failed", zap.Error(snap.Err))
				continue
			}
			actionable = snap.Records
		case snap, ok := <-readings:
			if !ok {
				readings = nil
				continue
			}
			if snap.Err != nil {
				c.logger.Error("server data feed failed", zap.Error(snap.Err))
				continue
			}
			c.invalidate(snap.Records)
		}
		c.sweep(ctx, actionable)
	}
}

// invalidate drops source-held readings of devices whose server data changed, so
// the following sweep compares against the reading that triggered it.
func (c *Checker) invalidate(readings []domain.ServerData) {
	inv, ok := c.source.(Invalidator)
	next := make(map[string]time.Time, len(readings))
	for _, r := range readings {
		next[r.DeviceID] = r.RecordedAt
		if at, seen := c.readAt[r.DeviceID]; seen && at.Equal(r.RecordedAt) {
			continue
		}
		if ok {
			inv.Invalidate(r.DeviceID)
		}
	}
	c.readAt = next
}

func (c *Checker) sweep(ctx context.Context, actionable []domain.Installation) {
	live := make(map[string]struct{}, len(actionable))
	for _, inst := range actionable {
		live[inst.ID] = struct{}{}
		if _, err := c.Check(ctx, inst); err != nil && !errors.Is(err, errAlreadyChecked) {
			if errors.Is(err, domain.ErrNotFound) {
				c.logger.Debug("no server reading yet", zap.String("installation_id", inst.ID), zap.String("device_id", inst.DeviceID))
				continue
			}
			c.logger.Warn("check failed", zap.String("installation_id", inst.ID), zap.Error(err))
		}
	}
	for id := range c.checked {
		if _, ok := live[id]; !ok {
			delete(c.checked, id)
		}
	}
}

var errAlreadyChecked = errors.New("reading already evaluated")

// Check compares one installation against the device's latest server reading and
// records the outcome. The record is made against a pending expectation first; if a
// reviewer got there before, it is retried unconditionally so a passing check is
// still captured on a flagged installation.
func (c *Checker) Check(ctx context.Context, inst domain.Installation) (Outcome, error) {
	reading, err := c.source.Reading(ctx, inst.DeviceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.checks.WithLabelValues(ResultNoReading).Inc()
		} else {
			c.checks.WithLabelValues(ResultError).Inc()
		}
		return Outcome{}, err
	}
	if at, seen := c.checked[inst.ID]; seen && at.Equal(reading.RecordedAt) {
		return Outcome{}, errAlreadyChecked
	}

	diff := PercentDifference(inst.SensorReading, reading.Reading)
	out := Outcome{
		InstallationID: inst.ID,
		DeviceID:       inst.DeviceID,
		Installer:      inst.SensorReading,
		Server:         reading.Reading,
		Difference:     diff,
		Passed:         Passes(diff, c.threshold),
	}

	recorded, err := c.recorder.RecordSystemPreVerification(ctx, inst.ID, out.Passed, core.WithExpectedStatus(domain.InstallationPending))
	if errors.Is(err, domain.ErrInvalidTransition) && out.Passed {
		recorded, err = c.recorder.RecordSystemPreVerification(ctx, inst.ID, true)
	}
	if err != nil && !(errors.Is(err, domain.ErrInvalidTransition) && !out.Passed) {
		c.checks.WithLabelValues(ResultError).Inc()
		return out, err
	}
	out.Installation = recorded
	c.checked[inst.ID] = reading.RecordedAt

	result := ResultFailed
	if out.Passed {
		result = ResultPassed
	}
	c.checks.WithLabelValues(result).Inc()
	c.logger.Info("reading compared",
		zap.String("installation_id", inst.ID),
		zap.String("device_id", inst.DeviceID),
		zap.Float64("difference_percent", diff),
		zap.Bool("passed", out.Passed))
	return out, nil
}
