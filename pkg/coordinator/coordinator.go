// Package coordinator owns the published SystemState and runs the refresh
// cycle that produces it.
package coordinator

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	gerrors "github.com/lucid-vigil/guardian/pkg/errors"
	"github.com/lucid-vigil/guardian/pkg/metrics"
	"github.com/lucid-vigil/guardian/pkg/model"
	"github.com/lucid-vigil/guardian/pkg/policy"
	"github.com/rs/zerolog"
)

const jobName = "refresh_cycle"

// TelemetrySource samples host resource usage and the process table.
type TelemetrySource interface {
	Sample(ctx context.Context) (*model.TelemetrySample, error)
}

// ProcessHistorySource is implemented by telemetry sources that keep recent
// per-process usage.
type ProcessHistorySource interface {
	ProcessHistory(pid int32) (model.ProcessHistory, bool)
}

// NetworkSensor samples byte counters and connections.
type NetworkSensor interface {
	Sample(ctx context.Context) (*model.NetworkSample, error)
}

// Store is the durable log of published snapshots.
type Store interface {
	StoreState(ctx context.Context, st *model.SystemState) error
	GetAlertsSince(ctx context.Context, since time.Time) ([]model.SecurityAlert, error)
	GetSystemStates(ctx context.Context, limit int) ([]model.SystemState, error)
	GetStatistics(ctx context.Context, since time.Time) (model.Statistics, error)
}

// Detector is the anomaly stage.
type Detector interface {
	AddState(st *model.SystemState)
	DetectAnomalies() ([]model.SecurityAlert, error)
	Len() int
	LastScore() float64
}

// PolicyEvaluator is the rule stage. Violations returns each finding in
// evaluation order.
type PolicyEvaluator interface {
	Violations(ctx context.Context, st *model.SystemState) []string
}

// Publisher receives each alert after its snapshot has been published.
type Publisher interface {
	Publish(ctx context.Context, alert model.SecurityAlert) error
}

// Coordinator is the single writer of the current SystemState. Readers get
// deep copies and never observe a snapshot under construction.
type Coordinator struct {
	telemetry TelemetrySource
	network   NetworkSensor
	store     Store
	detector  Detector
	policy    PolicyEvaluator
	publisher Publisher
	handler   *gerrors.ErrorHandler
	logger    zerolog.Logger
	now       func() time.Time

	// cycleMu serializes refresh cycles; mu guards current only for the swap.
	cycleMu sync.Mutex
	mu      sync.RWMutex
	current *model.SystemState
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPublisher forwards alerts to live subscribers.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

func WithErrorHandler(h *gerrors.ErrorHandler) Option {
	return func(c *Coordinator) { c.handler = h }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator publishes an empty initial state stamped with the current
// time.
func NewCoordinator(
	logger zerolog.Logger,
	telemetry TelemetrySource,
	network NetworkSensor,
	store Store,
	detector Detector,
	evaluator PolicyEvaluator,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		telemetry: telemetry,
		network:   network,
		store:     store,
		detector:  detector,
		policy:    evaluator,
		logger:    logger.With().Str("component", "coordinator").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.handler == nil {
		c.handler = gerrors.NewErrorHandler(c.logger, metrics.CountError)
	}
	c.current = model.NewInitialState(c.now())
	return c
}

// Name implements scheduler.Job.
func (c *Coordinator) Name() string {
	return jobName
}

// Run implements scheduler.Job. Cycle failures are reported and never stop
// the loop.
func (c *Coordinator) Run(ctx context.Context) {
	if err := c.RefreshCycle(ctx); err != nil {
		c.handler.HandleError(ctx, err)
	}
}

// RefreshCycle samples the sensors, analyses the new snapshot, publishes it
// and persists it. A sensor error leaves the published state untouched; a
// persistence error is returned after the new state has been published.
func (c *Coordinator) RefreshCycle(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	start := time.Now()
	defer func() {
		metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	tel, err := c.telemetry.Sample(ctx)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("sensor_error").Inc()
		return asSensorError("telemetry", err)
	}
	net, err := c.network.Sample(ctx)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("sensor_error").Inc()
		return asSensorError("netsensor", err)
	}

	st := model.NewSystemState(c.nextTimestamp(), tel, net)

	c.detector.AddState(st)
	anomalies, err := c.detector.DetectAnomalies()
	if err != nil {
		c.handler.HandleError(ctx, err)
	}
	st.SecurityAlerts = append(st.SecurityAlerts, anomalies...)

	violations := c.policy.Violations(ctx, st)
	if len(violations) > 0 {
		alert := model.NewAlert(st.Timestamp, model.SeverityHigh, strings.Join(violations, "; "), policy.Source)
		c.logger.Warn().
			Str("source", alert.Source).
			Int("violations", len(violations)).
			Str("violation", alert.Description).
			Msg("Security policy violation detected")
		st.SecurityAlerts = append(st.SecurityAlerts, alert)
	}

	c.mu.Lock()
	c.current = st
	c.mu.Unlock()

	for _, a := range st.SecurityAlerts {
		metrics.AlertsTotal.WithLabelValues(a.Source, a.Severity.String()).Inc()
		if c.publisher == nil {
			continue
		}
		if err := c.publisher.Publish(ctx, a); err != nil {
			c.logger.Debug().Err(err).Str("alert_id", a.ID).Msg("Alert not delivered to subscribers")
		}
	}

	c.observe(st, len(violations))

	if err := c.store.StoreState(ctx, st); err != nil {
		metrics.CyclesTotal.WithLabelValues("persistence_error").Inc()
		return gerrors.NewPersistenceError("storage", "store_state", err)
	}

	metrics.CyclesTotal.WithLabelValues("ok").Inc()
	c.logger.Trace().
		Time("timestamp", st.Timestamp).
		Int("alerts", len(st.SecurityAlerts)).
		Dur("took", time.Since(start)).
		Msg("Refresh cycle complete")
	return nil
}

// GetCurrentState returns a deep copy of the latest published snapshot.
func (c *Coordinator) GetCurrentState() model.SystemState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Clone()
}

// GetAlertsSince returns persisted alerts newer than since, newest first.
func (c *Coordinator) GetAlertsSince(ctx context.Context, since time.Time) ([]model.SecurityAlert, error) {
	return c.store.GetAlertsSince(ctx, since)
}

// GetSystemStates returns up to limit persisted snapshots, newest first.
func (c *Coordinator) GetSystemStates(ctx context.Context, limit int) ([]model.SystemState, error) {
	return c.store.GetSystemStates(ctx, limit)
}

func (c *Coordinator) GetStatistics(ctx context.Context, since time.Time) (model.Statistics, error) {
	return c.store.GetStatistics(ctx, since)
}

// GetProcessHistory returns the recent usage of pid when the telemetry source
// keeps one.
func (c *Coordinator) GetProcessHistory(pid int32) (model.ProcessHistory, bool) {
	h, ok := c.telemetry.(ProcessHistorySource)
	if !ok {
		return model.ProcessHistory{}, false
	}
	return h.ProcessHistory(pid)
}

// nextTimestamp keeps published timestamps strictly increasing even if the
// wall clock steps backwards. Callers hold cycleMu.
func (c *Coordinator) nextTimestamp() time.Time {
	ts := c.now()
	c.mu.RLock()
	prev := c.current.Timestamp
	c.mu.RUnlock()
	if !ts.After(prev) {
		ts = prev.Add(time.Nanosecond)
	}
	return ts
}

func (c *Coordinator) observe(st *model.SystemState, violations int) {
	metrics.SystemUsage.WithLabelValues("cpu").Set(st.CPUUsage)
	metrics.SystemUsage.WithLabelValues("memory").Set(st.MemoryUsage)
	metrics.SystemUsage.WithLabelValues("disk").Set(st.DiskUsage)
	metrics.PolicyViolations.Set(float64(violations))
	metrics.HistorySize.Set(float64(c.detector.Len()))
	if score := c.detector.LastScore(); !math.IsNaN(score) {
		metrics.AnomalyScore.Set(score)
	}
}

// asSensorError keeps typed sensor errors and wraps anything else.
func asSensorError(component string, err error) error {
	if e, ok := err.(*gerrors.Error); ok {
		return e
	}
	return gerrors.NewSensorError(component, "sample", err)
}
