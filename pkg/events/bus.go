// Package events fans published alerts out to live subscribers such as the
// websocket hub and the Redis mirror.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lucid-vigil/guardian/pkg/metrics"
	"github.com/lucid-vigil/guardian/pkg/model"
	"github.com/rs/zerolog"
)

// Errors
var (
	ErrBufferFull   = errors.New("event bus buffer is full")
	ErrInvalidAlert = errors.New("invalid alert")
)

// Handler receives every alert at or above its minimum severity.
type Handler interface {
	Name() string
	MinSeverity() model.Severity
	Handle(ctx context.Context, alert model.SecurityAlert) error
}

// Metrics is a snapshot of the bus counters.
type Metrics struct {
	Published         int64            `json:"published"`
	Processed         int64            `json:"processed"`
	Dropped           int64            `json:"dropped"`
	Suppressed        int64            `json:"suppressed"`
	Rejected          int64            `json:"rejected"`
	HandlerErrors     int64            `json:"handler_errors"`
	BySeverity        map[string]int64 `json:"by_severity"`
	BySource          map[string]int64 `json:"by_source"`
	AverageProcessing time.Duration    `json:"average_processing_time"`
}

// Bus manages alert distribution to subscribed handlers. Publish never
// blocks; alerts are delivered from a single goroutine started by Start.
type Bus struct {
	handlers    []Handler
	buffer      chan model.SecurityAlert
	logger      zerolog.Logger
	mu          sync.RWMutex
	metrics     Metrics
	running     bool
	stopChannel chan struct{}
	wg          sync.WaitGroup

	validator *Validator
	dedup     *Deduplicator
}

// Option configures a Bus.
type Option func(*Bus)

// WithValidator rejects malformed or rate-limited alerts at Publish.
func WithValidator(v *Validator) Option {
	return func(b *Bus) { b.validator = v }
}

// WithDeduplicator suppresses repeats of the same alert within its window.
func WithDeduplicator(d *Deduplicator) Option {
	return func(b *Bus) { b.dedup = d }
}

// NewBus creates a new alert bus
func NewBus(logger zerolog.Logger, bufferSize int, opts ...Option) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	b := &Bus{
		buffer:      make(chan model.SecurityAlert, bufferSize),
		logger:      logger.With().Str("component", "event_bus").Logger(),
		stopChannel: make(chan struct{}),
		metrics: Metrics{
			BySeverity: make(map[string]int64),
			BySource:   make(map[string]int64),
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = append(b.handlers, h)
	b.logger.Info().
		Str("handler", h.Name()).
		Str("min_severity", h.MinSeverity().String()).
		Msg("Handler subscribed to alerts")
}

// Publish queues alert for delivery. A full buffer drops the alert and
// returns ErrBufferFull; a duplicate inside the dedup window is silently
// suppressed.
func (b *Bus) Publish(ctx context.Context, alert model.SecurityAlert) error {
	alert = alert.Clone()

	if b.validator != nil {
		if err := b.validator.Validate(&alert); err != nil {
			b.count(func(m *Metrics) { m.Rejected++ })
			metrics.BusAlerts.WithLabelValues("rejected").Inc()
			return fmt.Errorf("%w: %v", ErrInvalidAlert, err)
		}
	}
	if b.dedup != nil && b.dedup.IsDuplicate(alert) {
		b.count(func(m *Metrics) { m.Suppressed++ })
		metrics.BusAlerts.WithLabelValues("suppressed").Inc()
		b.logger.Trace().Str("alert_id", alert.ID).Str("source", alert.Source).Msg("Duplicate alert suppressed")
		return nil
	}

	select {
	case b.buffer <- alert:
		b.count(func(m *Metrics) {
			m.Published++
			m.BySeverity[alert.Severity.String()]++
			m.BySource[alert.Source]++
		})
		metrics.BusAlerts.WithLabelValues("published").Inc()
		b.logger.Debug().
			Str("alert_id", alert.ID).
			Str("severity", alert.Severity.String()).
			Str("source", alert.Source).
			Msg("Alert published to bus")
		return nil
	default:
		b.count(func(m *Metrics) { m.Dropped++ })
		metrics.BusAlerts.WithLabelValues("dropped").Inc()
		b.logger.Error().
			Str("alert_id", alert.ID).
			Str("source", alert.Source).
			Msg("Event bus buffer full, dropping alert")
		return ErrBufferFull
	}
}

// Start begins processing alerts from the buffer
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.logger.Info().Msg("Event bus starting...")

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case alert := <-b.buffer:
				b.process(ctx, alert)
			case <-ctx.Done():
				b.logger.Info().Msg("Event bus shutting down due to context cancellation...")
				return
			case <-b.stopChannel:
				b.logger.Info().Msg("Event bus shutting down...")
				return
			}
		}
	}()
}

// Stop gracefully shuts down the bus. It is safe to call more than once.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.stopChannel)
	b.wg.Wait()
	b.logger.Info().Msg("Event bus stopped")
}

// process delivers alert to every interested handler concurrently.
func (b *Bus) process(ctx context.Context, alert model.SecurityAlert) {
	start := time.Now()

	b.mu.RLock()
	var targets []Handler
	for _, h := range b.handlers {
		if alert.Severity.AtLeast(h.MinSeverity()) {
			targets = append(targets, h)
		}
	}
	b.mu.RUnlock()

	var (
		wg     sync.WaitGroup
		errsMu sync.Mutex
		errs   int64
	)
	for _, h := range targets {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := h.Handle(ctx, alert); err != nil {
				errsMu.Lock()
				errs++
				errsMu.Unlock()
				b.logger.Error().
					Err(err).
					Str("alert_id", alert.ID).
					Str("handler", h.Name()).
					Msg("Handler error processing alert")
			}
		}(h)
	}
	wg.Wait()

	elapsed := time.Since(start)
	b.count(func(m *Metrics) {
		m.Processed++
		m.HandlerErrors += errs
		m.AverageProcessing += (elapsed - m.AverageProcessing) / time.Duration(m.Processed)
	})

	b.logger.Trace().
		Str("alert_id", alert.ID).
		Dur("processing_time", elapsed).
		Int("handlers", len(targets)).
		Int64("errors", errs).
		Msg("Alert processed by all handlers")
}

func (b *Bus) count(update func(*Metrics)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	update(&b.metrics)
}

// Metrics returns current bus counters
func (b *Bus) Metrics() Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Create a copy to avoid race conditions
	out := b.metrics
	out.BySeverity = make(map[string]int64, len(b.metrics.BySeverity))
	out.BySource = make(map[string]int64, len(b.metrics.BySource))
	for k, v := range b.metrics.BySeverity {
		out.BySeverity[k] = v
	}
	for k, v := range b.metrics.BySource {
		out.BySource[k] = v
	}
	return out
}
