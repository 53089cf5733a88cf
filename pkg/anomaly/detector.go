// Package anomaly flags snapshots that fall outside the dense clusters of
// recent host behavior.
package anomaly

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	gerrors "github.com/lucid-vigil/guardian/pkg/errors"
	"github.com/lucid-vigil/guardian/pkg/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Source is the label carried by anomaly alerts.
	Source         = "AnomalyDetector"
	description    = "Anomalous system behavior detected"
	recommendation = "Investigate unusual system activity"
)

// ErrMalformedFeature is returned when a sample cannot be turned into a
// finite feature vector.
var ErrMalformedFeature = errors.New("malformed feature vector")

// Config sizes the detector.
type Config struct {
	HistorySize int
	MinSamples  int
	MinPoints   int
	Epsilon     float64
}

func DefaultConfig() Config {
	return Config{HistorySize: 1000, MinSamples: 10, MinPoints: 5, Epsilon: 0.5}
}

// Sample is the part of a SystemState the detector keeps in its history.
type Sample struct {
	Timestamp    time.Time
	CPUUsage     float64
	MemoryUsage  float64
	DiskUsage    float64
	NetworkBytes uint64
	Processes    int
}

// SampleOf extracts the detector's view of st.
func SampleOf(st *model.SystemState) Sample {
	return Sample{
		Timestamp:    st.Timestamp,
		CPUUsage:     st.CPUUsage,
		MemoryUsage:  st.MemoryUsage,
		DiskUsage:    st.DiskUsage,
		NetworkBytes: st.TotalNetworkBytes(),
		Processes:    len(st.ActiveProcesses),
	}
}

// Features returns {cpu, memory, disk, network bytes, process count}.
// Values are deliberately left unscaled.
func (s Sample) Features() ([]float64, error) {
	f := []float64{s.CPUUsage, s.MemoryUsage, s.DiskUsage, float64(s.NetworkBytes), float64(s.Processes)}
	for i, v := range f {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: feature %d of sample at %s is %v", ErrMalformedFeature, i, s.Timestamp.Format(time.RFC3339Nano), v)
		}
	}
	return f, nil
}

// Detector keeps a bounded FIFO history and scores the newest sample. The
// model is trained once, the first time the history holds MinSamples
// entries, and is not refreshed afterwards.
type Detector struct {
	mu        sync.Mutex
	cfg       Config
	history   []Sample
	model     Model
	trained   bool
	lastScore float64
	logger    zerolog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithModel replaces the DBSCAN model.
func WithModel(m Model) Option {
	return func(d *Detector) { d.model = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// NewDetector creates a detector. Non-positive config values fall back to
// DefaultConfig.
func NewDetector(cfg Config, opts ...Option) *Detector {
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MinPoints <= 0 {
		cfg.MinPoints = def.MinPoints
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = def.Epsilon
	}

	d := &Detector{
		cfg:       cfg,
		history:   make([]Sample, 0, cfg.HistorySize),
		lastScore: math.NaN(),
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.model == nil {
		d.model = NewDBSCAN(cfg.MinPoints, cfg.Epsilon)
	}
	d.logger = d.logger.With().Str("component", "anomaly").Logger()
	return d
}

// AddState appends st to the history, evicting the oldest entry when full.
func (d *Detector) AddState(st *model.SystemState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.history) >= d.cfg.HistorySize {
		n := copy(d.history, d.history[len(d.history)-d.cfg.HistorySize+1:])
		d.history = d.history[:n]
	}
	d.history = append(d.history, SampleOf(st))
}

// DetectAnomalies scores the newest sample and returns at most one alert.
// Below MinSamples it returns nothing. Malformed samples are reported as a
// model error rather than skipped.
func (d *Detector) DetectAnomalies() ([]model.SecurityAlert, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.history) < d.cfg.MinSamples {
		d.logger.Trace().Int("samples", len(d.history)).Int("required", d.cfg.MinSamples).Msg("Not enough samples for anomaly detection")
		return nil, nil
	}

	if !d.trained {
		if err := d.train(); err != nil {
			return nil, gerrors.NewModelError("anomaly", "train", err)
		}
	}

	latest := d.history[len(d.history)-1]
	point, err := latest.Features()
	if err != nil {
		return nil, gerrors.NewModelError("anomaly", "score", err)
	}

	d.lastScore = d.model.Score(point)
	if !d.model.Predict(point) {
		return nil, nil
	}

	d.logger.Warn().
		Str("source", Source).
		Float64("score", d.lastScore).
		Float64("cpu_usage", latest.CPUUsage).
		Float64("memory_usage", latest.MemoryUsage).
		Float64("disk_usage", latest.DiskUsage).
		Msg(description)

	alert := model.NewAlert(latest.Timestamp, model.SeverityMedium, description, Source).
		WithRecommendation(recommendation)
	return []model.SecurityAlert{alert}, nil
}

func (d *Detector) train() error {
	samples := make([][]float64, 0, len(d.history))
	for _, s := range d.history {
		f, err := s.Features()
		if err != nil {
			return err
		}
		samples = append(samples, f)
	}
	if err := d.model.Fit(samples); err != nil {
		return err
	}
	d.trained = true

	ev := d.logger.Info().Int("samples", len(samples))
	if db, ok := d.model.(*DBSCAN); ok {
		ev = ev.Int("clusters", db.Clusters())
	}
	ev.Msg("Anomaly model trained")
	return nil
}

// Len returns the number of samples in the history.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history)
}

// Trained reports whether the model has been fitted.
func (d *Detector) Trained() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trained
}

// LastScore returns the score of the most recently scored sample, NaN
// before the first score.
func (d *Detector) LastScore() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastScore
}

// History returns a copy of the retained samples, oldest first.
func (d *Detector) History() []Sample {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Sample(nil), d.history...)
}
