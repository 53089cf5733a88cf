package anomaly

import (
	"errors"
	"math"
	"testing"
	"time"

	gerrors "github.com/lucid-vigil/guardian/pkg/errors"
	"github.com/lucid-vigil/guardian/pkg/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func stateAt(i int, cpu, mem, disk float64) *model.SystemState {
	st := model.NewInitialState(base.Add(time.Duration(i) * time.Second))
	st.CPUUsage = cpu
	st.MemoryUsage = mem
	st.DiskUsage = disk
	return st
}

func newTestDetector(opts ...Option) *Detector {
	return NewDetector(DefaultConfig(), append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
}

func TestDetector_HistoryEviction(t *testing.T) {
	d := newTestDetector()
	for i := 0; i < 1001; i++ {
		d.AddState(stateAt(i, 10, 10, 10))
	}

	assert.Equal(t, 1000, d.Len())
	h := d.History()
	assert.Equal(t, base.Add(time.Second), h[0].Timestamp, "the oldest entry is dropped")
	assert.Equal(t, base.Add(1000*time.Second), h[len(h)-1].Timestamp)
}

func TestDetector_NotEnoughSamples(t *testing.T) {
	d := newTestDetector()
	for i := 0; i < 9; i++ {
		d.AddState(stateAt(i, 95, 95, 95))
		alerts, err := d.DetectAnomalies()
		require.NoError(t, err)
		assert.Empty(t, alerts)
	}
	assert.False(t, d.Trained())
	assert.True(t, math.IsNaN(d.LastScore()))
}

func TestDetector_FlagsOutlier(t *testing.T) {
	d := newTestDetector()
	for i := 0; i < 10; i++ {
		d.AddState(stateAt(i, 30, 40, 50))
	}
	d.AddState(stateAt(10, 95, 90, 95))

	alerts, err := d.DetectAnomalies()
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, model.SeverityMedium, a.Severity)
	assert.Equal(t, "Anomalous system behavior detected", a.Description)
	assert.Equal(t, "AnomalyDetector", a.Source)
	require.NotNil(t, a.Recommendation)
	assert.Equal(t, "Investigate unusual system activity", *a.Recommendation)
	assert.Equal(t, base.Add(10*time.Second), a.Timestamp)
	assert.NotEmpty(t, a.ID)
	assert.True(t, d.Trained())
	assert.Greater(t, d.LastScore(), 0.5)
}

func TestDetector_NormalSampleIsQuiet(t *testing.T) {
	d := newTestDetector()
	for i := 0; i < 12; i++ {
		d.AddState(stateAt(i, 30, 40, 50))
		alerts, err := d.DetectAnomalies()
		require.NoError(t, err)
		assert.Empty(t, alerts)
	}
	assert.Equal(t, 0.0, d.LastScore())
}

// The model is fitted once and never refreshed, so a sustained new baseline
// keeps being reported as anomalous.
func TestDetector_TrainsOnlyOnce(t *testing.T) {
	d := newTestDetector()
	for i := 0; i < 10; i++ {
		d.AddState(stateAt(i, 30, 40, 50))
	}
	alerts, err := d.DetectAnomalies()
	require.NoError(t, err)
	assert.Empty(t, alerts)

	for i := 10; i < 40; i++ {
		d.AddState(stateAt(i, 80, 80, 80))
		alerts, err := d.DetectAnomalies()
		require.NoError(t, err)
		assert.Len(t, alerts, 1, "sample %d", i)
	}
}

func TestDetector_MalformedFeature(t *testing.T) {
	d := newTestDetector()
	for i := 0; i < 9; i++ {
		d.AddState(stateAt(i, 30, 40, 50))
	}
	st := stateAt(9, 30, 40, 50)
	st.CPUUsage = math.NaN()
	d.AddState(st)

	alerts, err := d.DetectAnomalies()
	assert.Empty(t, alerts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedFeature))
	assert.True(t, errors.Is(err, gerrors.ErrModel))
	assert.False(t, d.Trained())
}

type stubModel struct {
	fits    int
	outlier bool
}

func (m *stubModel) Fit([][]float64) error { m.fits++; return nil }
func (m *stubModel) Predict([]float64) bool { return m.outlier }
func (m *stubModel) Score([]float64) float64 { return 1 }

func TestDetector_CustomModel(t *testing.T) {
	m := &stubModel{}
	d := newTestDetector(WithModel(m))
	for i := 0; i < 15; i++ {
		d.AddState(stateAt(i, 1, 1, 1))
		_, err := d.DetectAnomalies()
		require.NoError(t, err)
	}
	assert.Equal(t, 1, m.fits)

	m.outlier = true
	alerts, err := d.DetectAnomalies()
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestSampleOf_Features(t *testing.T) {
	st := stateAt(0, 12, 34, 56)
	st.NetworkStats.BytesSent = 1000
	st.NetworkStats.BytesReceived = 24
	st.ActiveProcesses = []model.ProcessInfo{{Pid: 1}, {Pid: 2}}

	f, err := SampleOf(st).Features()
	require.NoError(t, err)
	assert.Equal(t, []float64{12, 34, 56, 1024, 2}, f)
}
