package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucid-vigil/guardian/pkg/anomaly"
	gerrors "github.com/lucid-vigil/guardian/pkg/errors"
	"github.com/lucid-vigil/guardian/pkg/model"
	"github.com/lucid-vigil/guardian/pkg/policy"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeTelemetry struct {
	mu      sync.Mutex
	samples []model.TelemetrySample
	err     error
}

func (f *fakeTelemetry) Sample(context.Context) (*model.TelemetrySample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := f.samples[0]
	if len(f.samples) > 1 {
		f.samples = f.samples[1:]
	}
	return &s, nil
}

type fakeNetwork struct {
	sample model.NetworkSample
	err    error
}

func (f *fakeNetwork) Sample(context.Context) (*model.NetworkSample, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := f.sample
	return &s, nil
}

// MockStore is a testify mock of Store.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) StoreState(ctx context.Context, st *model.SystemState) error {
	args := m.Called(ctx, st)
	return args.Error(0)
}

func (m *MockStore) GetAlertsSince(ctx context.Context, since time.Time) ([]model.SecurityAlert, error) {
	args := m.Called(ctx, since)
	return args.Get(0).([]model.SecurityAlert), args.Error(1)
}

func (m *MockStore) GetSystemStates(ctx context.Context, limit int) ([]model.SystemState, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]model.SystemState), args.Error(1)
}

func (m *MockStore) GetStatistics(ctx context.Context, since time.Time) (model.Statistics, error) {
	args := m.Called(ctx, since)
	return args.Get(0).(model.Statistics), args.Error(1)
}

type fakePolicy struct {
	violations []string
}

func (f fakePolicy) Violations(context.Context, *model.SystemState) []string {
	return f.violations
}

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []model.SecurityAlert
}

func (p *recordingPublisher) Publish(_ context.Context, a model.SecurityAlert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
	return nil
}

func usage(cpu, mem, disk float64) model.TelemetrySample {
	return model.TelemetrySample{
		CPUUsage:    cpu,
		MemoryUsage: mem,
		DiskUsage:   disk,
		Processes:   []model.ProcessInfo{{Pid: 1, Name: "init", Threads: 1}},
	}
}

type fixture struct {
	tel       *fakeTelemetry
	net       *fakeNetwork
	store     *MockStore
	detector  *anomaly.Detector
	publisher *recordingPublisher
	coord     *Coordinator
}

func newFixture(t *testing.T, pol PolicyEvaluator, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		tel:       &fakeTelemetry{samples: []model.TelemetrySample{usage(30, 40, 50)}},
		net:       &fakeNetwork{sample: model.NetworkSample{BytesSent: 10, BytesReceived: 20}},
		store:     &MockStore{},
		detector:  anomaly.NewDetector(anomaly.DefaultConfig(), anomaly.WithLogger(zerolog.Nop())),
		publisher: &recordingPublisher{},
	}
	handler := gerrors.NewErrorHandler(zerolog.Nop(), nil)
	opts = append([]Option{WithPublisher(f.publisher), WithErrorHandler(handler)}, opts...)
	f.coord = NewCoordinator(zerolog.Nop(), f.tel, f.net, f.store, f.detector, pol, opts...)
	return f
}

func TestRefreshCycle_PublishesAndPersists(t *testing.T) {
	f := newFixture(t, fakePolicy{})
	f.store.On("StoreState", mock.Anything, mock.AnythingOfType("*model.SystemState")).Return(nil).Once()

	require.NoError(t, f.coord.RefreshCycle(context.Background()))

	st := f.coord.GetCurrentState()
	assert.Equal(t, 30.0, st.CPUUsage)
	assert.Equal(t, uint64(30), st.TotalNetworkBytes())
	require.Len(t, st.ActiveProcesses, 1)
	assert.Empty(t, st.SecurityAlerts)
	assert.Equal(t, 1, f.detector.Len())
	f.store.AssertExpectations(t)
}

func TestRefreshCycle_SensorFailureKeepsState(t *testing.T) {
	f := newFixture(t, fakePolicy{})
	f.store.On("StoreState", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.coord.RefreshCycle(context.Background()))
	before := f.coord.GetCurrentState()

	f.tel.err = errors.New("proc unavailable")
	err := f.coord.RefreshCycle(context.Background())
	assert.ErrorIs(t, err, gerrors.ErrSensor)
	assert.Equal(t, before, f.coord.GetCurrentState())

	f.tel.err = nil
	f.net.err = gerrors.NewSensorError("netsensor", "connections", errors.New("denied"))
	err = f.coord.RefreshCycle(context.Background())
	assert.ErrorIs(t, err, gerrors.ErrSensor)
	assert.Equal(t, before, f.coord.GetCurrentState())

	assert.Equal(t, 1, f.detector.Len(), "failed cycles never reach the detector")
	f.store.AssertNumberOfCalls(t, "StoreState", 1)
}

func TestRefreshCycle_PersistenceFailureKeepsPublishedState(t *testing.T) {
	f := newFixture(t, fakePolicy{violations: []string{"CPU usage too high: 95.0% (max: 90.0%)"}})
	f.tel.samples = []model.TelemetrySample{usage(95, 40, 50)}
	f.store.On("StoreState", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	err := f.coord.RefreshCycle(context.Background())
	assert.ErrorIs(t, err, gerrors.ErrPersistence)

	st := f.coord.GetCurrentState()
	assert.Equal(t, 95.0, st.CPUUsage)
	require.Len(t, st.SecurityAlerts, 1)
	assert.Len(t, f.publisher.alerts, 1, "alerts are delivered even when the store is down")
}

func TestRefreshCycle_PolicyViolationsBecomeOneHighAlert(t *testing.T) {
	f := newFixture(t, fakePolicy{violations: []string{
		"CPU usage too high: 95.0% (max: 90.0%)",
		"Unauthorized network connection to port 6667 (1.2.3.4:6667)",
	}})
	f.store.On("StoreState", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.coord.RefreshCycle(context.Background()))

	st := f.coord.GetCurrentState()
	require.Len(t, st.SecurityAlerts, 1)
	a := st.SecurityAlerts[0]
	assert.Equal(t, model.SeverityHigh, a.Severity)
	assert.Equal(t, policy.Source, a.Source)
	assert.Equal(t, "CPU usage too high: 95.0% (max: 90.0%); Unauthorized network connection to port 6667 (1.2.3.4:6667)", a.Description)
	assert.Equal(t, st.Timestamp, a.Timestamp)
	assert.NotEmpty(t, a.ID)
}

func TestRefreshCycle_AnomalyAlert(t *testing.T) {
	samples := make([]model.TelemetrySample, 0, 11)
	for i := 0; i < 10; i++ {
		samples = append(samples, usage(30, 40, 50))
	}
	samples = append(samples, usage(95, 90, 95))

	f := newFixture(t, fakePolicy{})
	f.tel.samples = samples
	f.store.On("StoreState", mock.Anything, mock.Anything).Return(nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, f.coord.RefreshCycle(context.Background()))
		assert.Empty(t, f.coord.GetCurrentState().SecurityAlerts, "cycle %d", i)
	}
	require.NoError(t, f.coord.RefreshCycle(context.Background()))

	st := f.coord.GetCurrentState()
	require.Len(t, st.SecurityAlerts, 1)
	assert.Equal(t, model.SeverityMedium, st.SecurityAlerts[0].Severity)
	assert.Equal(t, anomaly.Source, st.SecurityAlerts[0].Source)
	assert.Equal(t, "Anomalous system behavior detected", st.SecurityAlerts[0].Description)
	assert.Len(t, f.publisher.alerts, 1)
}

func TestRefreshCycle_TimestampsStrictlyIncrease(t *testing.T) {
	frozen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, fakePolicy{}, WithClock(func() time.Time { return frozen }))
	f.store.On("StoreState", mock.Anything, mock.Anything).Return(nil)

	prev := f.coord.GetCurrentState().Timestamp
	for i := 0; i < 5; i++ {
		require.NoError(t, f.coord.RefreshCycle(context.Background()))
		ts := f.coord.GetCurrentState().Timestamp
		assert.True(t, ts.After(prev), "cycle %d: %s not after %s", i, ts, prev)
		prev = ts
	}
}

func TestGetCurrentState_IsIdempotentAndDetached(t *testing.T) {
	f := newFixture(t, fakePolicy{violations: []string{"x"}})
	f.store.On("StoreState", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, f.coord.RefreshCycle(context.Background()))

	a := f.coord.GetCurrentState()
	b := f.coord.GetCurrentState()
	assert.Equal(t, a, b)

	a.SecurityAlerts[0].Description = "tampered"
	a.ActiveProcesses[0].Name = "tampered"
	c := f.coord.GetCurrentState()
	assert.Equal(t, b, c)
}

func TestGetCurrentState_ConcurrentReaders(t *testing.T) {
	f := newFixture(t, fakePolicy{})
	f.store.On("StoreState", mock.Anything, mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				st := f.coord.GetCurrentState()
				assert.NotNil(t, st.SecurityAlerts)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, f.coord.RefreshCycle(context.Background()))
	}
	cancel()
	wg.Wait()
}

func TestQueriesDelegateToStore(t *testing.T) {
	f := newFixture(t, fakePolicy{})
	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	alerts := []model.SecurityAlert{model.NewAlert(since.Add(time.Hour), model.SeverityHigh, "x", policy.Source)}
	stats := model.Statistics{AvgCPU: 12.5, TotalRecords: 3}

	f.store.On("GetAlertsSince", mock.Anything, since).Return(alerts, nil).Once()
	f.store.On("GetSystemStates", mock.Anything, 5).Return([]model.SystemState{}, nil).Once()
	f.store.On("GetStatistics", mock.Anything, since).Return(stats, nil).Once()

	got, err := f.coord.GetAlertsSince(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, alerts, got)

	states, err := f.coord.GetSystemStates(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, states)

	s, err := f.coord.GetStatistics(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, stats, s)

	f.store.AssertExpectations(t)
}

func TestRefreshCycle_ConcurrentCallsAreSerialized(t *testing.T) {
	f := newFixture(t, fakePolicy{})

	var active, maxActive atomic.Int32
	var mu sync.Mutex
	var stored []time.Time
	f.store.On("StoreState", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		stored = append(stored, args.Get(1).(*model.SystemState).Timestamp)
		mu.Unlock()
	}).Return(nil)

	const cycles = 8
	var wg sync.WaitGroup
	for i := 0; i < cycles; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.coord.RefreshCycle(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load(), "cycles never overlap")
	require.Len(t, stored, cycles)
	for i := 1; i < len(stored); i++ {
		assert.True(t, stored[i].After(stored[i-1]), "cycle %d timestamp not after its predecessor", i)
	}
	assert.Equal(t, cycles, f.detector.Len())
	assert.True(t, f.coord.GetCurrentState().Timestamp.Equal(stored[cycles-1]))
}

type historyTelemetry struct {
	*fakeTelemetry
	history map[int32]model.ProcessHistory
}

func (h historyTelemetry) ProcessHistory(pid int32) (model.ProcessHistory, bool) {
	hist, ok := h.history[pid]
	return hist, ok
}

func TestGetProcessHistory(t *testing.T) {
	f := newFixture(t, fakePolicy{})
	_, ok := f.coord.GetProcessHistory(1)
	assert.False(t, ok, "source without history")

	want := model.ProcessHistory{Pid: 1, Name: "init", Samples: []model.ProcessSample{{CPUUsage: 2}}}
	tel := historyTelemetry{fakeTelemetry: f.tel, history: map[int32]model.ProcessHistory{1: want}}
	coord := NewCoordinator(zerolog.Nop(), tel, f.net, f.store, f.detector, fakePolicy{})

	got, ok := coord.GetProcessHistory(1)
	require.True(t, ok)
	assert.Equal(t, want, got)
	_, ok = coord.GetProcessHistory(2)
	assert.False(t, ok)
}

func TestRun_ReportsErrors(t *testing.T) {
	var got []*gerrors.Error
	handler := gerrors.NewErrorHandler(zerolog.Nop(), func(_ context.Context, e *gerrors.Error) {
		got = append(got, e)
	})
	f := newFixture(t, fakePolicy{}, WithErrorHandler(handler))
	f.tel.err = errors.New("boom")

	assert.Equal(t, "refresh_cycle", f.coord.Name())
	f.coord.Run(context.Background())

	require.Len(t, got, 1)
	assert.Equal(t, gerrors.KindSensor, got[0].Kind)
	assert.Equal(t, "telemetry", got[0].Component)
}
