package netsensor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	gerrors "github.com/lucid-vigil/guardian/pkg/errors"
	"github.com/lucid-vigil/guardian/pkg/model"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	names map[string]string
	calls atomic.Int32
}

func (r *fakeResolver) LookupAddr(_ context.Context, ip string) (string, error) {
	r.calls.Add(1)
	if name, ok := r.names[ip]; ok {
		return name, nil
	}
	return "", ErrNoPTR
}

func conn(lip string, lport uint32, rip string, rport uint32, status string, pid int32) gnet.ConnectionStat {
	return gnet.ConnectionStat{
		Type:   sockStream,
		Laddr:  gnet.Addr{IP: lip, Port: lport},
		Raddr:  gnet.Addr{IP: rip, Port: rport},
		Status: status,
		Pid:    pid,
	}
}

func staticSources(counters *[]gnet.IOCountersStat, conns *[]gnet.ConnectionStat) Option {
	return WithSources(
		func(context.Context) ([]gnet.IOCountersStat, error) {
			if counters == nil {
				return nil, nil
			}
			return *counters, nil
		},
		func(context.Context) ([]gnet.ConnectionStat, error) {
			if conns == nil {
				return nil, nil
			}
			return *conns, nil
		},
	)
}

func TestSensor_Sample(t *testing.T) {
	conns := []gnet.ConnectionStat{
		conn("10.0.0.5", 50000, "140.82.112.3", 443, "ESTABLISHED", 812),
		conn("10.0.0.5", 50001, "203.0.113.9", 4444, "ESTABLISHED", 0),
		conn("127.0.0.1", 6000, "127.0.0.1", 6001, "ESTABLISHED", 1),
		conn("0.0.0.0", 22, "", 0, "LISTEN", 1),
		conn("10.0.0.5", 50002, "198.51.100.7", 80, "CLOSE_WAIT", 900),
	}
	counters := []gnet.IOCountersStat{{Name: "eth0", BytesSent: 91500, BytesRecv: 72500}}
	resolver := &fakeResolver{names: map[string]string{
		"140.82.112.3": "lb-140-82-112-3-iad.github.com",
		"198.51.100.7": "drop.evil.xyz",
	}}

	s := NewSensor(staticSources(&counters, &conns), WithResolver(resolver), WithWorkers(2))
	sample, err := s.Sample(context.Background())
	require.NoError(t, err)

	assert.Zero(t, sample.BytesSent, "first reading is the baseline")
	assert.Zero(t, sample.BytesReceived)
	require.Len(t, sample.Connections, 3, "loopback and listening sockets are skipped")
	assert.Equal(t, 3, s.Tracked())

	byRemote := make(map[string]model.ConnectionInfo)
	for _, c := range sample.Connections {
		byRemote[c.RemoteAddr] = c
	}

	gh := byRemote["140.82.112.3:443"]
	assert.Equal(t, model.ProtocolTCP, gh.Protocol)
	assert.Equal(t, model.StateEstablished, gh.State)
	require.NotNil(t, gh.ProcessID)
	assert.Equal(t, int32(812), *gh.ProcessID)
	require.NotNil(t, gh.DNSName)
	assert.Equal(t, "lb-140-82-112-3-iad.github.com", *gh.DNSName)

	unknown := byRemote["203.0.113.9:4444"]
	assert.Nil(t, unknown.ProcessID)
	assert.Nil(t, unknown.DNSName)

	assert.Equal(t, model.StateClosed, byRemote["198.51.100.7:80"].State)

	assert.ElementsMatch(t, []string{
		"Suspicious connection to port 4444 from 203.0.113.9:4444",
		"Connection to suspicious domain: drop.evil.xyz",
	}, sample.SuspiciousActivity)
}

func TestSensor_CountersAccumulateFromStart(t *testing.T) {
	nic := func(name string, sent, recv uint64) gnet.IOCountersStat {
		return gnet.IOCountersStat{Name: name, BytesSent: sent, BytesRecv: recv}
	}
	counters := []gnet.IOCountersStat{nic("eth0", 9_000_000, 1000), nic("lo", 500, 500)}
	s := NewSensor(staticSources(&counters, nil))
	require.NoError(t, s.Probe(context.Background()))

	steps := []struct {
		name     string
		reading  []gnet.IOCountersStat
		sent     uint64
		received uint64
	}{
		{"traffic since probe", []gnet.IOCountersStat{nic("eth0", 9_001_500, 1200), nic("lo", 900, 900)}, 1500, 200},
		{"counter reset", []gnet.IOCountersStat{nic("eth0", 4_000_000, 50), nic("lo", 900, 900)}, 4_001_500, 250},
		{"interface gone, new one baselined", []gnet.IOCountersStat{nic("wlan0", 7000, 7000)}, 4_001_500, 250},
		{"returning interface baselined", []gnet.IOCountersStat{nic("wlan0", 7100, 7300), nic("eth0", 10, 20)}, 4_001_600, 550},
		{"after return", []gnet.IOCountersStat{nic("wlan0", 7100, 7300), nic("eth0", 40, 20)}, 4_001_630, 550},
	}

	var prevSent, prevReceived uint64
	for _, step := range steps {
		counters = step.reading
		sample, err := s.Sample(context.Background())
		require.NoError(t, err, step.name)
		assert.Equal(t, step.sent, sample.BytesSent, step.name)
		assert.Equal(t, step.received, sample.BytesReceived, step.name)
		assert.GreaterOrEqual(t, sample.BytesSent, prevSent, step.name)
		assert.GreaterOrEqual(t, sample.BytesReceived, prevReceived, step.name)
		prevSent, prevReceived = sample.BytesSent, sample.BytesReceived
	}
}

func TestSensor_ResolvesOnlyOnFirstSight(t *testing.T) {
	conns := []gnet.ConnectionStat{conn("10.0.0.5", 50000, "140.82.112.3", 443, "SYN_SENT", 1)}
	resolver := &fakeResolver{names: map[string]string{}}
	s := NewSensor(staticSources(nil, &conns), WithResolver(resolver))

	_, err := s.Sample(context.Background())
	require.NoError(t, err)

	conns[0].Status = "ESTABLISHED"
	sample, err := s.Sample(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), resolver.calls.Load(), "failed lookups are not retried")
	require.Len(t, sample.Connections, 1)
	assert.Equal(t, model.StateEstablished, sample.Connections[0].State)
}

func TestSensor_TableKeepsClosedConnections(t *testing.T) {
	conns := []gnet.ConnectionStat{
		conn("10.0.0.5", 50000, "140.82.112.3", 443, "ESTABLISHED", 1),
		conn("10.0.0.5", 50001, "140.82.112.4", 443, "ESTABLISHED", 1),
	}
	s := NewSensor(staticSources(nil, &conns))

	_, err := s.Sample(context.Background())
	require.NoError(t, err)

	conns = conns[:1]
	sample, err := s.Sample(context.Background())
	require.NoError(t, err)

	assert.Len(t, sample.Connections, 1)
	assert.Equal(t, 2, s.Tracked())
}

func TestSensor_SourceErrors(t *testing.T) {
	boom := errors.New("permission denied")

	s := NewSensor(WithSources(
		func(context.Context) ([]gnet.IOCountersStat, error) { return nil, boom },
		func(context.Context) ([]gnet.ConnectionStat, error) { return nil, nil },
	))
	_, err := s.Sample(context.Background())
	assert.ErrorIs(t, err, gerrors.ErrSensor)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.Probe(context.Background()), gerrors.ErrFatalInit)

	s = NewSensor(WithSources(
		func(context.Context) ([]gnet.IOCountersStat, error) { return nil, nil },
		func(context.Context) ([]gnet.ConnectionStat, error) { return nil, boom },
	))
	_, err = s.Sample(context.Background())
	assert.ErrorIs(t, err, gerrors.ErrSensor)
	assert.NoError(t, s.Probe(context.Background()))
}

func TestSuspiciousActivity(t *testing.T) {
	name := func(s string) *string { return &s }
	got := SuspiciousActivity([]model.ConnectionInfo{
		{RemoteAddr: "192.0.2.1:3389"},
		{RemoteAddr: "192.0.2.2:443", DNSName: name("paste.PASTEBIN.com")},
		{RemoteAddr: "192.0.2.3:443", DNSName: name("abc.ngrok.io")},
		{RemoteAddr: "192.0.2.4:443", DNSName: name("example.org")},
		{RemoteAddr: "[2001:db8::1]:23"},
	})
	assert.Equal(t, []string{
		"Suspicious connection to port 3389 from 192.0.2.1:3389",
		"Connection to suspicious domain: paste.PASTEBIN.com",
		"Connection to suspicious domain: abc.ngrok.io",
		"Suspicious connection to port 23 from [2001:db8::1]:23",
	}, got)

	assert.Empty(t, SuspiciousActivity(nil))
}

func TestStateOf(t *testing.T) {
	cases := map[string]model.ConnectionState{
		"ESTABLISHED": model.StateEstablished,
		"LISTEN":      model.StateListen,
		"CLOSE_WAIT":  model.StateClosed,
		"CLOSE":       model.StateClosed,
		"TIME_WAIT":   model.StateClosed,
		"SYN_SENT":    model.StateUnknown,
		"":            model.StateUnknown,
	}
	for status, want := range cases {
		assert.Equal(t, want, stateOf(status), status)
	}
	assert.Equal(t, model.ProtocolUDP, protocolOf(sockDgram))
}
