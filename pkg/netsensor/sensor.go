// Package netsensor samples interface byte counters and the kernel socket
// table, and keeps a table of every connection seen.
package netsensor

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	gerrors "github.com/lucid-vigil/guardian/pkg/errors"
	"github.com/lucid-vigil/guardian/pkg/metrics"
	"github.com/lucid-vigil/guardian/pkg/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/sourcegraph/conc/pool"
)

// Ports and domain fragments commonly seen in intrusion and exfiltration.
var (
	abusedPorts   = map[uint16]bool{23: true, 445: true, 3389: true, 4444: true, 5900: true}
	abusedDomains = []string{".xyz", ".top", "pastebin.com", "ngrok.io"}
)

// Socket types as reported by gopsutil.
const (
	sockStream = 1
	sockDgram  = 2
)

// Sensor implements the network side of a refresh cycle.
type Sensor struct {
	resolver    Resolver
	workers     int
	counters    func(ctx context.Context) ([]gnet.IOCountersStat, error)
	connections func(ctx context.Context) ([]gnet.ConnectionStat, error)
	logger      zerolog.Logger

	mu sync.Mutex
	// nics is the last reading per interface; nil until the baseline is taken.
	nics          map[string]nicCounters
	bytesSent     uint64
	bytesReceived uint64
	// table holds every connection ever observed, keyed by ConnectionInfo.Key.
	// TODO: evict entries whose socket has been gone for longer than a
	// configurable TTL; growth is visible through the tracked_connections gauge.
	table map[string]model.ConnectionInfo
}

type nicCounters struct {
	sent, recv uint64
}

// Option configures a Sensor.
type Option func(*Sensor)

// WithResolver enables reverse DNS on first sight of a connection.
func WithResolver(r Resolver) Option {
	return func(s *Sensor) { s.resolver = r }
}

// WithWorkers bounds concurrent reverse lookups.
func WithWorkers(n int) Option {
	return func(s *Sensor) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithSources replaces the gopsutil readers.
func WithSources(
	counters func(ctx context.Context) ([]gnet.IOCountersStat, error),
	connections func(ctx context.Context) ([]gnet.ConnectionStat, error),
) Option {
	return func(s *Sensor) {
		s.counters = counters
		s.connections = connections
	}
}

func NewSensor(opts ...Option) *Sensor {
	s := &Sensor{
		workers: runtime.NumCPU(),
		counters: func(ctx context.Context) ([]gnet.IOCountersStat, error) {
			return gnet.IOCountersWithContext(ctx, true)
		},
		connections: func(ctx context.Context) ([]gnet.ConnectionStat, error) {
			return gnet.ConnectionsWithContext(ctx, "inet")
		},
		logger: log.Logger.With().Str("component", "netsensor").Logger(),
		table:  make(map[string]model.ConnectionInfo),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Probe checks that counters can be read at all and takes the baseline the
// byte totals are counted from.
func (s *Sensor) Probe(ctx context.Context) error {
	counters, err := s.counters(ctx)
	if err != nil {
		return gerrors.NewFatalInitError("netsensor", fmt.Errorf("read interface counters: %w", err))
	}
	s.accumulate(counters)
	return nil
}

// Sample returns the bytes moved since the sensor started and the current
// non-loopback connections with any names resolved so far.
func (s *Sensor) Sample(ctx context.Context) (*model.NetworkSample, error) {
	counters, err := s.counters(ctx)
	if err != nil {
		return nil, gerrors.NewSensorError("netsensor", "io_counters", err)
	}
	stats, err := s.connections(ctx)
	if err != nil {
		return nil, gerrors.NewSensorError("netsensor", "connections", err)
	}

	sample := &model.NetworkSample{
		Connections:        []model.ConnectionInfo{},
		SuspiciousActivity: []string{},
	}
	sample.BytesSent, sample.BytesReceived = s.accumulate(counters)

	current := make([]model.ConnectionInfo, 0, len(stats))
	seen := make(map[string]bool, len(stats))
	for _, st := range stats {
		conn, ok := toConnectionInfo(st)
		if !ok || seen[conn.Key()] {
			continue
		}
		seen[conn.Key()] = true
		current = append(current, conn)
	}

	fresh := s.track(current)
	if len(fresh) > 0 && s.resolver != nil {
		s.resolve(ctx, fresh)
	}

	s.mu.Lock()
	for _, conn := range current {
		sample.Connections = append(sample.Connections, s.table[conn.Key()].Clone())
	}
	metrics.TrackedConnections.Set(float64(len(s.table)))
	s.mu.Unlock()

	sample.SuspiciousActivity = SuspiciousActivity(sample.Connections)

	s.logger.Debug().
		Str("sent", humanize.Bytes(sample.BytesSent)).
		Str("received", humanize.Bytes(sample.BytesReceived)).
		Int("connections", len(sample.Connections)).
		Int("new", len(fresh)).
		Msg("Network sampled")
	return sample, nil
}

// accumulate folds a per-interface reading into the running totals. The
// first reading, and the first reading of an interface that appears later,
// only sets a baseline. A counter that goes backwards was reset and is
// counted from zero. Loopback traffic is ignored.
func (s *Sensor) accumulate(counters []gnet.IOCountersStat) (sent, received uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]nicCounters, len(counters))
	for _, c := range counters {
		if isLoopback(c.Name) {
			continue
		}
		cur := nicCounters{sent: c.BytesSent, recv: c.BytesRecv}
		next[c.Name] = cur
		prev, ok := s.nics[c.Name]
		if !ok {
			continue
		}
		s.bytesSent += counterDelta(prev.sent, cur.sent)
		s.bytesReceived += counterDelta(prev.recv, cur.recv)
	}
	s.nics = next
	return s.bytesSent, s.bytesReceived
}

func counterDelta(prev, cur uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}

func isLoopback(name string) bool {
	return name == "lo" || name == "lo0" || strings.HasPrefix(strings.ToLower(name), "loopback")
}

// track merges current into the table and returns the connections seen for
// the first time.
func (s *Sensor) track(current []model.ConnectionInfo) []model.ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fresh []model.ConnectionInfo
	for _, conn := range current {
		prev, ok := s.table[conn.Key()]
		if !ok {
			s.table[conn.Key()] = conn
			fresh = append(fresh, conn)
			continue
		}
		prev.State = conn.State
		prev.Protocol = conn.Protocol
		if conn.ProcessID != nil {
			prev.ProcessID = conn.ProcessID
		}
		s.table[conn.Key()] = prev
	}
	return fresh
}

// resolve looks up the remote host of each fresh connection once. Failed
// lookups leave the name empty and are not retried.
func (s *Sensor) resolve(ctx context.Context, fresh []model.ConnectionInfo) {
	type result struct {
		key  string
		name string
	}

	p := pool.NewWithResults[result]().WithMaxGoroutines(s.workers)
	for _, conn := range fresh {
		p.Go(func() result {
			name, err := s.resolver.LookupAddr(ctx, conn.RemoteHost())
			if err != nil {
				s.logger.Trace().Err(err).Str("remote", conn.RemoteAddr).Msg("Reverse lookup failed")
				return result{key: conn.Key()}
			}
			return result{key: conn.Key(), name: name}
		})
	}
	results := p.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		if r.name == "" {
			continue
		}
		conn := s.table[r.key]
		name := r.name
		conn.DNSName = &name
		s.table[r.key] = conn
	}
}

// Tracked returns the number of connections in the table.
func (s *Sensor) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table)
}

// SuspiciousActivity describes connections to commonly abused ports or
// domains.
func SuspiciousActivity(conns []model.ConnectionInfo) []string {
	out := []string{}
	for _, c := range conns {
		if port := c.RemotePort(); abusedPorts[port] {
			out = append(out, fmt.Sprintf("Suspicious connection to port %d from %s", port, c.RemoteAddr))
		}
		if c.DNSName == nil {
			continue
		}
		name := strings.ToLower(*c.DNSName)
		for _, pattern := range abusedDomains {
			if strings.Contains(name, pattern) {
				out = append(out, fmt.Sprintf("Connection to suspicious domain: %s", *c.DNSName))
				break
			}
		}
	}
	return out
}

func toConnectionInfo(st gnet.ConnectionStat) (model.ConnectionInfo, bool) {
	if st.Raddr.IP == "" || st.Raddr.Port == 0 {
		return model.ConnectionInfo{}, false
	}
	if ip := net.ParseIP(st.Raddr.IP); ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
		return model.ConnectionInfo{}, false
	}

	conn := model.ConnectionInfo{
		LocalAddr:  net.JoinHostPort(st.Laddr.IP, strconv.FormatUint(uint64(st.Laddr.Port), 10)),
		RemoteAddr: net.JoinHostPort(st.Raddr.IP, strconv.FormatUint(uint64(st.Raddr.Port), 10)),
		Protocol:   protocolOf(st.Type),
		State:      stateOf(st.Status),
	}
	if st.Pid > 0 {
		pid := st.Pid
		conn.ProcessID = &pid
	}
	return conn, true
}

func protocolOf(sockType uint32) model.Protocol {
	switch sockType {
	case sockStream:
		return model.ProtocolTCP
	case sockDgram:
		return model.ProtocolUDP
	default:
		return model.Protocol(0)
	}
}

func stateOf(status string) model.ConnectionState {
	switch {
	case status == "ESTABLISHED":
		return model.StateEstablished
	case status == "LISTEN":
		return model.StateListen
	case strings.HasPrefix(status, "CLOSE"), status == "TIME_WAIT", status == "LAST_ACK", strings.HasPrefix(status, "FIN_WAIT"):
		return model.StateClosed
	default:
		return model.StateUnknown
	}
}
