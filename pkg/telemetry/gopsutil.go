// Package telemetry samples host resource usage and the process table.
package telemetry

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	gerrors "github.com/lucid-vigil/guardian/pkg/errors"
	"github.com/lucid-vigil/guardian/pkg/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sourcegraph/conc/pool"
)

// Source produces one telemetry sample per call.
type Source interface {
	Sample(ctx context.Context) (*model.TelemetrySample, error)
}

// GopsutilSource reads telemetry through gopsutil. Per-process lookups are
// fanned out over a bounded pool and joined before Sample returns.
type GopsutilSource struct {
	workers int
	history *History
	now     func() time.Time
	logger  zerolog.Logger
}

// NewGopsutilSource creates a source using up to workers goroutines for
// process lookups; non-positive means one per CPU.
func NewGopsutilSource(workers int) *GopsutilSource {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &GopsutilSource{
		workers: workers,
		history: NewHistory(DefaultHistoryWindow, DefaultHistorySamples),
		now:     time.Now,
		logger:  log.Logger.With().Str("component", "telemetry").Logger(),
	}
}

// ProcessHistory returns the last hour of cpu and memory usage for pid, or
// false when pid was not in the latest process table.
func (s *GopsutilSource) ProcessHistory(pid int32) (model.ProcessHistory, bool) {
	return s.history.Get(pid)
}

// Probe performs one full read so that startup fails fast when the host
// cannot be sampled.
func (s *GopsutilSource) Probe(ctx context.Context) error {
	if _, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		return gerrors.NewFatalInitError("telemetry", fmt.Errorf("read cpu: %w", err))
	}
	if _, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		return gerrors.NewFatalInitError("telemetry", fmt.Errorf("read memory: %w", err))
	}
	return nil
}

// Sample implements Source. CPU, memory or process-table failures fail the
// sample; disk usage and host metrics are best-effort.
func (s *GopsutilSource) Sample(ctx context.Context) (*model.TelemetrySample, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, gerrors.NewSensorError("telemetry", "cpu", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, gerrors.NewSensorError("telemetry", "memory", err)
	}
	procs, err := s.processes(ctx)
	if err != nil {
		return nil, gerrors.NewSensorError("telemetry", "processes", err)
	}
	s.history.Record(s.now(), procs)

	sample := &model.TelemetrySample{
		MemoryUsage: vm.UsedPercent,
		DiskUsage:   s.diskUsage(ctx),
		Processes:   procs,
		Metrics:     s.systemMetrics(ctx),
	}
	if len(cpuPercent) > 0 {
		sample.CPUUsage = cpuPercent[0]
	}

	s.logger.Trace().
		Float64("cpu_usage", sample.CPUUsage).
		Float64("memory_usage", sample.MemoryUsage).
		Float64("disk_usage", sample.DiskUsage).
		Int("processes", len(procs)).
		Msg("Telemetry sampled")
	return sample, nil
}

// processes returns the process table sorted by CPU usage, highest first.
// Processes that exit mid-read or have no resident memory are skipped.
func (s *GopsutilSource) processes(ctx context.Context) ([]model.ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	p := pool.NewWithResults[*model.ProcessInfo]().WithMaxGoroutines(s.workers)
	for _, proc := range procs {
		p.Go(func() *model.ProcessInfo {
			return readProcess(ctx, proc)
		})
	}

	infos := make([]model.ProcessInfo, 0, len(procs))
	for _, info := range p.Wait() {
		if info != nil {
			infos = append(infos, *info)
		}
	}

	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].CPUUsage > infos[j].CPUUsage
	})
	return infos, nil
}

func readProcess(ctx context.Context, proc *process.Process) *model.ProcessInfo {
	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil || memInfo == nil || memInfo.RSS == 0 {
		return nil
	}
	name, err := proc.NameWithContext(ctx)
	if err != nil {
		return nil
	}
	cpuPercent, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		cpuPercent = 0
	}
	memPercent, err := proc.MemoryPercentWithContext(ctx)
	if err != nil {
		memPercent = 0
	}
	threads, err := proc.NumThreadsWithContext(ctx)
	if err != nil || threads < 1 {
		threads = 1
	}
	return &model.ProcessInfo{
		Pid:         proc.Pid,
		Name:        name,
		CPUUsage:    model.ClampPercent(cpuPercent),
		MemoryUsage: model.ClampPercent(float64(memPercent)),
		Threads:     threads,
	}
}

// diskUsage averages used-percent over partitions with a non-zero size.
func (s *GopsutilSource) diskUsage(ctx context.Context) float64 {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Failed to list partitions")
		return 0
	}

	var total float64
	var n int
	seen := make(map[string]bool, len(parts))
	for _, part := range parts {
		if seen[part.Mountpoint] {
			continue
		}
		seen[part.Mountpoint] = true

		usage, err := disk.UsageWithContext(ctx, part.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		total += usage.UsedPercent
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

func (s *GopsutilSource) systemMetrics(ctx context.Context) *model.SystemMetrics {
	m := &model.SystemMetrics{LastUpdate: time.Now()}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		m.LoadAverage = avg.Load1
	}
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		m.Uptime = uptime
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		m.LogicalCores = n
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		m.PhysicalCores = n
	}
	return m
}
