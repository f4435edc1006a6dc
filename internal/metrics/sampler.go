package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// Probe failure classification. Both end up in Reading.Missing; callers use
// errors.Is to tell a slow probe from a broken one.
var (
	ErrMetricUnavailable = errors.New("metric unavailable")
	ErrSampleTimeout     = errors.New("sample timed out")
)

// Sampler queries the OS for the tracked metric set. CPU utilization comes
// from the delta between consecutive cumulative counter readings, never from
// a blocking spot measurement, so the only state carried across passes is the
// previous counter pair.
type Sampler struct {
	timeout      time.Duration
	primaryMount string
	log          *zap.Logger

	// Probe functions, swapped out in tests.
	cpuTimes   func(ctx context.Context) ([]cpu.TimesStat, error)
	virtualMem func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	diskUsage  func(ctx context.Context, path string) (*disk.UsageStat, error)

	mu          sync.Mutex
	prevBusy    float64
	prevTotal   float64
	initialized bool
}

// NewSampler creates a sampler bounded by timeout per pass. Disk metrics are
// read from primaryMount.
func NewSampler(primaryMount string, timeout time.Duration, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Sampler{
		timeout:      timeout,
		primaryMount: primaryMount,
		log:          logger,
		cpuTimes: func(ctx context.Context) ([]cpu.TimesStat, error) {
			return cpu.TimesWithContext(ctx, false) // aggregate over all cores
		},
		virtualMem: mem.VirtualMemoryWithContext,
		diskUsage:  disk.UsageWithContext,
	}
}

// Sample gathers the current metric set. It always returns within the
// configured timeout: probes that fail or run out of time mark only their own
// metrics as missing, and everything gathered up to that point is kept.
func (s *Sampler) Sample(ctx context.Context) Reading {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	r := Reading{TakenAt: time.Now(), Missing: make(map[Name]error)}

	// CPU (delta-based)
	if pct, err := s.cpuPercent(ctx); err != nil {
		r.miss(CPUPercent, err)
	} else {
		r.add(CPUPercent, pct)
	}

	// Memory
	if vm, err := s.virtualMem(ctx); err != nil {
		err = s.classify(ctx, fmt.Errorf("virtual memory: %w", err))
		r.miss(MemUsed, err)
		r.miss(MemTotal, err)
	} else {
		r.add(MemUsed, float64(vm.Used))
		r.add(MemTotal, float64(vm.Total))
	}

	// Disk (primary mount)
	if du, err := s.diskUsage(ctx, s.primaryMount); err != nil {
		err = s.classify(ctx, fmt.Errorf("disk usage %s: %w", s.primaryMount, err))
		r.miss(DiskUsed, err)
		r.miss(DiskTotal, err)
	} else {
		r.add(DiskUsed, float64(du.Used))
		r.add(DiskTotal, float64(du.Total))
	}

	return r
}

// cpuPercent computes utilization since the previous pass. The first pass
// only seeds the baseline and reports the metric as unavailable.
func (s *Sampler) cpuPercent(ctx context.Context) (float64, error) {
	times, err := s.cpuTimes(ctx)
	if err != nil {
		return 0, s.classify(ctx, fmt.Errorf("cpu times: %w", err))
	}
	if len(times) == 0 {
		return 0, fmt.Errorf("%w: empty cpu times", ErrMetricUnavailable)
	}
	busy, total := busyTotal(times[0])

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized || total < s.prevTotal {
		// First pass, or the counters went backwards (reset); reseed.
		s.prevBusy, s.prevTotal = busy, total
		s.initialized = true
		s.log.Debug("seeded cpu counter baseline", zap.Float64("total", total))
		return 0, fmt.Errorf("%w: awaiting baseline cpu counters", ErrMetricUnavailable)
	}

	dBusy := busy - s.prevBusy
	dTotal := total - s.prevTotal
	s.prevBusy, s.prevTotal = busy, total

	if dTotal <= 0 {
		return 0, fmt.Errorf("%w: no cpu counter movement since last pass", ErrMetricUnavailable)
	}
	pct := dBusy / dTotal * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

// classify wraps a probe error with the right sentinel: a pass that hit its
// deadline is a timeout, anything else is plain unavailability.
func (s *Sampler) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrSampleTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrMetricUnavailable, err)
}

// busyTotal flattens a cumulative counter set into busy and total seconds.
func busyTotal(t cpu.TimesStat) (busy, total float64) {
	total = t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
	busy = total - t.Idle - t.Iowait
	return
}
