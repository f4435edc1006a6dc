package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReadingHandler observes each completed sampler pass. Handlers run on the
// scheduler goroutine and must not block.
type ReadingHandler func(Reading)

// Config controls the sampling cadence.
type Config struct {
	// Interval between sampling passes. Must be positive.
	Interval time.Duration
	Logger   *zap.Logger
}

// Scheduler drives the sampler at a fixed interval. It is the only writer of
// the history store: one pass per tick, every gathered sample appended, then
// registered handlers notified. A pass that overruns the interval causes the
// next tick to be skipped rather than queued.
type Scheduler struct {
	sampler *Sampler
	history *History
	log     *zap.Logger

	mu       sync.Mutex
	interval time.Duration
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	handlers []ReadingHandler
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(cfg Config, sampler *Sampler, history *History) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Scheduler{
		sampler:  sampler,
		history:  history,
		log:      logger,
		interval: interval,
	}
}

// RegisterHandler adds an observer for completed readings. Safe to call while
// running; the handler sees every pass that finishes after registration.
func (s *Scheduler) RegisterHandler(h ReadingHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Start launches the sampling loop. An immediate first pass seeds the cpu
// counter baseline; subsequent passes run on the ticker. Starting a running
// scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info("sampling started", zap.Duration("interval", s.interval))
}

// Stop halts the loop gracefully: an in-flight pass completes and is recorded,
// and no pass begins afterwards. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info("sampling stopped")
}

// SetInterval changes the sampling cadence. The new interval takes effect at
// the next tick boundary; it never interrupts an in-flight pass.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return errors.New("interval must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	return nil
}

// Interval returns the current sampling cadence.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Immediate pass so the cpu baseline is seeded without waiting a full
	// interval. Its reading lacks cpu_percent.
	s.tick()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			s.tick()
			// A pass that overran the interval left a stale tick queued in
			// the channel; drop it so delayed passes are skipped, not
			// replayed back to back.
			select {
			case <-ticker.C:
			default:
			}
			if cur := s.Interval(); cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
		}
	}
}

// tick runs one sampling pass and records its outcome. The pass deliberately
// does not inherit the loop context: a stop request lets it finish and its
// samples still land in history.
func (s *Scheduler) tick() {
	reading := s.sampler.Sample(context.Background())
	for _, smp := range reading.Samples {
		s.history.Append(smp)
	}
	for name, err := range reading.Missing {
		s.log.Debug("metric missing this pass",
			zap.String("metric", string(name)), zap.Error(err))
	}

	s.mu.Lock()
	handlers := make([]ReadingHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()
	for _, h := range handlers {
		h(reading)
	}
}
