// Package watchdog implements the optional background memory sampler
// that invokes eviction when resident memory crosses a configured cap
// (spec §2 item 6, §3 "The watchdog owns no records; it only reads
// memory stats and invokes sweep").
//
// Grounded on internal/storage/mvcc's GarbageCollector: the same
// Start/Stop/atomic-running shape and Stats snapshot, adapted here from
// snapshot-age sampling to RSS sampling. The background sampling loop
// itself runs under golang.org/x/sync/errgroup (SPEC_FULL §4), the same
// package edirooss-zmux-server and cuemby-warren depend on directly, so
// Stop's drain sequence is an errgroup.Wait() rather than a hand-rolled
// done channel.
package watchdog

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pbnjay/memory"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sentinel errors, matching mvcc.GarbageCollector's naming (spec §7
// "memory-limit-exceeded" is reported through Stats/logging, not as an
// error from Start/Stop, which only report lifecycle misuse).
var (
	ErrAlreadyRunning = errors.New("watchdog: already running")
	ErrNotRunning     = errors.New("watchdog: not running")
	ErrClosed         = errors.New("watchdog: closed")
)

// DefaultInterval is the default sampling period.
const DefaultInterval = 10 * time.Second

// SweepFunc is invoked once a sample crosses the configured cap. It is
// whatever the ODB façade's remove_sweep orchestration looks like from
// the watchdog's point of view (spec §4.7).
type SweepFunc func()

// Config configures a Watchdog.
type Config struct {
	// Interval between RSS samples.
	Interval time.Duration
	// CapBytes is an absolute RSS cap. Zero disables the absolute cap
	// (CapFraction is then used instead, if non-zero).
	CapBytes uint64
	// CapFraction expresses the cap as a fraction of total system
	// memory (e.g. 0.25 for a quarter of RAM), queried on every sample
	// via github.com/pbnjay/memory.TotalMemory().
	CapFraction float64
}

// DefaultConfig returns sane defaults; it has no cap configured, so
// callers must set CapBytes or CapFraction for the watchdog to ever
// trigger a sweep.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval}
}

func (c Config) capBytes() uint64 {
	if c.CapBytes > 0 {
		return c.CapBytes
	}
	if c.CapFraction > 0 {
		return uint64(float64(memory.TotalMemory()) * c.CapFraction)
	}
	return 0
}

// Stats reports the watchdog's sampling history, mirroring
// mvcc.GCStats (spec §5.8 supplement).
type Stats struct {
	LastSample      time.Time
	LastRSS         uint64
	SweepsTriggered uint64
	Samples         uint64
}

// Watchdog samples RSS at Config.Interval and invokes its configured
// sweep once a sample crosses the cap.
type Watchdog struct {
	config Config
	sweep  SweepFunc
	log    *zap.Logger

	mu      sync.RWMutex
	running int32
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	stats Stats
}

// New constructs a Watchdog. log may be nil, in which case a no-op
// logger is used.
func New(cfg Config, sweep SweepFunc, log *zap.Logger) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watchdog{config: cfg, sweep: sweep, log: log}
}

// Start begins background sampling.
func (w *Watchdog) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if atomic.LoadInt32(&w.running) == 1 {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	w.cancel = cancel
	w.group = group
	atomic.StoreInt32(&w.running, 1)

	group.Go(func() error {
		w.runBackground(gctx)
		return nil
	})

	w.log.Info("watchdog started", zap.Duration("interval", w.config.Interval))
	return nil
}

// Stop halts background sampling, waiting for the current sample to
// finish.
func (w *Watchdog) Stop() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if !atomic.CompareAndSwapInt32(&w.running, 1, 0) {
		w.mu.Unlock()
		return ErrNotRunning
	}
	cancel := w.cancel
	group := w.group
	w.cancel = nil
	w.group = nil
	w.mu.Unlock()

	cancel()
	_ = group.Wait()
	return nil
}

// Close stops the watchdog (if running) and prevents it from being
// started again.
func (w *Watchdog) Close() error {
	_ = w.Stop()
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *Watchdog) runBackground(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sample()
			w.mu.RLock()
			interval := w.config.Interval
			w.mu.RUnlock()
			ticker.Reset(interval)
		}
	}
}

func (w *Watchdog) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	rss := ms.Sys

	w.mu.Lock()
	w.stats.LastSample = time.Now()
	w.stats.LastRSS = rss
	w.stats.Samples++
	w.mu.Unlock()

	limit := w.config.capBytes()
	if limit == 0 || rss < limit {
		return
	}

	w.log.Warn("watchdog RSS cap exceeded, triggering sweep",
		zap.Uint64("rss", rss), zap.Uint64("cap", limit))

	w.mu.Lock()
	w.stats.SweepsTriggered++
	w.mu.Unlock()

	if w.sweep != nil {
		w.sweep()
	}
}

// TriggerNow forces an immediate sample and, if it crosses the cap, a
// sweep — independent of the ticker interval (spec §5.8 supplement).
func (w *Watchdog) TriggerNow() {
	w.sample()
}

// SetInterval changes the sampling period. It takes effect on the next
// tick after the current one (spec §5.8 supplement).
func (w *Watchdog) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	w.mu.Lock()
	w.config.Interval = interval
	w.mu.Unlock()
}

// Stats returns a snapshot of the watchdog's sampling history.
func (w *Watchdog) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}
