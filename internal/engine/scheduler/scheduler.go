// Package scheduler drives periodic probing: the master sweep tick,
// the deferred initial sweep, and opportunistic redispatch of stale
// entries on read paths.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsewatch/engine/internal/engine/dispatch"
	"github.com/pulsewatch/engine/internal/engine/metrics"
	"github.com/pulsewatch/engine/internal/store"
	"github.com/pulsewatch/engine/pkg/types"
)

// Config holds the scheduler timings.
type Config struct {
	// Tick is the master sweep interval.
	Tick time.Duration

	// Staleness floors how often any entry is probed, regardless of a
	// shorter per-entry interval.
	Staleness time.Duration

	// Freshness is the window within which an entry's status is
	// considered current on reads; older entries may be redispatched.
	Freshness time.Duration

	// InitialDelay defers the first sweep so subsystems can warm up.
	InitialDelay time.Duration

	// DrainTimeout bounds the shutdown wait for in-flight probes.
	DrainTimeout time.Duration
}

// Scheduler owns the sweep loop.
type Scheduler struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	cfg        Config
	logger     *zap.Logger

	// The loop context stops the sweep ticker; the probe context
	// cancels in-flight dispatches after the drain deadline.
	loopCtx     context.Context
	loopCancel  context.CancelFunc
	probeCtx    context.Context
	probeCancel context.CancelFunc
	wg          sync.WaitGroup
}

// New builds a stopped scheduler.
func New(st store.Store, d *dispatch.Dispatcher, m *metrics.Metrics, cfg Config, logger *zap.Logger) *Scheduler {
	loopCtx, loopCancel := context.WithCancel(context.Background())
	probeCtx, probeCancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:       st,
		dispatcher:  d,
		metrics:     m,
		cfg:         cfg,
		logger:      logger,
		loopCtx:     loopCtx,
		loopCancel:  loopCancel,
		probeCtx:    probeCtx,
		probeCancel: probeCancel,
	}
}

// Start launches the sweep loop. The first sweep runs after the
// configured initial delay.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("Scheduler started",
		zap.Duration("tick", s.cfg.Tick),
		zap.Duration("initial_delay", s.cfg.InitialDelay))
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	select {
	case <-time.After(s.cfg.InitialDelay):
	case <-s.loopCtx.Done():
		return
	}
	s.Sweep()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.loopCtx.Done():
			return
		}
	}
}

// Sweep dispatches every enabled entry that is due. Individual entry
// failures never stop the sweep.
func (s *Scheduler) Sweep() {
	enabled := true
	entries, err := s.store.FindAll(s.probeCtx, store.Filter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("Sweep enumeration failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	dispatched := 0
	for _, entry := range entries {
		if !s.due(entry, now) {
			continue
		}
		dispatched++
		s.dispatchAsync(entry.ID)
	}

	s.metrics.SweepEntries.Observe(float64(dispatched))
	s.logger.Debug("Sweep complete",
		zap.Int("entries", len(entries)),
		zap.Int("dispatched", dispatched))
}

// due applies the scheduling rule: elapsed time since the last check
// must reach the larger of the entry's interval and the global
// staleness floor. Never-checked entries are always due.
func (s *Scheduler) due(entry *types.MonitoredURL, now time.Time) bool {
	if entry.LastChecked.IsZero() {
		return true
	}
	interval := time.Duration(entry.CheckInterval) * time.Millisecond
	if s.cfg.Staleness > interval {
		interval = s.cfg.Staleness
	}
	return now.Sub(entry.LastChecked) >= interval
}

// MaybeRedispatchStale opportunistically refreshes entries whose status
// is older than the freshness window. Single-flight in the dispatcher
// guarantees no duplicate probes.
func (s *Scheduler) MaybeRedispatchStale(entries []*types.MonitoredURL) {
	now := time.Now().UTC()
	for _, entry := range entries {
		if !entry.Enabled {
			continue
		}
		if !entry.LastChecked.IsZero() && now.Sub(entry.LastChecked) < s.cfg.Freshness {
			continue
		}
		s.dispatchAsync(entry.ID)
	}
}

func (s *Scheduler) dispatchAsync(urlID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.dispatcher.Dispatch(s.probeCtx, urlID); err != nil &&
			s.probeCtx.Err() == nil {
			s.logger.Warn("Scheduled dispatch failed",
				zap.String("url_id", urlID),
				zap.Error(err))
		}
	}()
}

// Stop halts the sweep loop first, waits up to the drain timeout for
// in-flight probes, then cancels whatever remains.
func (s *Scheduler) Stop() {
	s.loopCancel()
	drained := s.dispatcher.Drain(s.cfg.DrainTimeout)
	s.probeCancel()
	s.wg.Wait()
	if drained {
		s.logger.Info("Scheduler stopped")
	} else {
		s.logger.Warn("Scheduler stopped with probes cancelled")
	}
}
