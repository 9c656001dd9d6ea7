// Package dispatch coordinates probe execution: single-flight per URL,
// the absolute timeout envelope, persistence with retry, and result
// emission.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsewatch/engine/internal/common/ident"
	"github.com/pulsewatch/engine/internal/engine/classify"
	"github.com/pulsewatch/engine/internal/engine/metrics"
	"github.com/pulsewatch/engine/internal/store"
	"github.com/pulsewatch/engine/pkg/types"
)

const (
	persistAttempts = 3
	persistBackoff  = 100 * time.Millisecond
)

// Prober runs one health check and returns the raw outcome.
type Prober interface {
	Probe(ctx context.Context, entry *types.MonitoredURL) *types.ProbeOutcome
}

// Bus receives classified results and status transitions for fanout.
type Bus interface {
	BroadcastResult(result *types.ProbeResult)
	BroadcastStatusChange(urlID string, oldStatus, newStatus types.Status)
}

// Dispatcher owns the in-flight probe table. At most one probe runs per
// URL id; concurrent dispatches join the running one.
type Dispatcher struct {
	store         store.Store
	httpProber    Prober
	browserProber Prober
	bus           Bus
	metrics       *metrics.Metrics
	timeout       time.Duration
	logger        *zap.Logger

	mu       sync.Mutex
	inflight map[string]*flight
	wg       sync.WaitGroup
}

// flight is the shared handle all joined callers wait on.
type flight struct {
	done   chan struct{}
	result *types.ProbeResult
	err    error
}

// New builds a dispatcher. The timeout is the absolute probe envelope.
func New(st store.Store, httpProber, browserProber Prober, bus Bus, m *metrics.Metrics, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:         st,
		httpProber:    httpProber,
		browserProber: browserProber,
		bus:           bus,
		metrics:       m,
		timeout:       timeout,
		logger:        logger,
		inflight:      make(map[string]*flight),
	}
}

// Dispatch probes the URL, persisting and broadcasting the result. A
// concurrent call for the same id joins the in-flight probe and
// receives its outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, urlID string) (*types.ProbeResult, error) {
	d.mu.Lock()
	if existing, ok := d.inflight[urlID]; ok {
		d.mu.Unlock()
		select {
		case <-existing.done:
			return existing.result, existing.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	fl := &flight{done: make(chan struct{})}
	d.inflight[urlID] = fl
	d.wg.Add(1)
	d.mu.Unlock()

	d.run(ctx, urlID, fl)

	select {
	case <-fl.done:
		return fl.result, fl.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run executes the probe for the flight's owner. The slot is always
// released, including on panic.
func (d *Dispatcher) run(ctx context.Context, urlID string, fl *flight) {
	d.metrics.ProbesInFlight.Inc()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Probe panicked",
				zap.String("url_id", urlID),
				zap.Any("panic", r))
			fl.err = fmt.Errorf("probe panic: %v", r)
		}
		d.mu.Lock()
		delete(d.inflight, urlID)
		d.mu.Unlock()
		close(fl.done)
		d.metrics.ProbesInFlight.Dec()
		d.wg.Done()
	}()

	fl.result, fl.err = d.execute(ctx, urlID)
}

func (d *Dispatcher) execute(ctx context.Context, urlID string) (*types.ProbeResult, error) {
	entry, err := d.store.FindByID(ctx, urlID)
	if err != nil {
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	prober, proberName := d.selectProber(entry)
	start := time.Now()
	outcome := prober.Probe(probeCtx, entry)

	// The envelope expiring while the prober ran is always a timeout,
	// regardless of what the prober managed to return.
	if probeCtx.Err() != nil && outcome.TransportError == "" {
		outcome.TransportError = types.TransportTimeout
		outcome.HTTPStatus = 0
	}

	classification := d.classify(outcome, entry)

	result := &types.ProbeResult{
		ProbeID:       ident.NewProbeID(),
		URLID:         urlID,
		Status:        classification.Status,
		HTTPStatus:    outcome.HTTPStatus,
		LatencyMs:     outcome.LatencyMs,
		ContentLength: outcome.ContentLength,
		ErrorKind:     classification.Kind,
		ErrorMessage:  classification.Message,
		ErrorDetails:  classification.Details,
		CheckedAt:     time.Now().UTC(),
		ConsoleErrors: outcome.ConsoleErrors,
		NetworkErrors: outcome.NetworkErrors,
		IframeChecks:  outcome.IframeChecks,
		VideoChecks:   outcome.VideoChecks,
		ScreenshotRef: outcome.ScreenshotRef,
		AuthAttempted: outcome.AuthAttempted,
		AuthSucceeded: outcome.AuthSucceeded,
	}

	oldStatus, persisted := d.persist(ctx, entry, result)
	result.Persisted = persisted

	d.metrics.ObserveProbe(result.Status, proberName, time.Since(start).Seconds())

	d.bus.BroadcastResult(result)
	if persisted && oldStatus != result.Status && oldStatus != "" {
		d.bus.BroadcastStatusChange(urlID, oldStatus, result.Status)
	}

	return result, nil
}

func (d *Dispatcher) selectProber(entry *types.MonitoredURL) (Prober, string) {
	if entry.AuthConfig != nil && entry.AuthConfig.Type == types.AuthBrowserLogin {
		return d.browserProber, "browser"
	}
	return d.httpProber, "http"
}

// classify maps the raw outcome, handling the auth-failure override.
func (d *Dispatcher) classify(outcome *types.ProbeOutcome, entry *types.MonitoredURL) classify.Classification {
	if outcome.AuthFailed {
		return classify.Classification{
			Status:  types.StatusDown,
			Kind:    types.ErrKindAuthFailed,
			Message: outcome.ErrorMessage,
			Details: &types.ErrorDetails{
				Summary:        "Login failed",
				Location:       entry.URL,
				Reason:         outcome.ErrorMessage,
				Recommendation: "Verify the configured credentials and login selectors.",
			},
		}
	}
	return classify.Classify(outcome, entry.URL)
}

// persist writes the status fields with optimistic retry. Returns the
// status held before this probe and whether the write landed. An entry
// deleted mid-probe drops the write silently.
func (d *Dispatcher) persist(ctx context.Context, entry *types.MonitoredURL, result *types.ProbeResult) (types.Status, bool) {
	current := entry
	classified := result.Status

	for attempt := 0; attempt < persistAttempts; attempt++ {
		status := classified
		if status == types.StatusUp && len(current.History) == 0 {
			// Very first successful probe of a new entry.
			status = types.StatusFresh
		}

		fields := store.StatusFields{
			Status:        status,
			Latency:       result.LatencyMs,
			HTTPStatus:    result.HTTPStatus,
			StatusMessage: result.ErrorMessage,
			LastChecked:   result.CheckedAt,
		}

		_, err := d.store.AppendHistory(ctx, entry.ID, result.LatencyMs, fields, current.Version)
		if err == nil {
			result.Status = status
			if recErr := d.store.AppendProbeRecord(ctx, result); recErr != nil {
				d.logger.Warn("Probe record write failed",
					zap.String("url_id", entry.ID),
					zap.Error(recErr))
			}
			return current.Status, true
		}

		if errors.Is(err, store.ErrNotFound) {
			// Removed while the probe ran; nothing to converge.
			d.logger.Debug("Entry deleted mid-probe, dropping status write",
				zap.String("url_id", entry.ID))
			return current.Status, false
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			d.logger.Error("Status write failed",
				zap.String("url_id", entry.ID),
				zap.Error(err))
			return current.Status, false
		}

		d.metrics.VersionConflicts.Inc()

		refetched, ferr := d.store.FindByID(ctx, entry.ID)
		if ferr != nil {
			d.logger.Warn("Refetch after version conflict failed",
				zap.String("url_id", entry.ID),
				zap.Error(ferr))
			return current.Status, false
		}
		current = refetched

		select {
		case <-time.After(persistBackoff << attempt):
		case <-ctx.Done():
			return current.Status, false
		}
	}

	d.metrics.PersistenceDrops.Inc()
	d.logger.Warn("Status write dropped after retry exhaustion",
		zap.String("url_id", entry.ID),
		zap.Int("attempts", persistAttempts))
	return current.Status, false
}

// InFlight reports whether a probe is currently running for the id.
func (d *Dispatcher) InFlight(urlID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[urlID]
	return ok
}

// Drain waits for all in-flight probes to finish, up to the deadline.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
