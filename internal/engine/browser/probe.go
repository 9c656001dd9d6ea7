package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/pulsewatch/engine/internal/common/htmlinspect"
	"github.com/pulsewatch/engine/internal/engine/classify"
	"github.com/pulsewatch/engine/pkg/types"
)

// Prober runs full-page health probes in the supervised browser.
type Prober struct {
	sup    *Supervisor
	cfg    Config
	logger *zap.Logger
}

// NewProber builds a prober over a supervisor.
func NewProber(sup *Supervisor, cfg Config, logger *zap.Logger) *Prober {
	return &Prober{sup: sup, cfg: cfg.withDefaults(), logger: logger}
}

// Probe opens a fresh tab, navigates, and inspects the page. The
// returned outcome always has Inspected set when the page was opened,
// even if individual inspection steps failed.
func (p *Prober) Probe(ctx context.Context, entry *types.MonitoredURL) *types.ProbeOutcome {
	start := time.Now()

	browserCtx, err := p.sup.acquire()
	if err != nil {
		return &types.ProbeOutcome{
			LatencyMs:      time.Since(start).Milliseconds(),
			TransportError: types.TransportOther,
			ErrorMessage:   err.Error(),
		}
	}
	defer p.sup.touch()

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		tabCtx, cancelDeadline = context.WithDeadline(tabCtx, deadline)
		defer cancelDeadline()
	}

	col := newCollector(entry.URL)
	outcome := &types.ProbeOutcome{}

	if entry.AuthConfig != nil && entry.AuthConfig.Type == types.AuthBrowserLogin {
		outcome.AuthAttempted = true
		if err := p.login(tabCtx, col, entry); err != nil {
			outcome.AuthFailed = true
			outcome.LatencyMs = time.Since(start).Milliseconds()
			outcome.ErrorMessage = err.Error()
			p.logger.Warn("Browser login failed",
				zap.String("url", entry.URL),
				zap.Error(err))
			return outcome
		}
		outcome.AuthSucceeded = true
	}

	navErr := p.navigate(tabCtx, col, entry.URL)
	outcome.LatencyMs = time.Since(start).Milliseconds()

	if navErr != nil {
		transport, message := categorizeNavError(navErr)
		outcome.TransportError = transport
		outcome.ErrorMessage = message
		p.logger.Debug("Browser navigation failed",
			zap.String("url", entry.URL),
			zap.String("transport_error", string(transport)),
			zap.Error(navErr))
		return outcome
	}

	// Soft network-idle wait; a timeout here is expected on chatty
	// pages and never fails the probe.
	p.waitNetworkIdle(tabCtx, col, p.cfg.NetworkIdleWait)

	inspection, inspectErr := p.inspect(tabCtx)
	if inspectErr != nil {
		p.logger.Warn("Page inspection failed",
			zap.String("url", entry.URL),
			zap.Error(inspectErr))
		// Static snapshot fallback still supports the empty-content
		// check, without per-element load state.
		if summary, err := p.inspectSnapshot(tabCtx); err == nil {
			outcome.Inspected = true
			outcome.BodyTextLength = summary.BodyTextLength
			outcome.VisibleElements = summary.VisibleElements
		}
	} else {
		outcome.Inspected = true
		outcome.BodyTextLength = inspection.BodyTextLength
		outcome.VisibleElements = inspection.VisibleElements
		outcome.IframeChecks = inspection.iframeChecks()
		outcome.VideoChecks = inspection.videoChecks()
	}

	outcome.HTTPStatus = col.mainStatus()
	outcome.ConsoleErrors = col.consoleErrorList()
	outcome.NetworkErrors = col.networkErrorList()
	outcome.LatencyMs = time.Since(start).Milliseconds()

	if p.suspicious(outcome) {
		if ref, err := p.screenshot(tabCtx, entry.URL); err == nil {
			outcome.ScreenshotRef = ref
		} else {
			p.logger.Debug("Screenshot capture failed",
				zap.String("url", entry.URL),
				zap.Error(err))
		}
	}

	return outcome
}

// navigate loads the URL in the tab and waits for the DOM to parse.
// Listeners are attached before navigation so early events are caught.
func (p *Prober) navigate(tabCtx context.Context, col *collector, url string) error {
	var frameID, loaderID string
	err := chromedp.Run(tabCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			col.attach(ctx)
			return nil
		}),
		network.Enable(),
		enableLifecycle(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			fid, lid, errText, _, err := page.Navigate(url).Do(ctx)
			if err != nil {
				return errors.Join(ErrNavigateFailed, err)
			}
			if errText != "" {
				return fmt.Errorf("%w: %s", ErrNavigateFailed, errText)
			}
			frameID, loaderID = string(fid), string(lid)
			col.setFrameID(frameID)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	return waitLifecycle(tabCtx, "DOMContentLoaded", frameID, loaderID, 0)
}

// waitNetworkIdle waits for the networkIdle lifecycle event with a hard
// bound. Best effort only.
func (p *Prober) waitNetworkIdle(tabCtx context.Context, col *collector, bound time.Duration) {
	err := waitLifecycle(tabCtx, "networkIdle", col.frameID(), "", bound)
	if err != nil && !errors.Is(err, ErrWaitTimeout) && !errors.Is(err, context.Canceled) {
		p.logger.Debug("Network idle wait aborted", zap.Error(err))
	}
}

// enableLifecycle turns on page lifecycle events for the tab.
func enableLifecycle() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if err := page.Enable().Do(ctx); err != nil {
			return err
		}
		return page.SetLifecycleEventsEnabled(true).Do(ctx)
	}
}

// waitLifecycle blocks until the named lifecycle event arrives for the
// frame. A zero timeout means wait until the context expires. loaderID
// is matched only when non-empty.
func waitLifecycle(ctx context.Context, eventName, frameID, loaderID string, timeout time.Duration) error {
	ch := make(chan struct{})
	listenerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	chromedp.ListenTarget(listenerCtx, func(ev interface{}) {
		e, ok := ev.(*page.EventLifecycleEvent)
		if !ok {
			return
		}
		if frameID != "" && string(e.FrameID) != frameID {
			return
		}
		if loaderID != "" && string(e.LoaderID) != loaderID {
			return
		}
		if string(e.Name) == eventName {
			once.Do(func() {
				cancel()
				close(ch)
			})
		}
	})

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ch:
		return nil
	case <-timeoutCh:
		return ErrWaitTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrWaitTimeout
		}
		return ctx.Err()
	}
}

// inspectSnapshot pulls the serialized DOM and summarizes it offline.
func (p *Prober) inspectSnapshot(tabCtx context.Context) (*htmlinspect.ContentSummary, error) {
	snapCtx, cancel := context.WithTimeout(tabCtx, 5*time.Second)
	defer cancel()

	var snapshot string
	if err := chromedp.Run(snapCtx, chromedp.OuterHTML("html", &snapshot, chromedp.ByQuery)); err != nil {
		return nil, err
	}
	return htmlinspect.Summarize([]byte(snapshot))
}

// suspicious decides whether the raw outcome warrants a screenshot.
// Anything that could classify as non-UP qualifies.
func (p *Prober) suspicious(outcome *types.ProbeOutcome) bool {
	if p.cfg.ScreenshotDir == "" {
		return false
	}
	if outcome.HTTPStatus >= 400 || outcome.TransportError != "" {
		return true
	}
	if outcome.LatencyMs > classify.SlowLatencyThresholdMs {
		return true
	}
	if outcome.Inspected && outcome.BodyTextLength == 0 && outcome.VisibleElements < 5 {
		return true
	}
	for _, check := range outcome.IframeChecks {
		if !check.Loaded {
			return true
		}
	}
	for _, video := range outcome.VideoChecks {
		if !video.Playable {
			return true
		}
	}
	for _, netErr := range outcome.NetworkErrors {
		if netErr.IsCritical() {
			return true
		}
	}
	return len(outcome.ConsoleErrors) > 0
}

// screenshot captures the viewport to a content-addressed file under
// the screenshot dir and returns its name.
func (p *Prober) screenshot(tabCtx context.Context, url string) (string, error) {
	var buf []byte
	shotCtx, cancel := context.WithTimeout(tabCtx, 10*time.Second)
	defer cancel()
	if err := chromedp.Run(shotCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-%d.png", ScreenshotPrefix(url), time.Now().UnixMilli())
	if err := os.MkdirAll(p.cfg.ScreenshotDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(p.cfg.ScreenshotDir, name), buf, 0o644); err != nil {
		return "", err
	}
	return name, nil
}

// ScreenshotPrefix derives the stable filename prefix for a URL: the
// base64 form of its leading characters, made filesystem safe.
func ScreenshotPrefix(url string) string {
	prefix := url
	if len(prefix) > 48 {
		prefix = prefix[:48]
	}
	return base64.RawURLEncoding.EncodeToString([]byte(prefix))
}

// categorizeNavError maps a chromedp/CDP navigation error to the
// transport taxonomy using Chromium net error names.
func categorizeNavError(err error) (types.TransportError, string) {
	message := err.Error()
	upper := strings.ToUpper(message)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrWaitTimeout) ||
		strings.Contains(upper, "TIMED_OUT"):
		return types.TransportTimeout, message
	case strings.Contains(upper, "NAME_NOT_RESOLVED") || strings.Contains(upper, "NAME_RESOLUTION_FAILED"):
		return types.TransportDNS, message
	case strings.Contains(upper, "CERT_") || strings.Contains(upper, "SSL_"):
		return types.TransportTLS, message
	case strings.Contains(upper, "CONNECTION_") || strings.Contains(upper, "ADDRESS_UNREACHABLE") ||
		strings.Contains(upper, "INTERNET_DISCONNECTED"):
		return types.TransportConnection, message
	default:
		return types.TransportOther, message
	}
}
