// Package browser runs health probes in a shared headless browser.
// One long-lived instance serves all probes; each probe opens a fresh
// tab and closes it on exit.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Supervisor owns the shared browser instance lifecycle: lazy launch,
// idle shutdown, and relaunch on next use.
type Supervisor struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	idleTimer     *time.Timer
	running       bool
	closed        bool
}

// NewSupervisor creates a supervisor without launching anything. The
// browser starts on the first acquire.
func NewSupervisor(cfg Config, logger *zap.Logger) *Supervisor {
	return &Supervisor{cfg: cfg.withDefaults(), logger: logger}
}

// acquire returns a live browser context, launching the instance if
// needed, and defers the idle shutdown.
func (s *Supervisor) acquire() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrBrowserUnavailable
	}
	if !s.running {
		if err := s.launchLocked(); err != nil {
			return nil, err
		}
	}
	s.resetIdleLocked()
	return s.browserCtx, nil
}

// touch restarts the idle countdown after a probe finishes.
func (s *Supervisor) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && !s.closed {
		s.resetIdleLocked()
	}
}

func (s *Supervisor) launchLocked() error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.WindowSize(s.cfg.ViewportWidth, s.cfg.ViewportHeight),
	)

	s.allocCtx, s.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	s.browserCtx, s.browserCancel = chromedp.NewContext(s.allocCtx)

	// Start the browser process without navigating anywhere.
	if err := chromedp.Run(s.browserCtx); err != nil {
		s.teardownLocked()
		return fmt.Errorf("%w: %v", ErrBrowserUnavailable, err)
	}

	s.running = true
	s.logger.Info("Browser instance launched",
		zap.Duration("idle_shutdown", s.cfg.IdleShutdown))
	return nil
}

func (s *Supervisor) resetIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.cfg.IdleShutdown, s.idleShutdown)
}

func (s *Supervisor) idleShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.closed {
		return
	}
	s.logger.Info("Browser instance idle, shutting down")
	s.teardownLocked()
}

func (s *Supervisor) teardownLocked() {
	if s.browserCancel != nil {
		s.browserCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	s.browserCtx, s.browserCancel = nil, nil
	s.allocCtx, s.allocCancel = nil, nil
	s.running = false
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// Close shuts the instance down permanently.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.running {
		s.logger.Info("Browser instance closing")
		s.teardownLocked()
	}
}
