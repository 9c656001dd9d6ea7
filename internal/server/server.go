// Package server exposes the registry API, probe history, health, and
// the websocket push channel over one fasthttp listener.
package server

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/pulsewatch/engine/internal/common/httputil"
	"github.com/pulsewatch/engine/internal/pushbus"
	"github.com/pulsewatch/engine/internal/registry"
	"github.com/pulsewatch/engine/internal/store"
	"github.com/pulsewatch/engine/pkg/types"
)

// Redispatcher lets list reads opportunistically refresh stale entries.
type Redispatcher interface {
	MaybeRedispatchStale(entries []*types.MonitoredURL)
}

// Server is the engine's public HTTP surface.
type Server struct {
	registry  *registry.Service
	sched     Redispatcher
	store     store.Store
	hub       *pushbus.Hub
	logger    *zap.Logger
	startTime time.Time

	server   *fasthttp.Server
	listener net.Listener
	address  string
}

// New builds the API server. sched may be nil in tests.
func New(reg *registry.Service, sched Redispatcher, st store.Store, hub *pushbus.Hub, logger *zap.Logger) *Server {
	return &Server{
		registry:  reg,
		sched:     sched,
		store:     st,
		hub:       hub,
		logger:    logger,
		startTime: time.Now().UTC(),
	}
}

// Start begins accepting requests on the given address and blocks until
// the server stops.
func (s *Server) Start(address string) error {
	s.address = address
	s.server = &fasthttp.Server{
		Handler: s.Handler(),
		Name:    "PulseWatch-Engine",
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = listener

	s.logger.Info("API server started", zap.String("address", address))
	return s.server.Serve(listener)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Shutting down API server")
	return s.server.ShutdownWithContext(ctx)
}

// GetAddress returns the bound listen address.
func (s *Server) GetAddress() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// Handler returns the fasthttp request handler with all routes wired.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		method := string(ctx.Method())
		path := string(ctx.Path())

		switch {
		case path == "/health":
			if method != fasthttp.MethodGet {
				methodNotAllowed(ctx)
				return
			}
			s.handleHealth(ctx)

		case path == "/ws":
			if method != fasthttp.MethodGet {
				methodNotAllowed(ctx)
				return
			}
			if err := s.hub.ServeWS(ctx); err != nil {
				s.logger.Warn("Websocket upgrade failed", zap.Error(err))
			}

		case path == "/urls":
			switch method {
			case fasthttp.MethodGet:
				s.handleListURLs(ctx)
			case fasthttp.MethodPost:
				s.handleAddURL(ctx)
			default:
				methodNotAllowed(ctx)
			}

		case path == "/urls/check-all":
			if method != fasthttp.MethodPost {
				methodNotAllowed(ctx)
				return
			}
			s.handleCheckAll(ctx)

		case strings.HasPrefix(path, "/urls/"):
			s.routeURLByID(ctx, method, strings.TrimPrefix(path, "/urls/"))

		case strings.HasPrefix(path, "/history/"):
			if method != fasthttp.MethodGet {
				methodNotAllowed(ctx)
				return
			}
			s.handleHistory(ctx, strings.TrimPrefix(path, "/history/"))

		default:
			httputil.JSONError(ctx, "not found", fasthttp.StatusNotFound)
		}
	}
}

// routeURLByID handles /urls/{id} and /urls/{id}/check.
func (s *Server) routeURLByID(ctx *fasthttp.RequestCtx, method, rest string) {
	if id, ok := strings.CutSuffix(rest, "/check"); ok && id != "" {
		if method != fasthttp.MethodPost {
			methodNotAllowed(ctx)
			return
		}
		s.handleCheckNow(ctx, id)
		return
	}
	if rest == "" || strings.ContainsRune(rest, '/') {
		httputil.JSONError(ctx, "not found", fasthttp.StatusNotFound)
		return
	}

	switch method {
	case fasthttp.MethodGet:
		s.handleGetURL(ctx, rest)
	case fasthttp.MethodPut:
		s.handleUpdateURL(ctx, rest)
	case fasthttp.MethodDelete:
		s.handleRemoveURL(ctx, rest)
	default:
		methodNotAllowed(ctx)
	}
}

func methodNotAllowed(ctx *fasthttp.RequestCtx) {
	httputil.JSONError(ctx, "method not allowed", fasthttp.StatusMethodNotAllowed)
}
