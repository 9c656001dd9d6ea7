package metricsserver

import (
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Handler serves a metrics exposition page.
type Handler interface {
	ServeHTTP(ctx *fasthttp.RequestCtx)
}

// Start creates and starts a separate metrics HTTP server. Returns nil
// when metrics are disabled.
func Start(enabled bool, listen string, handler Handler, logger *zap.Logger) *fasthttp.Server {
	if !enabled {
		logger.Info("Metrics collection disabled")
		return nil
	}

	server := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) == "/metrics" {
				handler.ServeHTTP(ctx)
				return
			}
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		},
		Name:               "PulseWatch-Metrics",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxRequestBodySize: 1024,
	}

	go func() {
		logger.Info("Metrics server listening", zap.String("listen", listen))
		if err := server.ListenAndServe(listen); err != nil {
			logger.Error("Metrics server stopped",
				zap.String("listen", listen),
				zap.Error(err))
		}
	}()

	return server
}
