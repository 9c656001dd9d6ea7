// Package probe implements the lightweight HTTP health probe. Browser
// based probes live in the browser package; both return the same raw
// outcome shape for classification.
package probe

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/pulsewatch/engine/pkg/types"
)

// HTTPProber performs HEAD-with-GET-fallback probes over a shared
// fasthttp client.
type HTTPProber struct {
	client  *fasthttp.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewHTTPProber builds a prober with the given per-request timeout.
func NewHTTPProber(timeout time.Duration, logger *zap.Logger) *HTTPProber {
	return &HTTPProber{
		client: &fasthttp.Client{
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: 10 * time.Second,
			// Probes measure the endpoint, not our redirect handling.
			NoDefaultUserAgentHeader: true,
		},
		timeout: timeout,
		logger:  logger,
	}
}

// Probe issues a HEAD request against the target. Transport failures
// and 405 responses transparently retry with GET. Latency is wall time
// from dispatch to headers received.
func (p *HTTPProber) Probe(ctx context.Context, entry *types.MonitoredURL) *types.ProbeOutcome {
	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return &types.ProbeOutcome{TransportError: types.TransportTimeout}
	}

	start := time.Now()
	status, contentLength, err := p.request(fasthttp.MethodHead, entry, timeout)
	if err != nil || status == fasthttp.StatusMethodNotAllowed {
		remaining := timeout - time.Since(start)
		if remaining <= 0 {
			return &types.ProbeOutcome{
				LatencyMs:      time.Since(start).Milliseconds(),
				TransportError: types.TransportTimeout,
			}
		}
		status, contentLength, err = p.request(fasthttp.MethodGet, entry, remaining)
	}
	latency := time.Since(start).Milliseconds()

	if err != nil {
		transport, message := categorize(err)
		p.logger.Debug("HTTP probe failed",
			zap.String("url", entry.URL),
			zap.String("transport_error", string(transport)),
			zap.Error(err))
		return &types.ProbeOutcome{
			LatencyMs:      latency,
			TransportError: transport,
			ErrorMessage:   message,
		}
	}

	return &types.ProbeOutcome{
		HTTPStatus:    status,
		LatencyMs:     latency,
		ContentLength: contentLength,
	}
}

func (p *HTTPProber) request(method string, entry *types.MonitoredURL, timeout time.Duration) (int, int64, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(entry.URL)
	req.Header.Set(fasthttp.HeaderUserAgent, "PulseWatch-Probe/1.0")
	applyAuth(req, entry.AuthConfig)

	// GET responses are discarded; only headers matter.
	resp.SkipBody = method == fasthttp.MethodGet

	if err := p.client.DoTimeout(req, resp, timeout); err != nil {
		return 0, 0, err
	}

	contentLength := int64(resp.Header.ContentLength())
	if contentLength < 0 {
		contentLength = 0
	}
	return resp.StatusCode(), contentLength, nil
}

// applyAuth sets request credentials for the header-based auth types.
// BROWSER_LOGIN entries never reach this prober.
func applyAuth(req *fasthttp.Request, auth *types.AuthConfig) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case types.AuthBasic:
		token := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		req.Header.Set(fasthttp.HeaderAuthorization, "Basic "+token)
	case types.AuthBearer:
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+auth.Token)
	case types.AuthAPIKey:
		req.Header.Set(auth.HeaderName, auth.HeaderValue)
	}
}

// categorize maps a transport error onto the closed transport taxonomy.
func categorize(err error) (types.TransportError, string) {
	message := err.Error()

	if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return types.TransportTimeout, message
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.TransportTimeout, message
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return types.TransportDNS, message
	}

	var tlsRecordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &tlsRecordErr) || errors.As(err, &certErr) ||
		strings.Contains(message, "tls:") || strings.Contains(message, "x509:") {
		return types.TransportTLS, message
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return types.TransportConnection, message
	}
	if strings.Contains(message, "connection refused") || strings.Contains(message, "connection reset") {
		return types.TransportConnection, message
	}

	return types.TransportOther, message
}
