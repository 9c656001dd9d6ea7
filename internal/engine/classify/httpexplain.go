package classify

import (
	"fmt"

	"github.com/pulsewatch/engine/pkg/types"
)

// httpExplanation is one row of the status-code explanation table
// surfaced to dashboards alongside failed probes.
type httpExplanation struct {
	title          string
	reason         string
	recommendation string
}

var httpExplanations = map[int]httpExplanation{
	400: {
		title:          "Bad Request",
		reason:         "400 Bad Request: the server rejected the probe request as malformed.",
		recommendation: "Check whether the endpoint expects specific headers, methods, or query parameters.",
	},
	401: {
		title:          "Unauthorized",
		reason:         "401 Unauthorized: the endpoint requires authentication.",
		recommendation: "Configure credentials for this entry or remove the auth requirement.",
	},
	403: {
		title:          "Forbidden",
		reason:         "403 Forbidden: the server understood the request but refuses to serve it.",
		recommendation: "Check IP allowlists, WAF rules, and the configured credentials' permissions.",
	},
	404: {
		title:          "Not Found",
		reason:         "404 Not Found: the path does not exist on the server.",
		recommendation: "Verify the URL; the resource may have moved or been removed.",
	},
	405: {
		title:          "Method Not Allowed",
		reason:         "405 Method Not Allowed: the server rejects the request method.",
		recommendation: "The endpoint may not accept HEAD requests; GET fallback should cover this.",
	},
	408: {
		title:          "Request Timeout",
		reason:         "408 Request Timeout: the server gave up waiting for the request.",
		recommendation: "Check network latency between the probe and the server.",
	},
	410: {
		title:          "Gone",
		reason:         "410 Gone: the resource was removed permanently.",
		recommendation: "Remove or update this entry; the endpoint will not come back.",
	},
	429: {
		title:          "Too Many Requests",
		reason:         "429 Too Many Requests: the server is rate limiting the probe.",
		recommendation: "Increase the check interval or exempt the probe source from rate limits.",
	},
	500: {
		title:          "Internal Server Error",
		reason:         "500 Internal Server Error: the application crashed while handling the request.",
		recommendation: "Check the application's error logs for the failing request.",
	},
	502: {
		title:          "Bad Gateway",
		reason:         "502 Bad Gateway: an upstream server returned an invalid response.",
		recommendation: "Check the health of backends behind the proxy or load balancer.",
	},
	503: {
		title:          "Service Unavailable",
		reason:         "503 Service Unavailable: the server cannot handle requests right now.",
		recommendation: "The service may be overloaded or in maintenance; check capacity and deploy status.",
	},
	504: {
		title:          "Gateway Timeout",
		reason:         "504 Gateway Timeout: an upstream server did not respond in time.",
		recommendation: "Check upstream response times and proxy timeout settings.",
	},
	508: {
		title:          "Loop Detected",
		reason:         "508 Loop Detected: the server aborted an infinite processing loop.",
		recommendation: "Check for redirect or include cycles in the server configuration.",
	},
	521: {
		title:          "Web Server Is Down",
		reason:         "521 Web Server Is Down: the edge proxy could not reach the origin server.",
		recommendation: "Check that the origin server behind the CDN is running and reachable.",
	},
}

// httpStatusText returns a short human message for a status code.
func httpStatusText(code int) string {
	if expl, ok := httpExplanations[code]; ok {
		return expl.title
	}
	return fmt.Sprintf("HTTP %d", code)
}

// httpDetails builds the structured explanation for an HTTP error
// status, falling back to a generic row for unlisted codes.
func httpDetails(targetURL string, code int) *types.ErrorDetails {
	if expl, ok := httpExplanations[code]; ok {
		return &types.ErrorDetails{
			Summary:        expl.title,
			Location:       targetURL,
			Reason:         expl.reason,
			Recommendation: expl.recommendation,
			Metadata:       map[string]string{"httpStatus": fmt.Sprintf("%d", code)},
		}
	}

	summary := "Client error"
	reason := fmt.Sprintf("%d: the server rejected the request.", code)
	if code >= 500 {
		summary = "Server error"
		reason = fmt.Sprintf("%d: the server failed to handle the request.", code)
	}
	return &types.ErrorDetails{
		Summary:        summary,
		Location:       targetURL,
		Reason:         reason,
		Recommendation: "Check the server's logs for this status code.",
		Metadata:       map[string]string{"httpStatus": fmt.Sprintf("%d", code)},
	}
}
