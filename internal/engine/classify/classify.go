// Package classify maps raw probe outcomes onto the status taxonomy.
// Rules are ordered; the first matching rule decides.
package classify

import (
	"strings"

	"github.com/pulsewatch/engine/pkg/types"
)

// SlowLatencyThresholdMs marks a successful probe as WARNING when the
// response took longer than this.
const SlowLatencyThresholdMs = 5000

// mediaTokens flag console errors that point at a broken player rather
// than general script breakage.
var mediaTokens = []string{"media", "video", "player", "hls", "codec", "playback"}

// Classification is the classifier's verdict plus its structured
// explanation for subscribers.
type Classification struct {
	Status  types.Status
	Kind    types.ErrorKind
	Message string
	Details *types.ErrorDetails
}

// Classify evaluates the ordered rules against a raw outcome. The
// returned status is always a member of the taxonomy and never FRESH;
// first-probe substitution is the dispatcher's call.
func Classify(outcome *types.ProbeOutcome, targetURL string) Classification {
	if outcome.TransportError == types.TransportTimeout {
		return Classification{
			Status:  types.StatusTimeout,
			Kind:    types.ErrKindTimeout,
			Message: "request timed out",
			Details: timeoutDetails(targetURL, outcome),
		}
	}

	switch outcome.TransportError {
	case types.TransportDNS, types.TransportConnection, types.TransportTLS, types.TransportOther:
		return Classification{
			Status:  types.StatusNetworkErr,
			Kind:    types.ErrKindNetwork,
			Message: outcome.ErrorMessage,
			Details: transportDetails(targetURL, outcome),
		}
	}

	if outcome.HTTPStatus >= 500 {
		return Classification{
			Status:  types.StatusDown,
			Kind:    types.ErrKindHTTP,
			Message: httpStatusText(outcome.HTTPStatus),
			Details: httpDetails(targetURL, outcome.HTTPStatus),
		}
	}
	if outcome.HTTPStatus >= 400 {
		return Classification{
			Status:  types.StatusWarning,
			Kind:    types.ErrKindHTTP,
			Message: httpStatusText(outcome.HTTPStatus),
			Details: httpDetails(targetURL, outcome.HTTPStatus),
		}
	}

	if outcome.Inspected {
		if c, ok := classifyInspection(outcome, targetURL); ok {
			return c
		}
	}

	if outcome.LatencyMs > SlowLatencyThresholdMs {
		return Classification{
			Status:  types.StatusWarning,
			Message: "slow response",
			Details: &types.ErrorDetails{
				Summary:        "Response is slow",
				Location:       targetURL,
				Reason:         "The endpoint answered but took longer than 5 seconds.",
				Recommendation: "Check server load, upstream dependencies, and network path.",
			},
		}
	}

	return Classification{Status: types.StatusUp}
}

// classifyInspection applies the browser-only rules (empty content,
// iframes, videos, critical resources, console errors).
func classifyInspection(outcome *types.ProbeOutcome, targetURL string) (Classification, bool) {
	if outcome.BodyTextLength == 0 && outcome.VisibleElements < 5 {
		return Classification{
			Status:  types.StatusEmpty,
			Kind:    types.ErrKindBrowser,
			Message: "page rendered no visible content",
			Details: &types.ErrorDetails{
				Summary:        "Page appears empty",
				Location:       targetURL,
				Reason:         "The document loaded but the body has no text and almost no visible elements.",
				Recommendation: "Verify the application bootstraps correctly; check for blocked scripts or failed data loads.",
			},
		}, true
	}

	if len(outcome.IframeChecks) > 0 {
		failed := 0
		for _, check := range outcome.IframeChecks {
			if !check.Loaded {
				failed++
			}
		}
		if failed == len(outcome.IframeChecks) && failed > 0 {
			return Classification{
				Status:  types.StatusIframeFail,
				Kind:    types.ErrKindBrowser,
				Message: "all embedded frames failed to load",
				Details: iframeDetails(targetURL, failed, len(outcome.IframeChecks)),
			}, true
		}
		if failed > 0 {
			return Classification{
				Status:  types.StatusPartial,
				Kind:    types.ErrKindBrowser,
				Message: "some embedded frames failed to load",
				Details: iframeDetails(targetURL, failed, len(outcome.IframeChecks)),
			}, true
		}
	}

	for _, video := range outcome.VideoChecks {
		if !video.Playable {
			return Classification{
				Status:  types.StatusNotPlayable,
				Kind:    types.ErrKindBrowser,
				Message: "video element is not playable",
				Details: &types.ErrorDetails{
					Summary:        "Video cannot play",
					Location:       targetURL,
					Reason:         videoReason(video),
					Recommendation: "Check the media source URL, encoding, and CDN availability.",
				},
			}, true
		}
	}

	for _, netErr := range outcome.NetworkErrors {
		if netErr.IsCritical() {
			return Classification{
				Status:  types.StatusPartial,
				Kind:    types.ErrKindNetwork,
				Message: "critical resource failed to load",
				Details: &types.ErrorDetails{
					Summary:        "Critical resource failed",
					Location:       netErr.URL,
					Reason:         "A " + netErr.ResourceType + " request failed: " + netErr.Failure,
					Recommendation: "Verify the asset exists and is reachable from the probe network.",
				},
			}, true
		}
	}

	if len(outcome.ConsoleErrors) > 0 {
		if hasMediaConsoleError(outcome.ConsoleErrors) {
			return Classification{
				Status:  types.StatusNotPlayable,
				Kind:    types.ErrKindBrowser,
				Message: "media errors reported in console",
				Details: consoleDetails(targetURL, outcome.ConsoleErrors),
			}, true
		}
		return Classification{
			Status:  types.StatusJSError,
			Kind:    types.ErrKindBrowser,
			Message: "javascript errors reported in console",
			Details: consoleDetails(targetURL, outcome.ConsoleErrors),
		}, true
	}

	return Classification{}, false
}

// hasMediaConsoleError reports whether any console error mentions a
// media/player token.
func hasMediaConsoleError(errs []types.ConsoleError) bool {
	for _, e := range errs {
		lower := strings.ToLower(e.Message)
		for _, token := range mediaTokens {
			if strings.Contains(lower, token) {
				return true
			}
		}
	}
	return false
}

func videoReason(v types.VideoCheck) string {
	switch {
	case v.ErrorCode != 0:
		if v.ErrorMessage != "" {
			return "The media element reported an error: " + v.ErrorMessage
		}
		return "The media element reported a playback error."
	case !v.HasSource:
		return "The video element has no source."
	case v.NetworkState == types.VideoNetworkNoSource:
		return "No usable media source was found."
	default:
		return "The video has not buffered enough data to play."
	}
}

func iframeDetails(targetURL string, failed, total int) *types.ErrorDetails {
	return &types.ErrorDetails{
		Summary:        "Embedded content failed to load",
		Location:       targetURL,
		Reason:         pluralFrames(failed, total),
		Recommendation: "Check the embedded origin's availability and its frame-ancestors policy.",
	}
}

func pluralFrames(failed, total int) string {
	if failed == total {
		return "All embedded frames on the page failed to load."
	}
	return "Some embedded frames on the page failed to load."
}

func consoleDetails(targetURL string, errs []types.ConsoleError) *types.ErrorDetails {
	first := errs[0]
	details := &types.ErrorDetails{
		Summary:        "Script errors on the page",
		Location:       targetURL,
		Reason:         first.Message,
		Recommendation: "Open the page in a browser console and fix the reported errors.",
	}
	if first.Source != "" {
		details.Location = first.Source
	}
	return details
}

func timeoutDetails(targetURL string, outcome *types.ProbeOutcome) *types.ErrorDetails {
	return &types.ErrorDetails{
		Summary:        "Request timed out",
		Location:       targetURL,
		Reason:         "The endpoint did not respond within the probe timeout.",
		Recommendation: "Check whether the service is overloaded or unreachable from the probe network.",
	}
}

func transportDetails(targetURL string, outcome *types.ProbeOutcome) *types.ErrorDetails {
	details := &types.ErrorDetails{
		Summary:  "Connection failed",
		Location: targetURL,
	}
	switch outcome.TransportError {
	case types.TransportDNS:
		details.Reason = "The hostname could not be resolved."
		details.Recommendation = "Verify the DNS record and the URL's spelling."
	case types.TransportTLS:
		details.Reason = "The TLS handshake failed."
		details.Recommendation = "Check the certificate chain, expiry, and hostname match."
	default:
		details.Reason = "The TCP connection could not be established."
		details.Recommendation = "Verify the service is listening and no firewall blocks the probe."
	}
	if outcome.ErrorMessage != "" {
		details.Reason = details.Reason + " (" + outcome.ErrorMessage + ")"
	}
	return details
}
