package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsewatch/engine/pkg/types"
)

const target = "https://example.com"

func TestTransportRules(t *testing.T) {
	c := Classify(&types.ProbeOutcome{TransportError: types.TransportTimeout}, target)
	assert.Equal(t, types.StatusTimeout, c.Status)
	assert.Equal(t, types.ErrKindTimeout, c.Kind)

	for _, transport := range []types.TransportError{
		types.TransportDNS, types.TransportConnection, types.TransportTLS,
	} {
		c := Classify(&types.ProbeOutcome{TransportError: transport}, target)
		assert.Equal(t, types.StatusNetworkErr, c.Status, string(transport))
		assert.Equal(t, types.ErrKindNetwork, c.Kind)
		require.NotNil(t, c.Details)
	}
}

func TestHTTPStatusRules(t *testing.T) {
	down := Classify(&types.ProbeOutcome{HTTPStatus: 503, LatencyMs: 80}, target)
	assert.Equal(t, types.StatusDown, down.Status)
	require.NotNil(t, down.Details)
	assert.Contains(t, down.Details.Reason, "Service Unavailable")

	warn := Classify(&types.ProbeOutcome{HTTPStatus: 404, LatencyMs: 50}, target)
	assert.Equal(t, types.StatusWarning, warn.Status)
	assert.Contains(t, warn.Details.Reason, "Not Found")

	// Transport errors outrank HTTP status.
	c := Classify(&types.ProbeOutcome{TransportError: types.TransportTimeout, HTTPStatus: 503}, target)
	assert.Equal(t, types.StatusTimeout, c.Status)
}

func TestExplanationTableCoverage(t *testing.T) {
	for _, code := range []int{400, 401, 403, 404, 405, 408, 410, 429, 500, 502, 503, 504, 508, 521} {
		expl, ok := httpExplanations[code]
		require.True(t, ok, "missing explanation for %d", code)
		assert.NotEmpty(t, expl.reason)
		assert.NotEmpty(t, expl.recommendation)
	}

	// Unlisted codes still produce structured details.
	details := httpDetails(target, 418)
	assert.NotEmpty(t, details.Reason)
}

func TestEmptyContentRule(t *testing.T) {
	c := Classify(&types.ProbeOutcome{
		HTTPStatus: 200, Inspected: true,
		BodyTextLength: 0, VisibleElements: 3,
	}, target)
	assert.Equal(t, types.StatusEmpty, c.Status)

	// Five or more visible elements is not empty.
	c = Classify(&types.ProbeOutcome{
		HTTPStatus: 200, Inspected: true,
		BodyTextLength: 0, VisibleElements: 5,
	}, target)
	assert.Equal(t, types.StatusUp, c.Status)

	// Any body text is not empty.
	c = Classify(&types.ProbeOutcome{
		HTTPStatus: 200, Inspected: true,
		BodyTextLength: 12, VisibleElements: 1,
	}, target)
	assert.Equal(t, types.StatusUp, c.Status)
}

func TestIframeRules(t *testing.T) {
	allFailed := &types.ProbeOutcome{
		HTTPStatus: 200, Inspected: true, BodyTextLength: 100, VisibleElements: 30,
		IframeChecks: []types.IframeCheck{
			{Src: "https://a.example", HasSrc: true, Loaded: false},
			{Src: "https://b.example", HasSrc: true, Loaded: false},
		},
	}
	assert.Equal(t, types.StatusIframeFail, Classify(allFailed, target).Status)

	someFailed := &types.ProbeOutcome{
		HTTPStatus: 200, Inspected: true, BodyTextLength: 100, VisibleElements: 30,
		IframeChecks: []types.IframeCheck{
			{Src: "https://a.example", HasSrc: true, Loaded: true},
			{Src: "https://b.example", HasSrc: true, Loaded: false},
		},
	}
	assert.Equal(t, types.StatusPartial, Classify(someFailed, target).Status)

	allLoaded := &types.ProbeOutcome{
		HTTPStatus: 200, Inspected: true, BodyTextLength: 100, VisibleElements: 30,
		IframeChecks: []types.IframeCheck{
			{Src: "https://a.example", HasSrc: true, Loaded: true},
		},
	}
	assert.Equal(t, types.StatusUp, Classify(allLoaded, target).Status)
}

func TestVideoRule(t *testing.T) {
	notPlayable := &types.ProbeOutcome{
		HTTPStatus: 200, Inspected: true, BodyTextLength: 100, VisibleElements: 30,
		VideoChecks: []types.VideoCheck{{ReadyState: 1, HasSource: true, Playable: false}},
	}
	c := Classify(notPlayable, target)
	assert.Equal(t, types.StatusNotPlayable, c.Status)
	require.NotNil(t, c.Details)

	playable := &types.ProbeOutcome{
		HTTPStatus: 200, Inspected: true, BodyTextLength: 100, VisibleElements: 30,
		VideoChecks: []types.VideoCheck{{ReadyState: 4, HasSource: true, Playable: true}},
	}
	assert.Equal(t, types.StatusUp, Classify(playable, target).Status)
}

func TestCriticalResourceRule(t *testing.T) {
	critical := &types.ProbeOutcome{
		HTTPStatus: 200, Inspected: true, BodyTextLength: 100, VisibleElements: 30,
		NetworkErrors: []types.NetworkError{
			{URL: "https://example.com/app.js", ResourceType: "script", Failure: "net::ERR_FAILED"},
		},
	}
	assert.Equal(t, types.StatusPartial, Classify(critical, target).Status)

	// Image failures are not critical.
	benign := &types.ProbeOutcome{
		HTTPStatus: 200, Inspected: true, BodyTextLength: 100, VisibleElements: 30,
		NetworkErrors: []types.NetworkError{
			{URL: "https://example.com/logo.png", ResourceType: "image", Failure: "net::ERR_FAILED"},
		},
	}
	assert.Equal(t, types.StatusUp, Classify(benign, target).Status)
}

func TestConsoleErrorRules(t *testing.T) {
	media := &types.ProbeOutcome{
		HTTPStatus: 200, Inspected: true, BodyTextLength: 100, VisibleElements: 30,
		ConsoleErrors: []types.ConsoleError{{Message: "HLS player failed to attach media"}},
	}
	assert.Equal(t, types.StatusNotPlayable, Classify(media, target).Status)

	plain := &types.ProbeOutcome{
		HTTPStatus: 200, Inspected: true, BodyTextLength: 100, VisibleElements: 30,
		ConsoleErrors: []types.ConsoleError{{Message: "TypeError: x is undefined", Source: "https://example.com/app.js"}},
	}
	c := Classify(plain, target)
	assert.Equal(t, types.StatusJSError, c.Status)
	assert.Equal(t, "https://example.com/app.js", c.Details.Location)
}

func TestSlowLatencyRule(t *testing.T) {
	slow := Classify(&types.ProbeOutcome{HTTPStatus: 200, LatencyMs: 5001}, target)
	assert.Equal(t, types.StatusWarning, slow.Status)

	fast := Classify(&types.ProbeOutcome{HTTPStatus: 200, LatencyMs: 5000}, target)
	assert.Equal(t, types.StatusUp, fast.Status)
}

func TestClassifierTotality(t *testing.T) {
	// Every combination of signals yields a valid taxonomy member.
	outcomes := []*types.ProbeOutcome{
		{},
		{TransportError: types.TransportOther, ErrorMessage: "connection reset"},
		{HTTPStatus: 200},
		{HTTPStatus: 302},
		{HTTPStatus: 999},
		{HTTPStatus: 200, Inspected: true},
		{HTTPStatus: 204, Inspected: true, VisibleElements: 0},
	}
	for _, outcome := range outcomes {
		c := Classify(outcome, target)
		assert.True(t, c.Status.Valid(), "outcome %+v produced %q", outcome, c.Status)
		assert.NotEqual(t, types.StatusFresh, c.Status)
	}
}
