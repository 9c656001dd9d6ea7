package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"github.com/chromedp/cdproto/network"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsewatch/engine/internal/engine/classify"
	"github.com/pulsewatch/engine/pkg/types"
)

func TestCategorizeNavError(t *testing.T) {
	cases := []struct {
		err  error
		want types.TransportError
	}{
		{fmt.Errorf("page load error net::ERR_NAME_NOT_RESOLVED"), types.TransportDNS},
		{fmt.Errorf("page load error net::ERR_CONNECTION_REFUSED"), types.TransportConnection},
		{fmt.Errorf("page load error net::ERR_CERT_AUTHORITY_INVALID"), types.TransportTLS},
		{fmt.Errorf("page load error net::ERR_SSL_PROTOCOL_ERROR"), types.TransportTLS},
		{fmt.Errorf("page load error net::ERR_TIMED_OUT"), types.TransportTimeout},
		{context.DeadlineExceeded, types.TransportTimeout},
		{ErrWaitTimeout, types.TransportTimeout},
		{errors.New("something else entirely"), types.TransportOther},
	}
	for _, tc := range cases {
		transport, message := categorizeNavError(tc.err)
		assert.Equal(t, tc.want, transport, tc.err.Error())
		assert.NotEmpty(t, message)
	}
}

func TestScreenshotPrefixStableAndSafe(t *testing.T) {
	url := "https://example.com/some/long/path/that/keeps/going/and/going"
	prefix := ScreenshotPrefix(url)
	assert.Equal(t, prefix, ScreenshotPrefix(url))
	assert.NotContains(t, prefix, "/")

	decoded, err := base64.RawURLEncoding.DecodeString(prefix)
	require.NoError(t, err)
	assert.Equal(t, url[:48], string(decoded))

	short := ScreenshotPrefix("https://a.io")
	decoded, err = base64.RawURLEncoding.DecodeString(short)
	require.NoError(t, err)
	assert.Equal(t, "https://a.io", string(decoded))
}

func TestSuspiciousPredicate(t *testing.T) {
	p := NewProber(nil, Config{ScreenshotDir: "/tmp/shots"}, zap.NewNop())

	assert.False(t, p.suspicious(&types.ProbeOutcome{HTTPStatus: 200, Inspected: true, BodyTextLength: 10, VisibleElements: 20}))
	assert.True(t, p.suspicious(&types.ProbeOutcome{HTTPStatus: 503}))
	assert.True(t, p.suspicious(&types.ProbeOutcome{TransportError: types.TransportTimeout}))
	assert.True(t, p.suspicious(&types.ProbeOutcome{Inspected: true, BodyTextLength: 0, VisibleElements: 2}))
	assert.True(t, p.suspicious(&types.ProbeOutcome{
		HTTPStatus: 200, Inspected: true, BodyTextLength: 10, VisibleElements: 20,
		IframeChecks: []types.IframeCheck{{Loaded: false}},
	}))
	assert.True(t, p.suspicious(&types.ProbeOutcome{
		HTTPStatus: 200, Inspected: true, BodyTextLength: 10, VisibleElements: 20,
		ConsoleErrors: []types.ConsoleError{{Message: "boom"}},
	}))
	assert.True(t, p.suspicious(&types.ProbeOutcome{
		HTTPStatus: 200, Inspected: true, BodyTextLength: 10, VisibleElements: 20,
		LatencyMs: classify.SlowLatencyThresholdMs + 1,
	}))
	assert.False(t, p.suspicious(&types.ProbeOutcome{
		HTTPStatus: 200, Inspected: true, BodyTextLength: 10, VisibleElements: 20,
		LatencyMs: classify.SlowLatencyThresholdMs,
	}))

	// Screenshots disabled entirely without a directory.
	disabled := NewProber(nil, Config{}, zap.NewNop())
	assert.False(t, disabled.suspicious(&types.ProbeOutcome{HTTPStatus: 503}))
}

func TestCollectorEvents(t *testing.T) {
	col := newCollector("https://example.com")

	col.handle(&network.EventRequestWillBeSent{
		RequestID: "req-1",
		Type:      network.ResourceTypeScript,
		Request:   &network.Request{URL: "https://example.com/app.js", Method: "GET"},
	})
	col.handle(&network.EventLoadingFailed{
		RequestID: "req-1",
		ErrorText: "net::ERR_FAILED",
	})
	col.handle(&network.EventLoadingFailed{
		RequestID: "req-2",
		Canceled:  true,
	})

	col.handle(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{URL: "https://example.com/", Status: 200},
	})
	// Later document responses do not overwrite the first.
	col.handle(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{URL: "https://example.com/", Status: 404},
	})

	col.handle(&cdpruntime.EventExceptionThrown{
		ExceptionDetails: &cdpruntime.ExceptionDetails{
			Text:       "Uncaught TypeError",
			URL:        "https://example.com/app.js",
			LineNumber: 10,
		},
	})

	assert.Equal(t, 200, col.mainStatus())

	netErrs := col.networkErrorList()
	require.Len(t, netErrs, 1)
	assert.Equal(t, "https://example.com/app.js", netErrs[0].URL)
	assert.Equal(t, "script", netErrs[0].ResourceType)
	assert.True(t, netErrs[0].IsCritical())

	consoleErrs := col.consoleErrorList()
	require.Len(t, consoleErrs, 1)
	assert.Equal(t, "Uncaught TypeError", consoleErrs[0].Message)
}

func TestCollectorConsoleCap(t *testing.T) {
	col := newCollector("https://example.com")
	for i := 0; i < maxConsoleErrors+10; i++ {
		col.handle(&cdpruntime.EventExceptionThrown{
			ExceptionDetails: &cdpruntime.ExceptionDetails{Text: fmt.Sprintf("err %d", i)},
		})
	}
	assert.Len(t, col.consoleErrorList(), maxConsoleErrors)
}

func TestURLsMatch(t *testing.T) {
	assert.True(t, urlsMatch("https://example.com/", "https://example.com"))
	assert.True(t, urlsMatch("https://example.com/page#section", "https://example.com/page"))
	assert.True(t, urlsMatch("HTTPS://EXAMPLE.COM", "https://example.com"))
	assert.False(t, urlsMatch("https://example.com/a", "https://example.com/b"))
}

func TestSelectorPrepend(t *testing.T) {
	withCustom := prepend("#my-user", usernameSelectors)
	assert.Equal(t, "#my-user", withCustom[0])
	assert.Len(t, withCustom, len(usernameSelectors)+1)

	assert.Equal(t, usernameSelectors, prepend("", usernameSelectors))
}

func TestLoginVerdictSessionReuse(t *testing.T) {
	// An untouched login form never passes the pre-credential check:
	// the password input is present, nothing marks a session.
	untouchedForm := loginSignals{passwordFieldPresent: true, onLoginPage: true}
	_, err := loginVerdict(untouchedForm, true)
	assert.ErrorIs(t, err, ErrLoginFailed)

	// Modal flows default the login URL to the target page, which
	// carries no login token. Still not a session.
	modalForm := loginSignals{passwordFieldPresent: true}
	_, err = loginVerdict(modalForm, true)
	assert.ErrorIs(t, err, ErrLoginFailed)

	// A logged-in indicator is a real session.
	assumed, err := loginVerdict(loginSignals{loggedInIndicator: true, passwordFieldPresent: true}, true)
	require.NoError(t, err)
	assert.False(t, assumed)

	// So is a configured success selector that resolves; one that does
	// not resolve fails outright.
	_, err = loginVerdict(loginSignals{successSelectorConfigured: true, successSelectorPresent: true}, true)
	require.NoError(t, err)
	_, err = loginVerdict(loginSignals{successSelectorConfigured: true}, true)
	assert.ErrorIs(t, err, ErrLoginFailed)
}

func TestLoginVerdictAfterSubmit(t *testing.T) {
	// The password input disappearing marks success.
	assumed, err := loginVerdict(loginSignals{onLoginPage: true}, false)
	require.NoError(t, err)
	assert.False(t, assumed)

	// Visible error messages on the login page mark failure.
	_, err = loginVerdict(loginSignals{
		onLoginPage:          true,
		passwordFieldPresent: true,
		errorMessages:        []string{"Invalid username or password"},
	}, false)
	require.ErrorIs(t, err, ErrLoginFailed)
	assert.ErrorContains(t, err, "Invalid username or password")

	// Leaving the login page counts as success.
	assumed, err = loginVerdict(loginSignals{passwordFieldPresent: true}, false)
	require.NoError(t, err)
	assert.False(t, assumed)

	// No signal either way resolves leniently, flagged as assumed.
	assumed, err = loginVerdict(loginSignals{onLoginPage: true, passwordFieldPresent: true}, false)
	require.NoError(t, err)
	assert.True(t, assumed)
}

func TestContainsLoginToken(t *testing.T) {
	assert.True(t, containsLoginToken("https://example.com/login"))
	assert.True(t, containsLoginToken("https://example.com/auth/SignIn"))
	assert.False(t, containsLoginToken("https://example.com/dashboard"))
}

func TestConfigWithDefaults(t *testing.T) {
	filled := Config{}.withDefaults()
	def := DefaultConfig()
	assert.Equal(t, def.IdleShutdown, filled.IdleShutdown)
	assert.Equal(t, def.NetworkIdleWait, filled.NetworkIdleWait)

	custom := Config{NetworkIdleWait: def.NetworkIdleWait * 2}.withDefaults()
	assert.Equal(t, def.NetworkIdleWait*2, custom.NetworkIdleWait)
	assert.Equal(t, def.IdleShutdown, custom.IdleShutdown)
}

func TestFormatConsoleArg(t *testing.T) {
	assert.Equal(t, "hello", formatConsoleArg(&cdpruntime.RemoteObject{Value: []byte(`"hello"`)}))
	assert.Equal(t, "42", formatConsoleArg(&cdpruntime.RemoteObject{Value: []byte(`42`)}))
	assert.Equal(t, "Object", formatConsoleArg(&cdpruntime.RemoteObject{Description: "Object"}))
	assert.Empty(t, formatConsoleArg(nil))
}
