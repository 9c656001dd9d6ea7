package types

import (
	"fmt"
	"strings"
	"time"
)

// Status is the closed classification taxonomy for probe outcomes.
type Status string

const (
	StatusUp          Status = "UP"
	StatusFresh       Status = "FRESH"
	StatusWarning     Status = "WARNING"
	StatusDown        Status = "DOWN"
	StatusTimeout     Status = "TIMEOUT"
	StatusEmpty       Status = "EMPTY"
	StatusPartial     Status = "PARTIAL"
	StatusNotPlayable Status = "NOT_PLAYABLE"
	StatusIframeFail  Status = "IFRAME_FAILED"
	StatusJSError     Status = "JS_ERROR"
	StatusNetworkErr  Status = "NETWORK_ERROR"
)

// AllStatuses lists every member of the taxonomy.
var AllStatuses = []Status{
	StatusUp, StatusFresh, StatusWarning, StatusDown, StatusTimeout,
	StatusEmpty, StatusPartial, StatusNotPlayable, StatusIframeFail,
	StatusJSError, StatusNetworkErr,
}

// Valid reports whether s belongs to the closed taxonomy.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Group classifies what kind of endpoint an entry is.
type Group string

const (
	GroupWebsite  Group = "website"
	GroupAPI      Group = "api"
	GroupService  Group = "service"
	GroupDatabase Group = "database"
	GroupBackend  Group = "backend"
	GroupFrontend Group = "frontend"
	GroupIframe   Group = "iframe"
	GroupVideo    Group = "video"
	GroupGame     Group = "game"
	GroupWebGL    Group = "webgl"
)

// AllGroups lists the closed set of entry groups.
var AllGroups = []Group{
	GroupWebsite, GroupAPI, GroupService, GroupDatabase, GroupBackend,
	GroupFrontend, GroupIframe, GroupVideo, GroupGame, GroupWebGL,
}

// Valid reports whether g belongs to the closed group set.
// The empty group is valid (unset).
func (g Group) Valid() bool {
	if g == "" {
		return true
	}
	for _, known := range AllGroups {
		if g == known {
			return true
		}
	}
	return false
}

// AuthType selects how a probe authenticates against the target.
type AuthType string

const (
	AuthNone         AuthType = "NONE"
	AuthBasic        AuthType = "BASIC"
	AuthBearer       AuthType = "BEARER"
	AuthAPIKey       AuthType = "API_KEY"
	AuthBrowserLogin AuthType = "BROWSER_LOGIN"
)

// LoginType distinguishes dedicated login pages from in-page modals.
type LoginType string

const (
	LoginPage  LoginType = "page"
	LoginModal LoginType = "modal"
)

// AuthConfig is the tagged auth variant attached to a MonitoredURL.
// Secret fields are write-only: they are stripped before any read
// surface (see Redacted).
type AuthConfig struct {
	Type AuthType `json:"type"`

	// BASIC / BROWSER_LOGIN
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// BEARER
	Token string `json:"token,omitempty"`

	// API_KEY
	HeaderName  string `json:"headerName,omitempty"`
	HeaderValue string `json:"headerValue,omitempty"`

	// BROWSER_LOGIN flow hints
	LoginURL             string    `json:"loginUrl,omitempty"`
	LoginType            LoginType `json:"loginType,omitempty"`
	UsernameSelector     string    `json:"usernameSelector,omitempty"`
	PasswordSelector     string    `json:"passwordSelector,omitempty"`
	SubmitSelector       string    `json:"submitSelector,omitempty"`
	ModalTriggerSelector string    `json:"modalTriggerSelector,omitempty"`
	LoginSuccessSelector string    `json:"loginSuccessSelector,omitempty"`
}

// Redacted returns a copy with every secret field cleared.
func (a *AuthConfig) Redacted() *AuthConfig {
	if a == nil {
		return nil
	}
	out := *a
	out.Password = ""
	out.Token = ""
	out.HeaderValue = ""
	return &out
}

// Validate checks internal consistency of the auth variant.
func (a *AuthConfig) Validate() error {
	if a == nil {
		return nil
	}
	switch a.Type {
	case AuthNone, "":
		return nil
	case AuthBasic:
		if a.Username == "" || a.Password == "" {
			return fmt.Errorf("basic auth requires username and password")
		}
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("bearer auth requires a token")
		}
	case AuthAPIKey:
		if a.HeaderName == "" || a.HeaderValue == "" {
			return fmt.Errorf("api key auth requires header name and value")
		}
	case AuthBrowserLogin:
		if a.Username == "" || a.Password == "" {
			return fmt.Errorf("browser login requires username and password")
		}
		if a.LoginType != "" && a.LoginType != LoginPage && a.LoginType != LoginModal {
			return fmt.Errorf("invalid login type %q", a.LoginType)
		}
	default:
		return fmt.Errorf("unknown auth type %q", a.Type)
	}
	return nil
}

// MaxHistorySamples bounds the per-entry latency history.
const MaxHistorySamples = 20

// MonitoredURL is one registered endpoint with its configuration and
// latest classified status.
type MonitoredURL struct {
	ID            string      `json:"id"`
	URL           string      `json:"url"`
	Name          string      `json:"name"`
	Description   string      `json:"description,omitempty"`
	Group         Group       `json:"group,omitempty"`
	Enabled       bool        `json:"enabled"`
	CheckInterval int64       `json:"checkInterval"` // milliseconds
	Dependencies  []string    `json:"dependencies,omitempty"`
	AuthConfig    *AuthConfig `json:"authConfig,omitempty"`

	Status        Status    `json:"status"`
	Latency       int64     `json:"latency"` // milliseconds
	History       []int64   `json:"history"` // oldest -> newest, len <= MaxHistorySamples
	LastChecked   time.Time `json:"lastChecked"`
	HTTPStatus    int       `json:"httpStatus,omitempty"`
	StatusMessage string    `json:"statusMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Version advances on every write; stale writers get a version
	// conflict from the store.
	Version int64 `json:"version"`
}

// Redacted returns a deep-enough copy safe for read surfaces and
// subscribers: secrets cleared, mutable slices detached.
func (m *MonitoredURL) Redacted() *MonitoredURL {
	if m == nil {
		return nil
	}
	out := *m
	out.AuthConfig = m.AuthConfig.Redacted()
	out.History = append([]int64(nil), m.History...)
	out.Dependencies = append([]string(nil), m.Dependencies...)
	return &out
}

// TransportError categorizes transport-layer probe failures.
type TransportError string

const (
	TransportTimeout    TransportError = "timeout"
	TransportDNS        TransportError = "dns"
	TransportConnection TransportError = "connection"
	TransportTLS        TransportError = "tls"
	TransportOther      TransportError = "other"
)

// ErrorKind names a probe error category carried on results.
type ErrorKind string

const (
	ErrKindTimeout    ErrorKind = "TIMEOUT"
	ErrKindNetwork    ErrorKind = "NETWORK_ERROR"
	ErrKindAuthFailed ErrorKind = "AUTH_FAILED"
	ErrKindHTTP       ErrorKind = "HTTP_ERROR"
	ErrKindBrowser    ErrorKind = "BROWSER_ERROR"
)

// ConsoleError is one console error captured during a browser probe.
type ConsoleError struct {
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
	Line    int64  `json:"line,omitempty"`
	Column  int64  `json:"column,omitempty"`
}

// NetworkError is one failed request captured during a browser probe.
type NetworkError struct {
	URL          string `json:"url"`
	Method       string `json:"method,omitempty"`
	ResourceType string `json:"resourceType,omitempty"`
	Failure      string `json:"failure,omitempty"`
}

// IsCritical reports whether the failed resource is one the page cannot
// render without.
func (n NetworkError) IsCritical() bool {
	switch strings.ToLower(n.ResourceType) {
	case "document", "script", "stylesheet":
		return true
	}
	return false
}

// IframeCheck records the load state of one <iframe> element.
type IframeCheck struct {
	Src       string `json:"src"`
	HasSrc    bool   `json:"hasSrc"`
	Loaded    bool   `json:"loaded"`
	Connected bool   `json:"connected"`
}

// VideoCheck records the playability state of one <video> element.
type VideoCheck struct {
	Src          string `json:"src,omitempty"`
	ReadyState   int    `json:"readyState"`
	NetworkState int    `json:"networkState"`
	HasSource    bool   `json:"hasSource"`
	ErrorCode    int    `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Playable     bool   `json:"playable"`
}

// VideoNetworkNoSource is the HTMLMediaElement networkState value for a
// media element with no usable source.
const VideoNetworkNoSource = 3

// ProbeOutcome is the raw result of a single prober run, before
// classification.
type ProbeOutcome struct {
	HTTPStatus     int            `json:"httpStatus,omitempty"`
	LatencyMs      int64          `json:"latencyMs"`
	ContentLength  int64          `json:"contentLength,omitempty"`
	TransportError TransportError `json:"transportError,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`

	// Browser probe artifacts. Inspected is false for HTTP probes
	// where the page was never opened.
	Inspected       bool           `json:"inspected"`
	BodyTextLength  int            `json:"bodyTextLength,omitempty"`
	VisibleElements int            `json:"visibleElements,omitempty"`
	ConsoleErrors   []ConsoleError `json:"consoleErrors,omitempty"`
	NetworkErrors   []NetworkError `json:"networkErrors,omitempty"`
	IframeChecks    []IframeCheck  `json:"iframeChecks,omitempty"`
	VideoChecks     []VideoCheck   `json:"videoChecks,omitempty"`
	ScreenshotRef   string         `json:"screenshotRef,omitempty"`
	AuthAttempted   bool           `json:"authAttempted,omitempty"`
	AuthSucceeded   bool           `json:"authSucceeded,omitempty"`
	AuthFailed      bool           `json:"authFailed,omitempty"`
}

// ErrorDetails is the structured probe-failure explanation surfaced to
// subscribers instead of raw stack traces.
type ErrorDetails struct {
	Summary        string            `json:"summary"`
	Location       string            `json:"location,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Recommendation string            `json:"recommendation,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ProbeResult is the classified outcome of one probe, as persisted and
// broadcast.
type ProbeResult struct {
	ProbeID       string        `json:"probeId"`
	URLID         string        `json:"urlId"`
	Status        Status        `json:"status"`
	HTTPStatus    int           `json:"httpStatus,omitempty"`
	LatencyMs     int64         `json:"latencyMs"`
	ContentLength int64         `json:"contentLength,omitempty"`
	ErrorKind     ErrorKind     `json:"errorKind,omitempty"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`
	ErrorDetails  *ErrorDetails `json:"errorDetails,omitempty"`
	CheckedAt     time.Time     `json:"checkedAt"`

	ConsoleErrors []ConsoleError `json:"consoleErrors,omitempty"`
	NetworkErrors []NetworkError `json:"networkErrors,omitempty"`
	IframeChecks  []IframeCheck  `json:"iframeChecks,omitempty"`
	VideoChecks   []VideoCheck   `json:"videoChecks,omitempty"`
	ScreenshotRef string         `json:"screenshotRef,omitempty"`
	AuthAttempted bool           `json:"authAttempted,omitempty"`
	AuthSucceeded bool           `json:"authSucceeded,omitempty"`

	// Persisted is false when the status write was dropped after retry
	// exhaustion; the result is still broadcast so subscribers are not
	// starved.
	Persisted bool `json:"persisted"`
}
