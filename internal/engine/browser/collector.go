package browser

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/pulsewatch/engine/pkg/types"
)

// maxConsoleErrors bounds captured console noise per probe.
const maxConsoleErrors = 50

// collector accumulates CDP events for one probe: the main document's
// status code, console errors, and failed requests.
type collector struct {
	targetURL string

	attachOnce sync.Once

	mu            sync.Mutex
	frame         string
	status        int
	requests      map[network.RequestID]requestInfo
	consoleErrors []types.ConsoleError
	networkErrors []types.NetworkError
}

type requestInfo struct {
	url          string
	method       string
	resourceType string
}

func newCollector(targetURL string) *collector {
	return &collector{
		targetURL: targetURL,
		requests:  make(map[network.RequestID]requestInfo),
	}
}

// attach registers the event handler on the tab exactly once, even
// when both the login flow and the main navigation request it.
func (c *collector) attach(ctx context.Context) {
	c.attachOnce.Do(func() {
		chromedp.ListenTarget(ctx, c.handle)
	})
}

// handle is registered via chromedp.ListenTarget and runs on the CDP
// event loop; it must not block.
func (c *collector) handle(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		c.mu.Lock()
		c.requests[e.RequestID] = requestInfo{
			url:          e.Request.URL,
			method:       e.Request.Method,
			resourceType: strings.ToLower(string(e.Type)),
		}
		c.mu.Unlock()

	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument {
			return
		}
		c.mu.Lock()
		if c.status == 0 && urlsMatch(e.Response.URL, c.targetURL) {
			c.status = int(e.Response.Status)
		}
		c.mu.Unlock()

	case *network.EventLoadingFailed:
		if e.Canceled {
			return
		}
		c.mu.Lock()
		info := c.requests[e.RequestID]
		c.networkErrors = append(c.networkErrors, types.NetworkError{
			URL:          info.url,
			Method:       info.method,
			ResourceType: info.resourceType,
			Failure:      e.ErrorText,
		})
		c.mu.Unlock()

	case *cdpruntime.EventExceptionThrown:
		entry := types.ConsoleError{Message: "uncaught exception"}
		if e.ExceptionDetails != nil {
			entry.Message = e.ExceptionDetails.Text
			if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
				entry.Message = e.ExceptionDetails.Exception.Description
			}
			entry.Source = e.ExceptionDetails.URL
			entry.Line = e.ExceptionDetails.LineNumber
			entry.Column = e.ExceptionDetails.ColumnNumber
		}
		c.appendConsoleError(entry)

	case *cdpruntime.EventConsoleAPICalled:
		if e.Type != cdpruntime.APITypeError {
			return
		}
		var parts []string
		for _, arg := range e.Args {
			if part := formatConsoleArg(arg); part != "" {
				parts = append(parts, part)
			}
		}
		if len(parts) == 0 {
			return
		}
		entry := types.ConsoleError{Message: strings.Join(parts, " ")}
		if e.StackTrace != nil && len(e.StackTrace.CallFrames) > 0 {
			frame := e.StackTrace.CallFrames[0]
			entry.Source = frame.URL
			entry.Line = frame.LineNumber
			entry.Column = frame.ColumnNumber
		}
		c.appendConsoleError(entry)
	}
}

func (c *collector) appendConsoleError(entry types.ConsoleError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.consoleErrors) < maxConsoleErrors {
		c.consoleErrors = append(c.consoleErrors, entry)
	}
}

func (c *collector) setFrameID(id string) {
	c.mu.Lock()
	c.frame = id
	c.mu.Unlock()
}

func (c *collector) frameID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

func (c *collector) mainStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *collector) consoleErrorList() []types.ConsoleError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.ConsoleError(nil), c.consoleErrors...)
}

func (c *collector) networkErrorList() []types.NetworkError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.NetworkError(nil), c.networkErrors...)
}

// formatConsoleArg renders one console argument as text.
func formatConsoleArg(arg *cdpruntime.RemoteObject) string {
	if arg == nil {
		return ""
	}
	if len(arg.Value) > 0 {
		var s string
		if err := json.Unmarshal(arg.Value, &s); err == nil {
			return s
		}
		return string(arg.Value)
	}
	return arg.Description
}

// urlsMatch compares URLs ignoring fragments and trailing slashes;
// redirected documents are matched by the navigation frame instead.
func urlsMatch(a, b string) bool {
	trim := func(s string) string {
		if i := strings.IndexByte(s, '#'); i >= 0 {
			s = s[:i]
		}
		return strings.TrimSuffix(s, "/")
	}
	return strings.EqualFold(trim(a), trim(b))
}

// pageInspection is the JSON shape returned by the in-page inspection
// script.
type pageInspection struct {
	BodyTextLength  int              `json:"bodyTextLength"`
	VisibleElements int              `json:"visibleElements"`
	Iframes         []iframeSnapshot `json:"iframes"`
	Videos          []videoSnapshot  `json:"videos"`
}

type iframeSnapshot struct {
	Src       string `json:"src"`
	HasSrc    bool   `json:"hasSrc"`
	Connected bool   `json:"connected"`
	Loaded    bool   `json:"loaded"`
}

type videoSnapshot struct {
	Src          string `json:"src"`
	ReadyState   int    `json:"readyState"`
	NetworkState int    `json:"networkState"`
	HasSource    bool   `json:"hasSource"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Playable     bool   `json:"playable"`
}

func (pi *pageInspection) iframeChecks() []types.IframeCheck {
	out := make([]types.IframeCheck, 0, len(pi.Iframes))
	for _, f := range pi.Iframes {
		out = append(out, types.IframeCheck{
			Src:       f.Src,
			HasSrc:    f.HasSrc,
			Connected: f.Connected,
			Loaded:    f.Loaded,
		})
	}
	return out
}

func (pi *pageInspection) videoChecks() []types.VideoCheck {
	out := make([]types.VideoCheck, 0, len(pi.Videos))
	for _, v := range pi.Videos {
		out = append(out, types.VideoCheck{
			Src:          v.Src,
			ReadyState:   v.ReadyState,
			NetworkState: v.NetworkState,
			HasSource:    v.HasSource,
			ErrorCode:    v.ErrorCode,
			ErrorMessage: v.ErrorMessage,
			Playable:     v.Playable,
		})
	}
	return out
}

// inspectScript runs inside the page. Cross-origin iframe contents are
// never touched; only the element's own geometry and attributes are
// read.
const inspectScript = `
(() => {
	const skip = new Set(["script", "style", "noscript", "meta", "link", "template"]);
	const body = document.body;
	const text = body ? (body.innerText || "").trim() : "";

	let visible = 0;
	if (body) {
		for (const el of body.querySelectorAll("*")) {
			if (skip.has(el.tagName.toLowerCase())) {
				continue;
			}
			const rect = el.getBoundingClientRect();
			if (rect.width > 0 && rect.height > 0) {
				visible++;
			}
		}
	}

	const iframes = Array.from(document.querySelectorAll("iframe")).map((f) => {
		const src = (f.getAttribute("src") || "").trim();
		const rect = f.getBoundingClientRect();
		return {
			src: src,
			hasSrc: src.length > 0,
			connected: f.isConnected,
			loaded: f.isConnected && src.length > 0 && rect.width > 0 && rect.height > 0,
		};
	});

	const videos = Array.from(document.querySelectorAll("video")).map((v) => {
		const hasSource = !!(v.currentSrc || v.getAttribute("src") || v.querySelector("source"));
		return {
			src: v.currentSrc || v.getAttribute("src") || "",
			readyState: v.readyState,
			networkState: v.networkState,
			hasSource: hasSource,
			errorCode: v.error ? v.error.code : 0,
			errorMessage: v.error && v.error.message ? v.error.message : "",
			playable: v.readyState >= 2 && v.networkState !== 3 && !v.error && hasSource,
		};
	});

	return { bodyTextLength: text.length, visibleElements: visible, iframes: iframes, videos: videos };
})()
`

// inspect evaluates the inspection script in the page.
func (p *Prober) inspect(tabCtx context.Context) (*pageInspection, error) {
	var result pageInspection
	inspectCtx, cancel := context.WithTimeout(tabCtx, 15*time.Second)
	defer cancel()
	if err := chromedp.Run(inspectCtx, chromedp.Evaluate(inspectScript, &result)); err != nil {
		return nil, err
	}
	return &result, nil
}
