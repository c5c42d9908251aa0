package cdp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/debugger"
	"github.com/chromedp/cdproto/domdebugger"
	"github.com/chromedp/cdproto/eventbreakpoints"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/security"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/cryptoscope/api/schemas"
)

// asyncStackDepth is how many async frames the browser keeps per pause.
const asyncStackDepth = 32

// SessionOptions configures attachment to a page target.
type SessionOptions struct {
	// Endpoint is a page or browser websocket address. Empty means resolve
	// via Resolve.
	Endpoint string
	Resolve  ResolveOptions

	// TargetURL selects the page target when attaching through a browser
	// endpoint, and is used when a fresh target must be created.
	TargetURL string

	// IgnoreCertificateErrors is applied best-effort during bootstrap.
	IgnoreCertificateErrors bool

	// HookScript, when set, is installed to run before any page script on
	// every new document.
	HookScript string
}

// Session is an attached debugging session against one page target with the
// Debugger and Runtime domains enabled.
type Session struct {
	id        string
	logger    *zap.Logger
	transport *Transport

	pauseMu     sync.Mutex
	pauseWaiter *Waiter

	closeOnce sync.Once
}

// Open resolves (if needed) and dials the endpoint, picks a page target,
// and performs the bootstrap sequence. The returned session is ready for
// breakpoint planting.
func Open(ctx context.Context, opts SessionOptions, logger *zap.Logger) (*Session, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		ep, err := ResolveEndpoint(ctx, opts.Resolve, logger)
		if err != nil {
			return nil, err
		}
		endpoint = ep
	}

	pageEndpoint, err := pickPageEndpoint(ctx, endpoint, opts.TargetURL, logger)
	if err != nil {
		return nil, err
	}

	t, err := Dial(ctx, pageEndpoint, logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:        pageEndpoint,
		logger:    logger.Named("session"),
		transport: t,
	}
	if err := s.bootstrap(ctx, opts); err != nil {
		t.Close()
		return nil, err
	}
	return s, nil
}

// bootstrap enables the required domains and applies best-effort setup.
// Debugger and Runtime failures are fatal; everything else only warns.
func (s *Session) bootstrap(ctx context.Context, opts SessionOptions) error {
	// Best-effort focus so timers and rAF callbacks keep firing.
	if err := s.Call(ctx, cdproto.CommandPageBringToFront, nil, nil); err != nil {
		s.logger.Debug("Page.bringToFront failed.", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.Call(gctx, cdproto.CommandDebuggerEnable, nil, nil); err != nil {
			return fmt.Errorf("enabling Debugger domain: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.Call(gctx, cdproto.CommandRuntimeEnable, nil, nil); err != nil {
			return fmt.Errorf("enabling Runtime domain: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	for _, method := range []cdproto.MethodType{cdproto.CommandNetworkEnable, cdproto.CommandPageEnable} {
		if err := s.Call(ctx, method, nil, nil); err != nil {
			s.logger.Warn("Optional domain enable failed.", zap.String("method", string(method)), zap.Error(err))
		}
	}

	if opts.IgnoreCertificateErrors {
		p := &security.SetIgnoreCertificateErrorsParams{Ignore: true}
		if err := s.Call(ctx, cdproto.CommandSecuritySetIgnoreCertificateErrors, p, nil); err != nil {
			s.logger.Warn("Security.setIgnoreCertificateErrors failed.", zap.Error(err))
		}
	}

	depth := &debugger.SetAsyncCallStackDepthParams{MaxDepth: asyncStackDepth}
	if err := s.Call(ctx, cdproto.CommandDebuggerSetAsyncCallStackDepth, depth, nil); err != nil {
		s.logger.Warn("Debugger.setAsyncCallStackDepth failed.", zap.Error(err))
	}

	if opts.HookScript != "" {
		p := &page.AddScriptToEvaluateOnNewDocumentParams{Source: opts.HookScript}
		if err := s.Call(ctx, cdproto.CommandPageAddScriptToEvaluateOnNewDocument, p, nil); err != nil {
			s.logger.Warn("Installing hook script failed.", zap.Error(err))
		} else {
			s.logger.Info("Hook script installed on new documents.")
		}
	}
	return nil
}

// Call forwards a raw command through the transport.
func (s *Session) Call(ctx context.Context, method cdproto.MethodType, params, result any) error {
	return s.transport.Call(ctx, method, params, result)
}

// SetBreakpointByURL plants a source breakpoint by exact URL or URL regex.
func (s *Session) SetBreakpointByURL(ctx context.Context, spec schemas.BreakpointSpec) (string, error) {
	p := &debugger.SetBreakpointByURLParams{
		LineNumber:   spec.Line,
		ColumnNumber: spec.Column,
		URL:          spec.URL,
		URLRegex:     spec.URLRegex,
		Condition:    spec.Condition,
	}
	var res debugger.SetBreakpointByURLReturns
	if err := s.Call(ctx, cdproto.CommandDebuggerSetBreakpointByURL, p, &res); err != nil {
		return "", err
	}
	return string(res.BreakpointID), nil
}

// SetBreakpointAt plants a breakpoint at a concrete script location and
// returns its id.
func (s *Session) SetBreakpointAt(ctx context.Context, scriptID string, line, col int64) (string, error) {
	p := &debugger.SetBreakpointParams{
		Location: &debugger.Location{
			ScriptID:     runtime.ScriptID(scriptID),
			LineNumber:   line,
			ColumnNumber: col,
		},
	}
	var res debugger.SetBreakpointReturns
	if err := s.Call(ctx, cdproto.CommandDebuggerSetBreakpoint, p, &res); err != nil {
		return "", err
	}
	return string(res.BreakpointID), nil
}

// SetXHRBreakpoint pauses on any XHR/fetch send whose URL contains pattern.
// An empty pattern matches every request.
func (s *Session) SetXHRBreakpoint(ctx context.Context, pattern string) error {
	p := &domdebugger.SetXHRBreakpointParams{URL: pattern}
	return s.Call(ctx, cdproto.CommandDOMDebuggerSetXHRBreakpoint, p, nil)
}

// RemoveXHRBreakpoint removes a previously planted XHR interception.
func (s *Session) RemoveXHRBreakpoint(ctx context.Context, pattern string) error {
	p := &domdebugger.RemoveXHRBreakpointParams{URL: pattern}
	return s.Call(ctx, cdproto.CommandDOMDebuggerRemoveXHRBreakpoint, p, nil)
}

// SetInstrumentationBreakpoint arms a native instrumentation pause, e.g.
// "setTimeout" or "scriptFirstStatement".
func (s *Session) SetInstrumentationBreakpoint(ctx context.Context, eventName string) error {
	p := &eventbreakpoints.SetInstrumentationBreakpointParams{EventName: eventName}
	return s.Call(ctx, cdproto.CommandEventBreakpointsSetInstrumentationBreakpoint, p, nil)
}

// SetEventListenerBreakpoint arms a DOM event listener pause.
func (s *Session) SetEventListenerBreakpoint(ctx context.Context, eventName, targetName string) error {
	p := &domdebugger.SetEventListenerBreakpointParams{EventName: eventName, TargetName: targetName}
	return s.Call(ctx, cdproto.CommandDOMDebuggerSetEventListenerBreakpoint, p, nil)
}

// GetScriptSource fetches the full source of a parsed script.
func (s *Session) GetScriptSource(ctx context.Context, scriptID string) (string, error) {
	p := &debugger.GetScriptSourceParams{ScriptID: runtime.ScriptID(scriptID)}
	var res debugger.GetScriptSourceReturns
	if err := s.Call(ctx, cdproto.CommandDebuggerGetScriptSource, p, &res); err != nil {
		return "", err
	}
	return res.ScriptSource, nil
}

// GetProperties lists the own properties of a remote object.
func (s *Session) GetProperties(ctx context.Context, objectID string, generatePreview bool) ([]*runtime.PropertyDescriptor, error) {
	p := &runtime.GetPropertiesParams{
		ObjectID:        runtime.RemoteObjectID(objectID),
		OwnProperties:   true,
		GeneratePreview: generatePreview,
	}
	var res runtime.GetPropertiesReturns
	if err := s.Call(ctx, cdproto.CommandRuntimeGetProperties, p, &res); err != nil {
		return nil, err
	}
	return res.Result, nil
}

// Step issues the resume command for a step action.
func (s *Session) Step(ctx context.Context, action schemas.StepAction) error {
	var method cdproto.MethodType
	switch action {
	case schemas.StepInto:
		method = cdproto.CommandDebuggerStepInto
	case schemas.StepOut:
		method = cdproto.CommandDebuggerStepOut
	case schemas.StepOver:
		method = cdproto.CommandDebuggerStepOver
	case schemas.Resume:
		method = cdproto.CommandDebuggerResume
	default:
		return fmt.Errorf("cdp: unknown step action %q", action)
	}
	return s.Call(ctx, method, nil, nil)
}

// Reload reloads the page ignoring cache.
func (s *Session) Reload(ctx context.Context) error {
	p := &page.ReloadParams{IgnoreCache: true}
	return s.Call(ctx, cdproto.CommandPageReload, p, nil)
}

// Navigate drives the page to url.
func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	p := &page.NavigateParams{URL: rawURL}
	return s.Call(ctx, cdproto.CommandPageNavigate, p, nil)
}

// PausedWaiter is a one-shot future for the next Debugger.paused event.
type PausedWaiter struct {
	w *Waiter
}

// Wait blocks for the next pause and decodes it.
func (pw *PausedWaiter) Wait(ctx context.Context) (*debugger.EventPaused, error) {
	raw, err := pw.w.Wait(ctx)
	if err != nil {
		return nil, err
	}
	var ev debugger.EventPaused
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("cdp: decoding Debugger.paused: %w", err)
	}
	return &ev, nil
}

// Cancel deregisters the waiter.
func (pw *PausedWaiter) Cancel() { pw.w.Cancel() }

// WaitPaused arms a one-shot waiter for the next pause. At most one pause
// waiter is outstanding per session; arming a new one cancels its
// predecessor.
func (s *Session) WaitPaused() *PausedWaiter {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if s.pauseWaiter != nil {
		s.pauseWaiter.Cancel()
	}
	w := s.transport.WaitFor(cdproto.EventDebuggerPaused)
	s.pauseWaiter = w
	return &PausedWaiter{w: w}
}

// Subscribe registers interest in an arbitrary event method.
func (s *Session) Subscribe(event cdproto.MethodType) *Subscription {
	return s.transport.Subscribe(event)
}

// ListenerCount reports live event subscriptions on the underlying
// transport.
func (s *Session) ListenerCount() int { return s.transport.ListenerCount() }

// Close tears down the transport. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Debug("Closing session.", zap.String("endpoint", s.id))
		s.transport.Close()
	})
	return nil
}

// pickPageEndpoint turns a browser-level endpoint into a page-level one.
// Page endpoints pass through untouched.
func pickPageEndpoint(ctx context.Context, endpoint, targetURL string, logger *zap.Logger) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("cdp: parsing endpoint %q: %w", endpoint, err)
	}
	if !isBrowserEndpoint(u) {
		return endpoint, nil
	}

	host := u.Hostname()
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return endpoint, nil
	}

	client := &http.Client{Timeout: metadataTimeout}
	var targets []targetMetadata
	if err := getJSON(ctx, client, fmt.Sprintf("http://%s:%d/json/list", host, port), &targets); err == nil {
		if ep := matchTarget(targets, targetURL); ep != "" {
			return ep, nil
		}
	}

	// No usable page target; create one through the browser socket.
	return createPageTarget(ctx, endpoint, host, port, targetURL, logger)
}

func isBrowserEndpoint(u *url.URL) bool {
	return u.Path == "" || u.Path == "/" || strings.HasPrefix(u.Path, "/devtools/browser")
}

func matchTarget(targets []targetMetadata, targetURL string) string {
	var firstPage string
	for _, t := range targets {
		if t.Type != "page" || t.WebSocketDebuggerURL == "" {
			continue
		}
		if firstPage == "" {
			firstPage = t.WebSocketDebuggerURL
		}
		if targetURL != "" && samePage(t.URL, targetURL) {
			return normalizeEndpoint(t.WebSocketDebuggerURL)
		}
	}
	return normalizeEndpoint(firstPage)
}

// samePage compares targets by normalized host and path. Scheme and query
// are ignored so the http/https variants of one page still match, while a
// host serving several pages picks the right one.
func samePage(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return ua.Host == ub.Host && normalizePath(ua.Path) == normalizePath(ub.Path)
}

func normalizePath(p string) string {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return "/"
	}
	return p
}

func createPageTarget(ctx context.Context, browserEndpoint, host string, port int, targetURL string, logger *zap.Logger) (string, error) {
	t, err := Dial(ctx, browserEndpoint, logger)
	if err != nil {
		return "", err
	}
	defer t.Close()

	if targetURL == "" {
		targetURL = "about:blank"
	}
	p := &target.CreateTargetParams{URL: targetURL}
	var res target.CreateTargetReturns
	if err := t.Call(ctx, cdproto.CommandTargetCreateTarget, p, &res); err != nil {
		return "", fmt.Errorf("cdp: creating page target: %w", err)
	}
	return fmt.Sprintf("ws://%s:%d/devtools/page/%s", host, port, res.TargetID), nil
}
