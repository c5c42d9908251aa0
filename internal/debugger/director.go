package debugger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	cdpdebugger "github.com/chromedp/cdproto/debugger"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cryptoscope/api/schemas"
)

// PauseWaiter is a one-shot future for the next pause event.
type PauseWaiter interface {
	Wait(ctx context.Context) (*cdpdebugger.EventPaused, error)
	Cancel()
}

// Session is the slice of the protocol session the debug loop needs.
// Narrowing it here keeps the loop testable against fakes.
type Session interface {
	SetBreakpointByURL(ctx context.Context, spec schemas.BreakpointSpec) (string, error)
	SetBreakpointAt(ctx context.Context, scriptID string, line, col int64) (string, error)
	SetXHRBreakpoint(ctx context.Context, pattern string) error
	RemoveXHRBreakpoint(ctx context.Context, pattern string) error
	SetInstrumentationBreakpoint(ctx context.Context, eventName string) error
	SetEventListenerBreakpoint(ctx context.Context, eventName, targetName string) error
	GetScriptSource(ctx context.Context, scriptID string) (string, error)
	Step(ctx context.Context, action schemas.StepAction) error
	Reload(ctx context.Context) error
	WaitPaused() PauseWaiter
}

// auxInstrumentation names the native pauses armed alongside an XHR
// interception; sites that schedule their crypto through timers would
// otherwise slip past the send hook.
var auxInstrumentation = []string{"setTimeout", "setInterval"}

// ScriptURLs resolves script ids to the URLs they were parsed from;
// *ScriptCache satisfies it.
type ScriptURLs interface {
	URL(scriptID string) string
}

// Director plants the initial breakpoint. In source mode that is a single
// command; in XHR mode it runs the rewrite flow that converts the first
// network pause into a durable source breakpoint.
type Director struct {
	sess   Session
	spec   schemas.BreakpointSpec
	urls   ScriptURLs
	logger *zap.Logger

	ready     chan struct{}
	readyOnce sync.Once

	mu           sync.Mutex
	breakpointID string
	rewriteLoc   *schemas.Location
}

// NewDirector creates a director for the given breakpoint plan. urls may be
// nil when no scriptParsed index is available.
func NewDirector(sess Session, spec schemas.BreakpointSpec, urls ScriptURLs, logger *zap.Logger) *Director {
	return &Director{
		sess:   sess,
		spec:   spec,
		urls:   urls,
		logger: logger.Named("director"),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once ordinary pause events are meaningful: immediately
// after Arm in source mode, after the rewrite completes in XHR mode.
func (d *Director) Ready() <-chan struct{} { return d.ready }

// BreakpointID returns the id of the planted source breakpoint, when known.
func (d *Director) BreakpointID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.breakpointID
}

// RewriteLocation returns where the XHR rewrite planted its breakpoint.
func (d *Director) RewriteLocation() *schemas.Location {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rewriteLoc
}

// Arm plants the initial interception. For source mode the breakpoint is
// live on return. For XHR mode the interception is armed and RunRewrite
// must be driven concurrently with the page.
func (d *Director) Arm(ctx context.Context) error {
	switch d.spec.Mode {
	case schemas.ModeSource:
		id, err := d.sess.SetBreakpointByURL(ctx, d.spec)
		if err != nil {
			return fmt.Errorf("debugger: planting source breakpoint: %w", err)
		}
		d.mu.Lock()
		d.breakpointID = id
		d.mu.Unlock()
		d.logger.Info("Source breakpoint planted.", zap.String("id", id))
		d.signalReady()
		return nil

	case schemas.ModeXHR:
		if err := d.sess.SetXHRBreakpoint(ctx, d.spec.XHRPattern); err != nil {
			return fmt.Errorf("debugger: arming XHR interception: %w", err)
		}
		d.armAuxiliary(ctx)
		d.logger.Info("XHR interception armed.", zap.String("pattern", d.spec.XHRPattern))
		return nil

	default:
		return fmt.Errorf("debugger: unknown breakpoint mode %q", d.spec.Mode)
	}
}

// armAuxiliary is best-effort; failures are logged and ignored.
func (d *Director) armAuxiliary(ctx context.Context) {
	for _, name := range auxInstrumentation {
		if err := d.sess.SetInstrumentationBreakpoint(ctx, name); err != nil {
			d.logger.Debug("Auxiliary instrumentation unavailable.", zap.String("event", name), zap.Error(err))
		}
	}
}

// RunRewrite waits for the first pause, replants it as a source breakpoint
// at the pause's innermost frame, removes the XHR interception and signals
// readiness. A failure to plant is fatal; a failure to remove only warns.
func (d *Director) RunRewrite(ctx context.Context) error {
	w := d.sess.WaitPaused()
	defer w.Cancel()

	ev, err := w.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("debugger: waiting for XHR pause: %w", err)
	}
	if len(ev.CallFrames) == 0 {
		return fmt.Errorf("debugger: XHR pause carried no call frames")
	}

	loc := ev.CallFrames[0].Location
	if loc == nil {
		return fmt.Errorf("debugger: XHR pause frame has no location")
	}

	id, err := d.sess.SetBreakpointAt(ctx, string(loc.ScriptID), loc.LineNumber, loc.ColumnNumber)
	if err != nil {
		return fmt.Errorf("debugger: rewriting XHR pause to source breakpoint: %w", err)
	}

	if err := d.sess.RemoveXHRBreakpoint(ctx, d.spec.XHRPattern); err != nil {
		d.logger.Warn("Removing XHR interception failed; duplicate pauses possible.", zap.Error(err))
	}

	var frameURL string
	if d.urls != nil {
		frameURL = d.urls.URL(string(loc.ScriptID))
	}
	d.mu.Lock()
	d.breakpointID = id
	d.rewriteLoc = &schemas.Location{
		ScriptID: string(loc.ScriptID),
		Line:     loc.LineNumber,
		Column:   loc.ColumnNumber,
		URL:      frameURL,
	}
	d.mu.Unlock()

	d.logger.Info("XHR pause rewritten to source breakpoint.",
		zap.String("id", id),
		zap.String("script", string(loc.ScriptID)),
		zap.Int64("line", loc.LineNumber),
		zap.Int64("column", loc.ColumnNumber))

	d.signalReady()
	return nil
}

func (d *Director) signalReady() {
	d.readyOnce.Do(func() { close(d.ready) })
}
