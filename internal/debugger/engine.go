package debugger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cdpdebugger "github.com/chromedp/cdproto/debugger"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cryptoscope/api/schemas"
	"github.com/xkilldash9x/cryptoscope/internal/cdp"
	"github.com/xkilldash9x/cryptoscope/internal/hooks"
)

// analysisTimeout bounds the deferred transcript analysis at session end.
const analysisTimeout = 2 * time.Minute

// Transcript records one flattened line per pause. The engine only appends;
// ownership stays with the caller.
type Transcript interface {
	Append(line string) error
	Path() string
	Size() int64
}

// Engine drives the pause/consult/step loop of one session. It owns the
// session's terminal event: exactly one is emitted no matter how the loop
// ends.
type Engine struct {
	sess      Session
	extractor *Extractor
	oracle    schemas.Oracle
	sink      schemas.Sink
	trans     Transcript
	director  *Director
	cfg       schemas.SessionConfig
	sessionID string
	logger    *zap.Logger

	lastPause    atomic.Pointer[schemas.Snapshot]
	stepsIssued  atomic.Int64
	seq          atomic.Int64
	terminalOnce sync.Once

	history []string
}

// NewEngine wires a debug loop. The director supplies readiness for XHR
// mode; for source mode its Ready channel is already closed by Arm.
func NewEngine(sess Session, extractor *Extractor, oracle schemas.Oracle, sink schemas.Sink, trans Transcript, director *Director, cfg schemas.SessionConfig, sessionID string, logger *zap.Logger) *Engine {
	return &Engine{
		sess:      sess,
		extractor: extractor,
		oracle:    oracle,
		sink:      sink,
		trans:     trans,
		director:  director,
		cfg:       cfg.WithDefaults(),
		sessionID: sessionID,
		logger:    logger.Named("engine"),
	}
}

// LastPause returns the most recent snapshot, or nil before the first
// pause. Safe to call from any goroutine.
func (e *Engine) LastPause() *schemas.Snapshot {
	return e.lastPause.Load()
}

// StepsIssued reports how many step commands the loop has sent.
func (e *Engine) StepsIssued() int64 { return e.stepsIssued.Load() }

// Run executes the loop until the session duration elapses, a per-pause
// wait times out, the transport dies, or ctx is canceled. The returned
// error reflects only unexpected failures; timeouts and cancellation end
// the session cleanly.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.SessionDuration)
	defer cancel()

	// Wherever the loop exits, exactly one terminal event goes out.
	defer e.terminate(ctx, schemas.ReasonStopped, nil)

	select {
	case <-e.director.Ready():
	case <-runCtx.Done():
		e.terminate(ctx, reasonForContext(ctx, runCtx), nil)
		return nil
	}

	// The rewrite flow leaves execution held at the network pause; release
	// it so the planted breakpoint can fire on a natural run.
	if err := e.sess.Step(runCtx, schemas.Resume); err != nil && !errors.Is(err, cdp.ErrNotPaused) {
		e.logger.Debug("Initial resume failed.", zap.Error(err))
	}
	if e.cfg.ReloadOnStart {
		if err := e.sess.Reload(runCtx); err != nil {
			e.logger.Warn("Reload on start failed.", zap.Error(err))
		}
	}

	first := true
	for {
		if runCtx.Err() != nil {
			e.terminate(ctx, reasonForContext(ctx, runCtx), nil)
			return nil
		}

		ev, err := e.waitForPause(runCtx, first)
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				if runCtx.Err() != nil {
					e.terminate(ctx, reasonForContext(ctx, runCtx), nil)
					return nil
				}
				e.logger.Info("No pause within the window; ending session.",
					zap.Bool("first", first))
				e.emit(schemas.EventError, map[string]any{
					"code":    string(CodePauseTimeout),
					"message": ErrPauseTimeout.Error(),
				})
				e.terminate(ctx, schemas.ReasonTimeout, nil)
				return nil
			case errors.Is(err, context.Canceled):
				e.terminate(ctx, schemas.ReasonStopped, nil)
				return nil
			default:
				e.emit(schemas.EventError, map[string]any{
					"code":    string(CodeDisconnected),
					"message": err.Error(),
				})
				e.terminate(ctx, schemas.ReasonError, err)
				return err
			}
		}

		if e.syntheticPause(ev) {
			if err := e.sess.Step(runCtx, schemas.Resume); err != nil && !errors.Is(err, cdp.ErrNotPaused) {
				e.logger.Debug("Resuming past instrumentation frame failed.", zap.Error(err))
			}
			continue
		}

		// Extraction is bounded separately; a hung property fetch degrades
		// the snapshot instead of stalling the loop.
		extractCtx, cancelExtract := context.WithTimeout(runCtx, e.cfg.PerPauseTimeout)
		snap, err := e.extractor.Extract(extractCtx, ev)
		cancelExtract()
		if err != nil {
			e.logger.Warn("Snapshot extraction degraded.", zap.Error(err))
		}
		e.lastPause.Store(snap)
		e.emit(schemas.EventPaused, map[string]any{
			"function": snap.FunctionName,
			"url":      snap.Location.URL,
			"line":     snap.Location.Line,
			"column":   snap.Location.Column,
		})

		line := snap.Flatten()
		if err := e.trans.Append(line); err != nil {
			e.logger.Warn("Transcript append failed.", zap.Error(err))
		}

		action := e.decide(runCtx, line)
		e.pushHistory(line)

		if err := e.sess.Step(runCtx, action); err != nil {
			if errors.Is(err, cdp.ErrNotPaused) {
				e.logger.Debug("Step raced a resume; continuing.", zap.String("action", string(action)))
				continue
			}
			if errors.Is(err, context.Canceled) || runCtx.Err() != nil {
				e.terminate(ctx, reasonForContext(ctx, runCtx), nil)
				return nil
			}
			e.emit(schemas.EventError, map[string]any{
				"code":    string(CodeStepFailed),
				"message": err.Error(),
			})
			e.terminate(ctx, schemas.ReasonError, err)
			return fmt.Errorf("debugger: issuing %s: %w", action, err)
		}
		e.stepsIssued.Add(1)
		e.emit(schemas.EventResumed, map[string]any{"action": string(action)})
		first = false
	}
}

// waitForPause arms a waiter and blocks within the per-pause window. The
// first pause gets twice the configured window; cold pages need the extra
// time to boot and reach the breakpoint.
func (e *Engine) waitForPause(ctx context.Context, first bool) (*cdpdebugger.EventPaused, error) {
	window := e.cfg.PerPauseTimeout
	if first {
		window *= 2
	}
	waitCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	w := e.sess.WaitPaused()
	defer w.Cancel()
	return w.Wait(waitCtx)
}

// syntheticPause reports pauses whose top frame belongs to injected
// instrumentation or to a script with no real source: our hook-prefixed
// functions, frames without a script id, and eval/extension scripts that
// parsed without a page URL.
func (e *Engine) syntheticPause(ev *cdpdebugger.EventPaused) bool {
	if len(ev.CallFrames) == 0 {
		return false
	}
	top := ev.CallFrames[0]
	if strings.HasPrefix(top.FunctionName, hooks.FramePrefix) {
		return true
	}
	if top.Location == nil || top.Location.ScriptID == "" {
		return true
	}
	url := e.extractor.frameURL(top)
	return url == "" || strings.HasPrefix(url, "VM") || strings.HasPrefix(url, "debugger://")
}

// decide consults the oracle, falling back to step-over on any failure.
func (e *Engine) decide(ctx context.Context, line string) schemas.StepAction {
	payload := line
	if len(payload) > e.cfg.MaxPayloadBytes {
		payload = payload[:e.cfg.MaxPayloadBytes]
	}
	action, err := e.oracle.Decide(ctx, payload, e.history)
	if err != nil {
		e.logger.Warn("Oracle consultation failed; stepping over.", zap.Error(err))
		return schemas.StepOver
	}
	return action
}

// pushHistory keeps the bounded window of prior pauses, each entry
// truncated the same way the live payload is.
func (e *Engine) pushHistory(line string) {
	if len(line) > e.cfg.MaxPayloadBytes {
		line = line[:e.cfg.MaxPayloadBytes]
	}
	e.history = append(e.history, line)
	if len(e.history) > e.cfg.HistorySize {
		e.history = e.history[len(e.history)-e.cfg.HistorySize:]
	}
}

// terminate runs the deferred analysis when the transcript has content and
// emits the single terminal event. Subsequent calls are no-ops.
func (e *Engine) terminate(ctx context.Context, reason schemas.TerminalReason, cause error) {
	e.terminalOnce.Do(func() {
		payload := map[string]any{
			"reason": string(reason),
			"steps":  e.stepsIssued.Load(),
		}
		if cause != nil {
			payload["error"] = cause.Error()
		}

		if reason == schemas.ReasonTimeout && e.trans.Size() > 0 {
			report, err := e.analyze(ctx)
			if err != nil {
				e.logger.Warn("Deferred analysis failed.", zap.Error(err))
			} else if report != "" {
				payload["analysis_report"] = report
				e.emit(schemas.EventAnalysisDone, map[string]any{"report": report})
			}
		}

		e.emit(schemas.EventStopped, payload)
		e.logger.Info("Session ended.",
			zap.String("reason", string(reason)),
			zap.Int64("steps", e.stepsIssued.Load()))
	})
}

func (e *Engine) analyze(ctx context.Context) (string, error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), analysisTimeout)
	defer cancel()
	report, err := e.oracle.Analyze(actx, e.trans.Path())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOracleFailure, err)
	}
	return report, nil
}

func (e *Engine) emit(name schemas.EventName, payload map[string]any) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(schemas.Event{
		Name:      name,
		SessionID: e.sessionID,
		Seq:       e.seq.Add(1),
		Time:      time.Now(),
		Payload:   payload,
	})
}

// reasonForContext separates caller cancellation from duration expiry.
func reasonForContext(outer, run context.Context) schemas.TerminalReason {
	if outer.Err() != nil {
		return schemas.ReasonStopped
	}
	if run.Err() != nil {
		return schemas.ReasonTimeout
	}
	return schemas.ReasonCompleted
}
