package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cryptoscope/api/schemas"
	"github.com/xkilldash9x/cryptoscope/internal/cdp"
	"github.com/xkilldash9x/cryptoscope/internal/config"
	"github.com/xkilldash9x/cryptoscope/internal/debugger"
	"github.com/xkilldash9x/cryptoscope/internal/hooks"
	"github.com/xkilldash9x/cryptoscope/internal/launcher"
	"github.com/xkilldash9x/cryptoscope/internal/oracle"
)

// eventBuffer sizes the per-session event channel. A slow consumer loses
// events rather than stalling the debug loop.
const eventBuffer = 256

// sessionAdapter narrows *cdp.Session to the interface the debug loop
// consumes. Only WaitPaused needs adapting, the concrete return type
// satisfies debugger.PauseWaiter.
type sessionAdapter struct {
	*cdp.Session
}

func (a sessionAdapter) WaitPaused() debugger.PauseWaiter {
	return a.Session.WaitPaused()
}

var _ debugger.Session = sessionAdapter{}

// StartRequest describes one debugging session to launch.
type StartRequest struct {
	// TargetURL is the page under investigation.
	TargetURL string

	// Breakpoint is where the session should start pausing.
	Breakpoint schemas.BreakpointSpec

	// Endpoint attaches to an already running browser. When empty a
	// browser is launched (or discovered) per the browser configuration.
	Endpoint string

	// AttachOnly skips launching a browser when Endpoint is empty and
	// relies on endpoint discovery against the configured debug port.
	AttachOnly bool

	// Overrides, when set, replaces the session tuning derived from the
	// debugger configuration.
	Overrides *schemas.SessionConfig
}

// run is the live state of one session.
type run struct {
	id     string
	engine *debugger.Engine
	sess   debugger.Session
	trans  *FileTranscript
	cancel context.CancelFunc

	seq    atomic.Int64
	events chan schemas.Event
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Manager owns session lifecycles: browser launch, protocol attachment,
// loop startup and teardown.
type Manager struct {
	cfg    *config.Config
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// NewManager creates a Manager around the given configuration.
func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.Named("service"),
		runs:   make(map[string]*run),
	}
}

// sessionConfig derives the loop tuning from configuration.
func (m *Manager) sessionConfig(req StartRequest) schemas.SessionConfig {
	if req.Overrides != nil {
		return req.Overrides.WithDefaults()
	}
	d := m.cfg.Debugger
	return schemas.SessionConfig{
		ScopeMaxDepth:      d.ScopeMaxDepth,
		ScopeMaxTotalProps: d.ScopeMaxTotalProps,
		ContextChars:       d.ContextChars,
		PerPauseTimeout:    d.PerPauseTimeout,
		SessionDuration:    d.SessionDuration,
		MaxPayloadBytes:    d.MaxPayloadBytes,
		HistorySize:        d.HistorySize,
		ReloadOnStart:      d.ReloadOnStart,
	}.WithDefaults()
}

// Start launches a session and returns its ID. The session runs until it
// terminates on its own or Stop is called; progress is reported on the
// Events channel.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	if err := req.Breakpoint.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	log := m.logger.With(zap.String("session_id", id))
	sessCfg := m.sessionConfig(req)

	// The session must outlive the Start call; only setup uses ctx.
	runCtx, cancel := context.WithCancel(context.Background())

	var proc *launcher.Process
	cleanup := func() {
		cancel()
		if proc != nil {
			proc.Stop()
		}
	}

	endpoint := req.Endpoint
	resolve := cdp.ResolveOptions{
		Known:  endpoint,
		Host:   "127.0.0.1",
		Port:   m.cfg.Browser.DebugPort,
		Family: m.cfg.Browser.Family,
	}
	if endpoint == "" && !req.AttachOnly {
		p, err := launcher.Launch(ctx, m.cfg.Browser, req.TargetURL, log)
		if err != nil {
			cleanup()
			return "", fmt.Errorf("launching browser: %w", err)
		}
		proc = p
		resolve.ProfileDir = p.ProfileDir
		if p.Port > 0 {
			resolve.Port = p.Port
		}
		wait := m.cfg.Browser.LaunchTimeout
		if wait <= 0 {
			wait = 30 * time.Second
		}
		if ep, err := p.ScanEndpoint(ctx, wait); err == nil {
			endpoint = ep
		} else {
			// The marker file or metadata endpoint can still resolve it.
			log.Warn("Endpoint not found in browser output, falling back to discovery.", zap.Error(err))
			resolve.Wait = wait
		}
	}

	hm := hooks.NewManager(m.cfg.Debugger.HooksDir, log)
	if n, err := hm.Load(); err != nil {
		log.Warn("Loading hook scripts failed.", zap.Error(err))
	} else if n > 0 {
		log.Info("Hook scripts loaded.", zap.Int("count", n), zap.Strings("files", hm.Filenames()))
	}

	sess, err := cdp.Open(ctx, cdp.SessionOptions{
		Endpoint:                endpoint,
		Resolve:                 resolve,
		TargetURL:               req.TargetURL,
		IgnoreCertificateErrors: m.cfg.Browser.IgnoreTLSErrors,
		HookScript:              hm.Combined(),
	}, log)
	if err != nil {
		cleanup()
		return "", fmt.Errorf("opening debug session: %w", err)
	}

	orc, err := oracle.New(m.cfg.Oracle, log)
	if err != nil {
		sess.Close()
		cleanup()
		return "", err
	}

	trans, err := NewFileTranscript(m.cfg.Debugger.TranscriptDir)
	if err != nil {
		orc.Close()
		sess.Close()
		cleanup()
		return "", err
	}
	log.Info("Transcript opened.", zap.String("path", trans.Path()))

	cache, err := debugger.NewScriptCache(sess, m.cfg.Debugger.ScriptCacheSize)
	if err != nil {
		trans.Close()
		orc.Close()
		sess.Close()
		cleanup()
		return "", err
	}

	// Pause frames identify scripts only by id; the scriptParsed stream
	// keeps the id→URL index current for snapshots and frame classification.
	scriptSub := sess.Subscribe(cdproto.EventDebuggerScriptParsed)
	go cache.TrackScripts(scriptSub, log)

	adapter := sessionAdapter{sess}
	extractor := debugger.NewExtractor(sess, cache, sessCfg,
		m.cfg.Debugger.MemoryBudgetBytes, m.cfg.Debugger.MemoryPressureFraction, log)
	director := debugger.NewDirector(adapter, req.Breakpoint, cache, log)

	r := &run{
		id:     id,
		sess:   adapter,
		trans:  trans,
		cancel: cancel,
		events: make(chan schemas.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	sink := schemas.SinkFunc(func(ev schemas.Event) {
		ev.SessionID = id
		ev.Seq = r.seq.Add(1)
		if ev.Time.IsZero() {
			ev.Time = time.Now()
		}
		select {
		case r.events <- ev:
		default:
			log.Warn("Event channel full, dropping event.", zap.String("event", string(ev.Name)))
		}
	})

	r.engine = debugger.NewEngine(adapter, extractor, orc, sink, trans, director, sessCfg, id, log)

	if err := director.Arm(ctx); err != nil {
		trans.Close()
		orc.Close()
		sess.Close()
		cleanup()
		return "", fmt.Errorf("arming breakpoint: %w", err)
	}
	if req.Breakpoint.Mode == schemas.ModeXHR {
		go func() {
			if err := director.RunRewrite(runCtx); err != nil {
				log.Warn("Breakpoint rewrite failed.", zap.Error(err))
			}
		}()
	}

	consoleSub := sess.Subscribe(cdproto.EventRuntimeConsoleAPICalled)
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		hooks.ForwardConsole(consoleSub, func(level, text string) {
			sink.Emit(schemas.Event{
				Name:    schemas.EventHookLog,
				Payload: map[string]any{"level": level, "text": text},
			})
		}, log)
	}()

	m.mu.Lock()
	m.runs[id] = r
	m.mu.Unlock()

	go func() {
		err := r.engine.Run(runCtx)
		if err != nil {
			log.Error("Session ended with error.", zap.Error(err))
		} else {
			log.Info("Session ended.", zap.Int64("steps", r.engine.StepsIssued()))
		}
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()

		consoleSub.Cancel()
		scriptSub.Cancel()
		sess.Close()
		<-forwardDone
		orc.Close()
		trans.Close()
		if proc != nil {
			proc.Stop()
		}
		cancel()
		close(r.events)
		close(r.done)
	}()

	return id, nil
}

// Events returns the session's event stream. The channel closes when the
// session has fully terminated.
func (m *Manager) Events(id string) (<-chan schemas.Event, error) {
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return r.events, nil
}

// Stop cancels a session and waits for its teardown.
func (m *Manager) Stop(ctx context.Context, id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the session terminates and returns its final error.
func (m *Manager) Wait(ctx context.Context, id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyCommand issues a manual step on a live session, alongside whatever
// the loop decides. Racing a resume is benign; the command is dropped when
// execution is not paused.
func (m *Manager) ApplyCommand(ctx context.Context, id string, action schemas.StepAction) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	switch action {
	case schemas.Resume, schemas.StepInto, schemas.StepOut, schemas.StepOver:
	default:
		return fmt.Errorf("unknown step action %q", action)
	}
	if err := r.sess.Step(ctx, action); err != nil && !errors.Is(err, cdp.ErrNotPaused) {
		return err
	}
	return nil
}

// LastPause returns the most recent snapshot of a session, or nil before
// the first pause.
func (m *Manager) LastPause(id string) (*schemas.Snapshot, error) {
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return r.engine.LastPause(), nil
}

// TranscriptPath returns where the session's stepping transcript lives.
func (m *Manager) TranscriptPath(id string) (string, error) {
	r, err := m.get(id)
	if err != nil {
		return "", err
	}
	return r.trans.Path(), nil
}

func (m *Manager) get(id string) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("unknown session %q", id)
	}
	return r, nil
}
