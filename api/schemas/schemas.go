package schemas

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StepAction is a debugger resume action issued after a pause.
type StepAction string

const (
	StepOver StepAction = "STEP_OVER"
	StepInto StepAction = "STEP_INTO"
	StepOut  StepAction = "STEP_OUT"
	Resume   StepAction = "RESUME"
)

// BreakpointMode selects how the initial breakpoint is planted.
type BreakpointMode string

const (
	// ModeSource plants a breakpoint directly at a script location.
	ModeSource BreakpointMode = "SOURCE"
	// ModeXHR arms a network-send interception that is rewritten into a
	// source breakpoint at the first pause.
	ModeXHR BreakpointMode = "XHR"
)

// BreakpointSpec describes where the session should first stop.
type BreakpointSpec struct {
	Mode BreakpointMode `json:"mode"`

	// Source-mode selectors. Exactly one of URL or URLRegex should be set.
	URL       string `json:"url,omitempty"`
	URLRegex  string `json:"url_regex,omitempty"`
	Line      int64  `json:"line,omitempty"`
	Column    int64  `json:"column,omitempty"`
	Condition string `json:"condition,omitempty"`

	// XHR-mode selector. A substring match against outgoing request URLs;
	// empty matches every request.
	XHRPattern string `json:"xhr_pattern,omitempty"`
}

// Validate checks that the breakpoint description is consistent for its mode.
func (s BreakpointSpec) Validate() error {
	switch s.Mode {
	case ModeSource:
		if s.URL == "" && s.URLRegex == "" {
			return errors.New("source breakpoint requires url or url_regex")
		}
		if s.URL != "" && s.URLRegex != "" {
			return errors.New("source breakpoint takes url or url_regex, not both")
		}
		if s.Line < 0 || s.Column < 0 {
			return errors.New("breakpoint line and column must not be negative")
		}
	case ModeXHR:
		// Any pattern, including empty, is valid.
	default:
		return fmt.Errorf("unknown breakpoint mode %q", s.Mode)
	}
	return nil
}

// SessionConfig carries the per-session tuning knobs.
type SessionConfig struct {
	ScopeMaxDepth      int           `json:"scope_max_depth"`
	ScopeMaxTotalProps int           `json:"scope_max_total_props"`
	ContextChars       int           `json:"context_chars"`
	PerPauseTimeout    time.Duration `json:"per_pause_timeout"`
	SessionDuration    time.Duration `json:"session_duration"`
	MaxPayloadBytes    int           `json:"max_payload_bytes"`
	HistorySize        int           `json:"history_size"`
	ReloadOnStart      bool          `json:"reload_on_start"`
}

// WithDefaults fills any zero field with its documented default.
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.ScopeMaxDepth <= 0 {
		c.ScopeMaxDepth = 3
	}
	if c.ScopeMaxTotalProps <= 0 {
		c.ScopeMaxTotalProps = 15
	}
	if c.ContextChars <= 0 {
		c.ContextChars = 150
	}
	if c.PerPauseTimeout <= 0 {
		c.PerPauseTimeout = 30 * time.Second
	}
	if c.SessionDuration <= 0 {
		c.SessionDuration = 10 * time.Minute
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 60000
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 3
	}
	return c
}

// Location pins a point in a script.
type Location struct {
	ScriptID string `json:"script_id"`
	Line     int64  `json:"line"`
	Column   int64  `json:"column"`
	URL      string `json:"url,omitempty"`
}

// ValueKind tags a StructuredValue variant.
type ValueKind string

const (
	KindScalar    ValueKind = "SCALAR"
	KindArray     ValueKind = "ARRAY"
	KindObject    ValueKind = "OBJECT"
	KindTruncated ValueKind = "TRUNCATED"
	KindOpaque    ValueKind = "OPAQUE"
)

// Field is a single named property of an object value. A slice of fields
// keeps extraction order stable, which a map would not.
type Field struct {
	Name  string          `json:"name"`
	Value StructuredValue `json:"value"`
}

// StructuredValue is the budgeted representation of a remote JavaScript
// value. Exactly the fields relevant to Kind are populated.
type StructuredValue struct {
	Kind   ValueKind         `json:"kind"`
	Value  any               `json:"value,omitempty"`  // KindScalar
	Items  []StructuredValue `json:"items,omitempty"`  // KindArray
	More   int               `json:"more,omitempty"`   // KindArray: elements beyond Items
	Fields []Field           `json:"fields,omitempty"` // KindObject
	Note   string            `json:"note,omitempty"`   // KindOpaque / KindTruncated / summaries
}

// ScopeSnapshot is one extracted scope from a paused call frame.
type ScopeSnapshot struct {
	Kind      string          `json:"kind"` // "local" or "block"
	FrameName string          `json:"frame_name"`
	Object    StructuredValue `json:"object"`
}

// HeuristicReport summarizes the obfuscation signals found in a script.
type HeuristicReport struct {
	LikelyObfuscated bool     `json:"likely_obfuscated"`
	Confidence       float64  `json:"confidence"`
	Patterns         []string `json:"patterns,omitempty"`
}

// Snapshot is everything captured at one debugger pause.
type Snapshot struct {
	Location     Location         `json:"location"`
	FunctionName string           `json:"function_name"`
	Context      string           `json:"context"`
	CallStack    []string         `json:"call_stack"`
	Scopes       []ScopeSnapshot  `json:"scopes"`
	Heuristics   *HeuristicReport `json:"heuristics,omitempty"`
	Truncated    bool             `json:"truncated"`
	CapturedAt   time.Time        `json:"captured_at"`
}

// EventName identifies a session lifecycle notification.
type EventName string

const (
	EventPaused       EventName = "paused"
	EventResumed      EventName = "resumed"
	EventHookLog      EventName = "hook_log"
	EventAnalysisDone EventName = "analysis_done"
	EventError        EventName = "error"
	// EventStopped is the single terminal notification of a session.
	EventStopped EventName = "stopped"
)

// Event is a session lifecycle notification delivered to consumers.
type Event struct {
	Name      EventName      `json:"name"`
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	Time      time.Time      `json:"time"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// TerminalReason explains why a session ended.
type TerminalReason string

const (
	ReasonTimeout   TerminalReason = "TIMEOUT"
	ReasonStopped   TerminalReason = "STOPPED"
	ReasonError     TerminalReason = "ERROR"
	ReasonCompleted TerminalReason = "COMPLETED"
)

// Flatten renders the snapshot as a single line suitable for the session
// transcript and for prompting. Runs of whitespace collapse to one space.
func (s *Snapshot) Flatten() string {
	var b strings.Builder
	b.WriteString("at ")
	b.WriteString(s.FunctionName)
	b.WriteString(" (")
	b.WriteString(s.Location.URL)
	b.WriteString(":")
	b.WriteString(itoa(s.Location.Line + 1))
	b.WriteString(":")
	b.WriteString(itoa(s.Location.Column + 1))
	b.WriteString(") || context: ")
	b.WriteString(s.Context)
	if len(s.CallStack) > 0 {
		b.WriteString(" || stack: ")
		b.WriteString(strings.Join(s.CallStack, " | "))
	}
	for _, sc := range s.Scopes {
		b.WriteString(" || scope ")
		b.WriteString(sc.Kind)
		b.WriteString("@")
		b.WriteString(sc.FrameName)
		b.WriteString(": ")
		b.WriteString(sc.Object.Compact())
	}
	if s.Heuristics != nil && s.Heuristics.LikelyObfuscated {
		b.WriteString(" || obfuscation: ")
		b.WriteString(strings.Join(s.Heuristics.Patterns, ","))
	}
	if s.Truncated {
		b.WriteString(" || (truncated)")
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Compact renders a StructuredValue as a terse single-line form.
func (v StructuredValue) Compact() string {
	switch v.Kind {
	case KindScalar:
		return toScalarString(v.Value)
	case KindArray:
		parts := make([]string, 0, len(v.Items)+1)
		for _, it := range v.Items {
			parts = append(parts, it.Compact())
		}
		if v.More > 0 {
			parts = append(parts, "+"+itoa(int64(v.More))+" more")
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindObject:
		parts := make([]string, 0, len(v.Fields))
		for _, f := range v.Fields {
			parts = append(parts, f.Name+"="+f.Value.Compact())
		}
		s := "{" + strings.Join(parts, ", ") + "}"
		if v.Note != "" {
			s += "<" + v.Note + ">"
		}
		return s
	case KindTruncated:
		return "<truncated>"
	case KindOpaque:
		return "<" + v.Note + ">"
	}
	return ""
}

func toScalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return "\"" + t + "\""
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return formatFloat(t)
	default:
		return ""
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', 6, 64)
}
