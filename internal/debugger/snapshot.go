package debugger

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	cdpdebugger "github.com/chromedp/cdproto/debugger"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/cryptoscope/api/schemas"
)

const (
	maxStackFrames      = 5
	maxScopeFrames      = 2
	maxScopesPerFrame   = 2
	maxArrayItems       = 10
	largeObjectProps    = 50
	frameworkFieldLimit = 3

	// Degraded limits under memory pressure.
	pressureStackFrames = 3
	pressureScopeFrames = 1
)

// skipNames excludes well-known noise properties outright.
var skipNames = map[string]bool{
	"constructor": true,
	"prototype":   true,
	"__proto__":   true,
	"arguments":   true,
	"caller":      true,
	"window":      true,
	"document":    true,
	"globalThis":  true,
	"self":        true,
	"top":         true,
	"parent":      true,
}

// importantNames float to the front of extracted objects; payloads and
// crypto material usually hide behind them.
var importantNames = map[string]bool{
	"id": true, "name": true, "key": true, "iv": true, "type": true,
	"value": true, "data": true, "url": true, "method": true, "token": true,
	"sign": true, "signature": true, "params": true, "body": true,
	"payload": true, "response": true, "result": true, "error": true,
	"code": true, "status": true,
}

// recursionWorthy names get descent even where plain objects would only be
// summarized.
var recursionWorthy = map[string]bool{
	"params": true, "data": true, "key": true, "iv": true,
	"body": true, "payload": true, "config": true, "options": true,
}

// frameworkFields is the allowlist kept when an object looks like a
// framework component instance.
var frameworkFields = []string{"_data", "state", "props", "type", "id", "key"}

var arrayLenRegex = regexp.MustCompile(`\((\d+)\)`)

// PropertySource lists the own properties of a remote object.
type PropertySource interface {
	GetProperties(ctx context.Context, objectID string, generatePreview bool) ([]*cdpruntime.PropertyDescriptor, error)
}

// Extractor converts pause events into budgeted snapshots.
type Extractor struct {
	props  PropertySource
	cache  *ScriptCache
	cfg    schemas.SessionConfig
	logger *zap.Logger

	memBudgetBytes uint64
	memFraction    float64

	// readMemStats is swappable for tests.
	readMemStats func() uint64
}

// NewExtractor builds an extractor over a property source and script cache.
// memBudgetBytes of zero disables the memory pressure check.
func NewExtractor(props PropertySource, cache *ScriptCache, cfg schemas.SessionConfig, memBudgetBytes uint64, memFraction float64, logger *zap.Logger) *Extractor {
	if memFraction <= 0 || memFraction > 1 {
		memFraction = 0.8
	}
	return &Extractor{
		props:          props,
		cache:          cache,
		cfg:            cfg.WithDefaults(),
		logger:         logger.Named("extractor"),
		memBudgetBytes: memBudgetBytes,
		memFraction:    memFraction,
		readMemStats: func() uint64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return ms.HeapInuse
		},
	}
}

// propBudget is the shared total-property allowance of one snapshot.
type propBudget struct {
	remaining int
	exhausted bool
}

func (b *propBudget) take() bool {
	if b.remaining <= 0 {
		b.exhausted = true
		return false
	}
	b.remaining--
	return true
}

func (e *Extractor) underPressure() bool {
	if e.memBudgetBytes == 0 {
		return false
	}
	return float64(e.readMemStats()) > float64(e.memBudgetBytes)*e.memFraction
}

// Extract walks the pause's top frames and builds a snapshot. It never
// fails the session: errors from the remote side degrade the affected
// parts and are logged.
func (e *Extractor) Extract(ctx context.Context, ev *cdpdebugger.EventPaused) (*schemas.Snapshot, error) {
	snap := &schemas.Snapshot{CapturedAt: time.Now()}
	if len(ev.CallFrames) == 0 {
		snap.Context = "(no call frames)"
		return snap, fmt.Errorf("%w: pause carried no call frames", ErrExtraction)
	}

	top := ev.CallFrames[0]
	snap.FunctionName = frameName(top)
	if top.Location != nil {
		snap.Location = schemas.Location{
			ScriptID: string(top.Location.ScriptID),
			Line:     top.Location.LineNumber,
			Column:   top.Location.ColumnNumber,
			URL:      e.frameURL(top),
		}
	}

	pressured := e.underPressure()
	stackFrames := maxStackFrames
	scopeFrames := maxScopeFrames
	depth := e.cfg.ScopeMaxDepth
	if pressured {
		e.logger.Warn("Memory pressure; halving snapshot limits.")
		stackFrames = pressureStackFrames
		scopeFrames = pressureScopeFrames
		if depth > 2 {
			depth = 2
		}
	}

	if snap.Location.ScriptID != "" {
		source, err := e.cache.Source(ctx, snap.Location.ScriptID)
		if err != nil {
			e.logger.Debug("Script source unavailable.", zap.String("script", snap.Location.ScriptID), zap.Error(err))
			snap.Context = "(source unavailable)"
		} else {
			snap.Context = ContextWindow(source, snap.Location.Line, snap.Location.Column, e.cfg.ContextChars)
			report := AnalyzeSource(source)
			snap.Heuristics = &report
		}
	}

	snap.CallStack = e.formatCallStack(ev.CallFrames, stackFrames)

	budget := &propBudget{remaining: e.cfg.ScopeMaxTotalProps}
	for i, frame := range ev.CallFrames {
		if i >= scopeFrames || budget.exhausted {
			break
		}
		snap.Scopes = append(snap.Scopes, e.extractFrameScopes(ctx, frame, depth, budget)...)
	}
	snap.Truncated = budget.exhausted

	return snap, nil
}

func frameName(frame *cdpdebugger.CallFrame) string {
	if frame.FunctionName == "" {
		return "(anonymous)"
	}
	return frame.FunctionName
}

// frameURL resolves a frame's source URL through the scriptParsed index;
// pause frames carry only the script id.
func (e *Extractor) frameURL(frame *cdpdebugger.CallFrame) string {
	if frame.Location == nil {
		return ""
	}
	return e.cache.URL(string(frame.Location.ScriptID))
}

// formatCallStack renders up to limit frames as "i. name (url:line:col)"
// with 1-based positions.
func (e *Extractor) formatCallStack(frames []*cdpdebugger.CallFrame, limit int) []string {
	if len(frames) < limit {
		limit = len(frames)
	}
	out := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		f := frames[i]
		var line, col int64
		if f.Location != nil {
			line = f.Location.LineNumber + 1
			col = f.Location.ColumnNumber + 1
		}
		out = append(out, fmt.Sprintf("%d. %s (%s:%d:%d)", i+1, frameName(f), e.frameURL(f), line, col))
	}
	return out
}

// extractFrameScopes pulls the local and block scopes of one frame, at most
// maxScopesPerFrame of them.
func (e *Extractor) extractFrameScopes(ctx context.Context, frame *cdpdebugger.CallFrame, depth int, budget *propBudget) []schemas.ScopeSnapshot {
	var out []schemas.ScopeSnapshot
	for _, scope := range frame.ScopeChain {
		if len(out) >= maxScopesPerFrame || budget.exhausted {
			break
		}
		if scope == nil || scope.Object == nil {
			continue
		}
		var kind string
		switch scope.Type {
		case cdpdebugger.ScopeTypeLocal:
			kind = "local"
		case cdpdebugger.ScopeTypeBlock:
			kind = "block"
		default:
			continue
		}
		if scope.Object.ObjectID == "" {
			continue
		}
		obj := e.extractObject(ctx, string(scope.Object.ObjectID), 0, depth, budget)
		out = append(out, schemas.ScopeSnapshot{
			Kind:      kind,
			FrameName: frameName(frame),
			Object:    obj,
		})
	}
	return out
}

// extractObject recursively materializes a remote object under the depth
// and budget rules.
func (e *Extractor) extractObject(ctx context.Context, objectID string, depth, maxDepth int, budget *propBudget) schemas.StructuredValue {
	if depth > maxDepth {
		return schemas.StructuredValue{Kind: schemas.KindTruncated}
	}
	if budget.exhausted {
		return schemas.StructuredValue{Kind: schemas.KindTruncated}
	}

	props, err := e.props.GetProperties(ctx, objectID, true)
	if err != nil {
		e.logger.Debug("Property fetch failed.", zap.Error(err))
		return schemas.StructuredValue{Kind: schemas.KindOpaque, Note: "unavailable"}
	}

	// Fingerprints live on skip-prefixed names, so sniff before filtering.
	if fw := frameworkKind(props); fw != "" && depth > 0 {
		return e.summarizeFramework(props, fw)
	}

	props = filterAndOrder(props)

	if len(props) > largeObjectProps && depth > 0 {
		return schemas.StructuredValue{
			Kind: schemas.KindOpaque,
			Note: fmt.Sprintf("large object (~%d properties)", len(props)),
		}
	}

	obj := schemas.StructuredValue{Kind: schemas.KindObject}
	for _, p := range props {
		if !budget.take() {
			obj.Note = "budget exhausted"
			break
		}
		obj.Fields = append(obj.Fields, schemas.Field{
			Name:  p.Name,
			Value: e.extractValue(ctx, p.Name, p.Value, depth, maxDepth, budget),
		})
	}
	return obj
}

// extractValue maps a single remote value into its structured form.
func (e *Extractor) extractValue(ctx context.Context, name string, v *cdpruntime.RemoteObject, depth, maxDepth int, budget *propBudget) schemas.StructuredValue {
	if v == nil {
		return schemas.StructuredValue{Kind: schemas.KindScalar, Value: nil}
	}

	switch v.Type {
	case cdpruntime.TypeString, cdpruntime.TypeNumber, cdpruntime.TypeBoolean:
		return schemas.StructuredValue{Kind: schemas.KindScalar, Value: decodeScalar(v)}
	case cdpruntime.TypeUndefined:
		return schemas.StructuredValue{Kind: schemas.KindScalar, Value: "undefined"}
	case cdpruntime.TypeBigint:
		return schemas.StructuredValue{Kind: schemas.KindScalar, Value: v.Description}
	case cdpruntime.TypeSymbol, cdpruntime.TypeFunction:
		return schemas.StructuredValue{Kind: schemas.KindOpaque, Note: shortDescription(v)}
	case cdpruntime.TypeObject:
		// handled below
	default:
		return schemas.StructuredValue{Kind: schemas.KindOpaque, Note: shortDescription(v)}
	}

	switch {
	case v.Subtype == cdpruntime.SubtypeNull:
		return schemas.StructuredValue{Kind: schemas.KindScalar, Value: nil}
	case isArrayLike(v):
		return e.extractArray(ctx, v, budget)
	case isDOMValue(v):
		return schemas.StructuredValue{Kind: schemas.KindOpaque, Note: shortDescription(v)}
	case v.ObjectID != "" && depth < maxDepth && (depth == 0 || recursionWorthy[strings.ToLower(name)] || plainObject(v)):
		return e.extractObject(ctx, string(v.ObjectID), depth+1, maxDepth, budget)
	default:
		return schemas.StructuredValue{Kind: schemas.KindOpaque, Note: shortDescription(v)}
	}
}

// extractArray pulls the first elements of an array-like object, falling
// back to the preview when the elements cannot be listed.
func (e *Extractor) extractArray(ctx context.Context, v *cdpruntime.RemoteObject, budget *propBudget) schemas.StructuredValue {
	total := arrayLength(v)
	out := schemas.StructuredValue{Kind: schemas.KindArray}

	if v.ObjectID != "" {
		props, err := e.props.GetProperties(ctx, string(v.ObjectID), false)
		if err == nil {
			type indexed struct {
				idx int
				val *cdpruntime.RemoteObject
			}
			var elems []indexed
			for _, p := range props {
				if idx, err := strconv.Atoi(p.Name); err == nil {
					elems = append(elems, indexed{idx: idx, val: p.Value})
				}
			}
			sort.Slice(elems, func(i, j int) bool { return elems[i].idx < elems[j].idx })
			if total < len(elems) {
				total = len(elems)
			}
			for i, el := range elems {
				if i >= maxArrayItems {
					break
				}
				if !budget.take() {
					out.Note = "budget exhausted"
					break
				}
				out.Items = append(out.Items, scalarOrSummary(el.val))
			}
			out.More = remaining(total, len(out.Items))
			return out
		}
		e.logger.Debug("Array element fetch failed; using preview.", zap.Error(err))
	}

	if v.Preview != nil {
		for i, p := range v.Preview.Properties {
			if i >= maxArrayItems {
				break
			}
			if !budget.take() {
				out.Note = "budget exhausted"
				break
			}
			out.Items = append(out.Items, schemas.StructuredValue{Kind: schemas.KindScalar, Value: p.Value})
		}
		if total < len(v.Preview.Properties) {
			total = len(v.Preview.Properties)
		}
	}
	out.More = remaining(total, len(out.Items))
	return out
}

func remaining(total, taken int) int {
	if total > taken {
		return total - taken
	}
	return 0
}

// scalarOrSummary renders array elements without further recursion.
func scalarOrSummary(v *cdpruntime.RemoteObject) schemas.StructuredValue {
	if v == nil {
		return schemas.StructuredValue{Kind: schemas.KindScalar, Value: nil}
	}
	switch v.Type {
	case cdpruntime.TypeString, cdpruntime.TypeNumber, cdpruntime.TypeBoolean:
		return schemas.StructuredValue{Kind: schemas.KindScalar, Value: decodeScalar(v)}
	case cdpruntime.TypeUndefined:
		return schemas.StructuredValue{Kind: schemas.KindScalar, Value: "undefined"}
	default:
		return schemas.StructuredValue{Kind: schemas.KindOpaque, Note: shortDescription(v)}
	}
}

// summarizeFramework keeps only the allowlisted scalar fields of a
// framework component instance.
func (e *Extractor) summarizeFramework(props []*cdpruntime.PropertyDescriptor, fw string) schemas.StructuredValue {
	byName := make(map[string]*cdpruntime.RemoteObject, len(props))
	for _, p := range props {
		byName[p.Name] = p.Value
	}
	out := schemas.StructuredValue{Kind: schemas.KindObject, Note: fw + " component"}
	for _, name := range frameworkFields {
		if len(out.Fields) >= frameworkFieldLimit {
			break
		}
		v, ok := byName[name]
		if !ok || v == nil {
			continue
		}
		switch v.Type {
		case cdpruntime.TypeString, cdpruntime.TypeNumber, cdpruntime.TypeBoolean:
			out.Fields = append(out.Fields, schemas.Field{
				Name:  name,
				Value: schemas.StructuredValue{Kind: schemas.KindScalar, Value: decodeScalar(v)},
			})
		}
	}
	return out
}

// frameworkKind sniffs component-instance fingerprints in a property list.
func frameworkKind(props []*cdpruntime.PropertyDescriptor) string {
	for _, p := range props {
		switch {
		case strings.HasPrefix(p.Name, "__reactFiber") || strings.HasPrefix(p.Name, "__reactInternalInstance") || p.Name == "_reactInternals":
			return "react"
		case p.Name == "_isVue" || p.Name == "__vue__" || p.Name == "$options":
			return "vue"
		}
	}
	return ""
}

// filterAndOrder drops noise properties and floats the important names to
// the front, keeping the original order within each group.
func filterAndOrder(props []*cdpruntime.PropertyDescriptor) []*cdpruntime.PropertyDescriptor {
	var important, rest []*cdpruntime.PropertyDescriptor
	for _, p := range props {
		if p == nil || shouldSkip(p) {
			continue
		}
		if importantNames[strings.ToLower(p.Name)] {
			important = append(important, p)
		} else {
			rest = append(rest, p)
		}
	}
	return append(important, rest...)
}

func shouldSkip(p *cdpruntime.PropertyDescriptor) bool {
	if skipNames[p.Name] {
		return true
	}
	if strings.HasPrefix(p.Name, "__") || strings.HasPrefix(p.Name, "$$") {
		return true
	}
	if p.Value != nil && p.Value.Type == cdpruntime.TypeFunction {
		return true
	}
	return false
}

func isArrayLike(v *cdpruntime.RemoteObject) bool {
	switch v.Subtype {
	case cdpruntime.SubtypeArray, cdpruntime.SubtypeTypedarray, cdpruntime.SubtypeArraybuffer, cdpruntime.SubtypeDataview:
		return true
	}
	return false
}

func isDOMValue(v *cdpruntime.RemoteObject) bool {
	if v.Subtype == cdpruntime.SubtypeNode {
		return true
	}
	return strings.HasPrefix(v.ClassName, "HTML") || v.ClassName == "Window" || v.ClassName == "Document"
}

// plainObject reports whether the value is an ordinary Object, the kind
// worth descending into at the top level.
func plainObject(v *cdpruntime.RemoteObject) bool {
	return v.Subtype == "" && (v.ClassName == "Object" || v.ClassName == "")
}

func arrayLength(v *cdpruntime.RemoteObject) int {
	m := arrayLenRegex.FindStringSubmatch(v.Description)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// decodeScalar decodes the inline value of a primitive remote object.
func decodeScalar(v *cdpruntime.RemoteObject) any {
	if len(v.Value) > 0 {
		var out any
		if err := json.Unmarshal([]byte(v.Value), &out); err == nil {
			return out
		}
	}
	if v.UnserializableValue != "" {
		return string(v.UnserializableValue)
	}
	return v.Description
}

// shortDescription renders a one-line stand-in for values not worth
// descending into.
func shortDescription(v *cdpruntime.RemoteObject) string {
	desc := v.Description
	if desc == "" {
		desc = v.ClassName
	}
	if desc == "" {
		desc = string(v.Type)
	}
	if i := strings.IndexByte(desc, '\n'); i >= 0 {
		desc = desc[:i]
	}
	if len(desc) > 120 {
		desc = desc[:120] + "…"
	}
	return desc
}
