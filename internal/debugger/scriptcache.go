package debugger

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	cdpdebugger "github.com/chromedp/cdproto/debugger"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/cryptoscope/internal/cdp"
)

// contextMarker points at the paused position inside a context window.
const contextMarker = "➤"

// urlTrackCapacity bounds the scriptId→URL index. Entries are tiny but
// busy pages parse scripts continuously, so the index is LRU-bounded too.
const urlTrackCapacity = 4096

// SourceFetcher fetches full script sources; *cdp.Session satisfies it.
type SourceFetcher interface {
	GetScriptSource(ctx context.Context, scriptID string) (string, error)
}

// ScriptCache memoizes script sources by script id and keeps the
// scriptId→URL index fed from the scriptParsed stream. Obfuscated bundles
// run to megabytes, so the source cache is LRU-bounded rather than
// unbounded.
type ScriptCache struct {
	fetcher SourceFetcher
	cache   *lru.Cache[string, string]
	urls    *lru.Cache[string, string]
}

// NewScriptCache builds a cache holding up to capacity sources.
func NewScriptCache(fetcher SourceFetcher, capacity int) (*ScriptCache, error) {
	if capacity <= 0 {
		capacity = 500
	}
	c, err := lru.New[string, string](capacity)
	if err != nil {
		return nil, fmt.Errorf("debugger: building script cache: %w", err)
	}
	u, err := lru.New[string, string](urlTrackCapacity)
	if err != nil {
		return nil, fmt.Errorf("debugger: building script url index: %w", err)
	}
	return &ScriptCache{fetcher: fetcher, cache: c, urls: u}, nil
}

// Source returns the script source, fetching it on first use.
func (sc *ScriptCache) Source(ctx context.Context, scriptID string) (string, error) {
	if src, ok := sc.cache.Get(scriptID); ok {
		return src, nil
	}
	src, err := sc.fetcher.GetScriptSource(ctx, scriptID)
	if err != nil {
		return "", fmt.Errorf("debugger: fetching script %s: %w", scriptID, err)
	}
	sc.cache.Add(scriptID, src)
	return src, nil
}

// Track records the URL a script was parsed from. Eval scripts parse with
// an empty URL; those entries are recorded too so lookups stay cheap.
func (sc *ScriptCache) Track(scriptID, url string) {
	if scriptID == "" {
		return
	}
	sc.urls.Add(scriptID, url)
}

// URL returns the recorded URL for a script id, or "" when the script is
// unknown or was parsed without one.
func (sc *ScriptCache) URL(scriptID string) string {
	u, _ := sc.urls.Get(scriptID)
	return u
}

// TrackScripts pumps a Debugger.scriptParsed subscription into the URL
// index. It returns when the subscription channel closes; cancel the
// subscription to stop it.
func (sc *ScriptCache) TrackScripts(sub *cdp.Subscription, logger *zap.Logger) {
	log := logger.Named("scripts")
	for raw := range sub.Events() {
		var ev cdpdebugger.EventScriptParsed
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Debug("Unparseable scriptParsed event.", zap.Error(err))
			continue
		}
		sc.Track(string(ev.ScriptID), ev.URL)
	}
}

// Len reports the number of cached sources.
func (sc *ScriptCache) Len() int { return sc.cache.Len() }

// ContextWindow slices ±width characters around a zero-based line/column
// position and plants a marker at the position itself. Interior newlines
// collapse so the window stays a single line. Cut points are clamped to
// rune boundaries so multibyte source survives slicing intact.
func ContextWindow(source string, line, col int64, width int) string {
	if source == "" {
		return ""
	}

	offset := 0
	for i := int64(0); i < line; i++ {
		next := strings.IndexByte(source[offset:], '\n')
		if next < 0 {
			offset = len(source)
			break
		}
		offset += next + 1
	}
	offset += int(col)
	if offset > len(source) {
		offset = len(source)
	}
	for offset > 0 && offset < len(source) && !utf8.RuneStart(source[offset]) {
		offset--
	}

	start := offset - width
	if start < 0 {
		start = 0
	}
	for start > 0 && !utf8.RuneStart(source[start]) {
		start--
	}
	end := offset + width
	if end > len(source) {
		end = len(source)
	}
	for end < len(source) && !utf8.RuneStart(source[end]) {
		end++
	}

	window := source[start:offset] + contextMarker + source[offset:end]
	return strings.Join(strings.Fields(window), " ")
}
