// Package hooks loads user-supplied JavaScript instrumentation and routes
// the console output it produces back out of the page.
package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/cryptoscope/internal/cdp"
)

// FramePrefix marks call frames created by injected instrumentation; the
// debug loop steps straight through them.
const FramePrefix = "__cryptoscope"

// LogMarker tags console lines emitted by hook scripts so they can be told
// apart from the page's own logging.
const LogMarker = "[cryptoscope-hook]"

// Manager loads and combines the *.js files of a hooks directory. Files are
// cached by size and mtime so repeated loads are cheap.
type Manager struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	scripts map[string]string // filename -> source
	stamps  map[string]string // filename -> size/mtime signature
}

// NewManager creates a manager over dir. The directory may not exist yet;
// loading then simply yields nothing.
func NewManager(dir string, logger *zap.Logger) *Manager {
	return &Manager{
		dir:     dir,
		logger:  logger.Named("hooks"),
		scripts: make(map[string]string),
		stamps:  make(map[string]string),
	}
}

// Load refreshes the cache from disk and returns the number of scripts.
func (m *Manager) Load() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("hooks: reading %s: %w", m.dir, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".js") {
			continue
		}
		seen[name] = true

		info, err := e.Info()
		if err != nil {
			continue
		}
		stamp := fmt.Sprintf("%d/%d", info.Size(), info.ModTime().UnixNano())
		if m.stamps[name] == stamp {
			continue
		}

		data, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			m.logger.Warn("Skipping unreadable hook script.", zap.String("file", name), zap.Error(err))
			continue
		}
		m.scripts[name] = string(data)
		m.stamps[name] = stamp
		m.logger.Info("Loaded hook script.", zap.String("file", name), zap.Int("bytes", len(data)))
	}

	for name := range m.scripts {
		if !seen[name] {
			delete(m.scripts, name)
			delete(m.stamps, name)
		}
	}
	return len(m.scripts), nil
}

// Filenames lists the loaded scripts in combination order.
func (m *Manager) Filenames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.scripts))
	for name := range m.scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Combined concatenates every loaded script into one injectable source.
// Each script runs inside its own IIFE so a throw in one cannot take the
// others down.
func (m *Manager) Combined() string {
	names := m.Filenames()
	if len(names) == 0 {
		return ""
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "// hook: %s\n", name)
		b.WriteString("(function() { try {\n")
		b.WriteString(m.scripts[name])
		fmt.Fprintf(&b, "\n} catch (e) { console.warn('%s hook failed: %s', e); } })();\n", LogMarker, name)
	}
	return b.String()
}

// consoleCall is the slice of Runtime.consoleAPICalled this package needs.
type consoleCall struct {
	Type string                  `json:"type"`
	Args []*runtime.RemoteObject `json:"args"`
}

// ForwardConsole pumps a Runtime.consoleAPICalled subscription, forwarding
// hook-marked lines to emit. It returns when the subscription channel
// closes; cancel the subscription to stop it.
func ForwardConsole(sub *cdp.Subscription, emit func(level, text string), logger *zap.Logger) {
	log := logger.Named("hooks")
	for raw := range sub.Events() {
		var call consoleCall
		if err := json.Unmarshal(raw, &call); err != nil {
			log.Debug("Unparseable console event.", zap.Error(err))
			continue
		}
		text := renderArgs(call.Args)
		if !strings.Contains(text, LogMarker) {
			continue
		}
		emit(call.Type, text)
	}
}

func renderArgs(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		switch {
		case len(a.Value) > 0:
			var v any
			if err := json.Unmarshal([]byte(a.Value), &v); err == nil {
				if s, ok := v.(string); ok {
					parts = append(parts, s)
					continue
				}
			}
			parts = append(parts, string(a.Value))
		case a.Description != "":
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}
