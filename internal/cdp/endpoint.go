package cdp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/cryptoscope/internal/config"
)

const (
	// markerFileName is written by Chromium-based browsers into the profile
	// directory once the DevTools server is up.
	markerFileName = "DevToolsActivePort"

	resolvePollInterval = 200 * time.Millisecond
	defaultResolveWait  = 5 * time.Second
	metadataTimeout     = time.Second
)

// ResolveOptions feeds the endpoint resolution ladder. Sources are tried in
// a fixed order: a known endpoint wins outright, then the profile marker
// file, then the browser's HTTP metadata, and finally a conventional guess
// from the port and family.
type ResolveOptions struct {
	// Known is a websocket endpoint supplied by the caller; when set it is
	// returned (normalized) without probing anything.
	Known string
	// ProfileDir is searched for the DevToolsActivePort marker file.
	ProfileDir string
	// Host defaults to 127.0.0.1.
	Host string
	// Port is the remote debugging port, when one is known.
	Port int
	// Family is recorded when the last-resort conventional endpoint is used.
	Family config.BrowserFamily
	// Wait bounds how long unproductive sources are retried before falling
	// back. Zero means 5s.
	Wait time.Duration

	// HTTPClient overrides the metadata client, for tests.
	HTTPClient *http.Client
}

type versionMetadata struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type targetMetadata struct {
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	Title                string `json:"title"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ResolveEndpoint finds the browser-level DevTools websocket address. It
// polls the usable sources until one yields an endpoint or the wait window
// closes, then falls back to a conventionally shaped address when a port is
// known.
func ResolveEndpoint(ctx context.Context, opts ResolveOptions, logger *zap.Logger) (string, error) {
	if opts.Known != "" {
		return normalizeEndpoint(opts.Known), nil
	}
	log := logger.Named("resolver")

	wait := opts.Wait
	if wait <= 0 {
		wait = defaultResolveWait
	}
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: metadataTimeout}
	}

	deadline := time.Now().Add(wait)
	for {
		if ep := resolveOnce(ctx, opts, host, client, log); ep != "" {
			return ep, nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(resolvePollInterval):
		}
	}

	if opts.Port > 0 {
		ep := conventionalEndpoint(host, opts.Port)
		log.Warn("Falling back to conventional endpoint.",
			zap.String("family", string(opts.Family)), zap.String("endpoint", ep))
		return ep, nil
	}
	return "", fmt.Errorf("%w: no source yielded an address within %s", ErrEndpointUnresolved, wait)
}

func resolveOnce(ctx context.Context, opts ResolveOptions, host string, client *http.Client, log *zap.Logger) string {
	if opts.ProfileDir != "" {
		if ep := readMarkerFile(opts.ProfileDir, host); ep != "" {
			log.Debug("Resolved endpoint from marker file.", zap.String("endpoint", ep))
			return ep
		}
	}
	if opts.Port > 0 {
		if ep := queryVersion(ctx, client, host, opts.Port); ep != "" {
			log.Debug("Resolved endpoint from /json/version.", zap.String("endpoint", ep))
			return ep
		}
		if ep := queryTargetList(ctx, client, host, opts.Port); ep != "" {
			log.Debug("Resolved endpoint from /json/list.", zap.String("endpoint", ep))
			return ep
		}
	}
	return ""
}

// readMarkerFile parses the DevToolsActivePort file: first line is the
// port, second the browser websocket path.
func readMarkerFile(profileDir, host string) string {
	data, err := os.ReadFile(filepath.Join(profileDir, markerFileName))
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) < 2 {
		return ""
	}
	port, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || port <= 0 {
		return ""
	}
	path := strings.TrimSpace(lines[1])
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("ws://%s:%d%s", host, port, path)
}

func queryVersion(ctx context.Context, client *http.Client, host string, port int) string {
	var meta versionMetadata
	if err := getJSON(ctx, client, fmt.Sprintf("http://%s:%d/json/version", host, port), &meta); err != nil {
		return ""
	}
	return normalizeEndpoint(meta.WebSocketDebuggerURL)
}

func queryTargetList(ctx context.Context, client *http.Client, host string, port int) string {
	var targets []targetMetadata
	if err := getJSON(ctx, client, fmt.Sprintf("http://%s:%d/json/list", host, port), &targets); err != nil {
		return ""
	}
	// Prefer a page target; fall back to whatever else is connectable.
	fallback := ""
	for _, t := range targets {
		if t.WebSocketDebuggerURL == "" {
			continue
		}
		if t.Type == "page" {
			return normalizeEndpoint(t.WebSocketDebuggerURL)
		}
		if fallback == "" {
			fallback = t.WebSocketDebuggerURL
		}
	}
	return normalizeEndpoint(fallback)
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// conventionalEndpoint is the last resort. Chrome and Edge both serve the
// browser target under /devtools/browser, normally with a GUID suffix the
// bare form tolerates.
func conventionalEndpoint(host string, port int) string {
	return fmt.Sprintf("ws://%s:%d/devtools/browser", host, port)
}

// normalizeEndpoint rewrites loopback literals the websocket dialer
// handles poorly and strips whitespace.
func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	if u.Hostname() == "::1" || u.Hostname() == "localhost" {
		port := u.Port()
		if port != "" {
			u.Host = "127.0.0.1:" + port
		} else {
			u.Host = "127.0.0.1"
		}
	}
	return u.String()
}
