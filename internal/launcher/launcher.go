// Package launcher starts a Chromium-family browser with remote debugging
// enabled and recovers the DevTools endpoint from its startup output.
package launcher

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cryptoscope/internal/config"
)

// devtoolsLineRegex matches the "DevTools listening on ws://..." banner.
// Edge variants append "with token <token>".
var devtoolsLineRegex = regexp.MustCompile(`(?i)devtools listening on\s+(ws://\S+)(?:\s+with token\s+(\S+))?`)

// defaultExecutables are tried in order when no path is configured.
var defaultExecutables = map[config.BrowserFamily][]string{
	config.FamilyChrome: {"google-chrome", "chromium", "chromium-browser", "chrome"},
	config.FamilyEdge:   {"microsoft-edge", "msedge"},
}

// Process is a launched browser and the artifacts it owns.
type Process struct {
	cmd        *exec.Cmd
	logger     *zap.Logger
	ProfileDir string
	LogPath    string
	Port       int

	ownsProfile bool
	stopOnce    sync.Once
}

// Launch starts the browser with remote debugging enabled. Stdout and
// stderr go to a log file inside the profile directory so the DevTools
// banner can be scraped afterwards.
func Launch(ctx context.Context, cfg config.BrowserConfig, targetURL string, logger *zap.Logger) (*Process, error) {
	log := logger.Named("launcher")

	profileDir := cfg.ProfileDir
	ownsProfile := false
	if profileDir == "" {
		dir, err := os.MkdirTemp("", "cryptoscope-profile-")
		if err != nil {
			return nil, fmt.Errorf("launcher: creating profile dir: %w", err)
		}
		profileDir = dir
		ownsProfile = true
	}

	port := cfg.DebugPort
	if port == 0 && cfg.Family == config.FamilyEdge {
		// Edge does not reliably write the marker file for port 0, so pick
		// a concrete port and let resolution confirm it.
		port = 9223 + rand.Intn(700)
	}

	exe, err := findExecutable(cfg)
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(profileDir, "browser.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		if ownsProfile {
			os.RemoveAll(profileDir)
		}
		return nil, fmt.Errorf("launcher: creating browser log: %w", err)
	}
	defer logFile.Close()

	args := buildArgs(cfg, port, profileDir, targetURL)
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	log.Info("Launching browser.",
		zap.String("executable", exe),
		zap.Int("port", port),
		zap.String("profile", profileDir))

	if err := cmd.Start(); err != nil {
		if ownsProfile {
			os.RemoveAll(profileDir)
		}
		return nil, fmt.Errorf("launcher: starting %s: %w", exe, err)
	}

	return &Process{
		cmd:         cmd,
		logger:      log,
		ProfileDir:  profileDir,
		LogPath:     logPath,
		Port:        port,
		ownsProfile: ownsProfile,
	}, nil
}

// ScanEndpoint tails the browser log until the DevTools banner appears or
// the wait window closes. The returned address has any session token folded
// into its query string.
func (p *Process) ScanEndpoint(ctx context.Context, wait time.Duration) (string, error) {
	t, err := tail.TailFile(p.LogPath, tail.Config{
		Follow:    true,
		ReOpen:    false,
		MustExist: false,
		Poll:      true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return "", fmt.Errorf("launcher: tailing browser log: %w", err)
	}
	defer func() {
		t.Stop()
		t.Cleanup()
	}()

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("launcher: no DevTools banner within %s", wait)
		case line, ok := <-t.Lines:
			if !ok {
				return "", fmt.Errorf("launcher: browser log closed before DevTools banner")
			}
			if line.Err != nil {
				p.logger.Warn("Error reading browser log.", zap.Error(line.Err))
				continue
			}
			if ep, token := ParseDevToolsLine(line.Text); ep != "" {
				if token != "" {
					ep += "?token=" + token
				}
				p.logger.Info("DevTools endpoint discovered.", zap.String("endpoint", ep))
				return ep, nil
			}
		}
	}
}

// ParseDevToolsLine extracts the websocket address and optional token from
// one log line.
func ParseDevToolsLine(line string) (endpoint, token string) {
	m := devtoolsLineRegex.FindStringSubmatch(line)
	if m == nil {
		return "", ""
	}
	return m[1], m[2]
}

// Stop kills the browser and removes a profile directory this process
// created. Idempotent.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		if p.cmd.Process != nil {
			if err := p.cmd.Process.Kill(); err != nil {
				p.logger.Debug("Killing browser failed.", zap.Error(err))
			}
			// Reap; the exit error after Kill is expected.
			_ = p.cmd.Wait()
		}
		if p.ownsProfile {
			if err := os.RemoveAll(p.ProfileDir); err != nil {
				p.logger.Warn("Removing profile dir failed.", zap.Error(err))
			}
		}
		p.logger.Info("Browser stopped.")
	})
}

func findExecutable(cfg config.BrowserConfig) (string, error) {
	if cfg.ExecutablePath != "" {
		return cfg.ExecutablePath, nil
	}
	for _, name := range defaultExecutables[cfg.Family] {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("launcher: no %s executable found; set browser.executable_path", cfg.Family)
}

// buildArgs assembles the launch flags. The remote debugging plumbing comes
// first, then flags that keep the browser from interfering with the debug
// loop, then the caller's extras and the target URL.
func buildArgs(cfg config.BrowserConfig, port int, profileDir, targetURL string) []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--remote-allow-origins=*",
		"--user-data-dir=" + profileDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-background-timer-throttling",
		"--disable-renderer-backgrounding",
		"--disable-hang-monitor",
		"--disable-popup-blocking",
		"--disable-sync",
	}
	if cfg.Headless {
		args = append(args, "--headless=new")
	}
	if cfg.IgnoreTLSErrors {
		args = append(args, "--ignore-certificate-errors")
	}
	args = append(args, cfg.ExtraArgs...)
	if targetURL != "" {
		args = append(args, targetURL)
	}
	return args
}
