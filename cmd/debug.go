// -- cmd/debug.go --
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cryptoscope/api/schemas"
	"github.com/xkilldash9x/cryptoscope/internal/observability"
	"github.com/xkilldash9x/cryptoscope/internal/service"
)

// newDebugCmd creates and configures the `debug` command.
func newDebugCmd() *cobra.Command {
	var (
		mode       string
		scriptURL  string
		urlRegex   string
		line       int64
		column     int64
		condition  string
		xhrPattern string
		endpoint   string
		attachOnly bool
		duration   time.Duration
		reload     bool
		jsonOut    bool
	)

	debugCmd := &cobra.Command{
		Use:   "debug [target-url]",
		Short: "Starts an AI-guided debugging session against a page",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags so they override config file and environment values.
			if err := viper.BindPFlag("debugger.session_duration", cmd.Flags().Lookup("duration")); err != nil {
				return err
			}
			if err := viper.BindPFlag("debugger.reload_on_start", cmd.Flags().Lookup("reload")); err != nil {
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			targetURL := args[0]
			if !strings.HasPrefix(targetURL, "http://") && !strings.HasPrefix(targetURL, "https://") {
				targetURL = "https://" + targetURL
			}

			if duration > 0 {
				cfg.Debugger.SessionDuration = duration
			}
			if cmd.Flags().Changed("reload") {
				cfg.Debugger.ReloadOnStart = reload
			}

			spec, err := buildBreakpointSpec(mode, scriptURL, urlRegex, line, column, condition, xhrPattern)
			if err != nil {
				return err
			}

			manager := service.NewManager(cfg, logger)
			id, err := manager.Start(ctx, service.StartRequest{
				TargetURL:  targetURL,
				Breakpoint: spec,
				Endpoint:   endpoint,
				AttachOnly: attachOnly,
			})
			if err != nil {
				return err
			}
			logger.Info("Debug session started",
				zap.String("session_id", id),
				zap.String("target", targetURL),
				zap.String("mode", string(spec.Mode)))

			events, err := manager.Events(id)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			for ev := range events {
				if jsonOut {
					if err := enc.Encode(ev); err != nil {
						logger.Warn("Failed to encode event", zap.Error(err))
					}
					continue
				}
				printEvent(ev)
			}

			// The event channel closes only after full teardown; collect the
			// session's final error. A canceled context means the user asked
			// to stop, which is not a failure.
			waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := manager.Wait(waitCtx, id); err != nil && ctx.Err() == nil {
				return fmt.Errorf("debug session failed: %w", err)
			}

			if path, err := manager.TranscriptPath(id); err == nil {
				fmt.Printf("\nSession complete. Transcript: %s\n", path)
			}
			return nil
		},
	}

	debugCmd.Flags().StringVar(&mode, "mode", "xhr", "breakpoint mode: source or xhr")
	debugCmd.Flags().StringVar(&scriptURL, "script-url", "", "script URL for a source breakpoint")
	debugCmd.Flags().StringVar(&urlRegex, "script-url-regex", "", "script URL regex for a source breakpoint")
	debugCmd.Flags().Int64Var(&line, "line", 0, "zero-based line for a source breakpoint")
	debugCmd.Flags().Int64Var(&column, "column", 0, "zero-based column for a source breakpoint")
	debugCmd.Flags().StringVar(&condition, "condition", "", "breakpoint condition expression")
	debugCmd.Flags().StringVar(&xhrPattern, "xhr-pattern", "", "URL substring for XHR interception (empty matches all)")
	debugCmd.Flags().StringVar(&endpoint, "attach", "", "websocket endpoint of a running browser")
	debugCmd.Flags().BoolVar(&attachOnly, "attach-only", false, "never launch a browser, discover one on the configured port")
	debugCmd.Flags().DurationVar(&duration, "duration", 0, "session duration (overrides config)")
	debugCmd.Flags().BoolVar(&reload, "reload", false, "reload the page once the breakpoint is armed")
	debugCmd.Flags().BoolVar(&jsonOut, "json", false, "emit events as JSON lines")

	return debugCmd
}

// buildBreakpointSpec translates the flag set into a validated spec.
func buildBreakpointSpec(mode, scriptURL, urlRegex string, line, column int64, condition, xhrPattern string) (schemas.BreakpointSpec, error) {
	var spec schemas.BreakpointSpec
	switch strings.ToLower(mode) {
	case "source":
		spec = schemas.BreakpointSpec{
			Mode:      schemas.ModeSource,
			URL:       scriptURL,
			URLRegex:  urlRegex,
			Line:      line,
			Column:    column,
			Condition: condition,
		}
	case "xhr":
		spec = schemas.BreakpointSpec{
			Mode:       schemas.ModeXHR,
			XHRPattern: xhrPattern,
		}
	default:
		return spec, fmt.Errorf("unknown mode %q, expected source or xhr", mode)
	}
	return spec, spec.Validate()
}

// printEvent renders one session event for human consumption.
func printEvent(ev schemas.Event) {
	ts := ev.Time.Format("15:04:05")
	switch ev.Name {
	case schemas.EventPaused:
		fmt.Printf("[%s] paused at %v:%v:%v in %v\n", ts,
			ev.Payload["url"], ev.Payload["line"], ev.Payload["column"], ev.Payload["function"])
	case schemas.EventResumed:
		fmt.Printf("[%s] resumed (%v)\n", ts, ev.Payload["action"])
	case schemas.EventHookLog:
		fmt.Printf("[%s] hook: %v\n", ts, ev.Payload["text"])
	case schemas.EventAnalysisDone:
		fmt.Printf("[%s] analysis report: %v\n", ts, ev.Payload["report"])
	case schemas.EventError:
		fmt.Printf("[%s] error (%v): %v\n", ts, ev.Payload["code"], ev.Payload["message"])
	case schemas.EventStopped:
		fmt.Printf("[%s] session ended: %v after %v steps\n", ts,
			ev.Payload["reason"], ev.Payload["steps"])
	default:
		fmt.Printf("[%s] %s: %v\n", ts, ev.Name, ev.Payload)
	}
}
