package debugger

import "errors"

var (
	// ErrPauseTimeout means no pause arrived within the per-pause window.
	// It is terminal for the session.
	ErrPauseTimeout = errors.New("debugger: timed out waiting for a pause")

	// ErrOracleFailure wraps a failed oracle consultation. The loop absorbs
	// it by stepping over.
	ErrOracleFailure = errors.New("debugger: oracle consultation failed")

	// ErrExtraction wraps a failed snapshot extraction. The loop absorbs it
	// and continues with a degraded snapshot.
	ErrExtraction = errors.New("debugger: snapshot extraction failed")
)

// ErrorCode classifies a session-terminal failure in event payloads.
type ErrorCode string

const (
	CodeEndpointUnresolved ErrorCode = "ENDPOINT_UNRESOLVED"
	CodeDisconnected       ErrorCode = "DISCONNECTED"
	CodePauseTimeout       ErrorCode = "PAUSE_TIMEOUT"
	CodeStepFailed         ErrorCode = "STEP_FAILED"
	CodeInternal           ErrorCode = "INTERNAL"
)
