package cdp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto"
)

var (
	// ErrEndpointUnresolved means no debugger websocket address could be
	// found within the resolution window.
	ErrEndpointUnresolved = errors.New("cdp: debugger endpoint unresolved")

	// ErrDisconnected means the websocket to the browser is gone. Any
	// in-flight or future calls on the transport fail with it.
	ErrDisconnected = errors.New("cdp: transport disconnected")

	// ErrNotPaused means a command required a paused debugger but execution
	// was running. Callers generally treat this as benign.
	ErrNotPaused = errors.New("cdp: debugger is not paused")
)

// ProtocolError is a structured error returned by the browser for a command.
type ProtocolError struct {
	Method  cdproto.MethodType
	Code    int64
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("cdp: %s failed: %s (code %d)", e.Method, e.Message, e.Code)
}

// Is lets errors.Is(err, ErrNotPaused) match the browser's own phrasing of
// the not-paused condition.
func (e *ProtocolError) Is(target error) bool {
	if target != ErrNotPaused {
		return false
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "not paused") ||
		strings.Contains(msg, "can only perform operation while paused")
}
