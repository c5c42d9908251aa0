package cdp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	json "github.com/json-iterator/go"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// httptest keeps an idle keep-alive conn reaper around.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// fakeBrowser is a websocket server that answers commands through a handler
// and can push unsolicited events.
type fakeBrowser struct {
	t       *testing.T
	server  *httptest.Server
	handler func(msg *wireMessage) *wireMessage

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeBrowser(t *testing.T, handler func(msg *wireMessage) *wireMessage) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{t: t, handler: handler}
	upgrader := websocket.Upgrader{}
	fb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.conns = append(fb.conns, conn)
		fb.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg wireMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if resp := fb.handler(&msg); resp != nil {
				fb.write(conn, resp)
			}
		}
	}))
	t.Cleanup(fb.close)
	return fb
}

func (fb *fakeBrowser) write(conn *websocket.Conn, msg *wireMessage) {
	b, err := json.Marshal(msg)
	require.NoError(fb.t, err)
	fb.mu.Lock()
	defer fb.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

// pushEvent sends an unsolicited event on every open connection.
func (fb *fakeBrowser) pushEvent(method string, params any) {
	raw, err := json.Marshal(params)
	require.NoError(fb.t, err)
	fb.mu.Lock()
	conns := append([]*websocket.Conn(nil), fb.conns...)
	fb.mu.Unlock()
	msg := &wireMessage{Method: cdproto.MethodType(method), Params: raw}
	b, err := json.Marshal(msg)
	require.NoError(fb.t, err)
	for _, c := range conns {
		_ = c.WriteMessage(websocket.TextMessage, b)
	}
}

func (fb *fakeBrowser) endpoint() string {
	return "ws" + strings.TrimPrefix(fb.server.URL, "http")
}

func (fb *fakeBrowser) close() {
	fb.mu.Lock()
	for _, c := range fb.conns {
		c.Close()
	}
	fb.conns = nil
	fb.mu.Unlock()
	fb.server.Close()
}

func echoHandler(msg *wireMessage) *wireMessage {
	return &wireMessage{ID: msg.ID, Result: json.RawMessage(`{"ok":true}`)}
}

func dialTestTransport(t *testing.T, fb *fakeBrowser) *Transport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, err := Dial(ctx, fb.endpoint(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTransportCall(t *testing.T) {
	t.Run("round trips a command and decodes the result", func(t *testing.T) {
		fb := newFakeBrowser(t, func(msg *wireMessage) *wireMessage {
			assert.Equal(t, cdproto.MethodType(cdproto.CommandRuntimeEnable), msg.Method)
			return &wireMessage{ID: msg.ID, Result: json.RawMessage(`{"value":42}`)}
		})
		tr := dialTestTransport(t, fb)

		var res struct {
			Value int `json:"value"`
		}
		err := tr.Call(context.Background(), cdproto.CommandRuntimeEnable, nil, &res)
		require.NoError(t, err)
		assert.Equal(t, 42, res.Value)
	})

	t.Run("maps a browser error to ProtocolError", func(t *testing.T) {
		fb := newFakeBrowser(t, func(msg *wireMessage) *wireMessage {
			return &wireMessage{ID: msg.ID, Error: &wireError{Code: -32000, Message: "Something went wrong"}}
		})
		tr := dialTestTransport(t, fb)

		err := tr.Call(context.Background(), cdproto.CommandDebuggerResume, nil, nil)
		var pe *ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, int64(-32000), pe.Code)
		assert.False(t, errors.Is(err, ErrNotPaused))
	})

	t.Run("recognizes the not-paused condition", func(t *testing.T) {
		fb := newFakeBrowser(t, func(msg *wireMessage) *wireMessage {
			return &wireMessage{ID: msg.ID, Error: &wireError{Code: -32000, Message: "Can only perform operation while paused."}}
		})
		tr := dialTestTransport(t, fb)

		err := tr.Call(context.Background(), cdproto.CommandDebuggerStepOver, nil, nil)
		assert.ErrorIs(t, err, ErrNotPaused)
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		fb := newFakeBrowser(t, func(msg *wireMessage) *wireMessage {
			return nil // never answer
		})
		tr := dialTestTransport(t, fb)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := tr.Call(ctx, cdproto.CommandDebuggerResume, nil, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("fails pending calls on disconnect", func(t *testing.T) {
		fb := newFakeBrowser(t, func(msg *wireMessage) *wireMessage {
			return nil
		})
		tr := dialTestTransport(t, fb)

		errCh := make(chan error, 1)
		go func() {
			errCh <- tr.Call(context.Background(), cdproto.CommandDebuggerResume, nil, nil)
		}()
		time.Sleep(20 * time.Millisecond)
		tr.Close()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrDisconnected)
		case <-time.After(2 * time.Second):
			t.Fatal("pending call did not fail after close")
		}
	})
}

func TestTransportEvents(t *testing.T) {
	t.Run("fans an event out to subscribers", func(t *testing.T) {
		fb := newFakeBrowser(t, echoHandler)
		tr := dialTestTransport(t, fb)

		sub := tr.Subscribe(cdproto.EventDebuggerPaused)
		defer sub.Cancel()

		fb.pushEvent("Debugger.paused", map[string]any{"reason": "other"})

		select {
		case raw := <-sub.Events():
			assert.Contains(t, string(raw), "other")
		case <-time.After(2 * time.Second):
			t.Fatal("event never delivered")
		}
	})

	t.Run("waiter deregisters after success", func(t *testing.T) {
		fb := newFakeBrowser(t, echoHandler)
		tr := dialTestTransport(t, fb)

		w := tr.WaitFor(cdproto.EventDebuggerPaused)
		assert.Equal(t, 1, tr.ListenerCount())

		fb.pushEvent("Debugger.paused", map[string]any{"reason": "other"})
		_, err := w.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, tr.ListenerCount())
	})

	t.Run("waiter deregisters after timeout", func(t *testing.T) {
		fb := newFakeBrowser(t, echoHandler)
		tr := dialTestTransport(t, fb)

		w := tr.WaitFor(cdproto.EventDebuggerPaused)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := w.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, tr.ListenerCount())
	})

	t.Run("waiter deregisters after cancel", func(t *testing.T) {
		fb := newFakeBrowser(t, echoHandler)
		tr := dialTestTransport(t, fb)

		w := tr.WaitFor(cdproto.EventDebuggerPaused)
		w.Cancel()
		w.Cancel() // idempotent
		assert.Equal(t, 0, tr.ListenerCount())
	})

	t.Run("subscriptions drain on close", func(t *testing.T) {
		fb := newFakeBrowser(t, echoHandler)
		tr := dialTestTransport(t, fb)

		sub := tr.Subscribe(cdproto.EventRuntimeConsoleAPICalled)
		tr.Close()

		_, ok := <-sub.Events()
		assert.False(t, ok, "channel should be closed after transport close")
		assert.Equal(t, 0, tr.ListenerCount())
	})
}

func TestTransportClose(t *testing.T) {
	fb := newFakeBrowser(t, echoHandler)
	tr := dialTestTransport(t, fb)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	err := tr.Call(context.Background(), cdproto.CommandRuntimeEnable, nil, nil)
	assert.ErrorIs(t, err, ErrDisconnected)
}
