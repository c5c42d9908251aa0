package cdp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	json "github.com/json-iterator/go"
)

const (
	// handshakeTimeout bounds the websocket upgrade.
	handshakeTimeout = 10 * time.Second
	// writeWait is the deadline for a single frame write.
	writeWait = 10 * time.Second
	// maxMessageSize must fit large Debugger.getScriptSource results.
	maxMessageSize = 32 << 20
	// subscriberBuffer is the per-subscription event queue depth.
	subscriberBuffer = 32
)

// wireMessage is the framing shared by commands, responses and events.
// Responses echo the command id; events carry a method and no id.
type wireMessage struct {
	ID     int64              `json:"id,omitempty"`
	Method cdproto.MethodType `json:"method,omitempty"`
	Params json.RawMessage    `json:"params,omitempty"`
	Result json.RawMessage    `json:"result,omitempty"`
	Error  *wireError         `json:"error,omitempty"`
}

type wireError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// Transport is a single websocket connection to a DevTools endpoint. It
// multiplexes request/response pairs by id and fans out unsolicited events
// to subscribers. All methods are safe for concurrent use.
type Transport struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex // serializes frame writes

	mu      sync.Mutex
	closed  bool
	pending map[int64]chan *wireMessage
	subs    map[string][]*Subscription

	nextID    atomic.Int64
	listeners atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a DevTools websocket endpoint and starts the read loop.
func Dial(ctx context.Context, endpoint string, logger *zap.Logger) (*Transport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("cdp: dialing %s: %w", endpoint, err)
	}
	conn.SetReadLimit(maxMessageSize)

	t := &Transport{
		conn:    conn,
		logger:  logger.Named("transport"),
		pending: make(map[int64]chan *wireMessage),
		subs:    make(map[string][]*Subscription),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// Call sends a command and blocks until its response, ctx cancellation, or
// disconnect. A nil result discards the response payload.
func (t *Transport) Call(ctx context.Context, method cdproto.MethodType, params, result any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("cdp: marshaling %s params: %w", method, err)
		}
		raw = b
	}

	id := t.nextID.Add(1)
	ch := make(chan *wireMessage, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrDisconnected
	}
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := t.write(&wireMessage{ID: id, Method: method, Params: raw}); err != nil {
		return fmt.Errorf("cdp: sending %s: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return &ProtocolError{Method: method, Code: msg.Error.Code, Message: msg.Error.Message}
		}
		if result != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("cdp: decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrDisconnected
	}
}

func (t *Transport) write(msg *wireMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, b)
}

// Subscription is a registered interest in one event method. Cancel must be
// called when done; events arriving faster than the consumer drains them
// are dropped.
type Subscription struct {
	event string
	ch    chan json.RawMessage
	t     *Transport
	once  sync.Once
}

// Events returns the channel event payloads arrive on. It is closed when
// the subscription is canceled or the transport disconnects.
func (s *Subscription) Events() <-chan json.RawMessage { return s.ch }

// Cancel deregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.t.mu.Lock()
		defer s.t.mu.Unlock()
		s.t.removeSubLocked(s)
		if !s.t.closed {
			close(s.ch)
		}
	})
}

// Subscribe registers interest in an event method, e.g.
// cdproto.EventRuntimeConsoleAPICalled.
func (t *Transport) Subscribe(event cdproto.MethodType) *Subscription {
	return t.subscribe(string(event), subscriberBuffer)
}

func (t *Transport) subscribe(event string, buffer int) *Subscription {
	s := &Subscription{event: event, ch: make(chan json.RawMessage, buffer), t: t}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		// The channel is already closed from the consumer's point of view.
		close(s.ch)
		s.once.Do(func() {})
		return s
	}
	t.subs[event] = append(t.subs[event], s)
	t.listeners.Add(1)
	return s
}

func (t *Transport) removeSubLocked(s *Subscription) {
	list := t.subs[s.event]
	for i, cur := range list {
		if cur == s {
			t.subs[s.event] = append(list[:i], list[i+1:]...)
			t.listeners.Add(-1)
			break
		}
	}
	if len(t.subs[s.event]) == 0 {
		delete(t.subs, s.event)
	}
}

// Waiter is a one-shot future for the next occurrence of an event. Whatever
// path Wait exits through, the underlying subscription is deregistered.
type Waiter struct {
	sub *Subscription
}

// WaitFor registers a one-shot waiter for the next occurrence of event.
func (t *Transport) WaitFor(event cdproto.MethodType) *Waiter {
	return &Waiter{sub: t.subscribe(string(event), 1)}
}

// Wait blocks for the event payload, ctx cancellation, or disconnect.
func (w *Waiter) Wait(ctx context.Context) (json.RawMessage, error) {
	defer w.sub.Cancel()
	select {
	case p, ok := <-w.sub.ch:
		if !ok {
			return nil, ErrDisconnected
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.sub.t.done:
		return nil, ErrDisconnected
	}
}

// Cancel deregisters the waiter without waiting.
func (w *Waiter) Cancel() { w.sub.Cancel() }

// ListenerCount reports the number of live subscriptions. Useful for
// verifying that waiters do not leak.
func (t *Transport) ListenerCount() int {
	return int(t.listeners.Load())
}

func (t *Transport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.shutdown(err)
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Warn("Discarding unparseable frame.", zap.Error(err))
			continue
		}
		switch {
		case msg.ID != 0:
			t.mu.Lock()
			ch := t.pending[msg.ID]
			delete(t.pending, msg.ID)
			t.mu.Unlock()
			if ch != nil {
				ch <- &msg
			}
		case msg.Method != "":
			t.dispatch(string(msg.Method), msg.Params)
		}
	}
}

func (t *Transport) dispatch(event string, params json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subs[event] {
		select {
		case s.ch <- params:
		default:
			t.logger.Warn("Subscriber too slow; dropping event.", zap.String("event", event))
		}
	}
}

// Close tears the connection down. Idempotent; pending calls and open
// subscriptions fail with ErrDisconnected.
func (t *Transport) Close() error {
	t.shutdown(nil)
	return nil
}

func (t *Transport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		for event, list := range t.subs {
			for _, s := range list {
				close(s.ch)
			}
			delete(t.subs, event)
		}
		t.listeners.Store(0)
		t.mu.Unlock()

		close(t.done)
		t.conn.Close()
		if cause != nil {
			t.logger.Debug("Transport closed.", zap.Error(cause))
		}
	})
}
