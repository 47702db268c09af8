package kiosk

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/kiosk-realtime/shared"
	"github.com/coder/websocket"
)

// TransportEvents is the bounded callback surface of a control transport.
// Binding the zero value detaches every callback; a detached transport can be
// closed without re-entering its owner.
type TransportEvents struct {
	OnMessage func(data []byte, text bool)
	OnError   func(err error)
	OnClose   func()
}

// ControlTransport is the persistent bidirectional text-message connection
// carrying session control, transcript and tool-call events. Frames arriving
// before the first real Bind are buffered and replayed to it in order, so a
// remote that talks immediately after the handshake loses nothing.
type ControlTransport interface {
	Bind(ev TransportEvents)
	Send(data []byte) error
	Close() error
}

// TransportDialer opens control transports. Injected into the session so
// tests can substitute an in-memory transport.
type TransportDialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (ControlTransport, error)
}

const transportWriteTimeout = 10 * time.Second

type wsDialer struct {
	logger shared.LoggerAdapter
}

// NewWebsocketDialer returns the production TransportDialer.
func NewWebsocketDialer(logger shared.LoggerAdapter) TransportDialer {
	return &wsDialer{logger: logger}
}

func (d *wsDialer) Dial(ctx context.Context, rawURL string, header http.Header) (ControlTransport, error) {
	conn, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dialing control channel: %w", err)
	}
	t := &wsTransport{logger: d.logger, conn: conn}
	readCtx, cancel := context.WithCancel(context.Background())
	t.readCancel = cancel
	go t.readLoop(readCtx)
	return t, nil
}

type pendingFrame struct {
	data []byte
	text bool
}

type wsTransport struct {
	logger     shared.LoggerAdapter
	conn       *websocket.Conn
	readCancel context.CancelFunc

	writeMu       sync.Mutex
	evMu          sync.Mutex
	ev            TransportEvents
	bound         bool
	pending       []pendingFrame
	pendingErr    error
	pendingClosed bool
	closed        atomic.Bool
}

var _ ControlTransport = (*wsTransport)(nil)

// Bind attaches the callback set. The first bind with a message handler
// drains every frame the read loop buffered in the meantime, in arrival
// order; the read loop keeps buffering during the drain so ordering holds.
func (t *wsTransport) Bind(ev TransportEvents) {
	t.evMu.Lock()
	t.ev = ev
	if t.bound || ev.OnMessage == nil {
		t.evMu.Unlock()
		return
	}
	for len(t.pending) > 0 {
		frames := t.pending
		t.pending = nil
		t.evMu.Unlock()
		for _, f := range frames {
			ev.OnMessage(f.data, f.text)
		}
		t.evMu.Lock()
	}
	t.bound = true
	err := t.pendingErr
	closed := t.pendingClosed
	t.pendingErr = nil
	t.pendingClosed = false
	t.evMu.Unlock()
	if err != nil && ev.OnError != nil {
		ev.OnError(err)
	}
	if closed && ev.OnClose != nil {
		ev.OnClose()
	}
}

func (t *wsTransport) Send(data []byte) error {
	if t.closed.Load() {
		return shared.ErrTransportClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), transportWriteTimeout)
	defer cancel()
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing control frame: %w", err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	err := t.conn.Close(websocket.StatusNormalClosure, "teardown")
	t.readCancel()
	if err != nil {
		return fmt.Errorf("closing control channel: %w", err)
	}
	return nil
}

func (t *wsTransport) readLoop(ctx context.Context) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			t.dispatchFailure(err)
			return
		}
		t.dispatchMessage(data, typ == websocket.MessageText)
	}
}

func (t *wsTransport) dispatchMessage(data []byte, text bool) {
	t.evMu.Lock()
	if !t.bound {
		t.pending = append(t.pending, pendingFrame{data: data, text: text})
		t.evMu.Unlock()
		return
	}
	handler := t.ev.OnMessage
	t.evMu.Unlock()
	if handler != nil {
		handler(data, text)
	}
}

func (t *wsTransport) dispatchFailure(err error) {
	locally := t.closed.Load()
	t.evMu.Lock()
	if !t.bound {
		if !locally {
			t.pendingErr = err
		}
		t.pendingClosed = true
		t.evMu.Unlock()
		return
	}
	ev := t.ev
	t.evMu.Unlock()
	if !locally && ev.OnError != nil {
		ev.OnError(err)
	}
	if ev.OnClose != nil {
		ev.OnClose()
	}
}
