package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/pvp-chess-server/internal/transport"
	"github.com/park285/pvp-chess-server/internal/wire"
)

type recordingHandler struct {
	opened   chan transport.Conn
	messages chan string
	closed   chan transport.StatusCode
	mu       sync.Mutex
	errs     []error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		opened:   make(chan transport.Conn, 1),
		messages: make(chan string, 8),
		closed:   make(chan transport.StatusCode, 1),
	}
}

func (h *recordingHandler) OnOpen(_ context.Context, c transport.Conn) { h.opened <- c }
func (h *recordingHandler) OnClose(_ context.Context, _ transport.Conn, code transport.StatusCode, _ string) {
	h.closed <- code
}
func (h *recordingHandler) OnMessage(_ context.Context, _ transport.Conn, data []byte) {
	h.messages <- string(data)
}
func (h *recordingHandler) OnError(_ context.Context, _ transport.Conn, err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func TestServerRoundTripAndServerClose(t *testing.T) {
	h := newRecordingHandler()
	srv := httptest.NewServer(NewServer(h, nil, Options{InsecureSkipVerify: true}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.CloseNow()

	var sc transport.Conn
	select {
	case sc = <-h.opened:
	case <-ctx.Done():
		t.Fatalf("OnOpen not called")
	}
	if sc.ID() == "" {
		t.Fatalf("connection id must be assigned")
	}

	if err := wsjson.Write(ctx, client, wire.Must(wire.TypeHeartbeatAck, wire.HeartbeatAck{TS: 42})); err != nil {
		t.Fatalf("client write: %v", err)
	}
	select {
	case msg := <-h.messages:
		if !strings.Contains(msg, `"heartbeat_ack"`) {
			t.Fatalf("unexpected frame %s", msg)
		}
	case <-ctx.Done():
		t.Fatalf("OnMessage not called")
	}

	if err := sc.Send(ctx, wire.Must(wire.TypeHeartbeat, wire.Heartbeat{TS: 7})); err != nil {
		t.Fatalf("server send: %v", err)
	}
	var got wire.Envelope
	if err := wsjson.Read(ctx, client, &got); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if got.Type != wire.TypeHeartbeat {
		t.Fatalf("unexpected type %q", got.Type)
	}

	if err := sc.Close(transport.StatusDisplaced, "displaced"); err != nil {
		t.Fatalf("close: %v", err)
	}
	// second close is a no-op
	_ = sc.Close(transport.StatusNormalClosure, "again")

	_, _, err = client.Read(ctx)
	if code := websocket.CloseStatus(err); code != websocket.StatusCode(transport.StatusDisplaced) {
		t.Fatalf("expected close 4001, got %v (%v)", code, err)
	}
	select {
	case code := <-h.closed:
		if code != transport.StatusDisplaced {
			t.Fatalf("OnClose code = %d, want 4001", code)
		}
	case <-ctx.Done():
		t.Fatalf("OnClose not called")
	}
}
