package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/danmuck/relayctl/internal/testutil/testlog"
)

var upgrader = websocket.Upgrader{}

type pushServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{conns: make(chan *websocket.Conn, 4)}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		ps.conns <- conn
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) baseURL(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(ps.srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	return u
}

func (ps *pushServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ps.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection accepted")
		return nil
	}
}

func dialTest(t *testing.T, ps *pushServer) *Channel {
	t.Helper()
	ch, err := Dial(context.Background(), Config{
		BaseURL:   ps.baseURL(t),
		SessionID: "abc123",
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func waitState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ch.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state never reached %q, still %q", want, ch.State())
}

func TestDialOpensChannel(t *testing.T) {
	testlog.Start(t)

	ps := newPushServer(t)
	ch := dialTest(t, ps)
	if ch.State() != StateOpen {
		t.Fatalf("expected open, got %q", ch.State())
	}
	ps.accept(t)
}

func TestEventsDelivered(t *testing.T) {
	testlog.Start(t)

	ps := newPushServer(t)
	ch := dialTest(t, ps)
	server := ps.accept(t)

	// one malformed frame first: it must be dropped without killing the channel
	if err := server.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	if err := server.WriteJSON(Event{Type: "delivery", Payload: json.RawMessage(`{"msgId":"m1"}`)}); err != nil {
		t.Fatalf("write event: %v", err)
	}

	select {
	case event := <-ch.Events():
		if event.Type != "delivery" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestRemoteGracefulClose(t *testing.T) {
	testlog.Start(t)

	ps := newPushServer(t)
	ch := dialTest(t, ps)
	server := ps.accept(t)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := server.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("write close: %v", err)
	}

	waitState(t, ch, StateClosed)
	select {
	case _, ok := <-ch.Events():
		if ok {
			t.Fatal("expected events channel to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel never closed")
	}
}

func TestAbruptDisconnectFails(t *testing.T) {
	testlog.Start(t)

	ps := newPushServer(t)
	ch := dialTest(t, ps)
	server := ps.accept(t)

	_ = server.UnderlyingConn().Close()
	waitState(t, ch, StateFailed)
}

func TestMirrorSend(t *testing.T) {
	testlog.Start(t)

	ps := newPushServer(t)
	ch := dialTest(t, ps)
	server := ps.accept(t)

	if ok := ch.MirrorSend(json.RawMessage(`{"op":"ping"}`)); !ok {
		t.Fatal("mirror send should succeed while open")
	}
	var event Event
	if err := server.ReadJSON(&event); err != nil {
		t.Fatalf("read mirrored event: %v", err)
	}
	if event.Type != "send" || event.Timestamp == 0 {
		t.Fatalf("unexpected mirrored event: %+v", event)
	}
}

func TestMirrorSendSkippedWhenDown(t *testing.T) {
	testlog.Start(t)

	ps := newPushServer(t)
	ch := dialTest(t, ps)
	server := ps.accept(t)

	_ = server.UnderlyingConn().Close()
	waitState(t, ch, StateFailed)

	if ok := ch.MirrorSend(json.RawMessage(`{"op":"ping"}`)); ok {
		t.Fatal("mirror send must be skipped on a failed channel")
	}
}

func TestClosePreservesFailedState(t *testing.T) {
	testlog.Start(t)

	ps := newPushServer(t)
	ch := dialTest(t, ps)
	server := ps.accept(t)

	_ = server.UnderlyingConn().Close()
	waitState(t, ch, StateFailed)

	// teardown after a transport failure must not mask how the channel died
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ch.State() != StateFailed {
		t.Fatalf("expected failed, got %q", ch.State())
	}
}

func TestCloseIdempotent(t *testing.T) {
	testlog.Start(t)

	ps := newPushServer(t)
	ch := dialTest(t, ps)
	ps.accept(t)

	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if ch.State() != StateClosed {
		t.Fatalf("expected closed, got %q", ch.State())
	}
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("done never closed")
	}
}

func TestDialFailure(t *testing.T) {
	testlog.Start(t)

	base := &url.URL{Scheme: "http", Host: "127.0.0.1:1"}
	if _, err := Dial(context.Background(), Config{BaseURL: base, SessionID: "abc"}); err == nil {
		t.Fatal("expected dial failure")
	}
}

func TestEndpointURL(t *testing.T) {
	testlog.Start(t)

	base := &url.URL{Scheme: "https", Host: "gw.example.com"}
	got, err := EndpointURL(base, "abc123")
	if err != nil {
		t.Fatalf("endpoint url: %v", err)
	}
	if got != "wss://gw.example.com/v1/push/abc123" {
		t.Fatalf("unexpected endpoint: %q", got)
	}

	if _, err := EndpointURL(base, " "); err == nil {
		t.Fatal("expected session id error")
	}
}
