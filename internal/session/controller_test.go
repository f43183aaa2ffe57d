package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/danmuck/relayctl/internal/gateway"
	"github.com/danmuck/relayctl/internal/push"
	"github.com/danmuck/relayctl/internal/stats"
	"github.com/danmuck/relayctl/internal/testutil/testlog"
)

type fakeGateway struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	healthStatus string
	sessionID    string
	withPush     bool
	encodeFail   atomic.Bool
	encodeCount  atomic.Int64

	pushConns chan *websocket.Conn
	pushKeys  chan string
	lastBody  chan gateway.EncodeRequest
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{
		healthStatus: "ok",
		sessionID:    "abc123",
		withPush:     true,
		pushConns:    make(chan *websocket.Conn, 4),
		pushKeys:     make(chan string, 4),
		lastBody:     make(chan gateway.EncodeRequest, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": fg.healthStatus})
	})
	mux.HandleFunc("POST /v1/handshake", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": fg.sessionID})
	})
	mux.HandleFunc("POST /v1/encode", func(w http.ResponseWriter, r *http.Request) {
		fg.encodeCount.Add(1)
		var req gateway.EncodeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode encode body: %v", err)
		}
		fg.lastBody <- req
		if fg.encodeFail.Load() {
			http.Error(w, "encoder offline", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(gateway.EncodeResult{MsgID: "m1", Size: 42})
	})
	mux.HandleFunc("GET /v1/push/", func(w http.ResponseWriter, r *http.Request) {
		if !fg.withPush {
			http.NotFound(w, r)
			return
		}
		fg.pushKeys <- r.Header.Get("X-API-Key")
		conn, err := fg.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fg.pushConns <- conn
	})

	fg.srv = httptest.NewServer(mux)
	t.Cleanup(fg.srv.Close)
	return fg
}

func (fg *fakeGateway) client(t *testing.T) *gateway.Client {
	t.Helper()
	client, err := gateway.NewClient(gateway.Config{BaseURL: fg.srv.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("new gateway client: %v", err)
	}
	return client
}

func newTestController(t *testing.T, fg *fakeGateway, cfg Config) (*Controller, *stats.Recorder) {
	t.Helper()
	if cfg.Transport == "" {
		cfg.Transport = gateway.TransportSocketStreaming
	}
	if cfg.Target == "" {
		cfg.Target = "relay-1"
	}
	recorder := stats.NewRecorder()
	ctrl, err := NewController(fg.client(t), recorder, cfg)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl, recorder
}

func TestCheckReachabilityNonAffirmative(t *testing.T) {
	testlog.Start(t)

	fg := newFakeGateway(t)
	fg.healthStatus = "degraded"
	ctrl, _ := newTestController(t, fg, Config{})

	if err := ctrl.CheckReachability(context.Background()); !errors.Is(err, gateway.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestHandshakeEstablishesSessionAndPush(t *testing.T) {
	testlog.Start(t)

	fg := newFakeGateway(t)
	ctrl, _ := newTestController(t, fg, Config{})

	sess, err := ctrl.Handshake(context.Background())
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if sess.ID != "abc123" {
		t.Fatalf("unexpected session id: %q", sess.ID)
	}
	if ctrl.PushState() != push.StateOpen {
		t.Fatalf("expected open push channel, got %q", ctrl.PushState())
	}
}

func TestSendScopedToSession(t *testing.T) {
	testlog.Start(t)

	fg := newFakeGateway(t)
	ctrl, _ := newTestController(t, fg, Config{})
	if _, err := ctrl.Handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	rec, err := ctrl.Send(context.Background(), json.RawMessage(`{"op":"sum","a":2,"b":3}`))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if rec.Outcome != stats.OutcomeSuccess || rec.MsgID != "m1" || rec.Size != 42 {
		t.Fatalf("unexpected delivery record: %+v", rec)
	}

	req := <-fg.lastBody
	if req.SessionID != "abc123" {
		t.Fatalf("send did not carry session id: %+v", req)
	}
}

func TestSendWithoutSession(t *testing.T) {
	testlog.Start(t)

	fg := newFakeGateway(t)
	ctrl, recorder := newTestController(t, fg, Config{})

	_, err := ctrl.Send(context.Background(), json.RawMessage(`{"op":"ping"}`))
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if snap := recorder.Snapshot(); snap.Sent != 0 || snap.Errors != 0 {
		t.Fatalf("usage error must not touch statistics: %+v", snap)
	}
}

func TestSendSurvivesPushChannelFailure(t *testing.T) {
	testlog.Start(t)

	fg := newFakeGateway(t)
	ctrl, _ := newTestController(t, fg, Config{})
	if _, err := ctrl.Handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	server := <-fg.pushConns
	_ = server.UnderlyingConn().Close()
	deadline := time.Now().Add(2 * time.Second)
	for ctrl.PushState() != push.StateFailed && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ctrl.PushState() != push.StateFailed {
		t.Fatalf("push channel never failed: %q", ctrl.PushState())
	}

	rec, err := ctrl.Send(context.Background(), json.RawMessage(`{"op":"ping"}`))
	if err != nil {
		t.Fatalf("send after push failure: %v", err)
	}
	if rec.Outcome != stats.OutcomeSuccess {
		t.Fatalf("unexpected outcome: %+v", rec)
	}
}

func TestHandshakePushRequired(t *testing.T) {
	testlog.Start(t)

	fg := newFakeGateway(t)
	fg.withPush = false
	ctrl, _ := newTestController(t, fg, Config{PushPolicy: PushPolicyRequired})

	if _, err := ctrl.Handshake(context.Background()); !errors.Is(err, gateway.ErrHandshakeFailed) {
		t.Fatalf("expected ErrHandshakeFailed, got %v", err)
	}
	if _, ok := ctrl.Session(); ok {
		t.Fatal("failed handshake must leave no session")
	}
}

func TestHandshakePushAuto(t *testing.T) {
	testlog.Start(t)

	fg := newFakeGateway(t)
	fg.withPush = false
	ctrl, _ := newTestController(t, fg, Config{PushPolicy: PushPolicyAuto})

	sess, err := ctrl.Handshake(context.Background())
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if sess.ID != "abc123" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if ctrl.PushState() != push.StateUnconnected {
		t.Fatalf("expected unconnected push state, got %q", ctrl.PushState())
	}

	// sends work, mirror step is skipped silently
	if _, err := ctrl.Send(context.Background(), json.RawMessage(`{"op":"ping"}`)); err != nil {
		t.Fatalf("send without push channel: %v", err)
	}
}

func TestPushEventsCounted(t *testing.T) {
	testlog.Start(t)

	fg := newFakeGateway(t)
	ctrl, recorder := newTestController(t, fg, Config{})
	if _, err := ctrl.Handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	server := <-fg.pushConns
	for i := 0; i < 3; i++ {
		if err := server.WriteJSON(push.Event{Type: "delivery"}); err != nil {
			t.Fatalf("write push event: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for recorder.Snapshot().Received < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := recorder.Snapshot().Received; got != 3 {
		t.Fatalf("expected 3 received events, got %d", got)
	}
}

func TestSendFailureCountedAndNonFatal(t *testing.T) {
	testlog.Start(t)

	fg := newFakeGateway(t)
	ctrl, recorder := newTestController(t, fg, Config{})
	if _, err := ctrl.Handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	fg.encodeFail.Store(true)
	rec, err := ctrl.Send(context.Background(), json.RawMessage(`{"op":"ping"}`))
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	if rec.Outcome != stats.OutcomeFailed {
		t.Fatalf("unexpected record: %+v", rec)
	}

	fg.encodeFail.Store(false)
	if _, err := ctrl.Send(context.Background(), json.RawMessage(`{"op":"ping"}`)); err != nil {
		t.Fatalf("send after failure: %v", err)
	}

	snap := recorder.Snapshot()
	if snap.Sent != 2 || snap.Errors != 1 {
		t.Fatalf("unexpected statistics: %+v", snap)
	}
}

func TestInvalidPayloadRejectedClientSide(t *testing.T) {
	testlog.Start(t)

	fg := newFakeGateway(t)
	ctrl, recorder := newTestController(t, fg, Config{})
	if _, err := ctrl.Handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	before := fg.encodeCount.Load()
	_, err := ctrl.Send(context.Background(), json.RawMessage(`{"op":"sum","a":2}`))
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	if fg.encodeCount.Load() != before {
		t.Fatal("invalid payload must not reach the gateway")
	}
	if snap := recorder.Snapshot(); snap.Sent != 1 || snap.Errors != 1 {
		t.Fatalf("rejected attempt must still be counted: %+v", snap)
	}
}

func TestCloseSealsRecorder(t *testing.T) {
	testlog.Start(t)

	fg := newFakeGateway(t)
	ctrl, recorder := newTestController(t, fg, Config{})
	if _, err := ctrl.Handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	if err := ctrl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ctrl.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	before := recorder.Snapshot()
	recorder.RecordReceived()
	if after := recorder.Snapshot(); after != before {
		t.Fatalf("late event mutated sealed statistics: before=%+v after=%+v", before, after)
	}
	if _, ok := ctrl.Session(); ok {
		t.Fatal("close must discard session state")
	}
}

func TestPushUpgradeCarriesCredential(t *testing.T) {
	testlog.Start(t)

	fg := newFakeGateway(t)
	ctrl, _ := newTestController(t, fg, Config{})
	if _, err := ctrl.Handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	if key := <-fg.pushKeys; key != "k" {
		t.Fatalf("push upgrade carried X-API-Key %q, want %q", key, "k")
	}
}

func TestHandshakeAfterCloseRejected(t *testing.T) {
	testlog.Start(t)

	fg := newFakeGateway(t)
	ctrl, recorder := newTestController(t, fg, Config{})
	if _, err := ctrl.Handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if _, err := ctrl.Send(context.Background(), json.RawMessage(`{"op":"ping"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := ctrl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// the recorder is sealed: a fresh session on this controller would send
	// into the void, so a closed controller must refuse to handshake again
	if _, err := ctrl.Handshake(context.Background()); !errors.Is(err, ErrControllerClosed) {
		t.Fatalf("expected ErrControllerClosed, got %v", err)
	}
	if _, err := ctrl.Send(context.Background(), json.RawMessage(`{"op":"ping"}`)); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if snap := recorder.Snapshot(); snap.Sent != 1 {
		t.Fatalf("statistics changed after close: %+v", snap)
	}
}

func TestInvalidPushPolicyRejected(t *testing.T) {
	testlog.Start(t)

	fg := newFakeGateway(t)
	_, err := NewController(fg.client(t), stats.NewRecorder(), Config{
		Transport:  gateway.TransportSocketStreaming,
		Target:     "relay-1",
		PushPolicy: PushPolicy("sometimes"),
	})
	if !errors.Is(err, ErrInvalidPushPolicy) {
		t.Fatalf("expected ErrInvalidPushPolicy, got %v", err)
	}
}

func TestDecodeAndTranscriptNeedNoSession(t *testing.T) {
	testlog.Start(t)

	fg := newFakeGateway(t)
	mux := fg.srv.Config.Handler.(*http.ServeMux)
	mux.HandleFunc("POST /v1/decode", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"op": "ping"})
	})
	mux.HandleFunc("GET /v1/transcript/m1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"msgId": "m1"})
	})
	ctrl, _ := newTestController(t, fg, Config{})

	before, err := ctrl.Decode(context.Background(), []byte{0x01})
	if err != nil {
		t.Fatalf("decode without session: %v", err)
	}
	if _, err := ctrl.FetchTranscript(context.Background(), "m1"); err != nil {
		t.Fatalf("transcript without session: %v", err)
	}

	if _, err := ctrl.Handshake(context.Background()); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	after, err := ctrl.Decode(context.Background(), []byte{0x01})
	if err != nil {
		t.Fatalf("decode with session: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("decode result changed with session state: %s vs %s", before, after)
	}
}
