package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/parley/pkg/errorsx"
	"github.com/harunnryd/parley/pkg/metrics"
)

// fakeGateway plays the server side of the protocol over httptest.
type fakeGateway struct {
	srv       *httptest.Server
	upgrader  websocket.Upgrader
	challenge bool
	respond   func(g *gwConn, f Frame)

	accepted chan *gwConn
	requests chan Frame
}

type gwConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (g *gwConn) send(v any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_ = g.ws.WriteJSON(v)
}

func (g *gwConn) sendRaw(data string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_ = g.ws.WriteMessage(websocket.TextMessage, []byte(data))
}

func (g *gwConn) event(name string, payload any) {
	raw, _ := json.Marshal(payload)
	g.send(Frame{Type: FrameEvent, Event: name, Payload: raw})
}

func (g *gwConn) ok(id string, payload any) {
	raw, _ := json.Marshal(payload)
	g.send(Frame{Type: FrameResponse, ID: id, OK: true, Payload: raw})
}

func (g *gwConn) fail(id, code, msg string) {
	g.send(Frame{Type: FrameResponse, ID: id, Error: &ErrorShape{Code: code, Message: msg}})
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		challenge: true,
		accepted:  make(chan *gwConn, 8),
		requests:  make(chan Frame, 64),
	}
	g.respond = defaultResponder
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &gwConn{ws: ws}
	g.accepted <- conn
	if g.challenge {
		conn.event(EventChallenge, ChallengePayload{Nonce: "nonce-1", TS: 1})
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		select {
		case g.requests <- f:
		default:
		}
		if g.respond != nil {
			g.respond(conn, f)
		}
	}
}

func defaultResponder(g *gwConn, f Frame) {
	switch f.Method {
	case MethodConnect:
		g.ok(f.ID, map[string]any{"protocol": 3, "policy": map[string]any{"tickIntervalMs": 50}})
	case MethodChatSend:
		g.ok(f.ID, map[string]any{"runId": "r1"})
		g.event(EventChat, ChatPayload{Role: "assistant", Text: "hi there", MessageID: "m1"})
	default:
		g.ok(f.ID, map[string]any{})
	}
}

func (g *fakeGateway) waitRequest(t *testing.T, method string) Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-g.requests:
			if f.Method == method {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s request", method)
		}
	}
}

func (g *fakeGateway) waitAccepted(t *testing.T) *gwConn {
	t.Helper()
	select {
	case c := <-g.accepted:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection")
	}
	return nil
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func (r *stateRecorder) seen(s State) bool {
	for _, v := range r.snapshot() {
		if v == s {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectClient(t *testing.T, g *fakeGateway, opts Options) (*Client, *stateRecorder) {
	t.Helper()
	c := NewClient(opts)
	t.Cleanup(c.Close)
	rec := &stateRecorder{}
	c.SubscribeState(rec.record)
	if err := c.Connect(context.Background(), Config{URL: g.url(), Token: "secret-token"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.AwaitConnected(ctx); err != nil {
		t.Fatalf("await connected: %v", err)
	}
	return c, rec
}

func TestHandshakeConnectsAndSubscribes(t *testing.T) {
	g := newFakeGateway(t)
	_, rec := connectClient(t, g, Options{})

	connect := g.waitRequest(t, MethodConnect)
	var params ConnectParams
	if err := json.Unmarshal(connect.Params, &params); err != nil {
		t.Fatalf("decode connect params: %v", err)
	}
	if params.Nonce != "nonce-1" {
		t.Fatalf("expected nonce echoed, got %q", params.Nonce)
	}
	if params.Auth == nil || params.Auth.Token != "secret-token" {
		t.Fatalf("expected token in connect params")
	}
	if params.MinProtocol != ProtocolVersion || params.MaxProtocol != ProtocolVersion {
		t.Fatalf("unexpected protocol range %d-%d", params.MinProtocol, params.MaxProtocol)
	}
	if params.Client.ID != DefaultClientID || params.Client.InstanceID == "" {
		t.Fatalf("unexpected client identity %+v", params.Client)
	}

	sub := g.waitRequest(t, MethodChatSubscribe)
	var subParams ChatSubscribeParams
	_ = json.Unmarshal(sub.Params, &subParams)
	if subParams.SessionKey != DefaultSessionKey {
		t.Fatalf("expected session key %q, got %q", DefaultSessionKey, subParams.SessionKey)
	}

	waitFor(t, "connected state", func() bool { return rec.seen(Connected) })
	states := rec.snapshot()
	if states[0] != Connecting {
		t.Fatalf("expected connecting first, got %v", states)
	}
}

func TestKeepaliveTicksAtServerInterval(t *testing.T) {
	g := newFakeGateway(t)
	connectClient(t, g, Options{})
	g.waitRequest(t, MethodTick)
}

func TestSendChatDeliversReply(t *testing.T) {
	g := newFakeGateway(t)
	g.respond = func(conn *gwConn, f Frame) {
		if f.Method != MethodChatSend {
			defaultResponder(conn, f)
			return
		}
		conn.ok(f.ID, map[string]any{})
		conn.event(EventChatStream, ChatPayload{Role: "assistant", Text: "hi"})
		conn.event(EventChat, ChatPayload{Role: "user", Text: "hello"})
		conn.event(EventChatReply, ChatPayload{Role: "assistant", Text: "   "})
		conn.event(EventChat, ChatPayload{Role: "assistant", Text: "hi there", MessageID: "m1"})
	}
	c, _ := connectClient(t, g, Options{})

	replies := make(chan Reply, 4)
	c.SubscribeReplies(func(r Reply) { replies <- r })

	if err := c.SendChat(context.Background(), "hello"); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	send := g.waitRequest(t, MethodChatSend)
	var params ChatSendParams
	_ = json.Unmarshal(send.Params, &params)
	if params.Message != "hello" || params.SessionKey != DefaultSessionKey || params.IdempotencyKey == "" {
		t.Fatalf("unexpected chat.send params %+v", params)
	}

	select {
	case r := <-replies:
		if r.Text != "hi there" || r.MessageID != "m1" {
			t.Fatalf("unexpected reply %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply delivered")
	}
	select {
	case r := <-replies:
		t.Fatalf("unexpected extra reply %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRequestTimeoutRemovesPending(t *testing.T) {
	g := newFakeGateway(t)
	g.respond = func(conn *gwConn, f Frame) {
		if f.Method == MethodChatSend {
			return
		}
		defaultResponder(conn, f)
	}
	obs := metrics.NewMemoryObserver()
	c, _ := connectClient(t, g, Options{RequestTimeout: 100 * time.Millisecond, Observer: obs})

	err := c.SendChat(context.Background(), "hello")
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if errorsx.Reason(err) != errorsx.ReasonGatewayTimeout {
		t.Fatalf("expected timeout reason, got %s", errorsx.Reason(err))
	}
	c.mu.Lock()
	stale := 0
	for _, p := range c.pending {
		if p.method == MethodChatSend {
			stale++
		}
	}
	c.mu.Unlock()
	if stale != 0 {
		t.Fatalf("chat.send still pending after timeout")
	}
	if c.State() != Connected {
		t.Fatalf("expected session to survive a request timeout, got %s", c.State())
	}

	found := false
	for _, ev := range obs.Named("gateway_request") {
		if ev.Tags["method"] == MethodChatSend && ev.Tags["ok"] == "false" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected failed chat.send metric")
	}
}

func TestLateResponseAfterTimeoutIsIgnored(t *testing.T) {
	g := newFakeGateway(t)
	g.respond = func(conn *gwConn, f Frame) {
		if f.Method == MethodChatSend {
			go func() {
				time.Sleep(150 * time.Millisecond)
				conn.ok(f.ID, map[string]any{})
			}()
			return
		}
		defaultResponder(conn, f)
	}
	c, _ := connectClient(t, g, Options{RequestTimeout: 50 * time.Millisecond})

	if err := c.SendChat(context.Background(), "hello"); !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if c.State() != Connected {
		t.Fatalf("expected connected after late response, got %s", c.State())
	}
}

func TestDisconnectFailsPendingAndReconnects(t *testing.T) {
	g := newFakeGateway(t)
	g.respond = func(conn *gwConn, f Frame) {
		if f.Method == MethodChatSend {
			return
		}
		defaultResponder(conn, f)
	}
	obs := metrics.NewMemoryObserver()
	c, rec := connectClient(t, g, Options{ReconnectDelay: 100 * time.Millisecond, Observer: obs})
	first := g.waitAccepted(t)

	errCh := make(chan error, 1)
	go func() { errCh <- c.SendChat(context.Background(), "hello") }()
	g.waitRequest(t, MethodChatSend)

	_ = first.ws.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("expected connection lost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending request was not failed")
	}
	waitFor(t, "disconnected state", func() bool { return rec.seen(Disconnected) })
	if len(obs.Named("gateway_reconnect_scheduled")) == 0 {
		t.Fatalf("expected reconnect to be scheduled")
	}

	g.waitAccepted(t)
	waitFor(t, "reconnected", func() bool { return c.State() == Connected })
}

func TestNewConfigSupersedesReconnect(t *testing.T) {
	a := newFakeGateway(t)
	b := newFakeGateway(t)
	c, _ := connectClient(t, a, Options{ReconnectDelay: 50 * time.Millisecond})
	a.waitAccepted(t)

	if err := c.Connect(context.Background(), Config{URL: b.url()}); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	b.waitAccepted(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.AwaitConnected(ctx); err != nil {
		t.Fatalf("await b: %v", err)
	}

	select {
	case <-a.accepted:
		t.Fatalf("superseded target was redialled")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloseStopsReconnect(t *testing.T) {
	g := newFakeGateway(t)
	c, _ := connectClient(t, g, Options{ReconnectDelay: 50 * time.Millisecond})
	g.waitAccepted(t)
	c.Close()

	if err := c.SendChat(context.Background(), "hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected after close, got %v", err)
	}
	select {
	case <-g.accepted:
		t.Fatalf("closed client reconnected")
	case <-time.After(200 * time.Millisecond):
	}
	if err := c.Connect(context.Background(), Config{URL: g.url()}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	g := newFakeGateway(t)
	c, _ := connectClient(t, g, Options{})
	conn := g.waitAccepted(t)

	replies := make(chan Reply, 1)
	c.SubscribeReplies(func(r Reply) { replies <- r })

	conn.sendRaw("not json")
	conn.sendRaw(`{"type":"event","event":"mystery.event","payload":{"x":1}}`)
	conn.sendRaw(`{"type":"res","id":"9999","ok":true}`)
	conn.sendRaw(`{"type":"event","event":"chat","payload":"oops"}`)
	conn.event(EventChat, map[string]any{
		"message": map[string]any{
			"role":    "assistant",
			"content": []map[string]any{{"type": "text", "text": "nested reply"}},
		},
	})

	select {
	case r := <-replies:
		if r.Text != "nested reply" {
			t.Fatalf("unexpected reply %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reply after malformed frames not delivered")
	}
	if c.State() != Connected {
		t.Fatalf("expected session to survive malformed frames, got %s", c.State())
	}
}

func TestHandshakeRejectedSetsError(t *testing.T) {
	g := newFakeGateway(t)
	g.respond = func(conn *gwConn, f Frame) {
		if f.Method == MethodConnect {
			conn.fail(f.ID, "unauthorized", "bad token")
			return
		}
		defaultResponder(conn, f)
	}
	c := NewClient(Options{ReconnectDelay: time.Minute})
	t.Cleanup(c.Close)
	rec := &stateRecorder{}
	c.SubscribeState(rec.record)

	if err := c.Connect(context.Background(), Config{URL: g.url()}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "error state", func() bool { return rec.seen(Error) })
	time.Sleep(50 * time.Millisecond)
	if c.State() != Error {
		t.Fatalf("expected error to persist until the next attempt, got %s", c.State())
	}
	if rec.seen(Connected) {
		t.Fatalf("rejected handshake must not report connected")
	}
}

func TestChallengeTimeoutSetsError(t *testing.T) {
	g := newFakeGateway(t)
	g.challenge = false
	c := NewClient(Options{RequestTimeout: 80 * time.Millisecond, ReconnectDelay: time.Minute})
	t.Cleanup(c.Close)

	if err := c.Connect(context.Background(), Config{URL: g.url()}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.State() != Connecting {
		t.Fatalf("expected connecting while waiting for challenge, got %s", c.State())
	}
	waitFor(t, "error state", func() bool { return c.State() == Error })
}

func TestDialFailureSchedulesReconnect(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	c := NewClient(Options{ReconnectDelay: time.Minute, Observer: obs})
	t.Cleanup(c.Close)

	err := c.Connect(context.Background(), Config{URL: "ws://127.0.0.1:1/gw"})
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if errorsx.Reason(err) != errorsx.ReasonGatewayHandshake {
		t.Fatalf("expected handshake reason, got %s", errorsx.Reason(err))
	}
	if c.State() != Error {
		t.Fatalf("expected error state, got %s", c.State())
	}
	if len(obs.Named("gateway_reconnect_scheduled")) != 1 {
		t.Fatalf("expected one reconnect scheduled")
	}
}

func TestSendChatRequiresConnection(t *testing.T) {
	c := NewClient(Options{})
	defer c.Close()
	err := c.SendChat(context.Background(), "hello")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if errorsx.Reason(err) != errorsx.ReasonGatewaySend {
		t.Fatalf("expected send reason, got %s", errorsx.Reason(err))
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "ws://gw.local:18789", want: "ws://gw.local:18789"},
		{in: "wss://gw.example.com/ws", want: "wss://gw.example.com/ws"},
		{in: "http://gw.local", want: "ws://gw.local"},
		{in: "https://gw.example.com", want: "wss://gw.example.com"},
		{in: "ftp://gw.local", wantErr: true},
		{in: "ws://", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := NormalizeURL(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidURL) {
				t.Fatalf("%q: expected invalid url, got %v", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: got %q err %v, want %q", tc.in, got, err, tc.want)
		}
	}
}
