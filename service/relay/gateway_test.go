package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ConnectSphere/global/config"
	"ConnectSphere/service/natsx"
	"ConnectSphere/service/storage"
	"ConnectSphere/tools/errs"
	"ConnectSphere/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const testSecret = "gateway-test-secret"

// fakeBus loops every publish straight back into the local subscriptions,
// which is exactly the self-delivery the real bus provides.
type fakeBus struct {
	mu          sync.Mutex
	subs        map[string][]natsx.NatsxHandler
	failPublish bool
	published   int
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string][]natsx.NatsxHandler)}
}

func (b *fakeBus) Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error {
	b.mu.Lock()
	if b.failPublish {
		b.mu.Unlock()
		return errs.ErrPublishFailed
	}
	b.published++
	handlers := append([]natsx.NatsxHandler(nil), b.subs[biz]...)
	b.mu.Unlock()
	for _, h := range handlers {
		_ = h(ctx, natsx.NatsxMessage{Subject: biz, Data: data, Header: hdr})
	}
	return nil
}

func (b *fakeBus) Subscribe(biz string, h natsx.NatsxHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[biz] = append(b.subs[biz], h)
	return nil
}

func (b *fakeBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.failPublish
}

func (b *fakeBus) setFail(fail bool) {
	b.mu.Lock()
	b.failPublish = fail
	b.mu.Unlock()
}

type testRelay struct {
	http *httptest.Server
	bus  *fakeBus
	srv  *Server
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		GatewayID:     "gw-test",
		JWTSecret:     testSecret,
		AllowedOrigin: "*",
		AuthDeadline:  2 * time.Second,
		ResumeTTL:     5 * time.Second,
		SendBuffer:    16,
		FanoutWorkers: 2,
		FanoutQueue:   32,
	}
	bus := newFakeBus()
	resume := storage.NewMemResume(time.Second)
	t.Cleanup(resume.Close)

	srv := NewServer(cfg, bus, NewRegistry(), resume)
	if err := srv.StartFanout(); err != nil {
		t.Fatalf("StartFanout: %v", err)
	}

	r := gin.New()
	r.GET("/realtime", srv.HandleRealtime)
	r.POST("/realtime/send", srv.HandleSend)
	r.GET("/healthz", srv.HandleHealth)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return &testRelay{http: ts, bus: bus, srv: srv}
}

func (tr *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(tr.http.URL, "http") + "/realtime"
}

func validToken(t *testing.T, user string) string {
	t.Helper()
	tok, _, err := security.Generate(security.DefaultOptions([]byte(testSecret)), user, user+"@example.com", user)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return tok
}

func readFrame(t *testing.T, ws *websocket.Conn) *ServerFrame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	f := &ServerFrame{}
	if err := json.Unmarshal(raw, f); err != nil {
		t.Fatalf("frame not json: %v (%s)", err, raw)
	}
	return f
}

func sendFrame(t *testing.T, ws *websocket.Conn, f any) {
	t.Helper()
	if err := ws.WriteJSON(f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// connect dials, authenticates and returns the socket plus its conn id.
func connect(t *testing.T, tr *testRelay, user string, resume string) (*websocket.Conn, string) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(tr.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	hello := readFrame(t, ws)
	if hello.Type != FrameConn || hello.ConnID == "" {
		t.Fatalf("expected conn hello, got %+v", hello)
	}
	sendFrame(t, ws, ClientFrame{Type: FrameAuth, Token: validToken(t, user), Resume: resume})
	ack := readFrame(t, ws)
	if ack.Type != FrameAuthAck {
		t.Fatalf("expected auth_ack, got %+v", ack)
	}
	if ack.UserID != user {
		t.Fatalf("auth_ack user = %q, want %q", ack.UserID, user)
	}
	return ws, hello.ConnID
}

func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, raw, err := ws.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame: %s", raw)
	}
}

func TestRejectsBadToken(t *testing.T) {
	tr := newTestRelay(t)
	ws, _, err := websocket.DefaultDialer.Dial(tr.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = ws.Close() }()

	_ = readFrame(t, ws) // hello
	sendFrame(t, ws, ClientFrame{Type: FrameAuth, Token: "bogus"})
	errFrame := readFrame(t, ws)
	if errFrame.Type != FrameError || errFrame.Code != errs.TokenInvalidError {
		t.Fatalf("expected opaque auth error, got %+v", errFrame)
	}
	// connection is terminal: next read fails
	_ = ws.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("socket still open after rejected handshake")
	}
	// and no registry entry was created
	if n := tr.srv.reg.Len(); n != 0 {
		t.Fatalf("registry has %d entries after rejected handshake", n)
	}
}

func TestNonAuthFirstFrameRejected(t *testing.T) {
	tr := newTestRelay(t)
	ws, _, err := websocket.DefaultDialer.Dial(tr.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = ws.Close() }()

	_ = readFrame(t, ws)
	sendFrame(t, ws, ClientFrame{Type: FrameJoin, Room: "42"})
	errFrame := readFrame(t, ws)
	if errFrame.Type != FrameError {
		t.Fatalf("expected error frame, got %+v", errFrame)
	}
}

func TestJoinSendDeliver(t *testing.T) {
	tr := newTestRelay(t)

	ws1, _ := connect(t, tr, "alice", "")
	ws2, _ := connect(t, tr, "bob", "")
	ws3, _ := connect(t, tr, "carol", "")

	sendFrame(t, ws1, ClientFrame{Type: FrameJoin, Room: "42"})
	sendFrame(t, ws2, ClientFrame{Type: FrameJoin, Room: "42"})
	sendFrame(t, ws3, ClientFrame{Type: FrameJoin, Room: "7"})
	waitForMembers(t, tr.srv.reg, "42", 2)
	waitForMembers(t, tr.srv.reg, "7", 1)

	sendFrame(t, ws1, ClientFrame{Type: FrameSendMessage, Room: "42", Data: json.RawMessage(`{"text":"hi"}`)})

	// both members of room 42 get exactly the published triple, once each;
	// the sender is not special-cased
	for _, ws := range []*websocket.Conn{ws1, ws2} {
		f := readFrame(t, ws)
		if f.Type != KindNewMessage || f.Room != "42" || string(f.Data) != `{"text":"hi"}` {
			t.Fatalf("delivery = %+v", f)
		}
	}
	expectSilence(t, ws1)
	expectSilence(t, ws2)
	// no cross-room leakage
	expectSilence(t, ws3)
}

func TestPublishFailureDoesNotKillConnection(t *testing.T) {
	tr := newTestRelay(t)
	ws, _ := connect(t, tr, "alice", "")
	sendFrame(t, ws, ClientFrame{Type: FrameJoin, Room: "42"})

	tr.bus.setFail(true)
	sendFrame(t, ws, ClientFrame{Type: FrameSendMessage, Room: "42", Data: json.RawMessage(`{"text":"x"}`)})
	f := readFrame(t, ws)
	if f.Type != FrameError || f.Code != errs.PublishFailedError {
		t.Fatalf("expected publish error frame, got %+v", f)
	}

	// connection survives and resumes working once the bus is back
	tr.bus.setFail(false)
	sendFrame(t, ws, ClientFrame{Type: FrameSendMessage, Room: "42", Data: json.RawMessage(`{"text":"y"}`)})
	f = readFrame(t, ws)
	if f.Type != KindNewMessage || string(f.Data) != `{"text":"y"}` {
		t.Fatalf("delivery after recovery = %+v", f)
	}
}

func TestSendWithoutJoinPublishes(t *testing.T) {
	tr := newTestRelay(t)
	ws1, _ := connect(t, tr, "alice", "")
	ws2, _ := connect(t, tr, "bob", "")
	sendFrame(t, ws2, ClientFrame{Type: FrameJoin, Room: "42"})
	waitForMembers(t, tr.srv.reg, "42", 1)

	// alice never joined room 42; publish is still allowed, only delivery
	// is room-scoped
	sendFrame(t, ws1, ClientFrame{Type: FrameSendMessage, Room: "42", Data: json.RawMessage(`{"n":1}`)})

	f := readFrame(t, ws2)
	if f.Type != KindNewMessage || f.Room != "42" {
		t.Fatalf("bob delivery = %+v", f)
	}
	expectSilence(t, ws1)
}

func TestResumeReclaimsRooms(t *testing.T) {
	tr := newTestRelay(t)
	ws, connID := connect(t, tr, "alice", "")
	sendFrame(t, ws, ClientFrame{Type: FrameJoin, Room: "42"})
	sendFrame(t, ws, ClientFrame{Type: FrameJoin, Room: "7"})
	waitForMembers(t, tr.srv.reg, "42", 1)
	waitForMembers(t, tr.srv.reg, "7", 1)

	_ = ws.Close()
	waitFor(t, func() bool { return tr.srv.reg.Len() == 0 })

	ws2, _ := connect(t, tr, "alice", connID)
	_ = ws2

	// rooms were re-joined from the resume record, no explicit join needed
	waitForMembers(t, tr.srv.reg, "42", 1)
	waitForMembers(t, tr.srv.reg, "7", 1)

	sendFrame(t, ws2, ClientFrame{Type: FrameSendMessage, Room: "7", Data: json.RawMessage(`{"back":true}`)})
	f := readFrame(t, ws2)
	if f.Type != KindNewMessage || f.Room != "7" {
		t.Fatalf("delivery after resume = %+v", f)
	}

	// the record is claim-once: a second claim gets nothing back
	ws3, _, err := websocket.DefaultDialer.Dial(tr.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = ws3.Close() }()
	_ = readFrame(t, ws3) // hello
	sendFrame(t, ws3, ClientFrame{Type: FrameAuth, Token: validToken(t, "alice"), Resume: connID})
	ack := readFrame(t, ws3)
	if ack.Type != FrameAuthAck {
		t.Fatalf("expected auth_ack, got %+v", ack)
	}
	if len(ack.ResumedRooms) != 0 {
		t.Fatalf("second claim resumed %v, want nothing", ack.ResumedRooms)
	}
}

func TestRoomEventFanout(t *testing.T) {
	tr := newTestRelay(t)
	ws, _ := connect(t, tr, "alice", "")
	sendFrame(t, ws, ClientFrame{Type: FrameJoin, Room: "42"})
	waitForMembers(t, tr.srv.reg, "42", 1)

	// room-lifecycle events come from the API layer over the rooms channel
	env := &Envelope{Kind: KindParticipantsChanged, Room: "42", Data: json.RawMessage(`{"count":3}`), Ts: 5}
	if err := tr.bus.Publish(context.Background(), BizRooms, env.Encode(), nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	f := readFrame(t, ws)
	if f.Type != KindParticipantsChanged || f.Room != "42" || string(f.Data) != `{"count":3}` {
		t.Fatalf("room event delivery = %+v", f)
	}
}

func TestPingPong(t *testing.T) {
	tr := newTestRelay(t)
	ws, _ := connect(t, tr, "alice", "")
	sendFrame(t, ws, ClientFrame{Type: FramePing})
	if f := readFrame(t, ws); f.Type != FramePong {
		t.Fatalf("expected pong, got %+v", f)
	}
}

func TestHealthEndpoint(t *testing.T) {
	tr := newTestRelay(t)

	check := func(wantConnected bool) {
		resp, err := http.Get(tr.http.URL + "/healthz")
		if err != nil {
			t.Fatalf("healthz: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
		}
		var body struct {
			Status       string `json:"status"`
			BusConnected bool   `json:"bus_connected"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("healthz body: %v", err)
		}
		if body.Status != "ok" || body.BusConnected != wantConnected {
			t.Fatalf("healthz body = %+v, want bus_connected=%v", body, wantConnected)
		}
	}

	check(true)
	tr.bus.setFail(true)
	check(false) // still 200 with the bus down, reported in the body
}

func TestHTTPSendFallback(t *testing.T) {
	tr := newTestRelay(t)
	ws, _ := connect(t, tr, "bob", "")
	sendFrame(t, ws, ClientFrame{Type: FrameJoin, Room: "42"})
	waitForMembers(t, tr.srv.reg, "42", 1)

	body := strings.NewReader(`{"room":"42","data":{"text":"via http"}}`)
	req, _ := http.NewRequest(http.MethodPost, tr.http.URL+"/realtime/send", body)
	req.Header.Set("Authorization", "Bearer "+validToken(t, "alice"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	f := readFrame(t, ws)
	if f.Type != KindNewMessage || string(f.Data) != `{"text":"via http"}` {
		t.Fatalf("delivery = %+v", f)
	}

	// unauthenticated post is rejected opaquely
	req2, _ := http.NewRequest(http.MethodPost, tr.http.URL+"/realtime/send", strings.NewReader(`{"room":"1","data":{}}`))
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp2.StatusCode)
	}
}

func TestSSEFallbackStream(t *testing.T) {
	tr := newTestRelay(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url := fmt.Sprintf("%s/realtime?token=%s&rooms=42", tr.http.URL, validToken(t, "alice"))
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sse get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	ack := readSSEFrame(t, reader)
	if ack.Type != FrameAuthAck || ack.UserID != "alice" {
		t.Fatalf("sse ack = %+v", ack)
	}
	waitForMembers(t, tr.srv.reg, "42", 1)

	env := &Envelope{Kind: KindNewMessage, Room: "42", Data: json.RawMessage(`{"text":"sse"}`)}
	if err := tr.bus.Publish(context.Background(), BizMessages, env.Encode(), nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	f := readSSEFrame(t, reader)
	if f.Type != KindNewMessage || string(f.Data) != `{"text":"sse"}` {
		t.Fatalf("sse delivery = %+v", f)
	}
}

func readSSEFrame(t *testing.T, r *bufio.Reader) *ServerFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("sse read: %v", err)
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			t.Fatalf("unexpected sse line: %q", line)
		}
		f := &ServerFrame{}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), f); err != nil {
			t.Fatalf("sse frame not json: %v", err)
		}
		return f
	}
	t.Fatal("timed out reading sse frame")
	return nil
}

func waitForMembers(t *testing.T, reg *Registry, room string, n int) {
	t.Helper()
	waitFor(t, func() bool { return len(reg.MembersOf(room)) == n })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
