package web

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/SlideGo/internal/logic/slider"
)

type testServer struct {
	srv    *Server
	b      *StatusBroadcaster
	slider *fakeSlider
	url    string
	stop   func() error
}

func startServer(t *testing.T, maxConns int) *testServer {
	t.Helper()
	fs := &fakeSlider{status: slider.Status{DollyPosition: 42, SliderLength: 900, Speed: 800}}
	b := NewStatusBroadcaster()
	srv := NewServer(Config{
		Addr:             "127.0.0.1:0",
		MaxConnections:   maxConns,
		Tick:             5 * time.Millisecond,
		HandshakeTimeout: time.Second,
		MaxMessageBytes:  256,
	}, NewDispatcher(fs), b)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var stopped bool
	var runErr error
	stop := func() error {
		if !stopped {
			stopped = true
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("server did not stop")
			}
		}
		return runErr
	}
	t.Cleanup(func() { _ = stop() })

	return &testServer{srv: srv, b: b, slider: fs, url: "ws://" + srv.Addr().String() + "/", stop: stop}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ts.waitCount(t, func(n int) bool { return n >= 1 })
	return conn
}

func (ts *testServer) waitCount(t *testing.T, ok func(int) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !ok(ts.srv.Count()) {
		if time.Now().After(deadline) {
			t.Fatalf("connection count stuck at %d", ts.srv.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func request(t *testing.T, conn *websocket.Conn, payload string) map[string]any {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	return readJSON(t, conn)
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

func TestServer_StatusRoundTrip(t *testing.T) {
	ts := startServer(t, 2)
	conn := ts.dial(t)

	m := request(t, conn, `{"action":"status"}`)
	if m["status"] != "ok" || m["dolly_position"] != 42.0 || m["slider_length"] != 900.0 {
		t.Errorf("status reply = %v", m)
	}
}

func TestServer_CommandReachesSlider(t *testing.T) {
	ts := startServer(t, 2)
	conn := ts.dial(t)

	m := request(t, conn, `{"action":"move","direction":"right","distance":100,"time":10}`)
	if m["status"] != "ok" {
		t.Errorf("reply = %v", m)
	}
	if calls := ts.slider.Calls(); len(calls) != 1 || calls[0] != "move right 100.0 10.0" {
		t.Errorf("calls = %q", calls)
	}
}

func TestServer_MalformedKeepsConnection(t *testing.T) {
	ts := startServer(t, 2)
	conn := ts.dial(t)

	m := request(t, conn, "garbage")
	if m["status"] != "error" || m["message"] != CodeWrongCommand {
		t.Errorf("reply = %v", m)
	}
	m = request(t, conn, `{"action":"status"}`)
	if m["status"] != "ok" {
		t.Errorf("connection unusable after bad message: %v", m)
	}
}

func TestServer_PingAnswered(t *testing.T) {
	ts := startServer(t, 2)
	conn := ts.dial(t)

	pong := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})
	if err := conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	// reading the reply also runs the pong handler
	request(t, conn, `{"action":"status"}`)

	select {
	case got := <-pong:
		if got != "hb" {
			t.Errorf("pong payload = %q", got)
		}
	default:
		t.Error("no pong received")
	}
}

func TestServer_RejectsOverCapacity(t *testing.T) {
	ts := startServer(t, 1)
	ts.dial(t)

	_, resp, err := websocket.DefaultDialer.Dial(ts.url, nil)
	if err == nil {
		t.Fatal("second connection accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp = %v, err = %v", resp, err)
	}
	if ts.srv.Count() != 1 {
		t.Errorf("Count() = %d, want 1", ts.srv.Count())
	}
}

func TestServer_ServesPage(t *testing.T) {
	ts := startServer(t, 2)
	url := strings.Replace(ts.url, "ws://", "http://", 1)

	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/html" {
		t.Errorf("Content-Type = %q", got)
	}
	if resp.ContentLength != int64(len(body)) {
		t.Errorf("Content-Length = %d, body = %d bytes", resp.ContentLength, len(body))
	}
	if !strings.Contains(string(body), "<title>SlideGo</title>") {
		t.Error("page body missing title")
	}
	if ts.srv.Count() != 0 {
		t.Errorf("plain HTTP request left %d connections", ts.srv.Count())
	}
}

func TestServer_BadUpgradeRejected(t *testing.T) {
	ts := startServer(t, 2)
	url := strings.Replace(ts.url, "ws://", "http://", 1)

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "short")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_BroadcastsEvents(t *testing.T) {
	ts := startServer(t, 2)
	c1 := ts.dial(t)
	c2 := ts.dial(t)
	ts.waitCount(t, func(n int) bool { return n == 2 })

	ts.b.Broadcast("info", "move-1 completed")

	for i, c := range []*websocket.Conn{c1, c2} {
		m := readJSON(t, c)
		if m["event"] != "status" || m["msg"] != "move-1 completed" {
			t.Errorf("client %d: event = %v", i, m)
		}
	}
}

func TestServer_ClientCloseLeavesOthers(t *testing.T) {
	ts := startServer(t, 2)
	c1 := ts.dial(t)
	c2 := ts.dial(t)
	ts.waitCount(t, func(n int) bool { return n == 2 })

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := c1.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	ts.waitCount(t, func(n int) bool { return n == 1 })

	if m := request(t, c2, `{"action":"status"}`); m["status"] != "ok" {
		t.Errorf("remaining client reply = %v", m)
	}
}

func TestServer_OversizedMessageCloses(t *testing.T) {
	ts := startServer(t, 2)
	conn := ts.dial(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 300))); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Errorf("err = %v, want close 1009", err)
	}
	ts.waitCount(t, func(n int) bool { return n == 0 })
}

func TestServer_ShutdownClosesClients(t *testing.T) {
	ts := startServer(t, 2)
	conn := ts.dial(t)

	if err := ts.stop(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("err = %v, want close 1001", err)
	}
	if ts.srv.Addr() != nil {
		t.Error("listener still bound after shutdown")
	}
	if got := ts.b.Subscribers(); got != 0 {
		t.Errorf("Subscribers() = %d after shutdown", got)
	}
}

// rawPeer opens a TCP connection that sends nothing unless told to.
func (ts *testServer) rawPeer(t *testing.T) net.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", ts.srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { nc.Close() })
	return nc
}

func TestServer_SilentPeerDoesNotDelayOthers(t *testing.T) {
	ts := startServer(t, 3)
	conn := ts.dial(t)
	idle := ts.rawPeer(t)
	// give the loop time to accept the silent peer
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	m := request(t, conn, `{"action":"stop"}`)
	if m["status"] != "ok" {
		t.Errorf("reply = %v", m)
	}
	// well under the one second handshake timeout
	if d := time.Since(start); d > 300*time.Millisecond {
		t.Errorf("stop answered after %v with a silent peer connected", d)
	}
	if calls := ts.slider.Calls(); len(calls) != 1 || calls[0] != "stop" {
		t.Errorf("calls = %q", calls)
	}

	_ = idle.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := idle.Read(make([]byte, 1)); err == nil {
		t.Error("silent peer got data instead of being closed")
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Error("silent peer not closed after the handshake timeout")
	}
}

func TestServer_PartialFrameDoesNotDelayOthers(t *testing.T) {
	ts := startServer(t, 3)
	slow := ts.dial(t)
	conn := ts.dial(t)
	ts.waitCount(t, func(n int) bool { return n == 2 })

	// a 20 byte text frame cut after its first payload byte
	if _, err := slow.UnderlyingConn().Write([]byte{0x81, 0x80 | 20, 1, 2, 3, 4, 'x'}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if m := request(t, conn, `{"action":"status"}`); m["status"] != "ok" {
		t.Errorf("reply = %v", m)
	}
	if d := time.Since(start); d > 300*time.Millisecond {
		t.Errorf("status answered after %v with a partial frame pending", d)
	}
	// the incomplete message times out and only that client goes
	ts.waitCount(t, func(n int) bool { return n == 1 })
	if m := request(t, conn, `{"action":"status"}`); m["status"] != "ok" {
		t.Errorf("remaining client reply = %v", m)
	}
}
