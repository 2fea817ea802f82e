package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gsaps/realtime/internal/config"
	"github.com/gsaps/realtime/internal/identity"
	"github.com/gsaps/realtime/internal/realtime"
)

type testRelay struct {
	hub    *Hub
	server *Server
	http   *httptest.Server
}

func newTestRelay(t *testing.T, cfg config.ServerConfig) *testRelay {
	t.Helper()
	hub := NewHub(cfg.ClientBuffer)
	srv := NewServer(cfg, hub)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return &testRelay{hub: hub, server: srv, http: ts}
}

func (r *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws"
}

// dial opens a raw websocket and sends the auth frame.
func (r *testRelay) dial(t *testing.T, userID, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	payload, _ := json.Marshal(realtime.AuthPayload{UserID: userID, Token: token})
	writeFrame(t, conn, realtime.Message{Type: realtime.MsgAuth, Payload: payload})
	return conn
}

func (r *testRelay) join(t *testing.T, conn *websocket.Conn, channel string, want int) {
	t.Helper()
	payload, _ := json.Marshal(realtime.ChannelPayload{Channel: channel})
	writeFrame(t, conn, realtime.Message{Type: realtime.MsgSubscribe, Payload: payload})
	waitFor(t, "subscribers of "+channel, func() bool {
		return r.hub.Subscribers(channel) == want
	})
}

func writeFrame(t *testing.T, conn *websocket.Conn, msg realtime.Message) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) realtime.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg realtime.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var msg realtime.Message
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("unexpected frame %+v", msg)
	}
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

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestHealth(t *testing.T) {
	r := newTestRelay(t, config.ServerConfig{})

	resp, err := http.Get(r.http.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
}

func TestStatsCountsClientsAndChannels(t *testing.T) {
	r := newTestRelay(t, config.ServerConfig{})
	conn := r.dial(t, "alice", "")
	r.join(t, conn, "session:room-1", 1)

	resp, err := http.Get(r.http.URL + "/api/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var st Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Clients != 1 || st.Channels != 1 {
		t.Errorf("stats = %+v, want 1 client 1 channel", st)
	}
	if st.Goroutines == 0 || st.Uptime == "" {
		t.Errorf("stats missing runtime fields: %+v", st)
	}
}

func TestStatsRequiresTokenWhenSecretSet(t *testing.T) {
	r := newTestRelay(t, config.ServerConfig{AuthSecret: "s3cret"})

	resp, err := http.Get(r.http.URL + "/api/stats")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	token, _ := identity.Mint("s3cret", "ops", time.Minute)
	req, _ := http.NewRequest(http.MethodGet, r.http.URL+"/api/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with token = %d, want 200", resp.StatusCode)
	}
}

func TestPublishAcksSenderAndEchoesToChannel(t *testing.T) {
	r := newTestRelay(t, config.ServerConfig{})
	a := r.dial(t, "alice", "")
	b := r.dial(t, "bob", "")
	r.join(t, a, "session:room-1", 1)
	r.join(t, b, "session:room-1", 2)

	writeFrame(t, a, realtime.Message{
		Type:    realtime.MsgEvent,
		Event:   "session:room-1:notes:append",
		Ack:     7,
		Payload: json.RawMessage(`{"tempId":"note-1","body":"hi"}`),
	})

	ack := readFrame(t, a)
	if ack.Type != realtime.MsgAck || ack.Ack != 7 {
		t.Fatalf("first frame = %+v, want ack 7", ack)
	}
	var resp struct {
		Payload struct {
			ID     string `json:"id"`
			TempID string `json:"tempId"`
		} `json:"payload"`
	}
	json.Unmarshal(ack.Payload, &resp)
	if resp.Payload.ID == "" || resp.Payload.TempID != "note-1" {
		t.Fatalf("ack payload = %s", ack.Payload)
	}

	for name, conn := range map[string]*websocket.Conn{"sender": a, "peer": b} {
		echo := readFrame(t, conn)
		if echo.Event != "session:room-1:notes:append" {
			t.Fatalf("%s got %+v", name, echo)
		}
		var body map[string]string
		json.Unmarshal(echo.Payload, &body)
		if body["id"] != resp.Payload.ID {
			t.Errorf("%s echo id = %q, want %q", name, body["id"], resp.Payload.ID)
		}
	}
}

func TestPublishOnlyReachesChannel(t *testing.T) {
	r := newTestRelay(t, config.ServerConfig{})
	a := r.dial(t, "alice", "")
	b := r.dial(t, "bob", "")
	r.join(t, a, "session:room-1", 1)
	r.join(t, b, "session:room-2", 1)

	writeFrame(t, a, realtime.Message{
		Type:    realtime.MsgEvent,
		Event:   "session:room-1:canvas:update",
		Payload: json.RawMessage(`{"content":"x"}`),
	})

	if got := readFrame(t, a); got.Event != "session:room-1:canvas:update" {
		t.Errorf("sender got %+v", got)
	}
	expectSilence(t, b)
}

func TestTypingFanoutStampsSender(t *testing.T) {
	r := newTestRelay(t, config.ServerConfig{})
	a := r.dial(t, "alice", "")
	b := r.dial(t, "bob", "")
	r.join(t, a, "session:room-1", 1)
	r.join(t, b, "session:room-1", 2)

	writeFrame(t, a, realtime.Message{
		Type:    realtime.MsgEvent,
		Event:   realtime.EventTyping,
		Payload: json.RawMessage(`{"roomId":"room-1","userId":"mallory","isTyping":true}`),
	})

	got := readFrame(t, b)
	var body realtime.TypingPayload
	json.Unmarshal(got.Payload, &body)
	if got.Event != realtime.EventTyping || body.UserID != "alice" || !body.IsTyping {
		t.Errorf("peer got %+v %+v", got, body)
	}
	expectSilence(t, a)
}

func TestUnknownEventRejected(t *testing.T) {
	r := newTestRelay(t, config.ServerConfig{})
	a := r.dial(t, "alice", "")

	writeFrame(t, a, realtime.Message{Type: realtime.MsgEvent, Event: "bogus", Ack: 3})

	ack := readFrame(t, a)
	var resp realtime.AckResponse
	json.Unmarshal(ack.Payload, &resp)
	if ack.Ack != 3 || !strings.Contains(resp.Error, "bogus") {
		t.Errorf("ack = %+v %+v", ack, resp)
	}
}

func TestAuthRejectsInvalidToken(t *testing.T) {
	r := newTestRelay(t, config.ServerConfig{AuthSecret: "s3cret"})
	conn := r.dial(t, "alice", "forged")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("ReadMessage() error = %v, want policy violation close", err)
	}
	if r.hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", r.hub.ClientCount())
	}
}

func TestAuthRejectsBadHeaderTokenBeforeUpgrade(t *testing.T) {
	r := newTestRelay(t, config.ServerConfig{AuthSecret: "s3cret"})

	header := http.Header{}
	header.Set("Authorization", "Bearer forged")
	_, resp, err := websocket.DefaultDialer.Dial(r.wsURL(), header)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestAuthBindsVerifiedUser(t *testing.T) {
	r := newTestRelay(t, config.ServerConfig{AuthSecret: "s3cret"})
	token, _ := identity.Mint("s3cret", "alice", time.Minute)

	a := r.dial(t, "", token)
	b := r.dial(t, "bob", mustMint(t, "bob"))
	r.join(t, a, "session:room-1", 1)
	r.join(t, b, "session:room-1", 2)

	writeFrame(t, a, realtime.Message{
		Type:    realtime.MsgEvent,
		Event:   realtime.EventPresence,
		Payload: json.RawMessage(`{"roomId":"room-1","status":"online"}`),
	})

	var body realtime.PresencePayload
	json.Unmarshal(readFrame(t, b).Payload, &body)
	if body.UserID != "alice" {
		t.Errorf("presence userId = %q, want alice from token", body.UserID)
	}
}

func mustMint(t *testing.T, user string) string {
	t.Helper()
	token, err := identity.Mint("s3cret", user, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "relay:4000", true},
		{"same host", nil, "http://relay:4000", "relay:4000", true},
		{"localhost", nil, "http://localhost:5173", "relay:4000", true},
		{"loopback v6", nil, "http://[::1]:5173", "relay:4000", true},
		{"foreign", nil, "http://evil.example", "relay:4000", false},
		{"allow-listed", []string{"https://app.example"}, "https://app.example", "relay:4000", true},
		{"allow-listed host", []string{"https://app.example"}, "http://app.example", "relay:4000", true},
		{"not listed", []string{"https://app.example"}, "http://localhost:5173", "relay:4000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(config.ServerConfig{AllowedOrigins: tt.allowed}, NewHub(1))
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequestToken(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*http.Request)
		want  string
	}{
		{"none", func(*http.Request) {}, ""},
		{"header", func(r *http.Request) { r.Header.Set("X-Session-Token", "h") }, "h"},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer b") }, "b"},
		{"basic ignored", func(r *http.Request) { r.Header.Set("Authorization", "Basic x") }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.setup(req)
			if got := requestToken(req); got != tt.want {
				t.Errorf("requestToken() = %q, want %q", got, tt.want)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	req.Header.Set("Authorization", "Bearer b")
	if got := requestToken(req); got != "q" {
		t.Errorf("query token precedence: got %q", got)
	}
}
