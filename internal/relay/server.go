// Package relay is the websocket server side of the session layer. Clients
// authenticate with their first frame, join room channels and publish
// events; the relay fans events out to subscribers and acknowledges the
// sender.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/gsaps/realtime/internal/config"
	"github.com/gsaps/realtime/internal/identity"
	"github.com/gsaps/realtime/internal/realtime"
)

const authTimeout = 10 * time.Second

var errNotAuthFrame = errors.New("relay: first frame is not auth")

type Server struct {
	hub            *Hub
	verifier       *identity.Verifier
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	started        time.Time
	proc           *process.Process
}

func NewServer(cfg config.ServerConfig, hub *Hub) *Server {
	s := &Server{
		hub:            hub,
		verifier:       identity.NewVerifier(cfg.AuthSecret),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		started:        time.Now(),
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	} else {
		log.Printf("process stats unavailable: %v", err)
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/api/stats", securityHeaders(http.HandlerFunc(s.handleStats)))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := requestToken(r)
	if token != "" && s.verifier.Enabled() {
		if _, err := s.verifier.Verify(token, ""); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	userID, err := s.authenticate(conn, token)
	if err != nil {
		log.Printf("ws auth failed for %s: %v", r.RemoteAddr, err)
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), deadline)
		conn.Close()
		return
	}

	c := s.hub.AddClient(conn, userID)
	log.Printf("WebSocket client connected: %s as %s", r.RemoteAddr, userID)

	go func() {
		defer func() {
			s.hub.RemoveClient(c)
			log.Printf("WebSocket client disconnected: %s", r.RemoteAddr)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg realtime.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			s.handleMessage(c, msg)
		}
	}()
}

// authenticate reads the auth frame and resolves the user id the connection
// is bound to. A token in the frame takes precedence over the request's.
func (s *Server) authenticate(conn *websocket.Conn, requestToken string) (string, error) {
	conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read auth frame: %w", err)
	}
	var msg realtime.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != realtime.MsgAuth {
		return "", errNotAuthFrame
	}

	var auth realtime.AuthPayload
	json.Unmarshal(msg.Payload, &auth)
	if auth.Token == "" {
		auth.Token = requestToken
	}
	return s.verifier.Verify(auth.Token, auth.UserID)
}

func (s *Server) handleMessage(c *client, msg realtime.Message) {
	switch msg.Type {
	case realtime.MsgSubscribe:
		var body realtime.ChannelPayload
		if json.Unmarshal(msg.Payload, &body) == nil && body.Channel != "" {
			s.hub.Join(c, body.Channel, body.RoomID)
		}
	case realtime.MsgUnsubscribe:
		var body realtime.ChannelPayload
		if json.Unmarshal(msg.Payload, &body) == nil && body.Channel != "" {
			s.hub.Leave(c, body.Channel)
		}
	case realtime.MsgEvent:
		s.handleEvent(c, msg)
	}
}

func (s *Server) handleEvent(c *client, msg realtime.Message) {
	switch msg.Event {
	case realtime.EventTyping, realtime.EventPresence:
		payload := stampUser(msg.Payload, c.userID)
		if room := roomIDOf(payload); room != "" {
			s.hub.PublishRoom(room, realtime.Message{Type: realtime.MsgEvent, Event: msg.Event, Payload: payload}, c)
		}
		if msg.Ack != 0 {
			s.hub.Reply(c, ackOK(msg.Ack, payload))
		}
		return
	}

	channel, _, ok := realtime.SplitEvent(msg.Event)
	if !ok {
		if msg.Ack != 0 {
			s.hub.Reply(c, ackError(msg.Ack, "unknown event "+msg.Event))
		}
		return
	}

	payload := assignID(msg.Payload)
	if msg.Ack != 0 {
		s.hub.Reply(c, ackOK(msg.Ack, payload))
	}
	s.hub.Publish(channel, realtime.Message{Type: realtime.MsgEvent, Event: msg.Event, Payload: payload})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Stats is the body of /api/stats.
type Stats struct {
	Clients    int     `json:"clients"`
	Channels   int     `json:"channels"`
	Goroutines int     `json:"goroutines"`
	Uptime     string  `json:"uptime"`
	MemoryRSS  uint64  `json:"memoryRss,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
}

func (s *Server) Stats() Stats {
	st := Stats{
		Clients:    s.hub.ClientCount(),
		Channels:   s.hub.ChannelCount(),
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(s.started).Round(time.Second).String(),
	}
	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil {
			st.MemoryRSS = mem.RSS
		}
		if cpu, err := s.proc.CPUPercent(); err == nil {
			st.CPUPercent = cpu
		}
	}
	return st
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Stats())
}

func (s *Server) authorize(r *http.Request) bool {
	if !s.verifier.Enabled() {
		return true
	}
	_, err := s.verifier.Verify(requestToken(r), "")
	return err == nil
}

// requestToken reads a token from the query string, the X-Session-Token
// header or a bearer Authorization header, in that order.
func requestToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if t := r.Header.Get("X-Session-Token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// Serve serves handler on ln until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
