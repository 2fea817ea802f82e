package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gsaps/realtime/internal/identity"
)

// Transport is one authenticated, bidirectional connection. Send may be
// called concurrently; Receive is only called from a single read loop.
type Transport interface {
	Send(msg Message) error
	Receive() (Message, error)
	Ping() error
	Close() error
}

// Dialer opens a Transport for an identity.
type Dialer interface {
	Dial(ctx context.Context, id *identity.Identity) (Transport, error)
}

// WebSocketDialer dials the relay over gorilla/websocket.
type WebSocketDialer struct {
	URL          string
	WriteTimeout time.Duration
	PongTimeout  time.Duration
}

func (d *WebSocketDialer) Dial(ctx context.Context, id *identity.Identity) (Transport, error) {
	header := http.Header{}
	if id != nil && id.Token != "" {
		header.Set("Authorization", "Bearer "+id.Token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	t := newWSTransport(conn, d.WriteTimeout, d.PongTimeout)

	// Authenticate before the transport is shared with any other goroutine.
	auth := AuthPayload{UserID: identity.SelfID(id)}
	if id != nil {
		auth.Token = id.Token
	}
	payload, _ := json.Marshal(auth)
	if err := t.Send(Message{Type: MsgAuth, Payload: payload}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	return t, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex // serialises all conn writes
	writeTimeout time.Duration
	pongTimeout  time.Duration
}

func newWSTransport(conn *websocket.Conn, writeTimeout, pongTimeout time.Duration) *wsTransport {
	t := &wsTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
		pongTimeout:  pongTimeout,
	}
	if pongTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongTimeout))
			return nil
		})
	}
	return t
}

func (t *wsTransport) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Receive() (Message, error) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return Message{}, err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if t.pongTimeout > 0 {
			t.conn.SetReadDeadline(time.Now().Add(t.pongTimeout))
		}
		return msg, nil
	}
}

func (t *wsTransport) Ping() error {
	deadline := time.Now().Add(t.writeTimeout)
	if t.writeTimeout <= 0 {
		deadline = time.Now().Add(10 * time.Second)
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
