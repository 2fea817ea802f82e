package symposium

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gsaps/realtime/internal/config"
	"github.com/gsaps/realtime/internal/identity"
	"github.com/gsaps/realtime/internal/realtime"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []realtime.Message

	inbox     chan realtime.Message
	closed    chan struct{}
	closeOnce sync.Once
}

func (f *fakeTransport) Send(msg realtime.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Receive() (realtime.Message, error) {
	select {
	case m := <-f.inbox:
		return m, nil
	case <-f.closed:
		return realtime.Message{}, io.EOF
	}
}

func (f *fakeTransport) Ping() error { return nil }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) events(name string) []realtime.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []realtime.Message
	for _, m := range f.sent {
		if m.Type == realtime.MsgEvent && m.Event == name {
			out = append(out, m)
		}
	}
	return out
}

type fakeDialer struct {
	mu sync.Mutex
	t  *fakeTransport
}

func (d *fakeDialer) Dial(context.Context, *identity.Identity) (realtime.Transport, error) {
	t := &fakeTransport{inbox: make(chan realtime.Message, 16), closed: make(chan struct{})}
	d.mu.Lock()
	d.t = t
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) transport() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.t
}

type harness struct {
	client  *realtime.Client
	dialer  *fakeDialer
	adapter *Adapter
}

func (h *harness) sent(event string) []realtime.Message {
	if t := h.dialer.transport(); t != nil {
		return t.events(event)
	}
	return nil
}

// newHarness returns an Adapter over a client with a fake transport. The
// client is connected as "me" when connected is true.
func newHarness(t *testing.T, connected bool, cfg config.SessionConfig) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	d := &fakeDialer{}
	rc := config.Default().Realtime
	rc.AutoReconnect = false
	rc.PingInterval = 0
	client := realtime.NewClient(ctx, rc, d)
	t.Cleanup(client.Close)

	if connected {
		if err := client.Conn.Connect(ctx, &identity.Identity{ID: "me", Token: "tok"}); err != nil {
			t.Fatalf("Connect() error: %v", err)
		}
	}
	return &harness{client: client, dialer: d, adapter: NewAdapter(client, nil, cfg)}
}

func (h *harness) open(t *testing.T, roomID string) *Room {
	t.Helper()
	r := h.adapter.Open(context.Background(), roomID)
	t.Cleanup(r.Close)
	return r
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

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
