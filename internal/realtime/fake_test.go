package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gsaps/realtime/internal/identity"
)

// fakeTransport records sent frames and replays inbound frames pushed with
// deliver.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []Message
	sendErr error

	inbox     chan Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox:  make(chan Message, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Receive() (Message, error) {
	select {
	case m := <-f.inbox:
		return m, nil
	case <-f.closed:
		return Message{}, io.EOF
	}
}

func (f *fakeTransport) Ping() error { return nil }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) deliver(msg Message) {
	f.inbox <- msg
}

func (f *fakeTransport) deliverEvent(event string, payload string) {
	f.deliver(Message{Type: MsgEvent, Event: event, Payload: json.RawMessage(payload)})
}

func (f *fakeTransport) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

func (f *fakeTransport) ofType(kind MessageType) []Message {
	var out []Message
	for _, m := range f.messages() {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) events(name string) []Message {
	var out []Message
	for _, m := range f.ofType(MsgEvent) {
		if m.Event == name {
			out = append(out, m)
		}
	}
	return out
}

type fakeDialer struct {
	mu         sync.Mutex
	identities []*identity.Identity
	transports []*fakeTransport
	err        error
}

func (d *fakeDialer) Dial(_ context.Context, id *identity.Identity) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identities = append(d.identities, id)
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.identities)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

var errDialRefused = errors.New("dial refused")

// waitFor polls cond until it holds or the deadline passes.
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

// connectedClient returns a Client whose Connection is connected to a fake
// transport.
func connectedClient(t *testing.T, timeout time.Duration) (*Client, *fakeDialer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	d := &fakeDialer{}
	c := newTestClient(ctx, d, timeout)
	if err := c.Conn.Connect(ctx, &identity.Identity{ID: "u1", Token: "tok"}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(c.Close)
	return c, d
}

func newTestClient(ctx context.Context, d Dialer, timeout time.Duration) *Client {
	conn := NewConnection(d, Options{})
	return &Client{
		Conn:    conn,
		Router:  NewRouter(conn),
		Emitter: NewCoordinator(ctx, conn, timeout),
		Store:   NewStore(conn, 0),
	}
}

const testAckTimeout = time.Second
