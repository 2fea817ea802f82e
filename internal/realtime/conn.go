package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gsaps/realtime/internal/identity"
)

// Status is the lifecycle state of a Connection.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

var statusNames = map[Status]string{
	StatusDisconnected: "disconnected",
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// Options tunes keepalive and automatic redial. Zero values disable the
// corresponding behaviour.
type Options struct {
	PingInterval  time.Duration
	AutoReconnect bool
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Connection owns the transport for the current identity. At most one
// transport is live at a time; connecting always tears the previous one down.
type Connection struct {
	dialer Dialer
	opts   Options
	bus    *bus

	mu        sync.Mutex
	identity  *identity.Identity
	transport Transport
	cancel    context.CancelFunc // stops the pumps of the live transport
	status    Status
	gen       uint64 // bumped whenever the live transport changes
	epoch     uint64 // bumped whenever the bound identity changes

	onAck       func(Message)
	onConnected []func()
	watchers    map[int]chan Status
	nextWatch   int
}

func NewConnection(dialer Dialer, opts Options) *Connection {
	return &Connection{
		dialer:   dialer,
		opts:     opts,
		bus:      newBus(),
		watchers: make(map[int]chan Status),
	}
}

// Connect binds the connection to id and opens a transport for it. Any
// existing transport is disconnected first. Failures leave the status at
// disconnected; the error is returned for callers that want it.
func (c *Connection) Connect(ctx context.Context, id *identity.Identity) error {
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()
	return c.dial(ctx, id, epoch)
}

// SetIdentity reconnects when id differs from the bound identity. A nil id
// disconnects. Re-setting the current identity while a transport is live is
// a no-op.
func (c *Connection) SetIdentity(ctx context.Context, id *identity.Identity) error {
	if id == nil {
		c.Disconnect()
		return nil
	}

	c.mu.Lock()
	same := identity.Equal(c.identity, id) && c.status != StatusDisconnected
	c.mu.Unlock()
	if same {
		return nil
	}
	return c.Connect(ctx, id)
}

// Disconnect removes the transport listeners, closes the transport and
// unbinds the identity. Handlers bound through On are kept.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.epoch++
	c.identity = nil
	wasLive := c.teardownLocked()
	c.mu.Unlock()

	if wasLive {
		log.Printf("realtime: disconnected")
	}
}

func (c *Connection) dial(ctx context.Context, id *identity.Identity, epoch uint64) error {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.teardownLocked()
	c.identity = id
	gen := c.gen
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	t, err := c.dialer.Dial(ctx, id)

	c.mu.Lock()
	if c.gen != gen || c.epoch != epoch {
		c.mu.Unlock()
		if t != nil {
			t.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
		log.Printf("realtime: connect failed for %s: %v", identity.SelfID(id), err)
		return fmt.Errorf("connect: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	c.transport = t
	c.cancel = cancel
	c.gen++
	gen = c.gen
	c.setStatusLocked(StatusConnected)
	hooks := append([]func(){}, c.onConnected...)
	c.mu.Unlock()

	log.Printf("realtime: connected as %s", identity.SelfID(id))

	go c.readPump(t, gen)
	if c.opts.PingInterval > 0 {
		go c.pingPump(pumpCtx, t)
	}

	for _, fn := range hooks {
		fn()
	}
	return nil
}

// teardownLocked stops the pumps and closes the live transport. It reports
// whether a transport was live.
func (c *Connection) teardownLocked() bool {
	live := c.transport != nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	c.gen++
	c.setStatusLocked(StatusDisconnected)
	return live
}

func (c *Connection) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	for _, ch := range c.watchers {
		select {
		case ch <- s:
		default:
		}
	}
}

func (c *Connection) readPump(t Transport, gen uint64) {
	for {
		msg, err := t.Receive()
		if err != nil {
			c.handleDrop(t, gen, err)
			return
		}

		c.mu.Lock()
		current := c.gen == gen
		onAck := c.onAck
		c.mu.Unlock()
		if !current {
			return
		}

		switch msg.Type {
		case MsgAck:
			if onAck != nil {
				onAck(msg)
			}
		case MsgEvent:
			c.bus.emit(msg.Event, msg.Payload)
		}
	}
}

func (c *Connection) handleDrop(t Transport, gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.transport = nil
	c.gen++
	c.setStatusLocked(StatusDisconnected)
	id := c.identity
	epoch := c.epoch
	redial := c.opts.AutoReconnect && id != nil
	c.mu.Unlock()

	t.Close()
	log.Printf("realtime: connection lost: %v", err)

	if redial {
		go c.redial(id, epoch)
	}
}

// redial retries with exponential backoff until connected or the identity
// binding changes.
func (c *Connection) redial(id *identity.Identity, epoch uint64) {
	delay := c.opts.ReconnectBase
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := c.opts.ReconnectMax
	if maxDelay < delay {
		maxDelay = delay
	}

	for {
		time.Sleep(delay)

		c.mu.Lock()
		stale := c.epoch != epoch || c.transport != nil
		c.mu.Unlock()
		if stale {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), maxDelay)
		err := c.dial(ctx, id, epoch)
		cancel()
		if err == nil || errors.Is(err, ErrSuperseded) {
			return
		}
		log.Printf("realtime: redial failed (retry in %v)", min(delay*2, maxDelay))
		delay = min(delay*2, maxDelay)
	}
}

func (c *Connection) pingPump(ctx context.Context, t Transport) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Ping(); err != nil {
				return
			}
		}
	}
}

// Send writes msg on the live transport.
func (c *Connection) Send(msg Message) error {
	c.mu.Lock()
	t := c.transport
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if t == nil || !connected {
		return ErrConnectionUnavailable
	}
	return t.Send(msg)
}

// Publish sends an unacknowledged event.
func (c *Connection) Publish(event string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return c.Send(Message{Type: MsgEvent, Event: event, Payload: raw})
}

func (c *Connection) sendControl(kind MessageType, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return c.Send(Message{Type: kind, Payload: raw})
}

// On binds a handler to an inbound event name and returns its unbind func.
func (c *Connection) On(event string, fn Handler) func() {
	return c.bus.on(event, fn)
}

// HandlerCount reports how many handlers are bound to event.
func (c *Connection) HandlerCount(event string) int {
	return c.bus.count(event)
}

// Dispatch delivers an inbound event as if it had arrived on the transport.
func (c *Connection) Dispatch(event string, payload json.RawMessage) {
	c.bus.emit(event, payload)
}

// OnConnected registers fn to run each time a transport becomes connected.
func (c *Connection) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConnected = append(c.onConnected, fn)
	c.mu.Unlock()
}

func (c *Connection) setAckHandler(fn func(Message)) {
	c.mu.Lock()
	c.onAck = fn
	c.mu.Unlock()
}

// Watch returns a channel of status changes. Slow readers miss
// intermediate values; Status always reports the latest.
func (c *Connection) Watch() (<-chan Status, func()) {
	ch := make(chan Status, 8)

	c.mu.Lock()
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
		})
	}
}

func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) Connected() bool {
	return c.Status() == StatusConnected
}

func (c *Connection) Identity() *identity.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SelfID is the user id local actions are recorded under.
func (c *Connection) SelfID() string {
	return identity.SelfID(c.Identity())
}
