package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// EmitOptions carries the optional correlation id and settlement callbacks
// of an acknowledged emission.
type EmitOptions struct {
	// OptimisticID registers the emission so that an echo confirmation
	// (optimistic:confirm, or Confirm) can resolve it before the ack.
	OptimisticID string
	OnSuccess    func(payload json.RawMessage)
	OnError      func(err error)
}

// pending is a registered emission. It settles exactly once.
type pending struct {
	tempID    string
	ack       uint64
	original  json.RawMessage
	onSuccess func(json.RawMessage)
	onError   func(error)
	settled   atomic.Bool
}

// Coordinator sends events that expect an acknowledgement, applies the
// offline fallback, and enforces the ack timeout.
type Coordinator struct {
	conn    *Connection
	timeout time.Duration
	seq     atomic.Uint64
	acks    *ttlcache.Cache[uint64, *pending]

	mu         sync.Mutex
	optimistic map[string]*pending
}

// NewCoordinator wires a Coordinator to conn. The ack registry runs until
// ctx is done.
func NewCoordinator(ctx context.Context, conn *Connection, timeout time.Duration) *Coordinator {
	acks := ttlcache.New[uint64, *pending](
		ttlcache.WithTTL[uint64, *pending](timeout),
		ttlcache.WithDisableTouchOnHit[uint64, *pending](),
	)

	c := &Coordinator{
		conn:       conn,
		timeout:    timeout,
		acks:       acks,
		optimistic: make(map[string]*pending),
	}

	acks.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[uint64, *pending]) {
		if reason == ttlcache.EvictionReasonExpired {
			c.fail(item.Value(), ErrAckTimeout, false)
		}
	})

	go acks.Start()
	go func() {
		<-ctx.Done()
		acks.Stop()
	}()

	conn.setAckHandler(c.resolveAck)
	conn.On(EventOptimisticConfirm, c.handleConfirm)
	conn.On(EventOptimisticRejected, c.handleReject)

	return c
}

// Emit sends event with payload and settles opts exactly once:
//   - no live connection: OnSuccess(payload) immediately;
//   - ack {error}: OnError(*ServerRejectedError);
//   - ack {payload} or a bare object: OnSuccess with it, or with the
//     original payload when the ack is empty;
//   - no ack within the timeout: OnError(ErrAckTimeout).
func (c *Coordinator) Emit(event string, payload any, opts EmitOptions) {
	raw, err := marshalPayload(payload)
	if err != nil {
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return
	}

	p := &pending{
		tempID:    opts.OptimisticID,
		original:  raw,
		onSuccess: opts.OnSuccess,
		onError:   opts.OnError,
	}

	// Register before sending so an echo can resolve it.
	if p.tempID != "" {
		c.mu.Lock()
		c.optimistic[p.tempID] = p
		c.mu.Unlock()
	}

	if !c.conn.Connected() {
		c.succeed(p, raw)
		return
	}

	p.ack = c.seq.Add(1)
	c.acks.Set(p.ack, p, ttlcache.DefaultTTL)

	if err := c.conn.Send(Message{Type: MsgEvent, Event: event, Ack: p.ack, Payload: raw}); err != nil {
		// The link dropped between the status check and the write.
		c.succeed(p, raw)
	}
}

// Confirm resolves the emission registered under tempID with payload. It
// reports whether such an emission was still pending.
func (c *Coordinator) Confirm(tempID string, payload json.RawMessage) bool {
	p := c.lookup(tempID)
	if p == nil {
		return false
	}
	if isNull(payload) {
		payload = p.original
	}
	return c.succeed(p, payload)
}

// Reject fails the emission registered under tempID.
func (c *Coordinator) Reject(tempID, reason string) bool {
	p := c.lookup(tempID)
	if p == nil {
		return false
	}
	if reason == "" {
		reason = "Update rejected"
	}
	return c.fail(p, &ServerRejectedError{Reason: reason}, true)
}

// Pending reports how many emissions are awaiting settlement.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	n := len(c.optimistic)
	c.mu.Unlock()

	for _, p := range c.acks.Items() {
		if p.Value().tempID == "" {
			n++
		}
	}
	return n
}

func (c *Coordinator) lookup(tempID string) *pending {
	if tempID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.optimistic[tempID]
}

func (c *Coordinator) resolveAck(msg Message) {
	item := c.acks.Get(msg.Ack)
	if item == nil {
		return
	}
	p := item.Value()

	payload, err := parseAckResponse(msg.Payload, p.original)
	if err != nil {
		c.fail(p, err, true)
		return
	}
	c.succeed(p, payload)
}

func (c *Coordinator) handleConfirm(raw json.RawMessage) {
	var body confirmPayload
	if err := json.Unmarshal(raw, &body); err != nil || body.TempID == "" {
		return
	}
	c.Confirm(body.TempID, body.Payload)
}

func (c *Coordinator) handleReject(raw json.RawMessage) {
	var body rejectPayload
	if err := json.Unmarshal(raw, &body); err != nil || body.TempID == "" {
		return
	}
	c.Reject(body.TempID, body.Reason)
}

func (c *Coordinator) succeed(p *pending, payload json.RawMessage) bool {
	if !c.settle(p, true) {
		return false
	}
	if p.onSuccess != nil {
		p.onSuccess(payload)
	}
	return true
}

func (c *Coordinator) fail(p *pending, err error, dropAck bool) bool {
	if !c.settle(p, dropAck) {
		return false
	}
	if p.onError != nil {
		p.onError(err)
	}
	return true
}

// settle marks p settled and clears both registrations. It returns false
// when p was already settled. dropAck is false when called from the cache's
// own expiry, where the entry is already gone.
func (c *Coordinator) settle(p *pending, dropAck bool) bool {
	if !p.settled.CompareAndSwap(false, true) {
		return false
	}
	if p.tempID != "" {
		c.mu.Lock()
		if c.optimistic[p.tempID] == p {
			delete(c.optimistic, p.tempID)
		}
		c.mu.Unlock()
	}
	if dropAck && p.ack != 0 {
		c.acks.Delete(p.ack)
	}
	return true
}

// parseAckResponse accepts {error}, {payload} and bare-object responses.
func parseAckResponse(raw, original json.RawMessage) (json.RawMessage, error) {
	if isNull(raw) {
		return original, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return raw, nil
	}

	if e, ok := probe["error"]; ok && !isNull(e) {
		var reason string
		if json.Unmarshal(e, &reason) != nil {
			reason = string(e)
		}
		if reason != "" {
			return nil, &ServerRejectedError{Reason: reason}
		}
	}

	if p, ok := probe["payload"]; ok && !isNull(p) {
		return p, nil
	}
	if len(probe) == 0 {
		return original, nil
	}
	return raw, nil
}
