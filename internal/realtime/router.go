package realtime

import (
	"sync"
)

// Handlers maps event suffixes ("chat:new") to handlers for one channel.
type Handlers map[string]Handler

type subscription struct {
	channel string
	join    map[string]any
}

// Router binds channel-scoped handlers on a Connection and keeps the relay
// informed of which channels this client listens to.
type Router struct {
	conn *Connection

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscription
	refs   map[string]int
}

func NewRouter(conn *Connection) *Router {
	r := &Router{
		conn: conn,
		subs: make(map[uint64]*subscription),
		refs: make(map[string]int),
	}
	conn.OnConnected(r.resubscribe)
	return r
}

// Subscribe announces channel to the relay with joinPayload merged into the
// subscribe frame, then binds every handler under "channel:suffix". The
// returned cleanup unsubscribes and unbinds; calling it again is a no-op.
// While disconnected the subscribe frame is deferred until the next connect.
func (r *Router) Subscribe(channel string, handlers Handlers, joinPayload map[string]any) func() {
	if channel == "" {
		return func() {}
	}

	sub := &subscription{channel: channel, join: joinPayload}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[id] = sub
	r.refs[channel]++
	r.mu.Unlock()

	r.conn.sendControl(MsgSubscribe, subscribeBody(sub))

	offs := make([]func(), 0, len(handlers))
	for suffix, fn := range handlers {
		offs = append(offs, r.conn.On(EventName(channel, suffix), fn))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.refs[channel]--
			last := r.refs[channel] <= 0
			if last {
				delete(r.refs, channel)
			}
			r.mu.Unlock()

			if last {
				r.conn.sendControl(MsgUnsubscribe, ChannelPayload{Channel: channel})
			}
			for _, off := range offs {
				off()
			}
		})
	}
}

// BoundHandlers counts the handlers currently bound under channel.
func (r *Router) BoundHandlers(channel string) int {
	return r.conn.bus.countPrefix(channel + ":")
}

// Channels returns the channels with at least one live subscription.
func (r *Router) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.refs))
	for ch := range r.refs {
		out = append(out, ch)
	}
	return out
}

func (r *Router) resubscribe() {
	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		r.conn.sendControl(MsgSubscribe, subscribeBody(s))
	}
}

func subscribeBody(s *subscription) map[string]any {
	body := make(map[string]any, len(s.join)+1)
	for k, v := range s.join {
		body[k] = v
	}
	body["channel"] = s.channel
	return body
}
