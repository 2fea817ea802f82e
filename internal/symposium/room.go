package symposium

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gsaps/realtime/internal/config"
	"github.com/gsaps/realtime/internal/optimistic"
	"github.com/gsaps/realtime/internal/realtime"
)

// Room suffixes, relative to the room channel.
const (
	SuffixAgenda    = "agenda:update"
	SuffixQueue     = "queue:update"
	SuffixNotes     = "notes:append"
	SuffixPolls     = "polls:update"
	SuffixChat      = "chat:new"
	SuffixReaction  = "stage:reaction"
	SuffixPresence  = "presence:update"
	SuffixCanvas    = "canvas:update"
	errorSuffix     = ":error"
	presenceOnline  = "online"
	presenceEditing = "editing"
	presenceOffline = "offline"
)

// Room is the live state of one session room. All methods are safe for
// concurrent use and return without waiting on the network.
type Room struct {
	id      string
	channel string
	client  *realtime.Client
	cfg     config.SessionConfig

	ctx    context.Context
	cancel context.CancelFunc

	notes *optimistic.List[Note]

	mu        sync.Mutex
	agenda    []AgendaItem
	queue     []Speaker
	polls     []Poll
	chat      []optimistic.Item[ChatMessage]
	canvas    string
	reactions []Reaction
	presence  map[string]string
	lastEvent *LastEvent
	idle      *time.Timer

	unsubscribe func()
	closeOnce   sync.Once

	watchMu   sync.Mutex
	watchers  map[int]chan LastEvent
	nextWatch int
	closed    bool
}

func newRoom(parent context.Context, client *realtime.Client, cfg config.SessionConfig, roomID string, snap Snapshot) *Room {
	ctx, cancel := context.WithCancel(parent)
	st := snap.state(roomID)

	r := &Room{
		id:        roomID,
		channel:   realtime.ChannelName(cfg.Namespace, roomID),
		client:    client,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		notes:     optimistic.NewList[Note](client.Emitter, roomID, cfg.Namespace, 0),
		agenda:    st.Agenda,
		queue:     st.SpeakerQueue,
		polls:     st.Polls,
		chat:      optimistic.TrimOldest(st.Chat, cfg.ChatCap),
		canvas:    st.Canvas,
		presence:  st.Presence,
		watchers:  make(map[int]chan LastEvent),
	}
	r.notes.Reset(st.Notes)
	return r
}

func (r *Room) start() {
	r.unsubscribe = r.client.Router.Subscribe(r.channel, r.handlers(), map[string]any{"roomId": r.id})
	r.mergeStorePresence()

	changes, stop := r.client.Store.Watch()
	go r.watch(changes, stop)

	r.UpdatePresenceStatus(presenceOnline)
}

// watch follows the connection-wide presence for this room and closes the
// room when its context ends.
func (r *Room) watch(changes <-chan realtime.Change, stop func()) {
	defer stop()
	for {
		select {
		case <-r.ctx.Done():
			r.Close()
			return
		case c := <-changes:
			if c.Kind == realtime.ChangePresence && c.Room == r.id {
				r.mergeStorePresence()
			}
		}
	}
}

func (r *Room) ID() string      { return r.id }
func (r *Room) Channel() string { return r.channel }

// Done is closed once the room has been closed.
func (r *Room) Done() <-chan struct{} { return r.ctx.Done() }

func (r *Room) alive() bool { return r.ctx.Err() == nil }

func (r *Room) event(suffix string) string {
	return realtime.EventName(r.channel, suffix)
}

func (r *Room) handlers() realtime.Handlers {
	return realtime.Handlers{
		SuffixAgenda:   r.onAgenda,
		SuffixQueue:    r.onQueue,
		SuffixNotes:    r.onNote,
		SuffixPolls:    r.onPoll,
		SuffixChat:     r.onChat,
		SuffixReaction: r.onReaction,
		SuffixPresence: r.onPresence,
		SuffixCanvas:   r.onCanvas,
	}
}

func (r *Room) onAgenda(raw json.RawMessage) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}

	r.mu.Lock()
	idx := slices.IndexFunc(r.agenda, func(a AgendaItem) bool { return probe.ID != "" && a.ID == probe.ID })
	if idx >= 0 {
		item := r.agenda[idx]
		json.Unmarshal(raw, &item)
		r.agenda[idx] = item
	} else {
		var item AgendaItem
		json.Unmarshal(raw, &item)
		r.agenda = append(r.agenda, item)
	}
	r.mu.Unlock()

	r.setLastEvent("agenda", raw)
}

func (r *Room) onQueue(raw json.RawMessage) {
	var queue []Speaker
	if err := json.Unmarshal(raw, &queue); err != nil {
		return
	}
	r.mu.Lock()
	r.queue = queue
	r.mu.Unlock()

	r.setLastEvent("queue", raw)
}

func (r *Room) onNote(raw json.RawMessage) {
	if r.notes.ConfirmFromServer(raw) == optimistic.MatchNone {
		return
	}
	r.setLastEvent("note", raw)
}

func (r *Room) onPoll(raw json.RawMessage) {
	var p Poll
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return
	}

	r.mu.Lock()
	idx := slices.IndexFunc(r.polls, func(cur Poll) bool { return cur.ID == p.ID })
	if idx >= 0 {
		r.polls[idx] = p
	} else {
		r.polls = append(r.polls, p)
	}
	r.mu.Unlock()

	r.setLastEvent("poll", raw)
}

func (r *Room) onChat(raw json.RawMessage) {
	r.mu.Lock()
	next, m := optimistic.Reconcile(r.chat, raw)
	if m != optimistic.MatchNone {
		r.chat = optimistic.TrimOldest(next, r.cfg.ChatCap)
	}
	r.mu.Unlock()

	if m != optimistic.MatchNone {
		r.setLastEvent("chat", raw)
	}
}

func (r *Room) onReaction(raw json.RawMessage) {
	var rx Reaction
	if err := json.Unmarshal(raw, &rx); err != nil {
		return
	}

	r.mu.Lock()
	// Our own reactions come back as echoes.
	seen := rx.ID != "" && slices.ContainsFunc(r.reactions, func(cur Reaction) bool { return cur.ID == rx.ID })
	if !seen {
		r.reactions = prependCapped(r.reactions, rx, r.cfg.ReactionCap)
	}
	r.mu.Unlock()

	r.setLastEvent("reaction", raw)
}

func (r *Room) onPresence(raw json.RawMessage) {
	var incoming map[string]string
	if err := json.Unmarshal(raw, &incoming); err != nil {
		return
	}
	r.mu.Lock()
	maps.Copy(r.presence, incoming)
	r.mu.Unlock()
}

func (r *Room) onCanvas(raw json.RawMessage) {
	var c CanvasUpdate
	if err := json.Unmarshal(raw, &c); err != nil {
		return
	}
	r.mu.Lock()
	r.canvas = c.Content
	r.mu.Unlock()

	r.setLastEvent("canvas", raw)
}

// mergeStorePresence copies other users' connection-wide presence into the
// room. The local user's entry is owned by UpdatePresenceStatus.
func (r *Room) mergeStorePresence() {
	pres := r.client.Store.RoomPresence(r.id)
	delete(pres, r.client.Conn.SelfID())
	if len(pres) == 0 {
		return
	}
	r.mu.Lock()
	maps.Copy(r.presence, pres)
	r.mu.Unlock()
}

// publish sends payload on the room channel. LastEvent is set now and again
// when the emission settles, unless the room has been closed by then.
func (r *Room) publish(suffix string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	r.setLastEvent(suffix, raw)
	r.client.Emitter.Emit(r.event(suffix), json.RawMessage(raw), realtime.EmitOptions{
		OnSuccess: func(json.RawMessage) { r.settled(suffix, raw) },
		OnError:   func(error) { r.settled(suffix+errorSuffix, raw) },
	})
}

func (r *Room) settled(typ string, raw json.RawMessage) {
	if !r.alive() {
		return
	}
	r.setLastEvent(typ, raw)
}

// AddAgendaItem appends item, assigning an id when it has none. Actions on
// a closed room change nothing and publish nothing.
func (r *Room) AddAgendaItem(item AgendaItem) AgendaItem {
	if !r.alive() {
		return item
	}
	if item.ID == "" {
		item.ID = newID("ag")
	}
	r.mu.Lock()
	r.agenda = append(r.agenda, item)
	r.mu.Unlock()

	r.publish(SuffixAgenda, item)
	return item
}

// EnqueueSpeaker appends s to the speaker queue and publishes the whole
// queue.
func (r *Room) EnqueueSpeaker(s Speaker) Speaker {
	if !r.alive() {
		return s
	}
	if s.ID == "" {
		s.ID = newID("sq")
	}
	r.mu.Lock()
	r.queue = append(r.queue, s)
	queue := slices.Clone(r.queue)
	r.mu.Unlock()

	r.publish(SuffixQueue, queue)
	return s
}

// AddNote appends n as a pending note and returns its id. A rejected note
// is removed again.
func (r *Room) AddNote(n Note) string {
	if !r.alive() {
		return ""
	}
	if n.Timestamp == "" {
		n.Timestamp = time.Now().Format("15:04")
	}
	if n.Author == "" {
		n.Author = r.client.Conn.SelfID()
	}
	id := newID("note")
	raw, _ := json.Marshal(optimistic.Item[Note]{ID: id, TempID: id, Value: n, Optimistic: true, Status: optimistic.StatusPending})

	r.setLastEvent(SuffixNotes, raw)
	r.notes.AddOptimistic(r.event(SuffixNotes), n, id, optimistic.Callbacks{
		OnSuccess: func(json.RawMessage) { r.settled(SuffixNotes, raw) },
		OnError:   func(error) { r.settled(SuffixNotes+errorSuffix, raw) },
	})
	return id
}

// CastPollVote adds one vote to optionID of pollID and publishes the whole
// poll. It reports whether the poll exists.
func (r *Room) CastPollVote(pollID, optionID string) bool {
	if !r.alive() {
		return false
	}
	r.mu.Lock()
	idx := slices.IndexFunc(r.polls, func(p Poll) bool { return p.ID == pollID })
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	p := r.polls[idx].clone()
	for i := range p.Options {
		if p.Options[i].ID == optionID {
			p.Options[i].Votes++
		}
	}
	r.polls[idx] = p
	r.mu.Unlock()

	r.publish(SuffixPolls, p)
	return true
}

// SendChatMessage appends msg marked optimistic and returns its id. The
// entry is confirmed when the relay echoes it back.
func (r *Room) SendChatMessage(msg ChatMessage) string {
	if !r.alive() {
		return ""
	}
	if msg.Author == "" {
		msg.Author = r.client.Conn.SelfID()
	}
	if msg.TS == 0 {
		msg.TS = time.Now().UnixMilli()
	}
	id := newID("chat")
	item := optimistic.Item[ChatMessage]{
		ID:         id,
		TempID:     id,
		Value:      msg,
		Optimistic: true,
		Status:     optimistic.StatusPending,
	}

	r.mu.Lock()
	r.chat = optimistic.TrimOldest(append(r.chat, item), r.cfg.ChatCap)
	r.mu.Unlock()

	r.publish(SuffixChat, item)
	return id
}

func (r *Room) SendStageReaction(emoji string) Reaction {
	if !r.alive() {
		return Reaction{}
	}
	rx := Reaction{
		ID:    newID("rx"),
		Emoji: emoji,
		User:  r.client.Conn.SelfID(),
		TS:    time.Now().UnixMilli(),
	}
	r.mu.Lock()
	r.reactions = prependCapped(r.reactions, rx, r.cfg.ReactionCap)
	r.mu.Unlock()

	r.publish(SuffixReaction, rx)
	return rx
}

// UpdateCanvas replaces the canvas text and marks the local user as
// editing until no edit has happened for the idle timeout. A rejected edit
// keeps the local text.
func (r *Room) UpdateCanvas(content string) {
	if !r.alive() {
		return
	}
	r.mu.Lock()
	r.canvas = content
	r.mu.Unlock()

	r.UpdatePresenceStatus(presenceEditing)
	r.publish(SuffixCanvas, CanvasUpdate{
		Content:   content,
		UpdatedBy: r.client.Conn.SelfID(),
		TS:        time.Now().UnixMilli(),
	})
	r.resetIdle()
}

func (r *Room) resetIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.alive() {
		return
	}
	if r.idle != nil {
		r.idle.Stop()
	}
	r.idle = time.AfterFunc(r.cfg.IdleTimeout, func() {
		if r.alive() {
			r.UpdatePresenceStatus(presenceOnline)
		}
	})
}

// UpdatePresenceStatus sets the local user's presence in this room. An
// empty status means online.
func (r *Room) UpdatePresenceStatus(status string) {
	if !r.alive() {
		return
	}
	if status == "" {
		status = presenceOnline
	}
	self := r.client.Conn.SelfID()

	r.client.Store.SetPresence(r.id, status)
	r.mu.Lock()
	r.presence[self] = status
	r.mu.Unlock()

	r.publish(SuffixPresence, map[string]string{self: status})
}

// Snapshot returns a copy of the room state.
func (r *Room) Snapshot() State {
	r.mu.Lock()
	st := State{
		RoomID:       r.id,
		Agenda:       r.agenda,
		SpeakerQueue: r.queue,
		Polls:        r.polls,
		Chat:         r.chat,
		Canvas:       r.canvas,
		Reactions:    r.reactions,
		Presence:     r.presence,
		LastEvent:    r.lastEvent,
	}
	st = st.clone()
	r.mu.Unlock()

	st.Notes = r.notes.Items()
	return st
}

// LastEvent returns the most recent event, or nil before the first one.
func (r *Room) LastEvent() *LastEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastEvent == nil {
		return nil
	}
	le := *r.lastEvent
	return &le
}

func (r *Room) setLastEvent(typ string, raw json.RawMessage) {
	le := LastEvent{Type: typ, Payload: raw}
	r.mu.Lock()
	r.lastEvent = &le
	r.mu.Unlock()

	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.closed {
		return
	}
	for _, ch := range r.watchers {
		select {
		case ch <- le:
		default:
		}
	}
}

// Events streams LastEvent values until the returned stop func is called
// or the room closes. Slow readers miss events.
func (r *Room) Events() (<-chan LastEvent, func()) {
	ch := make(chan LastEvent, 32)

	r.watchMu.Lock()
	if r.closed {
		r.watchMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := r.nextWatch
	r.nextWatch++
	r.watchers[id] = ch
	r.watchMu.Unlock()

	return ch, func() {
		r.watchMu.Lock()
		defer r.watchMu.Unlock()
		if w, ok := r.watchers[id]; ok {
			delete(r.watchers, id)
			close(w)
		}
	}
}

// Close announces the local user offline, unsubscribes from the room
// channel and drops any emission callbacks still in flight. It is safe to
// call more than once.
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		self := r.client.Conn.SelfID()
		r.client.Store.SetPresence(r.id, presenceOffline)
		r.client.Emitter.Emit(r.event(SuffixPresence), map[string]string{self: presenceOffline}, realtime.EmitOptions{})

		r.cancel()

		r.mu.Lock()
		if r.idle != nil {
			r.idle.Stop()
		}
		r.mu.Unlock()

		if r.unsubscribe != nil {
			r.unsubscribe()
		}

		r.watchMu.Lock()
		r.closed = true
		for id, ch := range r.watchers {
			delete(r.watchers, id)
			close(ch)
		}
		r.watchMu.Unlock()
	})
}

func prependCapped[T any](list []T, item T, limit int) []T {
	next := make([]T, 0, min(len(list)+1, limit))
	next = append(next, item)
	for _, v := range list {
		if len(next) == limit {
			break
		}
		next = append(next, v)
	}
	return next
}
