package realtime

import (
	"encoding/json"
	"reflect"
	"sync"
)

// RoomMap is a room → user → value container. Containers are treated as
// immutable once published: Merge copies on write.
type RoomMap[V comparable] map[string]map[string]V

// Merge sets m[room][user] = value. When the stored value already equals
// value, m itself is returned so callers can detect no-ops by identity.
func Merge[V comparable](m RoomMap[V], room, user string, value V) RoomMap[V] {
	if cur, ok := m[room][user]; ok && cur == value {
		return m
	}

	next := make(RoomMap[V], len(m)+1)
	for r, users := range m {
		next[r] = users
	}
	users := make(map[string]V, len(m[room])+1)
	for u, v := range m[room] {
		users[u] = v
	}
	users[user] = value
	next[room] = users
	return next
}

// ChangeKind says which part of the Store changed.
type ChangeKind int

const (
	ChangePresence ChangeKind = iota
	ChangeTyping
	ChangeFeed
	ChangeNotification
)

// Change is sent to Store watchers. Room is empty for feed and
// notification changes.
type Change struct {
	Kind ChangeKind
	Room string
}

const defaultFeedCap = 50

// Store aggregates presence, typing, feed updates and notifications for a
// Connection. Writers funnel through Merge; readers get immutable snapshots.
type Store struct {
	conn    *Connection
	feedCap int

	mu            sync.RWMutex
	presence      RoomMap[string]
	typing        RoomMap[bool]
	feed          []json.RawMessage
	notifications []json.RawMessage

	watchMu   sync.Mutex
	watchers  map[int]chan Change
	nextWatch int
}

func NewStore(conn *Connection, feedCap int) *Store {
	if feedCap <= 0 {
		feedCap = defaultFeedCap
	}
	s := &Store{
		conn:     conn,
		feedCap:  feedCap,
		presence: RoomMap[string]{},
		typing:   RoomMap[bool]{},
		watchers: make(map[int]chan Change),
	}

	conn.On(EventPresence, s.handlePresence)
	conn.On(EventTyping, s.handleTyping)
	conn.On(EventFeed, s.handleFeed)
	conn.On(EventNotification, s.handleNotification)

	return s
}

func (s *Store) handlePresence(raw json.RawMessage) {
	var p PresencePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID == "" || p.UserID == "" {
		return
	}
	if p.Status == "" {
		p.Status = "online"
	}
	s.mergePresence(p.RoomID, p.UserID, p.Status)
}

func (s *Store) handleTyping(raw json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID == "" || p.UserID == "" {
		return
	}
	s.mergeTyping(p.RoomID, p.UserID, p.IsTyping)
}

func (s *Store) handleFeed(raw json.RawMessage) {
	if isNull(raw) {
		return
	}
	s.mu.Lock()
	s.feed = prependCapped(s.feed, raw, s.feedCap)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeFeed})
}

func (s *Store) handleNotification(raw json.RawMessage) {
	if isNull(raw) {
		return
	}
	s.mu.Lock()
	s.notifications = prependCapped(s.notifications, raw, s.feedCap)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeNotification})
}

func (s *Store) mergePresence(room, user, status string) {
	s.mu.Lock()
	next := Merge(s.presence, room, user, status)
	changed := !SameContainer(next, s.presence)
	s.presence = next
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangePresence, Room: room})
	}
}

func (s *Store) mergeTyping(room, user string, isTyping bool) {
	s.mu.Lock()
	next := Merge(s.typing, room, user, isTyping)
	changed := !SameContainer(next, s.typing)
	s.typing = next
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeTyping, Room: room})
	}
}

// SetPresence records the local user's status for room immediately and
// publishes it when connected.
func (s *Store) SetPresence(room, status string) {
	if room == "" {
		return
	}
	if status == "" {
		status = "online"
	}
	s.mergePresence(room, s.conn.SelfID(), status)
	s.conn.Publish(EventPresence, PresencePayload{RoomID: room, Status: status})
}

// SetTyping records the local typing indicator for room immediately and
// publishes it when connected.
func (s *Store) SetTyping(room string, isTyping bool) {
	if room == "" {
		return
	}
	s.mergeTyping(room, s.conn.SelfID(), isTyping)
	s.conn.Publish(EventTyping, TypingPayload{RoomID: room, IsTyping: isTyping})
}

// Presence returns the current presence container. Do not mutate it.
func (s *Store) Presence() RoomMap[string] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence
}

// Typing returns the current typing container. Do not mutate it.
func (s *Store) Typing() RoomMap[bool] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typing
}

// RoomPresence returns a copy of the presence of one room.
func (s *Store) RoomPresence(room string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.presence[room]))
	for u, v := range s.presence[room] {
		out[u] = v
	}
	return out
}

// Feed returns feed updates, newest first.
func (s *Store) Feed() []json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]json.RawMessage(nil), s.feed...)
}

// Notifications returns notifications, newest first.
func (s *Store) Notifications() []json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]json.RawMessage(nil), s.notifications...)
}

// Watch returns a channel of changes and a func to stop watching. Sends are
// non-blocking; a full channel drops the change.
func (s *Store) Watch() (<-chan Change, func()) {
	ch := make(chan Change, 32)

	s.watchMu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = ch
	s.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			s.watchMu.Unlock()
		})
	}
}

func (s *Store) notify(c Change) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- c:
		default:
		}
	}
}

func prependCapped(list []json.RawMessage, item json.RawMessage, limit int) []json.RawMessage {
	next := make([]json.RawMessage, 0, min(len(list)+1, limit))
	next = append(next, item)
	for _, v := range list {
		if len(next) == limit {
			break
		}
		next = append(next, v)
	}
	return next
}

// SameContainer reports whether a and b are the same map value, which is
// how callers detect that Merge was a no-op.
func SameContainer[V comparable](a, b RoomMap[V]) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
