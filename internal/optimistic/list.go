package optimistic

import (
	"encoding/json"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/gsaps/realtime/internal/realtime"
)

// Emitter is the part of realtime.Coordinator a List needs.
type Emitter interface {
	Emit(event string, payload any, opts realtime.EmitOptions)
	Confirm(tempID string, payload json.RawMessage) bool
}

// Callbacks are told how an AddOptimistic emission settled, after the list
// has been updated.
type Callbacks struct {
	OnSuccess func(payload json.RawMessage)
	OnError   func(err error)
}

// NewTempID returns a fresh client-side correlation id.
func NewTempID() string {
	return "temp-" + ulid.Make().String()
}

// List is a room-scoped list of optimistic entries. It is safe for
// concurrent use.
type List[T any] struct {
	emitter   Emitter
	roomID    string
	namespace string
	limit     int

	mu    sync.Mutex
	items []Item[T]
}

// NewList returns a List that emits through emitter and tags emissions with
// roomID and namespace. limit bounds the list (oldest evicted); zero means
// unbounded.
func NewList[T any](emitter Emitter, roomID, namespace string, limit int) *List[T] {
	return &List[T]{
		emitter:   emitter,
		roomID:    roomID,
		namespace: namespace,
		limit:     limit,
	}
}

// Reset replaces the contents, e.g. with a cold-start snapshot.
func (l *List[T]) Reset(items []Item[T]) {
	l.mu.Lock()
	l.items = TrimOldest(append([]Item[T](nil), items...), l.limit)
	l.mu.Unlock()
}

// Items returns a copy of the entries in order.
func (l *List[T]) Items() []Item[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Item[T](nil), l.items...)
}

func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// AddOptimistic appends value as a pending entry and emits it on event as
// {...value, tempId, roomId, namespace}. When the emission succeeds the
// entry is confirmed in place with the server's fields (its id may change);
// when it fails the entry is removed. tempID is generated when empty and
// returned.
func (l *List[T]) AddOptimistic(event string, value T, tempID string, cb Callbacks) string {
	if tempID == "" {
		tempID = NewTempID()
	}

	entry := Item[T]{
		ID:         tempID,
		TempID:     tempID,
		Value:      value,
		Optimistic: true,
		Status:     StatusPending,
	}

	l.mu.Lock()
	l.items = TrimOldest(append(l.items, entry), l.limit)
	l.mu.Unlock()

	payload, err := l.wirePayload(value, tempID)
	if err != nil {
		l.RemoveOptimistic(tempID)
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return tempID
	}

	l.emitter.Emit(event, payload, realtime.EmitOptions{
		OptimisticID: tempID,
		OnSuccess: func(raw json.RawMessage) {
			l.confirm(tempID, raw)
			if cb.OnSuccess != nil {
				cb.OnSuccess(raw)
			}
		},
		OnError: func(err error) {
			l.RemoveOptimistic(tempID)
			if cb.OnError != nil {
				cb.OnError(err)
			}
		},
	})
	return tempID
}

// ConfirmFromServer applies an independently pushed confirmation, such as
// the broadcast echo of this client's own creation. A pending emission with
// the same tempId is resolved first so it never settles twice.
func (l *List[T]) ConfirmFromServer(incoming json.RawMessage) Match {
	if meta, ok := parseMeta(incoming); ok && meta.TempID != "" {
		l.emitter.Confirm(meta.TempID, incoming)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	next, m := Reconcile(l.items, incoming)
	l.items = TrimOldest(next, l.limit)
	return m
}

// RemoveOptimistic drops the entry created under tempID, if still present.
func (l *List[T]) RemoveOptimistic(tempID string) bool {
	if tempID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, it := range l.items {
		if it.ID == tempID || (it.TempID == tempID && it.Pending()) {
			l.items = append(l.items[:i:i], l.items[i+1:]...)
			return true
		}
	}
	return false
}

func (l *List[T]) confirm(tempID string, raw json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, it := range l.items {
		if it.TempID == tempID {
			l.items[i] = confirmed(it, raw)
			return
		}
	}
}

func (l *List[T]) wirePayload(value T, tempID string) (map[string]any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	body := map[string]any{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	body["tempId"] = tempID
	if l.roomID != "" {
		body["roomId"] = l.roomID
	}
	if l.namespace != "" {
		body["namespace"] = l.namespace
	}
	return body, nil
}
