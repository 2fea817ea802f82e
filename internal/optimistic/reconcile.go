package optimistic

import (
	"encoding/json"
)

// Match says which branch Reconcile took.
type Match int

const (
	MatchNone Match = iota // incoming was not an object; list unchanged
	MatchTempID
	MatchID
	MatchAppended
)

// Reconcile merges an incoming confirmed entry into list without
// duplicating it. The entry is matched, in order, by its tempId against
// the ids and tempIds of the list, then by its id; otherwise it is
// appended. list is not modified.
func Reconcile[T any](list []Item[T], incoming json.RawMessage) ([]Item[T], Match) {
	meta, ok := parseMeta(incoming)
	if !ok {
		return list, MatchNone
	}

	if meta.TempID != "" {
		for i, it := range list {
			if it.ID == meta.TempID || it.TempID == meta.TempID {
				next := clone(list)
				next[i] = confirmed(it, incoming)
				return next, MatchTempID
			}
		}
	}

	if meta.ID != "" {
		for i, it := range list {
			if it.ID == meta.ID {
				next := clone(list)
				next[i] = confirmed(it, incoming)
				return next, MatchID
			}
		}
	}

	var added Item[T]
	if err := json.Unmarshal(incoming, &added); err != nil {
		return list, MatchNone
	}
	added.Optimistic = false
	added.Status = StatusConfirmed
	next := make([]Item[T], len(list), len(list)+1)
	copy(next, list)
	return append(next, added), MatchAppended
}

// TrimOldest drops entries from the front until len(list) <= limit. A
// limit of zero or less means unbounded.
func TrimOldest[T any](list []T, limit int) []T {
	if limit <= 0 || len(list) <= limit {
		return list
	}
	return append([]T(nil), list[len(list)-limit:]...)
}

func clone[T any](list []Item[T]) []Item[T] {
	return append([]Item[T](nil), list...)
}
