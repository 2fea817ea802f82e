// Package optimistic keeps lists whose entries are shown before the relay
// confirms them, and reconciles those entries with the confirmations that
// arrive later by ack or by broadcast echo.
package optimistic

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Status of an Item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

// Item is a list entry. On the wire Value's fields are flattened next to
// id, tempId, optimistic and status, so T must be a JSON object type that
// does not declare those keys itself. T should hold no slices or maps:
// merging server fields copies T by value.
type Item[T any] struct {
	ID         string
	TempID     string
	Value      T
	Optimistic bool
	Status     Status
}

// Pending reports whether the item still awaits confirmation.
func (it Item[T]) Pending() bool {
	return it.Status == StatusPending
}

type itemMeta struct {
	ID         string  `json:"id"`
	TempID     string  `json:"tempId"`
	Optimistic *bool   `json:"optimistic"`
	Status     *Status `json:"status"`
}

func (it Item[T]) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	raw, err := json.Marshal(it.Value)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("optimistic: item value must be an object: %w", err)
	}

	set := func(k string, v any) {
		b, _ := json.Marshal(v)
		fields[k] = b
	}
	if it.ID != "" {
		set("id", it.ID)
	}
	if it.TempID != "" {
		set("tempId", it.TempID)
	}
	set("optimistic", it.Optimistic)
	if it.Status != "" {
		set("status", it.Status)
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes a flattened item. Items without an explicit status
// come from the relay and are treated as confirmed.
func (it *Item[T]) UnmarshalJSON(data []byte) error {
	var meta itemMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	it.ID = meta.ID
	it.TempID = meta.TempID
	it.Value = v
	it.Optimistic = meta.Optimistic != nil && *meta.Optimistic
	it.Status = StatusConfirmed
	if meta.Status != nil && *meta.Status != "" {
		it.Status = *meta.Status
	}
	return nil
}

func parseMeta(raw json.RawMessage) (itemMeta, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return itemMeta{}, false
	}
	var meta itemMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return itemMeta{}, false
	}
	return meta, true
}

// confirmed overlays the server fields in raw onto a copy of base and marks
// the result confirmed. The id changes only when raw carries one.
func confirmed[T any](base Item[T], raw json.RawMessage) Item[T] {
	next := base
	if meta, ok := parseMeta(raw); ok {
		v := base.Value
		if err := json.Unmarshal(raw, &v); err == nil {
			next.Value = v
		}
		if meta.ID != "" {
			next.ID = meta.ID
		}
		if meta.TempID != "" && next.TempID == "" {
			next.TempID = meta.TempID
		}
	}
	next.Optimistic = false
	next.Status = StatusConfirmed
	return next
}
