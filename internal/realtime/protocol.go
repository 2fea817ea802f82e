package realtime

import (
	"encoding/json"
	"strings"
)

// MessageType identifies the kind of frame on the wire.
type MessageType string

const (
	MsgAuth        MessageType = "auth"
	MsgEvent       MessageType = "event"
	MsgAck         MessageType = "ack"
	MsgSubscribe   MessageType = "subscribe"
	MsgUnsubscribe MessageType = "unsubscribe"
)

// Global (non channel-scoped) event names.
const (
	EventTyping             = "typing"
	EventPresence           = "presence:update"
	EventFeed               = "feed:update"
	EventNotification       = "notification:new"
	EventOptimisticConfirm  = "optimistic:confirm"
	EventOptimisticRejected = "optimistic:reject"
)

// Message is the envelope for every frame. Ack is non-zero on emissions that
// expect an acknowledgement and on the acknowledgement itself.
type Message struct {
	Type    MessageType     `json:"type"`
	Event   string          `json:"event,omitempty"`
	Ack     uint64          `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AuthPayload struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// ChannelPayload is the minimum body of subscribe/unsubscribe frames.
type ChannelPayload struct {
	Channel string `json:"channel"`
	RoomID  string `json:"roomId,omitempty"`
}

// AckResponse is what the relay sends back for an acknowledged emission.
// Either Error or Payload is set; bare objects are also accepted by the
// Coordinator.
type AckResponse struct {
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type PresencePayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
	Status string `json:"status,omitempty"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

type confirmPayload struct {
	TempID  string          `json:"tempId"`
	Payload json.RawMessage `json:"payload"`
}

type rejectPayload struct {
	TempID string `json:"tempId"`
	Reason string `json:"reason"`
}

// ChannelName builds the room-scoped channel, e.g. "session:room-1".
func ChannelName(namespace, roomID string) string {
	return namespace + ":" + roomID
}

// EventName joins a channel and an event suffix: "session:room-1" +
// "chat:new" gives "session:room-1:chat:new".
func EventName(channel, suffix string) string {
	return channel + ":" + suffix
}

// SplitEvent splits a domain event "ns:room:suffix..." into its channel and
// suffix. ok is false for events with fewer than three segments.
func SplitEvent(event string) (channel, suffix string, ok bool) {
	parts := strings.SplitN(event, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[0] + ":" + parts[1], parts[2], true
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(v)
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
