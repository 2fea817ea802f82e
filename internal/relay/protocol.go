package relay

import (
	"encoding/json"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/gsaps/realtime/internal/realtime"
)

// assignID gives an object that carries a tempId but no id a server id.
// Any other payload is returned unchanged.
func assignID(payload json.RawMessage) json.RawMessage {
	fields, ok := decodeObject(payload)
	if !ok {
		return payload
	}

	var tempID, id string
	json.Unmarshal(fields["tempId"], &tempID)
	json.Unmarshal(fields["id"], &id)
	if tempID == "" || id != "" {
		return payload
	}

	fields["id"], _ = json.Marshal(strings.ToLower(ulid.Make().String()))
	out, err := json.Marshal(fields)
	if err != nil {
		return payload
	}
	return out
}

// stampUser overwrites the userId of an object payload with the sender's.
func stampUser(payload json.RawMessage, userID string) json.RawMessage {
	fields, ok := decodeObject(payload)
	if !ok {
		fields = make(map[string]json.RawMessage)
	}
	fields["userId"], _ = json.Marshal(userID)
	out, err := json.Marshal(fields)
	if err != nil {
		return payload
	}
	return out
}

// roomIDOf reads the roomId of a typing or presence payload.
func roomIDOf(payload json.RawMessage) string {
	var body struct {
		RoomID string `json:"roomId"`
	}
	json.Unmarshal(payload, &body)
	return body.RoomID
}

func decodeObject(payload json.RawMessage) (map[string]json.RawMessage, bool) {
	trimmed := strings.TrimSpace(string(payload))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

func ackOK(ack uint64, payload json.RawMessage) realtime.Message {
	body, _ := json.Marshal(realtime.AckResponse{Payload: payload})
	return realtime.Message{Type: realtime.MsgAck, Ack: ack, Payload: body}
}

func ackError(ack uint64, reason string) realtime.Message {
	body, _ := json.Marshal(realtime.AckResponse{Error: reason})
	return realtime.Message{Type: realtime.MsgAck, Ack: ack, Payload: body}
}
