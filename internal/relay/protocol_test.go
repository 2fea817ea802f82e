package relay

import (
	"encoding/json"
	"testing"
)

func TestAssignID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantNew bool
	}{
		{"temp without id", `{"tempId":"t1","body":"hi"}`, true},
		{"temp with empty id", `{"tempId":"t1","id":""}`, true},
		{"temp with id", `{"tempId":"t1","id":"n1"}`, false},
		{"no temp", `{"body":"hi"}`, false},
		{"array", `[1,2]`, false},
		{"string", `"x"`, false},
		{"empty", ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := assignID(json.RawMessage(tt.in))
			if !tt.wantNew {
				if string(out) != tt.in {
					t.Errorf("assignID(%s) = %s, want unchanged", tt.in, out)
				}
				return
			}
			var body map[string]any
			if err := json.Unmarshal(out, &body); err != nil {
				t.Fatal(err)
			}
			if id, _ := body["id"].(string); id == "" {
				t.Errorf("no id assigned: %s", out)
			}
			if body["tempId"] != "t1" {
				t.Errorf("tempId lost: %s", out)
			}
		})
	}
}

func TestStampUser(t *testing.T) {
	out := stampUser(json.RawMessage(`{"roomId":"r","userId":"spoofed"}`), "alice")
	var body map[string]string
	json.Unmarshal(out, &body)
	if body["userId"] != "alice" || body["roomId"] != "r" {
		t.Errorf("stampUser = %s", out)
	}

	out = stampUser(nil, "bob")
	if string(out) != `{"userId":"bob"}` {
		t.Errorf("stampUser(nil) = %s", out)
	}
}

func TestRoomIDOf(t *testing.T) {
	if got := roomIDOf(json.RawMessage(`{"roomId":"r1","status":"online"}`)); got != "r1" {
		t.Errorf("roomIDOf = %q", got)
	}
	if got := roomIDOf(json.RawMessage(`[]`)); got != "" {
		t.Errorf("roomIDOf(array) = %q", got)
	}
}
