package relay

import (
	"context"
	"testing"
	"time"

	"github.com/gsaps/realtime/internal/config"
	"github.com/gsaps/realtime/internal/identity"
	"github.com/gsaps/realtime/internal/realtime"
	"github.com/gsaps/realtime/internal/symposium"
)

// connectClient dials the relay with the real websocket transport.
func connectClient(t *testing.T, r *testRelay, user string) *realtime.Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.Default().Realtime
	cfg.URL = r.wsURL()
	cfg.AutoReconnect = false
	cfg.PingInterval = 0
	cfg.AckTimeout = 2 * time.Second

	c := realtime.NewClient(ctx, cfg, nil)
	t.Cleanup(c.Close)
	if err := c.Conn.Connect(ctx, &identity.Identity{ID: user}); err != nil {
		t.Fatalf("Connect(%s) error: %v", user, err)
	}
	return c
}

func openRoom(t *testing.T, c *realtime.Client, roomID string) *symposium.Room {
	t.Helper()
	room := symposium.NewAdapter(c, nil, config.SessionConfig{}).Open(context.Background(), roomID)
	t.Cleanup(room.Close)
	return room
}

func TestSessionRoundTrip(t *testing.T) {
	r := newTestRelay(t, config.ServerConfig{})
	alice := openRoom(t, connectClient(t, r, "alice"), "room-1")
	waitFor(t, "alice joined", func() bool { return r.hub.Subscribers("session:room-1") == 1 })
	bob := openRoom(t, connectClient(t, r, "bob"), "room-1")
	waitFor(t, "bob joined", func() bool { return r.hub.Subscribers("session:room-1") == 2 })

	t.Run("presence", func(t *testing.T) {
		waitFor(t, "alice sees bob online", func() bool {
			return alice.Snapshot().Presence["bob"] == "online"
		})
	})

	t.Run("chat", func(t *testing.T) {
		id := alice.SendChatMessage(symposium.ChatMessage{Body: "hello"})

		waitFor(t, "bob receives chat", func() bool {
			for _, it := range bob.Snapshot().Chat {
				if it.ID == id && it.Value.Author == "alice" && !it.Optimistic {
					return true
				}
			}
			return false
		})
		waitFor(t, "alice's chat confirmed once", func() bool {
			n, confirmed := 0, false
			for _, it := range alice.Snapshot().Chat {
				if it.TempID == id || it.ID == id {
					n++
					confirmed = !it.Optimistic && !it.Pending()
				}
			}
			return n == 1 && confirmed
		})
	})

	t.Run("notes get server ids", func(t *testing.T) {
		tempID := bob.AddNote(symposium.Note{Body: "decision: ship it"})

		var serverID string
		waitFor(t, "bob's note confirmed", func() bool {
			for _, it := range bob.Snapshot().Notes {
				if it.TempID == tempID && !it.Pending() {
					serverID = it.ID
					return true
				}
			}
			return false
		})
		if serverID == "" || serverID == tempID {
			t.Fatalf("note id = %q, want a server-assigned id", serverID)
		}

		waitFor(t, "alice receives note", func() bool {
			for _, it := range alice.Snapshot().Notes {
				if it.ID == serverID {
					return true
				}
			}
			return false
		})

		count := 0
		for _, it := range bob.Snapshot().Notes {
			if it.TempID == tempID {
				count++
			}
		}
		if count != 1 {
			t.Errorf("bob has %d copies of the note, want 1", count)
		}
	})

	t.Run("poll vote", func(t *testing.T) {
		if !alice.CastPollVote("poll-1", "opt-1") {
			t.Fatal("poll-1 missing")
		}
		waitFor(t, "bob sees vote", func() bool {
			p, ok := bob.Snapshot().Poll("poll-1")
			return ok && p.Options[0].Votes == 1 && p.Options[1].Votes == 0
		})
	})

	t.Run("canvas", func(t *testing.T) {
		bob.UpdateCanvas("Updated canvas")
		waitFor(t, "alice sees canvas", func() bool {
			return alice.Snapshot().Canvas == "Updated canvas"
		})
		waitFor(t, "alice sees bob editing", func() bool {
			return alice.Snapshot().Presence["bob"] == "editing"
		})
	})

	t.Run("reaction", func(t *testing.T) {
		rx := alice.SendStageReaction("👏")
		waitFor(t, "bob sees reaction", func() bool {
			rs := bob.Snapshot().Reactions
			return len(rs) > 0 && rs[0].ID == rx.ID
		})
		time.Sleep(50 * time.Millisecond)
		n := 0
		for _, got := range alice.Snapshot().Reactions {
			if got.ID == rx.ID {
				n++
			}
		}
		if n != 1 {
			t.Errorf("alice has %d copies of her reaction, want 1", n)
		}
	})
}

func TestRoomCloseAnnouncesOffline(t *testing.T) {
	r := newTestRelay(t, config.ServerConfig{})
	alice := openRoom(t, connectClient(t, r, "alice"), "room-1")
	waitFor(t, "alice joined", func() bool { return r.hub.Subscribers("session:room-1") == 1 })

	bob := openRoom(t, connectClient(t, r, "bob"), "room-1")
	waitFor(t, "alice sees bob online", func() bool {
		return alice.Snapshot().Presence["bob"] == "online"
	})

	bob.Close()
	waitFor(t, "alice sees bob offline", func() bool {
		return alice.Snapshot().Presence["bob"] == "offline"
	})
	waitFor(t, "bob left the channel", func() bool {
		return r.hub.Subscribers("session:room-1") == 1
	})
}
