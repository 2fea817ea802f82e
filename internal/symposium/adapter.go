// Package symposium is the room state machine of a live session: agenda,
// speaker queue, notes, polls, chat, stage reactions, the shared canvas and
// presence. Local actions update a Room immediately and are then published
// through the realtime client; inbound room events update the same state.
package symposium

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/gsaps/realtime/internal/config"
	"github.com/gsaps/realtime/internal/realtime"
)

// Adapter opens Rooms on a shared realtime Client.
type Adapter struct {
	client    *realtime.Client
	snapshots SnapshotSource
	cfg       config.SessionConfig
}

// NewAdapter returns an Adapter. A nil snapshots falls back to the built-in
// rooms; zero values in cfg take their defaults.
func NewAdapter(client *realtime.Client, snapshots SnapshotSource, cfg config.SessionConfig) *Adapter {
	if snapshots == nil {
		snapshots = DefaultSnapshots()
	}
	def := config.Default().Session
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ChatCap <= 0 {
		cfg.ChatCap = def.ChatCap
	}
	if cfg.ReactionCap <= 0 {
		cfg.ReactionCap = def.ReactionCap
	}
	return &Adapter{client: client, snapshots: snapshots, cfg: cfg}
}

// Open seeds a Room from its snapshot, subscribes to its channel and
// announces the local user online. The Room lives until Close or until ctx
// is done, whichever comes first.
func (a *Adapter) Open(ctx context.Context, roomID string) *Room {
	r := newRoom(ctx, a.client, a.cfg, roomID, a.snapshots.Lookup(roomID))
	r.start()
	return r
}

// WithRoom opens roomID, runs fn and closes the room on every exit path.
func (a *Adapter) WithRoom(ctx context.Context, roomID string, fn func(*Room) error) error {
	r := a.Open(ctx, roomID)
	defer r.Close()
	return fn(r)
}

func newID(prefix string) string {
	return prefix + "-" + strings.ToLower(ulid.Make().String())
}
