// Package mock fills a room with simulated participants so the relay and
// its clients can be exercised without real users.
package mock

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/gsaps/realtime/internal/config"
	"github.com/gsaps/realtime/internal/identity"
	"github.com/gsaps/realtime/internal/realtime"
	"github.com/gsaps/realtime/internal/symposium"
)

type mockParticipant struct {
	id      string
	name    string
	pattern string
	lines   []string
	lineIdx int
	away    bool

	client *realtime.Client
	room   *symposium.Room
}

func (p *mockParticipant) nextLine() string {
	line := p.lines[p.lineIdx%len(p.lines)]
	p.lineIdx++
	return line
}

var stageEmojis = []string{"👏", "🎉", "💡", "🔥", "🙌"}

func defaultParticipants() []*mockParticipant {
	return []*mockParticipant{
		{
			id: "ada", name: "Ada", pattern: "steady",
			lines: []string{
				"Can everyone see the canvas?",
				"I'll take the action items.",
				"Good point, let's park that for later.",
				"Moving on to the next agenda item.",
			},
		},
		{
			id: "grace", name: "Grace", pattern: "burst",
			lines: []string{"Love it", "+1", "Ship it"},
		},
		{
			id: "linus", name: "Linus", pattern: "stall",
			lines: []string{
				"Outcome: keep the weekly sync",
				"Risk: staging is flaky",
				"Follow-up: write the migration plan",
			},
		},
		{
			id: "barbara", name: "Barbara", pattern: "methodical",
			lines: []string{
				"Decision recorded",
				"Needs a second reviewer",
				"Blocked on infra",
			},
		},
	}
}

// Generator drives simulated participants in a single room. Each
// participant has its own connection and identity.
type Generator struct {
	cfg          *config.Config
	roomID       string
	dialer       realtime.Dialer
	snapshots    symposium.SnapshotSource
	interval     time.Duration
	participants []*mockParticipant
}

// NewGenerator returns a Generator for roomID. A nil dialer uses the
// websocket transport at cfg.Realtime.URL.
func NewGenerator(cfg *config.Config, roomID string, dialer realtime.Dialer) *Generator {
	return &Generator{
		cfg:      cfg,
		roomID:   roomID,
		dialer:   dialer,
		interval: 2 * time.Second,
	}
}

// SetSnapshots overrides the built-in room snapshots.
func (g *Generator) SetSnapshots(s symposium.SnapshotSource) {
	g.snapshots = s
}

// Start connects every participant, opens the room for each and begins
// acting on a ticker until ctx is done.
func (g *Generator) Start(ctx context.Context) error {
	g.participants = defaultParticipants()

	for _, p := range g.participants {
		id := &identity.Identity{ID: p.id}
		if secret := g.cfg.Server.AuthSecret; secret != "" {
			token, err := identity.Mint(secret, p.id, 24*time.Hour)
			if err != nil {
				return fmt.Errorf("mint token for %s: %w", p.id, err)
			}
			id.Token = token
		}

		p.client = realtime.NewClient(ctx, g.cfg.Realtime, g.dialer)
		if err := p.client.Conn.Connect(ctx, id); err != nil {
			g.stop()
			return fmt.Errorf("connect %s: %w", p.id, err)
		}
		p.room = symposium.NewAdapter(p.client, g.snapshots, g.cfg.Session).Open(ctx, g.roomID)
	}

	log.Printf("mock: %d participants joined %s", len(g.participants), g.roomID)
	go g.run(ctx)
	return nil
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	defer g.stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			for _, p := range g.participants {
				g.advance(p, tick)
			}
		}
	}
}

func (g *Generator) stop() {
	for _, p := range g.participants {
		if p.room != nil {
			p.room.Close()
		}
		if p.client != nil {
			p.client.Close()
		}
	}
}

func (g *Generator) advance(p *mockParticipant, tick int) {
	if tick <= 1 {
		return
	}

	switch p.pattern {
	case "steady":
		g.advanceSteady(p, tick)
	case "burst":
		g.advanceBurst(p, tick)
	case "stall":
		g.advanceStall(p, tick)
	case "methodical":
		g.advanceMethodical(p, tick)
	}
}

// advanceSteady chats every third tick.
func (g *Generator) advanceSteady(p *mockParticipant, tick int) {
	if tick%3 == 0 {
		p.room.SendChatMessage(symposium.ChatMessage{Author: p.name, Body: p.nextLine()})
	}
}

// advanceBurst reacts in bursts of three ticks out of eight and chats at
// the end of each burst.
func (g *Generator) advanceBurst(p *mockParticipant, tick int) {
	if tick%8 >= 3 {
		return
	}
	p.room.SendStageReaction(stageEmojis[rand.Intn(len(stageEmojis))])
	if tick%8 == 2 {
		p.room.SendChatMessage(symposium.ChatMessage{Author: p.name, Body: p.nextLine()})
	}
}

// advanceStall edits the canvas, then goes quiet and away for part of
// every cycle.
func (g *Generator) advanceStall(p *mockParticipant, tick int) {
	const cyclePeriod = 20
	phase := tick % cyclePeriod
	stallStart := 12

	if phase >= stallStart {
		if !p.away {
			p.away = true
			p.room.UpdatePresenceStatus("away")
		}
		return
	}
	if p.away {
		p.away = false
		p.room.UpdatePresenceStatus("online")
	}

	if tick%4 == 0 {
		canvas := strings.TrimRight(p.room.Snapshot().Canvas, "\n")
		p.room.UpdateCanvas(canvas + "\n- " + p.nextLine())
	}
}

// advanceMethodical votes every sixth tick and takes a note every tenth.
func (g *Generator) advanceMethodical(p *mockParticipant, tick int) {
	if tick%6 == 0 {
		polls := p.room.Snapshot().Polls
		if len(polls) > 0 {
			poll := polls[rand.Intn(len(polls))]
			if len(poll.Options) > 0 {
				p.room.CastPollVote(poll.ID, poll.Options[rand.Intn(len(poll.Options))].ID)
			}
		}
	}
	if tick%10 == 0 {
		p.room.AddNote(symposium.Note{Author: p.name, Body: p.nextLine()})
	}
}
