package symposium

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gsaps/realtime/internal/optimistic"
)

// DefaultCanvas is shown for rooms whose snapshot has no protocol draft.
const DefaultCanvas = "# Shared protocol canvas\n\nCapture safety, dosing, and integration decisions in real time."

// SeedNote and SeedChat carry the id next to the body in snapshot files.
type SeedNote struct {
	ID   string `yaml:"id"`
	Note `yaml:",inline"`
}

type SeedChat struct {
	ID          string `yaml:"id"`
	ChatMessage `yaml:",inline"`
}

// Snapshot is the cold-start state of a room, used until live events
// arrive.
type Snapshot struct {
	ID            string       `yaml:"id"`
	Title         string       `yaml:"title"`
	Topic         string       `yaml:"topic"`
	RoomCode      string       `yaml:"room_code"`
	ProtocolDraft string       `yaml:"protocol_draft"`
	Agenda        []AgendaItem `yaml:"agenda"`
	SpeakerQueue  []Speaker    `yaml:"speaker_queue"`
	Notes         []SeedNote   `yaml:"notes"`
	Chat          []SeedChat   `yaml:"chat"`
	Polls         []Poll       `yaml:"polls"`
	Attendees     []Attendee   `yaml:"attendees"`
}

// state builds the initial room state. Presence comes from the attendees,
// defaulting to online.
func (s Snapshot) state(roomID string) State {
	st := State{
		RoomID:       roomID,
		Agenda:       append([]AgendaItem(nil), s.Agenda...),
		SpeakerQueue: append([]Speaker(nil), s.SpeakerQueue...),
		Canvas:       s.ProtocolDraft,
		Presence:     make(map[string]string, len(s.Attendees)),
	}
	if st.Canvas == "" {
		st.Canvas = DefaultCanvas
	}
	for _, p := range s.Polls {
		st.Polls = append(st.Polls, p.clone())
	}
	for _, n := range s.Notes {
		st.Notes = append(st.Notes, optimistic.Item[Note]{ID: n.ID, Value: n.Note, Status: optimistic.StatusConfirmed})
	}
	for _, c := range s.Chat {
		st.Chat = append(st.Chat, optimistic.Item[ChatMessage]{ID: c.ID, Value: c.ChatMessage, Status: optimistic.StatusConfirmed})
	}
	for _, a := range s.Attendees {
		status := a.Status
		if status == "" {
			status = "online"
		}
		st.Presence[a.ID] = status
	}
	return st
}

// SnapshotSource looks up the cold-start snapshot for a room.
type SnapshotSource interface {
	Lookup(roomID string) Snapshot
}

// Snapshots is an in-memory SnapshotSource. Unknown rooms get the first
// snapshot.
type Snapshots struct {
	byID  map[string]Snapshot
	order []string
}

func NewSnapshots(list []Snapshot) (*Snapshots, error) {
	if len(list) == 0 {
		return nil, errors.New("no snapshots")
	}
	s := &Snapshots{byID: make(map[string]Snapshot, len(list))}
	for i, snap := range list {
		if snap.ID == "" {
			return nil, fmt.Errorf("snapshot %d has no id", i)
		}
		if _, dup := s.byID[snap.ID]; dup {
			return nil, fmt.Errorf("duplicate snapshot %q", snap.ID)
		}
		s.byID[snap.ID] = snap
		s.order = append(s.order, snap.ID)
	}
	return s, nil
}

func (s *Snapshots) Lookup(roomID string) Snapshot {
	if snap, ok := s.byID[roomID]; ok {
		return snap
	}
	return s.byID[s.order[0]]
}

// IDs lists the known rooms in file order.
func (s *Snapshots) IDs() []string {
	return append([]string(nil), s.order...)
}

type snapshotFile struct {
	Rooms []Snapshot `yaml:"rooms"`
}

// LoadSnapshots reads a YAML file with a top-level "rooms" list.
func LoadSnapshots(path string) (*Snapshots, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshots: %w", err)
	}
	var f snapshotFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing snapshots: %w", err)
	}
	return NewSnapshots(f.Rooms)
}

// SnapshotsFromFile loads path, or returns the built-in set when path is
// empty.
func SnapshotsFromFile(path string) (*Snapshots, error) {
	if path == "" {
		return DefaultSnapshots(), nil
	}
	return LoadSnapshots(path)
}

// DefaultSnapshots returns the built-in demo rooms.
func DefaultSnapshots() *Snapshots {
	s, _ := NewSnapshots([]Snapshot{symposiumDemo(), roomOne()})
	return s
}

func symposiumDemo() Snapshot {
	return Snapshot{
		ID:            "symp-001",
		Title:         "Psychedelic Science Symposium",
		Topic:         "Ketamine-assisted therapy in community clinics",
		RoomCode:      "ROOM-UX9",
		ProtocolDraft: "# Shared protocol canvas\n\nCapture safety, dosing, and integration decisions together. Use headings for agenda items and bullet points for action items.",
		Agenda: []AgendaItem{
			{ID: "ag-01", Title: "Welcome + safety briefing", Owner: "Dr. Lee", Time: "09:00"},
			{ID: "ag-02", Title: "Real-world dosing outcomes", Owner: "Dr. Patel", Time: "09:20"},
			{ID: "ag-03", Title: "Integration and community care", Owner: "Prof. Chen", Time: "10:00"},
		},
		SpeakerQueue: []Speaker{
			{ID: "sq-01", Name: "Dr. Lopez", Status: "backstage"},
			{ID: "sq-02", Name: "A. Mendes", Status: "green room"},
		},
		Notes: []SeedNote{
			{ID: "note-1", Note: Note{Author: "Moderator", Body: "Summarize PK data for ketamine duration and subjective reports.", Timestamp: "09:10"}},
		},
		Chat: []SeedChat{
			{ID: "chat-1", ChatMessage: ChatMessage{Author: "Dr. Li", Body: "Slides will be posted right after the talk."}},
			{ID: "chat-2", ChatMessage: ChatMessage{Author: "Sam", Body: "Can we get dosing tables in the protocol canvas?"}},
		},
		Polls: []Poll{{
			ID:       "poll-1",
			Question: "Which practice setting are you in?",
			Options: []PollOption{
				{ID: "opt-1", Label: "Clinic", Votes: 12},
				{ID: "opt-2", Label: "Academic", Votes: 8},
				{ID: "opt-3", Label: "Community", Votes: 5},
			},
		}},
		Attendees: []Attendee{
			{ID: "att-1", Name: "Dr. Li", Role: "Moderator", Status: "online"},
			{ID: "att-2", Name: "Dr. Patel", Role: "Speaker", Status: "online"},
			{ID: "att-3", Name: "Sam", Role: "Observer", Status: "idle"},
		},
	}
}

func roomOne() Snapshot {
	return Snapshot{
		ID:            "room-1",
		Title:         "Working session",
		ProtocolDraft: "# Room 1 canvas\n\nDraft the session outcomes here.",
		Agenda: []AgendaItem{
			{ID: "ag-01", Title: "Kickoff", Owner: "Host", Time: "10:00"},
		},
		Polls: []Poll{{
			ID:       "poll-1",
			Question: "Ready to start?",
			Options: []PollOption{
				{ID: "opt-1", Label: "Yes", Votes: 0},
				{ID: "opt-2", Label: "Not yet", Votes: 0},
			},
		}},
		Attendees: []Attendee{
			{ID: "host", Name: "Host", Role: "Moderator", Status: "online"},
		},
	}
}
