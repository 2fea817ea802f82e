package symposium

import (
	"encoding/json"
	"maps"

	"github.com/gsaps/realtime/internal/optimistic"
)

type AgendaItem struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
	Owner string `json:"owner,omitempty" yaml:"owner"`
	Time  string `json:"time,omitempty" yaml:"time"`
}

type Speaker struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Status string `json:"status,omitempty" yaml:"status"`
}

// Note is the body of a notes entry; its id lives on the optimistic.Item.
type Note struct {
	Author    string `json:"author" yaml:"author"`
	Body      string `json:"body" yaml:"body"`
	Timestamp string `json:"timestamp,omitempty" yaml:"timestamp"`
}

// ChatMessage is the body of a chat entry; its id lives on the
// optimistic.Item.
type ChatMessage struct {
	Author string `json:"author" yaml:"author"`
	Body   string `json:"body" yaml:"body"`
	TS     int64  `json:"ts,omitempty" yaml:"ts"`
}

type PollOption struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label" yaml:"label"`
	Votes int    `json:"votes" yaml:"votes"`
}

// UnmarshalJSON treats a missing or non-numeric vote count as zero.
func (o *PollOption) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID    string          `json:"id"`
		Label string          `json:"label"`
		Votes json.RawMessage `json:"votes"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	o.ID = aux.ID
	o.Label = aux.Label
	o.Votes = 0

	var n float64
	if len(aux.Votes) > 0 && json.Unmarshal(aux.Votes, &n) == nil {
		o.Votes = int(n)
	}
	return nil
}

type Poll struct {
	ID       string       `json:"id" yaml:"id"`
	Question string       `json:"question" yaml:"question"`
	Options  []PollOption `json:"options" yaml:"options"`
}

func (p Poll) clone() Poll {
	p.Options = append([]PollOption(nil), p.Options...)
	return p
}

type Reaction struct {
	ID    string `json:"id"`
	Emoji string `json:"emoji"`
	User  string `json:"user"`
	TS    int64  `json:"ts"`
}

type CanvasUpdate struct {
	Content   string `json:"content"`
	UpdatedBy string `json:"updatedBy,omitempty"`
	TS        int64  `json:"ts,omitempty"`
}

type Attendee struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Role   string `json:"role,omitempty" yaml:"role"`
	Status string `json:"status,omitempty" yaml:"status"`
}

// LastEvent records the most recent state transition of a Room, local or
// inbound.
type LastEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// State is a point-in-time copy of a Room.
type State struct {
	RoomID       string                         `json:"roomId"`
	Agenda       []AgendaItem                   `json:"agenda"`
	SpeakerQueue []Speaker                      `json:"speakerQueue"`
	Notes        []optimistic.Item[Note]        `json:"notes"`
	Polls        []Poll                         `json:"polls"`
	Chat         []optimistic.Item[ChatMessage] `json:"chat"`
	Canvas       string                         `json:"canvas"`
	Reactions    []Reaction                     `json:"stageReactions"`
	Presence     map[string]string              `json:"presence"`
	LastEvent    *LastEvent                     `json:"lastEvent,omitempty"`
}

// Poll returns the poll with id, if present.
func (s State) Poll(id string) (Poll, bool) {
	for _, p := range s.Polls {
		if p.ID == id {
			return p, true
		}
	}
	return Poll{}, false
}

func (s State) clone() State {
	out := s
	out.Agenda = append([]AgendaItem(nil), s.Agenda...)
	out.SpeakerQueue = append([]Speaker(nil), s.SpeakerQueue...)
	out.Notes = append([]optimistic.Item[Note](nil), s.Notes...)
	out.Polls = make([]Poll, len(s.Polls))
	for i, p := range s.Polls {
		out.Polls[i] = p.clone()
	}
	out.Chat = append([]optimistic.Item[ChatMessage](nil), s.Chat...)
	out.Reactions = append([]Reaction(nil), s.Reactions...)
	out.Presence = maps.Clone(s.Presence)
	if s.LastEvent != nil {
		le := *s.LastEvent
		out.LastEvent = &le
	}
	return out
}
