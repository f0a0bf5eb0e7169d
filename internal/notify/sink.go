package notify

import (
	"time"

	"github.com/erg0nix/parley/internal/core"
)

type TextKind string

const (
	TextToken       TextKind = "token"
	TextNotice      TextKind = "notice"
	TextError       TextKind = "error"
	TextTurnStarted TextKind = "turn_started"
	TextTurnEnded   TextKind = "turn_ended"
)

// TextEvent is one entry of the text feed. Error entries carry the failure kind and an optional hint.
type TextEvent struct {
	Kind      TextKind    `json:"kind"`
	TurnID    core.TurnID `json:"turn_id,omitempty"`
	Text      string      `json:"text,omitempty"`
	ErrorKind string      `json:"error_kind,omitempty"`
	Hint      string      `json:"hint,omitempty"`
}

type UnloadEvent struct {
	Backend string        `json:"backend"`
	Idle    time.Duration `json:"idle"`
	At      time.Time     `json:"at"`
}

// Sink groups the four feeds the orchestrator produces.
type Sink struct {
	Text       *Feed[TextEvent]
	Generating *Feed[bool]
	Usage      *Feed[core.ContextUsage]
	Unloaded   *Feed[UnloadEvent]
}

func NewSink() *Sink {
	return &Sink{
		Text:       NewFeed[TextEvent]("text"),
		Generating: NewFeed[bool]("generating"),
		Usage:      NewFeed[core.ContextUsage]("usage"),
		Unloaded:   NewFeed[UnloadEvent]("unloaded"),
	}
}

func (s *Sink) Close() {
	s.Text.Close()
	s.Generating.Close()
	s.Usage.Close()
	s.Unloaded.Close()
}
