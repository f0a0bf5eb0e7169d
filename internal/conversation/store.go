// Package conversation holds the ordered dialogue history sent to the backend on every turn.
package conversation

import "github.com/erg0nix/parley/internal/core"

// Store is the ordered list of role-tagged messages for one conversation.
// The System message always sits at index 0. Store is not safe for concurrent
// use; the orchestrator's owner goroutine is its only writer.
type Store struct {
	messages []core.Message
}

// NewStore creates a Store seeded with the given system prompt.
func NewStore(systemText string) *Store {
	return &Store{
		messages: []core.Message{{Role: core.RoleSystem, Content: systemText}},
	}
}

// Append adds a message at the end of the history. A System message replaces the existing one in place.
func (s *Store) Append(msg core.Message) {
	if msg.Role == core.RoleSystem {
		s.ReplaceSystemMessage(msg.Content)
		return
	}

	s.messages = append(s.messages, msg)
}

func (s *Store) ReplaceSystemMessage(text string) {
	if s.hasSystem() {
		s.messages[0].Content = text
		s.messages[0].Tokens = 0
		return
	}

	s.messages = append([]core.Message{{Role: core.RoleSystem, Content: text}}, s.messages...)
}

// SystemMessage returns the current system prompt.
func (s *Store) SystemMessage() string {
	if s.hasSystem() {
		return s.messages[0].Content
	}
	return ""
}

// Truncate keeps the System message plus the most recent maxCount-1 non-system messages.
// It returns the number of messages discarded.
func (s *Store) Truncate(maxCount int) int {
	keep := maxCount
	if s.hasSystem() {
		keep = maxCount - 1
	}

	return s.keepRecent(keep)
}

// Rebuild keeps the System message plus the most recent keep non-system messages.
func (s *Store) Rebuild(keep int) int {
	return s.keepRecent(keep)
}

// Reset drops every non-system message.
func (s *Store) Reset() {
	s.keepRecent(0)
}

// RemoveLast removes the final message if it has the given role.
func (s *Store) RemoveLast(role core.Role) bool {
	n := len(s.messages)
	if n == 0 || s.messages[n-1].Role != role {
		return false
	}

	if role == core.RoleSystem {
		return false
	}

	s.messages = s.messages[:n-1]
	return true
}

// Snapshot returns a copy of the history in turn order.
func (s *Store) Snapshot() []core.Message {
	out := make([]core.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Len() int {
	return len(s.messages)
}

func (s *Store) hasSystem() bool {
	return len(s.messages) > 0 && s.messages[0].Role == core.RoleSystem
}

func (s *Store) keepRecent(keep int) int {
	if keep < 0 {
		keep = 0
	}

	start := 0
	if s.hasSystem() {
		start = 1
	}

	history := s.messages[start:]
	if len(history) <= keep {
		return 0
	}

	dropped := len(history) - keep

	out := make([]core.Message, 0, start+keep)
	out = append(out, s.messages[:start]...)
	out = append(out, history[dropped:]...)
	s.messages = out

	return dropped
}
