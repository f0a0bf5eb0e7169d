package backend

import (
	"fmt"

	"github.com/erg0nix/parley/internal/core"
)

const mergeSeparator = "\n\n"

// RoleError describes a history a strict chat template would reject.
type RoleError struct {
	Index        int
	CurrentRole  core.Role
	PreviousRole core.Role
	Message      string
}

func (e *RoleError) Error() string {
	return e.Message
}

// NormalizeMessages returns a copy of messages that alternates user and assistant turns.
// Consecutive messages of the same role are merged, and assistant messages that precede
// the first user message are dropped. Retention can cut a history at any point, so the
// oldest surviving message is not always a user turn.
func NormalizeMessages(messages []core.Message) []core.Message {
	result := make([]core.Message, 0, len(messages))
	seenUser := false

	for _, msg := range messages {
		if msg.Role == core.RoleSystem {
			if len(result) == 0 {
				result = append(result, msg)
			}
			continue
		}

		if msg.Role == core.RoleAssistant && !seenUser {
			continue
		}
		if msg.Role == core.RoleUser {
			seenUser = true
		}

		if n := len(result); n > 0 && result[n-1].Role == msg.Role {
			merge(&result[n-1], msg)
			continue
		}

		result = append(result, msg)
	}

	return result
}

func merge(target *core.Message, source core.Message) {
	if target.Content != "" && source.Content != "" {
		target.Content += mergeSeparator + source.Content
	} else {
		target.Content += source.Content
	}
	target.Tokens += source.Tokens
}

// ValidateRoles checks the ordering a chat template expects: an optional leading
// system message, then strictly alternating turns ending with the user.
func ValidateRoles(messages []core.Message) error {
	var prevRole core.Role

	for i, msg := range messages {
		switch {
		case msg.Role == core.RoleSystem && i != 0:
			return &RoleError{Index: i, CurrentRole: msg.Role, Message: fmt.Sprintf("system message at index %d", i)}
		case msg.Role == prevRole:
			return &RoleError{
				Index:        i,
				CurrentRole:  msg.Role,
				PreviousRole: prevRole,
				Message:      fmt.Sprintf("consecutive %s messages at index %d and %d", msg.Role, i-1, i),
			}
		}
		prevRole = msg.Role
	}

	if len(messages) == 0 || messages[len(messages)-1].Role != core.RoleUser {
		return &RoleError{Index: len(messages), Message: "history must end with a user message"}
	}

	return nil
}
