package core

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Tokens  int    `json:"tokens,omitempty"`
}

// SamplingConfig holds optional sampling overrides; nil fields use the backend default.
type SamplingConfig struct {
	Temperature   *float64 `json:"temperature,omitempty" toml:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty" toml:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty" toml:"top_k,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty" toml:"repeat_penalty,omitempty"`
}

// ContextInfo is the backend's own view of its working window.
type ContextInfo struct {
	UsedTokens int `json:"used_tokens"`
	WindowSize int `json:"window_size"`
}

// ContextUsage is published after every turn and every context reset.
type ContextUsage struct {
	UsedTokens int `json:"used_tokens"`
	WindowSize int `json:"window_size"`
	SafeLimit  int `json:"safe_limit"`
}
