// Package backend defines the contract every inference engine adapter satisfies.
package backend

import (
	"context"

	"github.com/erg0nix/parley/internal/core"
)

// Chunk is one element of a generation stream. Exactly one of Content, Usage or Err is meaningful.
// The channel is closed at end of stream.
type Chunk struct {
	Content string
	Usage   *core.ContextInfo
	Err     error
}

// LoadConfig carries the parameters a backend is (re)loaded with.
type LoadConfig struct {
	WindowSize int
	GPULayers  int
}

type Backend interface {
	Name() string
	// Generate starts a streaming completion. Cancelling ctx or calling Stop ends the stream early.
	Generate(ctx context.Context, messages []core.Message, maxTokens int, sampling core.SamplingConfig) (<-chan Chunk, error)
	// Stop asks the engine to abandon the in-flight generation. It does not wait.
	Stop()
	ContextInfo() core.ContextInfo
	ResetContext(ctx context.Context) error
	Load(ctx context.Context, model string, cfg LoadConfig) error
	Unload(ctx context.Context) error
	Loaded() bool
}

// Send delivers chunk unless ctx is done first.
func Send(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
