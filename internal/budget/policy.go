package budget

import (
	"context"
	"fmt"
)

// ContextResetter discards a backend's working window.
type ContextResetter interface {
	ResetContext(ctx context.Context) error
}

// History is the part of the conversation store the policy rebuilds.
type History interface {
	Rebuild(keep int) int
	Len() int
}

// Eviction records one overflow handling event.
type Eviction struct {
	ProjectedTotal int
	SafeLimit      int
	Dropped        int
	Remaining      int
}

func (e Eviction) Notice() string {
	return fmt.Sprintf("context cleared: projected %d tokens reached the safe limit of %d; kept the %d most recent messages",
		e.ProjectedTotal, e.SafeLimit, e.Remaining)
}

// Policy performs the full context reset taken when a turn would cross the safe limit.
// Backends cannot forget individual tokens, so the whole working window is dropped
// and the history is rebuilt from the System message plus the newest Keep messages.
type Policy struct {
	Keep int
}

func (p Policy) Apply(ctx context.Context, b Budget, total int, history History, backend ContextResetter) (Eviction, error) {
	if err := backend.ResetContext(ctx); err != nil {
		return Eviction{}, fmt.Errorf("reset backend context: %w", err)
	}

	dropped := history.Rebuild(p.Keep)

	return Eviction{
		ProjectedTotal: total,
		SafeLimit:      b.SafeLimit,
		Dropped:        dropped,
		Remaining:      history.Len() - 1,
	}, nil
}
