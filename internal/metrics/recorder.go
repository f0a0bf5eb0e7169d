// Package metrics records turn, eviction and reclaim activity.
package metrics

import "time"

// Recorder is the instrumentation surface the orchestrator reports to.
type Recorder interface {
	// ObserveTurn records a finished turn. outcome is "completed", "cancelled" or "failed";
	// errorKind is empty unless the turn failed.
	ObserveTurn(backend, outcome, errorKind string, outputTokens int, duration time.Duration)
	ObserveFirstToken(backend string, latency time.Duration)
	IncGuardStop(reason string)
	IncEviction(dropped int)
	IncRejectedBusy()
	IncUnload(backend string)
	SetContextUsage(used, window int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveTurn(string, string, string, int, time.Duration) {}
func (Nop) ObserveFirstToken(string, time.Duration) {}
func (Nop) IncGuardStop(string) {}
func (Nop) IncEviction(int) {}
func (Nop) IncRejectedBusy() {}
func (Nop) IncUnload(string) {}
func (Nop) SetContextUsage(int, int) {}
