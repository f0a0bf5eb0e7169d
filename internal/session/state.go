// Package session runs conversation turns against a backend, one at a time.
package session

type State int8

const (
	StateIdle State = iota
	StateArmed
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state only leaves through Reset.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

type Event int8

const (
	EventStart Event = iota
	EventAccepted
	EventCancel
	EventEnd
	EventForceStop
	EventError
	EventReset
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventAccepted:
		return "accepted"
	case EventCancel:
		return "cancel"
	case EventEnd:
		return "end"
	case EventForceStop:
		return "force_stop"
	case EventError:
		return "error"
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Effect is a side effect the orchestrator performs after a transition, in order.
type Effect int8

const (
	EffectRejectBusy Effect = iota
	EffectPreflight
	EffectStopBackend
	EffectCommitAssistant
	EffectRollbackUser
	EffectReportError
	EffectReportEmpty
	EffectTurnEnded
	EffectCleanup
)

func (e Effect) String() string {
	switch e {
	case EffectRejectBusy:
		return "reject_busy"
	case EffectPreflight:
		return "preflight"
	case EffectStopBackend:
		return "stop_backend"
	case EffectCommitAssistant:
		return "commit_assistant"
	case EffectRollbackUser:
		return "rollback_user"
	case EffectReportError:
		return "report_error"
	case EffectReportEmpty:
		return "report_empty"
	case EffectTurnEnded:
		return "turn_ended"
	case EffectCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

type Input struct {
	Event Event
	// HasOutput is true once at least one token has been forwarded in this turn.
	HasOutput bool
}

// Transition is the whole session lifecycle. Inputs that do not apply to the
// current state leave it unchanged with no effects.
func Transition(state State, in Input) (State, []Effect) {
	if in.Event == EventStart {
		if state != StateIdle {
			return state, []Effect{EffectRejectBusy}
		}
		return StateArmed, []Effect{EffectPreflight}
	}

	if in.Event == EventReset {
		if state.Terminal() {
			return StateIdle, nil
		}
		return state, nil
	}

	switch state {
	case StateArmed:
		switch in.Event {
		case EventAccepted:
			return StateStreaming, nil
		case EventCancel:
			return StateCancelled, []Effect{EffectRollbackUser, EffectCleanup}
		case EventError:
			return StateFailed, []Effect{EffectRollbackUser, EffectReportError, EffectCleanup}
		}

	case StateStreaming:
		switch in.Event {
		case EventCancel:
			if in.HasOutput {
				return StateCancelled, []Effect{EffectStopBackend, EffectCommitAssistant, EffectCleanup}
			}
			return StateCancelled, []Effect{EffectStopBackend, EffectRollbackUser, EffectCleanup}
		case EventEnd:
			if in.HasOutput {
				return StateCompleted, []Effect{EffectCommitAssistant, EffectTurnEnded, EffectCleanup}
			}
			return StateFailed, []Effect{EffectRollbackUser, EffectReportEmpty, EffectCleanup}
		case EventForceStop:
			if in.HasOutput {
				return StateCompleted, []Effect{EffectStopBackend, EffectCommitAssistant, EffectTurnEnded, EffectCleanup}
			}
			return StateFailed, []Effect{EffectStopBackend, EffectRollbackUser, EffectReportEmpty, EffectCleanup}
		case EventError:
			return StateFailed, []Effect{EffectStopBackend, EffectRollbackUser, EffectReportError, EffectCleanup}
		}
	}

	return state, nil
}
