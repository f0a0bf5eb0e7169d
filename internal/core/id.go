package core

import "github.com/google/uuid"

type TurnID string

func NewTurnID() TurnID {
	return TurnID("turn_" + uuid.NewString())
}

type RequestID string

func NewRequestID() RequestID {
	return RequestID("req_" + uuid.NewString())
}
