package chat

import "errors"

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrTurnLimit        = errors.New("turn limit reached")
	ErrAgentUnavailable = errors.New("agent unavailable")
)
