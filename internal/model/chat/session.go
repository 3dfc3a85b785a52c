package chat

import "time"

// Session identifies one conversation between a user and the agent.
type Session struct {
	ID        string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}
