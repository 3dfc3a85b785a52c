package agent

import (
	"context"

	"github.com/parleyhq/parley/internal/model/chat"
)

// Echo is the fallback collaborator used when no model credentials are
// configured. It mirrors the user's message so the whole session flow stays
// exercisable in development.
type Echo struct{}

func (Echo) Respond(_ context.Context, _ []chat.Turn, query string) (string, error) {
	return "Echo: " + query, nil
}
