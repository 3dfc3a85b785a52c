package agent

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/model/chat"
)

// Service renders replies with the configured chat model. It satisfies the
// turn engine's Agent and StreamingAgent interfaces.
type Service struct {
	chatModel model.ChatModel
	cfg       config.AgentConfig
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService builds and compiles the prompt-plus-model chain once at
// startup.
func NewService(ctx context.Context, cfg config.AgentConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		cfg:       cfg,
		chain:     runnable,
	}, nil
}

// Respond generates the full reply for one user message given the prior
// transcript.
func (s *Service) Respond(ctx context.Context, history []chat.Turn, query string) (string, error) {
	response, err := s.chain.Invoke(ctx, s.buildChainInput(history, query))
	if err != nil {
		return "", fmt.Errorf("run agent chain: %w", err)
	}

	log.Debug().Int("history", len(history)).Int("reply_len", len(response.Content)).Msg("agent reply generated")
	return response.Content, nil
}

// RespondStream returns the reply as a chunk stream from the same chain.
func (s *Service) RespondStream(ctx context.Context, history []chat.Turn, query string) (*schema.StreamReader[*schema.Message], error) {
	stream, err := s.chain.Stream(ctx, s.buildChainInput(history, query))
	if err != nil {
		return nil, fmt.Errorf("stream agent chain: %w", err)
	}
	return stream, nil
}

func (s *Service) buildChainInput(history []chat.Turn, query string) map[string]any {
	return map[string]any{
		"system":  s.systemPrompt(),
		"history": s.buildHistoryMessages(history),
		"query":   query,
	}
}

func (s *Service) systemPrompt() string {
	if s.cfg.Name == "" {
		return s.cfg.Instructions
	}
	return fmt.Sprintf("You are %s. %s", s.cfg.Name, s.cfg.Instructions)
}

// buildHistoryMessages converts stored turns into model messages, keeping
// only the most recent slice so long sessions do not blow the context
// window.
func (s *Service) buildHistoryMessages(turns []chat.Turn) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	limit := s.cfg.HistoryLimit
	if limit < 1 {
		limit = 1
	}

	startIdx := 0
	if len(turns) > limit {
		startIdx = len(turns) - limit
	}

	history := make([]*schema.Message, 0, len(turns)-startIdx)
	for _, turn := range turns[startIdx:] {
		switch turn.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(turn.Content))
		case chat.RoleAgent:
			history = append(history, schema.AssistantMessage(turn.Content, nil))
		}
	}
	return history
}
