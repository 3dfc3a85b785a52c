package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/model/chat"
	"github.com/parleyhq/parley/internal/store"
)

// Agent is the reply capability the engine depends on. Calls may be slow
// and may fail; the engine treats them as opaque.
type Agent interface {
	Respond(ctx context.Context, history []chat.Turn, query string) (string, error)
}

// StreamingAgent can additionally surface the reply incrementally. Agents
// without it still work through SubmitStream, delivering one final delta.
type StreamingAgent interface {
	Agent
	RespondStream(ctx context.Context, history []chat.Turn, query string) (*schema.StreamReader[*schema.Message], error)
}

type EngineConfig struct {
	MaxTurns     int
	AgentTimeout time.Duration
}

// Engine applies user messages to sessions: limit check, agent invocation
// and the dual append all happen inside the session's critical section, so
// concurrent submits to one session serialize and sequence numbers stay
// gap-free.
type Engine struct {
	registry *Registry
	store    store.Store
	agent    Agent
	bus      *events.Bus
	cfg      EngineConfig
}

func NewEngine(registry *Registry, st store.Store, agent Agent, bus *events.Bus, cfg EngineConfig) *Engine {
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 60 * time.Second
	}
	return &Engine{
		registry: registry,
		store:    st,
		agent:    agent,
		bus:      bus,
		cfg:      cfg,
	}
}

// Submit appends the user's message, asks the agent for a reply, appends it
// and returns the updated transcript. On agent failure the user turn is
// retained and ErrAgentUnavailable is reported; the transcript then carries
// one more user turn than agent turns until a later submit moves it on.
func (e *Engine) Submit(ctx context.Context, sessionID, userText string) ([]chat.Turn, error) {
	return e.submit(ctx, sessionID, userText, func(callCtx context.Context, history []chat.Turn, query string) (string, error) {
		return e.agent.Respond(callCtx, history, query)
	})
}

// SubmitStream behaves like Submit but forwards reply chunks through
// onDelta while they arrive. The persisted agent turn is always the full
// concatenated reply; if onDelta fails the stream is still drained so the
// reply is not lost.
func (e *Engine) SubmitStream(ctx context.Context, sessionID, userText string, onDelta func(string) error) ([]chat.Turn, error) {
	return e.submit(ctx, sessionID, userText, func(callCtx context.Context, history []chat.Turn, query string) (string, error) {
		return e.streamReply(callCtx, history, query, onDelta)
	})
}

func (e *Engine) submit(ctx context.Context, sessionID, userText string, respond func(context.Context, []chat.Turn, string) (string, error)) ([]chat.Turn, error) {
	sess, err := e.registry.resolve(sessionID)
	if err != nil {
		return nil, err
	}

	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, ErrEmptyMessage
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !e.registry.alive(sess) {
		return nil, ErrSessionNotFound
	}

	// The limit check runs before any mutation and before the agent is
	// contacted, so a session at the limit costs nothing.
	if sess.userTurns >= e.cfg.MaxTurns {
		return nil, fmt.Errorf("%w: session has used %d of %d user turns", ErrTurnLimit, sess.userTurns, e.cfg.MaxTurns)
	}

	history, err := e.store.Read(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	userTurn := chat.Turn{
		Role:      chat.RoleUser,
		Content:   userText,
		Seq:       sess.seq + 1,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.Append(ctx, sessionID, userTurn); err != nil {
		return nil, fmt.Errorf("append user turn: %w", err)
	}
	sess.seq++
	sess.userTurns++
	e.publishTurn(sessionID, userTurn)

	// The agent call and everything after it run detached from the caller's
	// cancellation: a disconnected client must not strand a user-only turn
	// when the reply was still obtainable.
	persistCtx := context.WithoutCancel(ctx)
	callCtx, cancel := context.WithTimeout(persistCtx, e.cfg.AgentTimeout)
	defer cancel()

	reply, err := respond(callCtx, history, userText)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("agent call failed, user turn retained")
		return nil, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}

	agentTurn := chat.Turn{
		Role:      chat.RoleAgent,
		Content:   reply,
		Seq:       sess.seq + 1,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.Append(persistCtx, sessionID, agentTurn); err != nil {
		return nil, fmt.Errorf("append agent turn: %w", err)
	}
	sess.seq++
	e.publishTurn(sessionID, agentTurn)

	transcript, err := e.store.Read(persistCtx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return transcript, nil
}

func (e *Engine) streamReply(ctx context.Context, history []chat.Turn, query string, onDelta func(string) error) (string, error) {
	streamer, ok := e.agent.(StreamingAgent)
	if !ok {
		reply, err := e.agent.Respond(ctx, history, query)
		if err != nil {
			return "", err
		}
		if onDelta != nil {
			_ = onDelta(reply)
		}
		return reply, nil
	}

	stream, err := streamer.RespondStream(ctx, history, query)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	forward := onDelta
	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", recvErr
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content != "" && forward != nil {
			if err := forward(chunk.Content); err != nil {
				log.Warn().Err(err).Msg("delta consumer went away, draining stream to persist reply")
				forward = nil
			}
		}
	}

	merged, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", err
	}
	return merged.Content, nil
}

func (e *Engine) publishTurn(sessionID string, turn chat.Turn) {
	if e.bus == nil {
		return
	}
	if err := e.bus.PublishTurn(sessionID, turn); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Int("seq", turn.Seq).Msg("publish turn event failed")
	}
}
