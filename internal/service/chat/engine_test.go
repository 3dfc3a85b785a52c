package chat_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"golang.org/x/sync/errgroup"

	model "github.com/parleyhq/parley/internal/model/chat"
	chat "github.com/parleyhq/parley/internal/service/chat"
	"github.com/parleyhq/parley/internal/store"
)

// agentFunc adapts a function to the engine's Agent interface.
type agentFunc func(ctx context.Context, history []model.Turn, query string) (string, error)

func (f agentFunc) Respond(ctx context.Context, history []model.Turn, query string) (string, error) {
	return f(ctx, history, query)
}

func staticAgent(reply string) chat.Agent {
	return agentFunc(func(context.Context, []model.Turn, string) (string, error) {
		return reply, nil
	})
}

func failingAgent(err error) chat.Agent {
	return agentFunc(func(context.Context, []model.Turn, string) (string, error) {
		return "", err
	})
}

// chunkedAgent streams its reply in fixed pieces.
type chunkedAgent struct {
	chunks []string
}

func (a chunkedAgent) Respond(context.Context, []model.Turn, string) (string, error) {
	return strings.Join(a.chunks, ""), nil
}

func (a chunkedAgent) RespondStream(context.Context, []model.Turn, string) (*schema.StreamReader[*schema.Message], error) {
	reader, writer := schema.Pipe[*schema.Message](len(a.chunks))
	go func() {
		defer writer.Close()
		for _, chunk := range a.chunks {
			writer.Send(&schema.Message{Role: schema.Assistant, Content: chunk}, nil)
		}
	}()
	return reader, nil
}

func newTestEngine(t *testing.T, maxTurns int, agent chat.Agent) (*chat.Registry, *chat.Engine, model.Session) {
	t.Helper()

	ctx := context.Background()
	st := store.NewMemoryStore()
	registry, err := chat.NewRegistry(ctx, st, nil)
	if err != nil {
		t.Fatalf("NewRegistry err: %v", err)
	}
	engine := chat.NewEngine(registry, st, agent, nil, chat.EngineConfig{MaxTurns: maxTurns})

	session, err := registry.Create(ctx)
	if err != nil {
		t.Fatalf("Create err: %v", err)
	}
	return registry, engine, session
}

func TestSubmitAppendsUserAndAgentTurns(t *testing.T) {
	_, engine, session := newTestEngine(t, 6, staticAgent("hi there"))

	turns, err := engine.Submit(context.Background(), session.ID, "hello")
	if err != nil {
		t.Fatalf("Submit err: %v", err)
	}

	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Role != model.RoleUser || turns[0].Content != "hello" || turns[0].Seq != 1 {
		t.Fatalf("unexpected user turn: %+v", turns[0])
	}
	if turns[1].Role != model.RoleAgent || turns[1].Content != "hi there" || turns[1].Seq != 2 {
		t.Fatalf("unexpected agent turn: %+v", turns[1])
	}
}

func TestSubmitTrimsAndRejectsEmptyMessage(t *testing.T) {
	registry, engine, session := newTestEngine(t, 6, staticAgent("never called"))
	ctx := context.Background()

	for _, input := range []string{"", "   ", "\n\t"} {
		if _, err := engine.Submit(ctx, session.ID, input); !errors.Is(err, chat.ErrEmptyMessage) {
			t.Fatalf("input %q: expected ErrEmptyMessage, got %v", input, err)
		}
	}

	turns, err := registry.Transcript(ctx, session.ID)
	if err != nil {
		t.Fatalf("Transcript err: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("transcript mutated by rejected input: %d turns", len(turns))
	}
}

func TestSubmitUnknownSession(t *testing.T) {
	_, engine, _ := newTestEngine(t, 6, staticAgent("x"))

	if _, err := engine.Submit(context.Background(), "missing", "hello"); !errors.Is(err, chat.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSubmitEnforcesTurnLimitBeforeAgentCall(t *testing.T) {
	var agentCalls atomic.Int64
	agent := agentFunc(func(context.Context, []model.Turn, string) (string, error) {
		agentCalls.Add(1)
		return "ok", nil
	})

	registry, engine, session := newTestEngine(t, 3, agent)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := engine.Submit(ctx, session.ID, fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("Submit %d err: %v", i, err)
		}
	}

	callsBefore := agentCalls.Load()
	if _, err := engine.Submit(ctx, session.ID, "one too many"); !errors.Is(err, chat.ErrTurnLimit) {
		t.Fatalf("expected ErrTurnLimit, got %v", err)
	}
	if agentCalls.Load() != callsBefore {
		t.Fatal("agent was contacted after the limit was reached")
	}

	turns, err := registry.Transcript(ctx, session.ID)
	if err != nil {
		t.Fatalf("Transcript err: %v", err)
	}
	if len(turns) != 6 {
		t.Fatalf("expected transcript unchanged at 6 turns, got %d", len(turns))
	}
}

func TestSubmitAgentFailureRetainsUserTurn(t *testing.T) {
	upstream := errors.New("model timeout")
	registry, engine, session := newTestEngine(t, 6, failingAgent(upstream))
	ctx := context.Background()

	_, err := engine.Submit(ctx, session.ID, "ping")
	if !errors.Is(err, chat.ErrAgentUnavailable) {
		t.Fatalf("expected ErrAgentUnavailable, got %v", err)
	}

	turns, err := registry.Transcript(ctx, session.ID)
	if err != nil {
		t.Fatalf("Transcript err: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected lone user turn, got %d turns", len(turns))
	}
	if turns[0].Role != model.RoleUser || turns[0].Content != "ping" || turns[0].Seq != 1 {
		t.Fatalf("unexpected retained turn: %+v", turns[0])
	}
}

func TestSubmitRetryAfterAgentFailureContinuesSequence(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	agent := agentFunc(func(_ context.Context, _ []model.Turn, query string) (string, error) {
		if fail.Load() {
			return "", errors.New("upstream down")
		}
		return "echo " + query, nil
	})

	_, engine, session := newTestEngine(t, 6, agent)
	ctx := context.Background()

	if _, err := engine.Submit(ctx, session.ID, "first"); !errors.Is(err, chat.ErrAgentUnavailable) {
		t.Fatalf("expected ErrAgentUnavailable, got %v", err)
	}

	fail.Store(false)
	turns, err := engine.Submit(ctx, session.ID, "second")
	if err != nil {
		t.Fatalf("retry Submit err: %v", err)
	}

	// retries append new turns, they never rewrite the orphaned one
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		if turn.Seq != i+1 {
			t.Fatalf("sequence gap: turn %d has seq %d", i, turn.Seq)
		}
	}
	if turns[0].Content != "first" || turns[1].Content != "second" || turns[2].Content != "echo second" {
		t.Fatalf("unexpected transcript: %+v", turns)
	}
}

func TestSubmitHistoryExcludesCurrentMessage(t *testing.T) {
	var sawHistory []model.Turn
	agent := agentFunc(func(_ context.Context, history []model.Turn, query string) (string, error) {
		sawHistory = append([]model.Turn(nil), history...)
		return "reply to " + query, nil
	})

	_, engine, session := newTestEngine(t, 6, agent)
	ctx := context.Background()

	if _, err := engine.Submit(ctx, session.ID, "one"); err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	if len(sawHistory) != 0 {
		t.Fatalf("first call should see empty history, got %d turns", len(sawHistory))
	}

	if _, err := engine.Submit(ctx, session.ID, "two"); err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	if len(sawHistory) != 2 {
		t.Fatalf("second call should see the first exchange, got %d turns", len(sawHistory))
	}
	if sawHistory[0].Content != "one" || sawHistory[1].Content != "reply to one" {
		t.Fatalf("unexpected history: %+v", sawHistory)
	}
}

func TestConcurrentSubmitsSerializePerSession(t *testing.T) {
	_, engine, session := newTestEngine(t, 100, staticAgent("ack"))
	ctx := context.Background()

	const submitters = 8
	var eg errgroup.Group
	for i := 0; i < submitters; i++ {
		i := i
		eg.Go(func() error {
			_, err := engine.Submit(ctx, session.ID, fmt.Sprintf("message %d", i))
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("concurrent Submit err: %v", err)
	}

	turns, err := engine.Submit(ctx, session.ID, "final")
	if err != nil {
		t.Fatalf("final Submit err: %v", err)
	}

	want := (submitters + 1) * 2
	if len(turns) != want {
		t.Fatalf("expected %d turns, got %d", want, len(turns))
	}
	for i, turn := range turns {
		if turn.Seq != i+1 {
			t.Fatalf("sequence not gap-free: turn %d has seq %d", i, turn.Seq)
		}
		wantRole := model.RoleUser
		if i%2 == 1 {
			wantRole = model.RoleAgent
		}
		if turn.Role != wantRole {
			t.Fatalf("turn %d: expected role %s, got %s", i, wantRole, turn.Role)
		}
	}
}

func TestDeleteWaitsForInFlightSubmit(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	agent := agentFunc(func(context.Context, []model.Turn, string) (string, error) {
		close(started)
		<-release
		return "slow reply", nil
	})

	registry, engine, session := newTestEngine(t, 6, agent)
	ctx := context.Background()

	submitDone := make(chan error, 1)
	go func() {
		_, err := engine.Submit(ctx, session.ID, "hello")
		submitDone <- err
	}()

	<-started
	deleteDone := make(chan error, 1)
	go func() {
		deleteDone <- registry.Delete(ctx, session.ID)
	}()

	// give the delete a moment to reach the session lock
	select {
	case err := <-deleteDone:
		t.Fatalf("delete finished while submit held the session: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	if err := <-submitDone; err != nil {
		t.Fatalf("Submit err: %v", err)
	}
	if err := <-deleteDone; err != nil {
		t.Fatalf("Delete err: %v", err)
	}

	if _, err := registry.Transcript(ctx, session.ID); !errors.Is(err, chat.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestSubmitStreamFallsBackToSingleDelta(t *testing.T) {
	_, engine, session := newTestEngine(t, 6, staticAgent("whole reply"))

	var deltas []string
	turns, err := engine.SubmitStream(context.Background(), session.ID, "hello", func(chunk string) error {
		deltas = append(deltas, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("SubmitStream err: %v", err)
	}

	if len(deltas) != 1 || deltas[0] != "whole reply" {
		t.Fatalf("expected single full delta, got %v", deltas)
	}
	if len(turns) != 2 || turns[1].Content != "whole reply" {
		t.Fatalf("unexpected transcript: %+v", turns)
	}
}

func TestSubmitStreamDeltasConcatenateIntoAgentTurn(t *testing.T) {
	agent := chunkedAgent{chunks: []string{"Hel", "lo ", "there"}}
	_, engine, session := newTestEngine(t, 6, agent)

	var deltas []string
	turns, err := engine.SubmitStream(context.Background(), session.ID, "hi", func(chunk string) error {
		deltas = append(deltas, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("SubmitStream err: %v", err)
	}

	if len(deltas) != 3 {
		t.Fatalf("expected 3 deltas, got %v", deltas)
	}
	if got := strings.Join(deltas, ""); got != "Hello there" {
		t.Fatalf("deltas concatenate to %q, want %q", got, "Hello there")
	}
	if len(turns) != 2 || turns[1].Role != model.RoleAgent || turns[1].Content != "Hello there" {
		t.Fatalf("unexpected transcript: %+v", turns)
	}
}

func TestSubmitStreamDrainsAfterConsumerFailure(t *testing.T) {
	agent := chunkedAgent{chunks: []string{"part one, ", "part two"}}
	registry, engine, session := newTestEngine(t, 6, agent)
	ctx := context.Background()

	calls := 0
	_, err := engine.SubmitStream(ctx, session.ID, "hi", func(string) error {
		calls++
		return errors.New("gone")
	})
	if err != nil {
		t.Fatalf("SubmitStream err: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected forwarding to stop after the first failure, got %d calls", calls)
	}

	turns, err := registry.Transcript(ctx, session.ID)
	if err != nil {
		t.Fatalf("Transcript err: %v", err)
	}
	if len(turns) != 2 || turns[1].Content != "part one, part two" {
		t.Fatalf("expected the full reply persisted, got %+v", turns)
	}
}

func TestSubmitStreamAgentFailure(t *testing.T) {
	registry, engine, session := newTestEngine(t, 6, failingAgent(errors.New("down")))
	ctx := context.Background()

	_, err := engine.SubmitStream(ctx, session.ID, "hello", func(string) error { return nil })
	if !errors.Is(err, chat.ErrAgentUnavailable) {
		t.Fatalf("expected ErrAgentUnavailable, got %v", err)
	}

	turns, err := registry.Transcript(ctx, session.ID)
	if err != nil {
		t.Fatalf("Transcript err: %v", err)
	}
	if len(turns) != 1 || turns[0].Role != model.RoleUser {
		t.Fatalf("expected lone user turn, got %+v", turns)
	}
}
