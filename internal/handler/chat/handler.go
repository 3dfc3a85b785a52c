package chat

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/model/chat"
	chatService "github.com/parleyhq/parley/internal/service/chat"
	"github.com/parleyhq/parley/pkg/utils"
)

// Handler exposes the session lifecycle and the submit flow over HTTP.
type Handler struct {
	registry *chatService.Registry
	engine   *chatService.Engine
}

func New(registry *chatService.Registry, engine *chatService.Engine) *Handler {
	return &Handler{
		registry: registry,
		engine:   engine,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chats", h.handleCreateChat)
	r.Get("/chats/{sessionID}", h.handleGetChat)
	r.Delete("/chats/{sessionID}", h.handleDeleteChat)
	r.Post("/chats/{sessionID}/messages", h.handlePostMessage)
	r.Post("/chats/{sessionID}/messages/stream", h.handleStreamMessage)
}

type messagePayload struct {
	Message string `json:"message"`
}

// chatResponse is the envelope for endpoints that run a submit. Reply is
// the latest agent text, "" when no exchange has happened yet.
type chatResponse struct {
	SessionID string      `json:"session_id"`
	Reply     string      `json:"reply"`
	Messages  []chat.Turn `json:"messages"`
}

type transcriptResponse struct {
	SessionID string      `json:"session_id"`
	Messages  []chat.Turn `json:"messages"`
}

// handleCreateChat registers a fresh session. A non-empty message in the
// body runs a full submit against the new session before responding.
func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var payload messagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && err != io.EOF {
		utils.RespondError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	session, err := h.registry.Create(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("session create failed")
		utils.RespondError(w, http.StatusInternalServerError, "storage_failure", "could not create session")
		return
	}

	if payload.Message == "" {
		utils.RespondJSON(w, http.StatusCreated, chatResponse{
			SessionID: session.ID,
			Messages:  []chat.Turn{},
		})
		return
	}

	turns, err := h.engine.Submit(r.Context(), session.ID, payload.Message)
	if err != nil {
		// The session outlives the failed submit; hand back its id so the
		// client keeps the handle.
		status, code := errorStatus(err)
		utils.RespondJSON(w, status, map[string]string{
			"error":      err.Error(),
			"code":       code,
			"session_id": session.ID,
		})
		return
	}

	utils.RespondJSON(w, http.StatusCreated, chatResponse{
		SessionID: session.ID,
		Reply:     latestReply(turns),
		Messages:  turns,
	})
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var payload messagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	turns, err := h.engine.Submit(r.Context(), sessionID, payload.Message)
	if err != nil {
		respondError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, chatResponse{
		SessionID: sessionID,
		Reply:     latestReply(turns),
		Messages:  turns,
	})
}

func (h *Handler) handleGetChat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	turns, err := h.registry.Transcript(r.Context(), sessionID)
	if err != nil {
		respondError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, transcriptResponse{
		SessionID: sessionID,
		Messages:  turns,
	})
}

func (h *Handler) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.registry.Delete(r.Context(), sessionID); err != nil {
		respondError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"status":     "deleted",
		"session_id": sessionID,
	})
}

// handleStreamMessage runs a submit and relays the reply as SSE events:
// meta, then a delta per chunk, then done with the full transcript. Checks
// that can still produce a proper HTTP status run before the stream opens;
// later failures become an error event.
func (h *Handler) handleStreamMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var payload messagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	if _, err := h.registry.Session(sessionID); err != nil {
		respondError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "storage_failure", "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	utils.SendSSEEvent(w, flusher, "meta", map[string]string{"session_id": sessionID})

	onDelta := func(content string) error {
		if err := r.Context().Err(); err != nil {
			return err
		}
		utils.SendSSEEvent(w, flusher, "delta", map[string]string{"content": content})
		return nil
	}

	turns, err := h.engine.SubmitStream(r.Context(), sessionID, payload.Message, onDelta)
	if err != nil {
		_, code := errorStatus(err)
		log.Warn().Err(err).Str("session_id", sessionID).Msg("stream submit failed")
		utils.SendSSEEvent(w, flusher, "error", map[string]string{
			"error": err.Error(),
			"code":  code,
		})
		return
	}

	utils.SendSSEEvent(w, flusher, "done", chatResponse{
		SessionID: sessionID,
		Reply:     latestReply(turns),
		Messages:  turns,
	})
}

func respondError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	utils.RespondError(w, status, code, err.Error())
}

// errorStatus maps service errors onto HTTP statuses and taxonomy codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, chatService.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, chatService.ErrEmptyMessage):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, chatService.ErrTurnLimit):
		return http.StatusTooManyRequests, "turn_limit_exceeded"
	case errors.Is(err, chatService.ErrAgentUnavailable):
		return http.StatusBadGateway, "agent_unavailable"
	default:
		return http.StatusInternalServerError, "storage_failure"
	}
}

func latestReply(turns []chat.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == chat.RoleAgent {
			return turns[i].Content
		}
	}
	return ""
}
