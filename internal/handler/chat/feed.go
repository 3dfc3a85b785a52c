package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/events"
	chatService "github.com/parleyhq/parley/internal/service/chat"
)

// Feed relays one session's turn events over a websocket. Clients receive
// every turn as it is persisted; a deleted event is the final frame.
type Feed struct {
	registry *chatService.Registry
	bus      *events.Bus
	upgrader websocket.Upgrader
}

func NewFeed(registry *chatService.Registry, bus *events.Bus) *Feed {
	return &Feed{
		registry: registry,
		bus:      bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (f *Feed) RegisterRoutes(r chi.Router) {
	r.Get("/chats/{sessionID}/feed", f.handleFeed)
}

func (f *Feed) handleFeed(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := f.registry.Session(sessionID); err != nil {
		respondError(w, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before the upgrade so no event published during the
	// handshake is missed.
	msgs, err := f.bus.Subscribe(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("feed subscribe failed")
		respondError(w, err)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("feed upgrade failed")
		return
	}
	defer conn.Close()

	log.Info().Str("session_id", sessionID).Msg("feed connected")

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Drain inbound frames so pong and close handling keeps running; the
	// feed itself never expects client data.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					log.Debug().Err(err).Str("session_id", sessionID).Msg("feed read ended")
				}
				return
			}
		}
	}()

	go f.pingLoop(ctx, conn)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}

			event, err := events.ParseTurnEvent(msg.Payload)
			msg.Ack()
			if err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("dropping malformed feed event")
				continue
			}

			if err := conn.WriteJSON(event); err != nil {
				log.Debug().Err(err).Str("session_id", sessionID).Msg("feed write failed")
				return
			}

			if event.Type == events.TypeDeleted {
				return
			}
		}
	}
}

// pingLoop keeps idle connections alive. WriteControl may be called
// concurrently with the event writes on the main loop.
func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
