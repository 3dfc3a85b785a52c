package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/handler/chat"
	middlewarePkg "github.com/parleyhq/parley/internal/middleware"
	chatService "github.com/parleyhq/parley/internal/service/chat"
	"github.com/parleyhq/parley/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(registry *chatService.Registry, engine *chatService.Engine, bus *events.Bus, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(allowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	chatHandler := chat.New(registry, engine)
	chatHandler.RegisterRoutes(r)

	if bus != nil {
		chat.NewFeed(registry, bus).RegisterRoutes(r)
	}

	return r
}
