package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/handler"
	"github.com/parleyhq/parley/internal/service/agent"
	"github.com/parleyhq/parley/internal/service/chat"
	"github.com/parleyhq/parley/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file, using process environment only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	st, err := openStore(cfg.Chat)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Chat.DBPath).Msg("failed to open transcript store")
	}
	defer st.Close()

	bus := events.NewBus()
	defer bus.Close()

	registry, err := chat.NewRegistry(ctx, st, bus)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to recover sessions from store")
	}

	engine := chat.NewEngine(registry, st, buildAgent(ctx, cfg.Agent), bus, chat.EngineConfig{
		MaxTurns:     cfg.Chat.MaxTurns,
		AgentTimeout: time.Duration(cfg.Agent.Timeout) * time.Second,
	})

	router := handler.NewRouter(registry, engine, bus, cfg.Server.AllowedOrigins)

	startServer(ctx, cfg.Server, router)
}

func openStore(cfg config.ChatConfig) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		log.Warn().Msg("using the in-memory store, transcripts will not survive a restart")
		return store.NewMemoryStore(), nil
	default:
		return store.NewSQLiteStore(cfg.DBPath)
	}
}

// buildAgent prefers the configured ark model and falls back to the echo
// agent so the service stays usable without credentials.
func buildAgent(ctx context.Context, cfg config.AgentConfig) chat.Agent {
	if !cfg.Enabled() {
		log.Warn().Msg("ark credentials not configured, replies come from the echo agent")
		return agent.Echo{}
	}

	svc, err := agent.NewService(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("agent initialization failed, replies come from the echo agent")
		return agent.Echo{}
	}

	log.Info().Str("model", cfg.Model).Msg("ark agent initialized")
	return svc
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", serverCfg.Addr).Msg("parley backend listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
