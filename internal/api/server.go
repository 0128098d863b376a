package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"campusrun/internal/config"
	"campusrun/internal/engine"
	"campusrun/internal/infra/redisstore"
)

type Server struct {
	router *chi.Mux
	store  *redisstore.Client
	engine *engine.Engine
}

func NewServer() *Server {
	ctx := context.Background()
	cfg := config.Load()

	cli := redisstore.New(cfg.Redis)
	if err := cli.Connect(ctx); err != nil {
		log.Ctx(ctx).Fatal().Msgf("something went wrong: %s", err)
	}

	s := &Server{
		store:  cli,
		engine: engine.New(cli, cli, cli, cli, cfg.Match),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/tasks", s.createTask)
	r.Get("/tasks/{id}", s.getTask)
	r.Post("/tasks/{id}/accept", s.acceptTask)
	r.Post("/tasks/{id}/decline", s.declineTask)
	r.Post("/tasks/{id}/complete", s.completeTask)
	r.Put("/runners/{id}", s.upsertRunner)

	s.router = r
	return s
}

// Run starts the HTTP server on the specified port and blocks until SIGTERM,
// then drains in-flight requests before returning.
func (s *Server) Run(port int) {
	addr := fmt.Sprintf(":%d", port)

	httpServer := http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Fatal().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	log.Info().Msgf("server serving on port %d", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Failed to listen and serve")
	}

	<-done
	log.Info().Msg("Server stopped")
}
