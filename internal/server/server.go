package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/legisdraft/internal/auth"
	"github.com/tjfontaine/legisdraft/internal/chat"
	"github.com/tjfontaine/legisdraft/internal/edge"
	"github.com/tjfontaine/legisdraft/internal/mediakit"
	"github.com/tjfontaine/legisdraft/internal/notify"
	"github.com/tjfontaine/legisdraft/internal/storage"
)

// Services are the handlers' collaborators. Nil services leave their routes
// unmounted.
type Services struct {
	Edge          http.Handler
	Chat          *chat.Service
	MediaKits     *mediakit.Generator
	Notifications *notify.Queue
	Generations   storage.GenerationStore
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
}

// New builds the router. Every route except /healthz is authenticated.
func New(port int, requestTimeout time.Duration, logger *slog.Logger, authenticator *auth.Authenticator, svc Services) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "legisdraft")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	h := &handlers{svc: svc, logger: logger}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(authenticator))

		if svc.Edge != nil {
			r.With(TimeoutMiddleware(requestTimeout)).Handle(edge.Path, svc.Edge)
		}

		r.Route("/api", func(r chi.Router) {
			// Streaming routes are not bounded by the request timeout. A
			// generation is bounded by the Consumer's stream and fallback
			// timeouts, and a kit by those of each piece.
			if svc.Notifications != nil {
				r.Get("/notifications", h.notifications)
			}
			if svc.Chat != nil {
				r.Post("/conversations/{id}/messages", h.sendMessage)
			}
			if svc.MediaKits != nil {
				r.Post("/media-kits", h.createMediaKit)
			}

			r.Group(func(r chi.Router) {
				r.Use(TimeoutMiddleware(requestTimeout))

				if svc.Chat != nil {
					r.Post("/conversations", h.createConversation)
					r.Get("/conversations", h.listConversations)
					r.Get("/conversations/{id}", h.getConversation)
					r.Delete("/conversations/{id}", h.deleteConversation)
				}
				if svc.Generations != nil {
					r.Get("/generations", h.listGenerations)
				}
			})
		})
	})

	return &Server{
		Router: r,
		Port:   port,
		logger: logger,
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.Int("port", s.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
