package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/marketplace-sync/internal/middleware"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
)

// Router groups the handlers and settings of the local API.
type Router struct {
	Health        *HealthHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Agent         *AgentHandler
	Stream        *StreamHandler

	Secret            string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Logger            *logger.Logger
}

// Handler builds the chi router.
func (rt Router) Handler() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(rt.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", rt.Health.Health)
	r.Get("/ready", rt.Health.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(rt.Secret))
		r.Use(middleware.RateLimit(rt.RateLimitRequests, rt.RateLimitWindow))

		r.Get("/status", rt.Agent.Status)
		r.Get("/stream", rt.Stream.Stream)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", rt.Conversations.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Post("/open", rt.Conversations.Open)
				r.Delete("/open", rt.Conversations.Close)
				r.Post("/read", rt.Conversations.Read)
				r.Put("/draft", rt.Conversations.Draft)

				r.Get("/messages", rt.Messages.List)
				r.Post("/messages", rt.Messages.Send)
				r.Post("/messages/{key}/retry", rt.Messages.Retry)
				r.Delete("/messages/{key}", rt.Messages.Discard)
				r.Post("/typing", rt.Messages.Typing)
			})
		})

		r.Route("/outbox", func(r chi.Router) {
			r.Get("/", rt.Agent.Outbox)
			r.Post("/flush", rt.Agent.Flush)
			r.Delete("/{itemID}", rt.Agent.DiscardQueued)
		})

		r.Post("/visibility", rt.Agent.Visibility)
		r.Post("/network", rt.Agent.Network)
		r.Post("/viewing", rt.Agent.Viewing)
		r.Post("/unload", rt.Agent.Unload)
		r.Post("/unread/refresh", rt.Agent.RefreshUnread)

		r.Get("/preferences", rt.Agent.Preferences)
		r.Put("/preferences", rt.Agent.UpdatePreferences)
		r.Get("/debug/log", rt.Agent.DebugLog)
	})

	return r
}
