package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/blockedby/chatlog/internal/models"
)

// collections with a find endpoint
var listable = []string{
	models.CollMessages,
	models.CollService,
	models.CollDeletions,
	models.CollMemberships,
	models.CollFailures,
}

// NewRouter creates a new chi router with all query endpoints
func NewRouter(h *Handler, hub *Hub, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	// middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// basic cors
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS", "DELETE"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	// health check
	r.Get("/health", h.Health)
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	// api v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		for _, coll := range listable {
			r.Route("/"+coll, func(r chi.Router) {
				r.Get("/", h.Find(coll))
				r.Get("/count", h.Count(coll))
				r.Get("/distinct/{field}", h.Distinct(coll))
			})
		}

		r.Route("/users", func(r chi.Router) {
			r.Get("/count", h.Count(models.CollUsers))
			r.Get("/distinct/{field}", h.Distinct(models.CollUsers))
			r.Get("/{id}", h.Profile(models.CollUsers, "id"))
		})

		r.Route("/chats", func(r chi.Router) {
			r.Get("/count", h.Count(models.CollChats))
			r.Get("/distinct/{field}", h.Distinct(models.CollChats))
			r.Route("/{chat}", func(r chi.Router) {
				r.Get("/", h.Profile(models.CollChats, "chat"))
				r.Get("/top", h.Top)
				r.Get("/messages/{id}/history", h.MessageHistory)
				r.Get("/deleted-before/{id}", h.DeletedBefore)
			})
		})

		r.Get("/deleted", h.Deleted)
		r.Get("/stats", h.Stats)

		// backfill endpoints
		r.Route("/backfill", func(r chi.Router) {
			r.Post("/", h.StartBackfill)
			r.Get("/", h.ListBackfill)
			r.Delete("/", h.StopAllBackfill)
			r.Get("/{id}", h.GetBackfill)
			r.Delete("/{id}", h.StopBackfill)
		})

		if hub != nil {
			r.Get("/live", hub.ServeWS)
		}
	})

	return r
}
