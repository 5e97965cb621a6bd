package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

func SetupRoutes(h *Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware(h.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/query", h.handleQuery)
		r.Post("/tables/{table}/{op}", h.handleWrite)
		r.Get("/live", h.handleLive)
	})
	r.Get("/ws", h.HandleWS)

	return r
}
