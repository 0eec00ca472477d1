package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"tourneysync/internal/hub"
	"tourneysync/internal/ws"
)

// SetupRoutes builds the router with the hub injected. allowedOrigins
// feeds the CORS layer; empty means allow all (dev default).
func SetupRoutes(h *hub.Hub, log *zap.Logger, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Post("/api/tournament", CreateTournament(h, log))
	r.Get("/api/tournament/{id}", GetTournament(h))
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, log))

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}
