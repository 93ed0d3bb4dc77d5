/*
Package handler provides the HTTP routing for the relay.

This file builds the chi router: CORS, request IDs, request logging and panic
recovery, then the health check, the presence snapshot API and the websocket endpoint.
*/
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"relaychat/internal/pkg/limiter"
	"relaychat/internal/pkg/logx"
	"relaychat/internal/pkg/resp"
)

// ServiceName is reported by the health check.
const ServiceName = "Relay Chat Server"

// Router sets up the HTTP routing table.
func Router(deps *AppDeps) http.Handler {
	handshakeLimiter := limiter.NewIPRateLimiter(deps.Ctx, rate.Limit(deps.Config.HandshakeRate), deps.Config.HandshakeBurst)

	r := chi.NewRouter()

	allowedOrigins := make(map[string]struct{})
	for _, origin := range deps.Config.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	wsUpgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if deps.Config.IsDevelopment() {
				return true
			}

			origin := r.Header.Get("Origin")
			if _, ok := allowedOrigins[origin]; ok {
				return true
			}

			logx.Warn("WebSocket connection rejected: Origin not allowed.", "origin", origin)
			return false
		},
	}

	corsAllowedOrigins := deps.Config.AllowedOrigins
	if deps.Config.IsDevelopment() {
		corsAllowedOrigins = []string{"*"}
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		resp.RespondSuccess(w, r, map[string]string{
			"status":  "ok",
			"service": ServiceName,
		})
	})

	r.Route("/api", func(api chi.Router) {
		api.Get("/presence", HandlePresence(deps))
	})

	r.With(handshakeLimiter.Middleware).Get("/ws", HandleWebSocket(deps, wsUpgrader))

	return r
}

// HandlePresence lists every known user with its connectivity flag.
func HandlePresence(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp.RespondSuccess(w, r, deps.Router.Presence())
	}
}
