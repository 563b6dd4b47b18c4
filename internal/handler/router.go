/*
Package handler provides the HTTP handlers and routing setup for the relay.

This file defines the main Router, applying CORS, request IDs, logging and panic recovery
before delegating to the health, stats, message relay and WebSocket handlers.
*/
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"chatrelay/internal/pkg/auth/jwt"
	"chatrelay/internal/pkg/limiter"
	"chatrelay/internal/pkg/logx"
	"chatrelay/internal/pkg/resp"
)

// Router builds the HTTP routing table. The returned stop function ends the
// background work of the rate limiters it created.
func Router(deps *AppDeps) (http.Handler, func()) {
	connectLimiter := limiter.NewIPRateLimiter(rate.Limit(deps.Config.ConnectRate), deps.Config.ConnectBurst)
	apiLimiter := limiter.NewIPRateLimiter(rate.Limit(deps.Config.APIRate), deps.Config.APIBurst)

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

	corsAllowedOrigins := []string{}
	if deps.Config.IsDevelopment() {
		corsAllowedOrigins = []string{"*"}
	} else if len(deps.Config.AllowedOrigins) > 0 {
		corsAllowedOrigins = deps.Config.AllowedOrigins
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		resp.RespondSuccess(w, r, map[string]any{
			"status":  "ok",
			"service": "Chat Relay",
			"bridge":  deps.Manager.BridgeStatus(),
			"stats":   deps.Manager.Stats(),
		})
	})

	identity := jwt.IdentityExtractorMiddleware(deps.Config.JWTSecret)

	r.Route("/api/relay", func(api chi.Router) {
		api.Use(apiLimiter.Middleware)
		api.Use(identity)

		api.Post("/messages", HandleRelayMessage(deps))
		api.Get("/stats", HandleStats(deps))
	})

	r.With(identity).Get("/ws", HandleWebSocket(wsUpgrader, connectLimiter, deps))

	stop := func() {
		connectLimiter.Stop()
		apiLimiter.Stop()
	}

	return r, stop
}
