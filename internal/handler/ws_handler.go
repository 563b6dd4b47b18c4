/*
Package handler provides the HTTP handlers and routing setup for the relay.

This file contains the HandleWebSocket function, which applies the per-IP connect limit,
resolves the handshake identity, upgrades the HTTP connection and hands it to the Manager.
*/
package handler

import (
	"net/http"

	"github.com/gorilla/websocket"

	"chatrelay/internal/pkg/auth/jwt"
	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/pkg/limiter"
	"chatrelay/internal/pkg/logx"
	"chatrelay/internal/pkg/resp"
)

// HandleWebSocket creates an HTTP HandlerFunc to process WebSocket connection requests.
// The connection stays anonymous until its first setup event unless a valid token was presented.
func HandleWebSocket(upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter, deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := limiter.ClientIP(r)

		if !rateLimiter.Allow(r) {
			logx.Warn("WebSocket connection rejected: Rate limit exceeded.", "ip", logx.AnonymizeIP(ip))
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		verifiedUserID := ""
		if payload := jwt.GetPayloadFromContext(r); payload != nil {
			verifiedUserID = payload.ID
		}

		if deps.Config.EnforceIdentity && verifiedUserID == "" {
			logx.Warn("WebSocket connection rejected: identity token required.", "ip", logx.AnonymizeIP(ip))
			resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		logx.Info("WebSocket connection established", "verified_user", verifiedUserID)

		deps.Manager.ServeConn(conn, verifiedUserID)
	}
}
