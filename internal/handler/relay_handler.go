package handler

import (
	"encoding/json"
	"net/http"

	"chatrelay/internal/app/chat"
	"chatrelay/internal/pkg/auth/jwt"
	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/pkg/logx"
	"chatrelay/internal/pkg/req"
	"chatrelay/internal/pkg/resp"
)

// RelayResult is returned by HandleRelayMessage.
type RelayResult struct {
	// Delivered counts the frames queued on connections of this node.
	Delivered int `json:"delivered"`
}

// HandleRelayMessage lets an authenticated backend push a message without holding a socket.
// The body is the same message object a client sends with "new message"; its sender must be
// the token's user.
func HandleRelayMessage(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := jwt.GetPayloadFromContext(r)
		if identity == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
			return
		}

		var body json.RawMessage
		if bindErr := req.BindJSON(w, r, &body); bindErr != nil {
			resp.RespondError(w, r, bindErr)
			return
		}

		msg, customErr := chat.DecodeMessage(body)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if msg.SenderID != identity.ID {
			logx.Warn("Relay rejected: sender does not match token.", "sender", msg.SenderID, "user_id", identity.ID)
			resp.RespondError(w, r, errs.NewError(errs.ErrIdentityMismatch))
			return
		}

		delivered := deps.Manager.RelayMessage(r.Context(), msg)

		resp.RespondSuccess(w, r, RelayResult{Delivered: delivered})
	}
}

// HandleStats reports the registry summary of this node.
func HandleStats(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp.RespondSuccess(w, r, deps.Manager.Stats())
	}
}
