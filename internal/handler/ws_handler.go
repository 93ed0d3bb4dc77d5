/*
Package handler provides the HTTP routing for the relay.

This file holds the websocket endpoint. The handshake (session token or username) is
resolved by the presence router before the upgrade, so rejected handshakes get a
plain HTTP error and never open a socket.
*/
package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"relaychat/internal/app/chat"
	"relaychat/internal/app/presence"
	"relaychat/internal/pkg/errs"
	"relaychat/internal/pkg/logx"
	"relaychat/internal/pkg/randx"
	"relaychat/internal/pkg/resp"
)

// HandshakeFromRequest reads the handshake from the sessionID and username query parameters.
func HandshakeFromRequest(r *http.Request) presence.Handshake {
	query := r.URL.Query()
	return presence.Handshake{
		SessionID: strings.TrimSpace(query.Get("sessionID")),
		Username:  strings.TrimSpace(query.Get("username")),
	}
}

// HandleWebSocket authenticates the handshake, upgrades the connection and serves it.
func HandleWebSocket(deps *AppDeps, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connID := randx.ConnectionID()
		client := chat.NewClient(deps.Hub, connID)
		deps.Hub.Register(client)

		session, err := deps.Router.Connect(r.Context(), connID, HandshakeFromRequest(r))
		if err != nil {
			deps.Hub.Unregister(client)

			var customErr *errs.CustomError
			if !errors.As(err, &customErr) {
				logx.Error(err, "Handshake aborted", "conn_id", connID)
				customErr = errs.NewError(errs.ErrUnknown)
			}
			resp.RespondError(w, r, customErr)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket", "conn_id", connID)
			deps.Router.Disconnect(connID)
			deps.Hub.Unregister(client)
			return
		}

		logx.Info("WebSocket connection established", "conn_id", connID, "user_id", session.UserID)

		client.Serve(deps.Ctx, conn, deps.Router, deps.Config.MaxContentBytes)
	}
}
