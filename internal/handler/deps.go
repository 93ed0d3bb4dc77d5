package handler

import (
	"context"

	"relaychat/internal/app/chat"
	"relaychat/internal/app/presence"
	"relaychat/internal/configs"
)

// AppDeps carries everything the HTTP layer needs.
type AppDeps struct {
	// Ctx bounds the lifetime of websocket sessions and background sweepers.
	Ctx context.Context

	Config *configs.AppConfig
	Hub    *chat.Hub
	Router *presence.Router
}
