package handler

import (
	"chatrelay/internal/app/chat"
	"chatrelay/internal/configs"
)

// AppDeps bundles what the HTTP handlers need.
type AppDeps struct {
	Manager *chat.Manager
	Config  *configs.AppConfig
}
