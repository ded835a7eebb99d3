package router

import (
	"context"

	"dm_service/internal/chat/app"
	"dm_service/pkg/config"
	"dm_service/pkg/metrics"
	"dm_service/pkg/middlewares"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes 注册 chat service 路由
func RegisterRoutes(r *fiber.App, chatWebsocket *app.ChatWebsocketHandler) {
	r.Get("/", ConnectCheck)
	r.Get("/metrics", metrics.FiberHandler())
	r.Post("/debug", DebugLogFlag)
	if !config.IsProduction() {
		r.Use(pprof.New())
	}

	ws := r.Group("/ws")
	ws.Use(middlewares.JWTMiddleware())
	ws.Use(func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	})
	ws.Get("/", websocket.New(func(c *websocket.Conn) {
		chatWebsocket.HandleConnection(context.Background(), c)
	}))
}
