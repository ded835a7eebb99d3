package router

import (
	"io"
	"net/http/httptest"
	"testing"

	"dm_service/internal/chat/app"
	"dm_service/internal/chat/repository"
	"dm_service/pkg/config"
	"dm_service/pkg/logger"
	"dm_service/pkg/token"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp() *fiber.App {
	logger.SetNewNop()
	store := repository.NewMemoryStore()
	svc := app.NewChatService(store, repository.NewMemoryTransport(16), nil, nil, config.RealtimeConfig{}, false)
	r := fiber.New()
	RegisterRoutes(r, app.NewChatWebsocketHandler(svc))
	return r
}

func TestRoutes(t *testing.T) {
	r := newTestApp()
	tok, err := token.GenerateJWT("alice", "user", "test")
	require.NoError(t, err)

	cases := []struct {
		name   string
		method string
		target string
		status int
	}{
		{"health", "GET", "/", fiber.StatusOK},
		{"metrics", "GET", "/metrics", fiber.StatusOK},
		{"debug bad flag", "POST", "/debug?status=maybe", fiber.StatusBadRequest},
		{"debug on", "POST", "/debug?status=true", fiber.StatusOK},
		{"debug off", "POST", "/debug?status=false", fiber.StatusOK},
		{"ws without token", "GET", "/ws", fiber.StatusUnauthorized},
		{"ws bad token", "GET", "/ws?auth=garbage", fiber.StatusUnauthorized},
		{"ws without upgrade", "GET", "/ws?auth=" + tok, fiber.StatusUpgradeRequired},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, err := r.Test(httptest.NewRequest(c.method, c.target, nil))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, c.status, resp.StatusCode)
		})
	}
}

func TestConnectCheck(t *testing.T) {
	r := newTestApp()
	resp, err := r.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "chat service start!", string(body))
}
