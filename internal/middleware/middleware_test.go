package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/api/internal/auth"
)

func TestAuthenticate(t *testing.T) {
	authenticator := auth.NewAuthenticator(nil, "secret")
	app := fiber.New()
	app.Get("/me", NewAuthMiddleware(authenticator, nil).Authenticate(), func(c *fiber.Ctx) error {
		return c.SendString(GetUserID(c) + "|" + GetUserEmail(c))
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	token, err := authenticator.IssueLegacyToken("user-1", "u@example.com")
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestGatewayAuthMiddleware(t *testing.T) {
	app := fiber.New()
	app.Get("/me", GatewayAuthMiddleware(), func(c *fiber.Ctx) error {
		return c.SendString(GetUserID(c))
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/me", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("X-User-Id", "gw-user")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	rl := NewRateLimiter(rdb, nil)
	app := fiber.New()
	app.Post("/run",
		func(c *fiber.Ctx) error {
			c.Locals("userId", c.Get("X-User-Id"))
			return c.Next()
		},
		rl.PipelineLimit(2),
		func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusAccepted) },
	)

	call := func(user string) int {
		req := httptest.NewRequest("POST", "/run", nil)
		req.Header.Set("X-User-Id", user)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusAccepted, call("alice"))
	assert.Equal(t, fiber.StatusAccepted, call("alice"))
	assert.Equal(t, fiber.StatusTooManyRequests, call("alice"))
	assert.Equal(t, fiber.StatusAccepted, call("bob"))
	assert.True(t, mr.Exists("ratelimit:pipelines:alice"))
}
