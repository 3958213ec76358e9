package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveOperation(t *testing.T) {
	m := New()
	m.ObserveOperation("record", "ok", 3*time.Millisecond)
	m.ObserveOperation("record", "ok", time.Millisecond)
	m.ObserveOperation("erase", "busy", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("record", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("erase", "busy")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.latency))
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()
	app := fiber.New()
	app.Use(m.Middleware())
	app.Get("/metrics", m.Handler())
	app.Get("/wallets/:walletId", func(c *fiber.Ctx) error {
		if c.Params("walletId") == "404" {
			return fiber.ErrNotFound
		}
		return c.SendStatus(fiber.StatusOK)
	})

	for _, path := range []string{"/wallets/1", "/wallets/2", "/wallets/404"} {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, path, nil))
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "/wallets/:walletId", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "/wallets/:walletId", "404")))

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "wallet_ledger_http_requests_total"))
}
