package middleware

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/wallet_ledger/internal/logging"
)

type testApp struct {
	app   *fiber.App
	mr    *miniredis.Miniredis
	calls *atomic.Int32
}

func setupTestApp(t *testing.T) testApp {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	app := fiber.New()
	logger := logging.Discard()
	calls := new(atomic.Int32)
	app.Use(Idempotency(cache, time.Minute, logger))
	app.Post("/resource", func(c *fiber.Ctx) error {
		n := calls.Add(1)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"call": n})
	})
	app.Post("/other", func(c *fiber.Ctx) error {
		calls.Add(1)
		return c.SendStatus(fiber.StatusCreated)
	})
	app.Post("/busy", func(c *fiber.Ctx) error {
		calls.Add(1)
		return fiber.NewError(fiber.StatusServiceUnavailable, "busy")
	})

	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})

	return testApp{app: app, mr: mr, calls: calls}
}

func post(t *testing.T, app *fiber.App, path, key string) (int, string, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, path, strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body), resp.Header.Get(idempotencyReplayed)
}

func TestIdempotencyWithoutHeaderPassesThrough(t *testing.T) {
	ta := setupTestApp(t)

	post(t, ta.app, "/resource", "")
	post(t, ta.app, "/resource", "")

	if got := ta.calls.Load(); got != 2 {
		t.Fatalf("expected 2 handler calls, got %d", got)
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	ta := setupTestApp(t)

	status, payload, replayed := post(t, ta.app, "/resource", "abc123")
	if status != fiber.StatusCreated || replayed != "" {
		t.Fatalf("first request: status %d replayed %q", status, replayed)
	}

	status2, cachedPayload, replayed2 := post(t, ta.app, "/resource", "abc123")
	if status2 != fiber.StatusCreated {
		t.Fatalf("expected cached status %d got %d", fiber.StatusCreated, status2)
	}
	if replayed2 != "true" {
		t.Fatalf("expected replay header, got %q", replayed2)
	}
	if cachedPayload != payload {
		t.Fatalf("expected cached payload %s got %s", payload, cachedPayload)
	}
	if got := ta.calls.Load(); got != 1 {
		t.Fatalf("expected handler to run once, ran %d times", got)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(cachedPayload), &decoded); err != nil {
		t.Fatalf("cached payload invalid json: %v", err)
	}
}

func TestIdempotencyKeyIsScopedToPath(t *testing.T) {
	ta := setupTestApp(t)

	post(t, ta.app, "/resource", "shared")
	post(t, ta.app, "/other", "shared")

	if got := ta.calls.Load(); got != 2 {
		t.Fatalf("expected 2 handler calls, got %d", got)
	}
}

func TestIdempotencyDoesNotStoreServerErrors(t *testing.T) {
	ta := setupTestApp(t)

	status, _, _ := post(t, ta.app, "/busy", "retry-me")
	if status != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", status)
	}
	post(t, ta.app, "/busy", "retry-me")

	if got := ta.calls.Load(); got != 2 {
		t.Fatalf("expected retry to reach the handler, got %d calls", got)
	}
	if keys := ta.mr.Keys(); len(keys) != 0 {
		t.Fatalf("expected no stored keys, got %v", keys)
	}
}

func TestIdempotencyInProgressConflicts(t *testing.T) {
	ta := setupTestApp(t)

	if err := ta.mr.Set(idempotencyCacheKey(fiber.MethodPost, "/resource", "pending"), inProgressMarker); err != nil {
		t.Fatalf("seed: %v", err)
	}
	status, _, _ := post(t, ta.app, "/resource", "pending")
	if status != fiber.StatusConflict {
		t.Fatalf("expected 409 got %d", status)
	}
	if got := ta.calls.Load(); got != 0 {
		t.Fatalf("handler should not run, ran %d times", got)
	}
}
