package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/wallet_ledger/internal/config"
	"github.com/congo-pay/wallet_ledger/internal/logging"
)

func testConfig() config.Config {
	return config.Config{
		AppName:        "test",
		AppEnv:         "test",
		LockTimeout:    time.Second,
		IdempotencyTTL: time.Minute,
	}
}

func newTestApp(t *testing.T, cache *redis.Client) *fiber.App {
	t.Helper()
	srv, err := New(testConfig(), nil, cache, logging.Discard())
	require.NoError(t, err)
	return srv.App()
}

type response struct {
	status int
	header map[string][]string
	body   map[string]any
	raw    string
}

func call(t *testing.T, app *fiber.App, method, path, body string, headers ...string) response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := response{status: resp.StatusCode, header: resp.Header, raw: string(raw)}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		d := json.NewDecoder(strings.NewReader(string(raw)))
		d.UseNumber()
		require.NoError(t, d.Decode(&out.body), string(raw))
	}
	return out
}

func createWallet(t *testing.T, app *fiber.App, label string) string {
	t.Helper()
	res := call(t, app, fiber.MethodPost, "/api/v1/wallets", fmt.Sprintf(`{"label":%q}`, label))
	require.Equal(t, fiber.StatusCreated, res.status, res.raw)
	return res.body["id"].(json.Number).String()
}

func record(t *testing.T, app *fiber.App, walletID, txid, amount string) response {
	t.Helper()
	return call(t, app, fiber.MethodPost, "/api/v1/transactions",
		fmt.Sprintf(`{"wallet":%s,"txid":%q,"amount":%s}`, walletID, txid, amount))
}

func balance(t *testing.T, app *fiber.App, walletID string) string {
	t.Helper()
	res := call(t, app, fiber.MethodGet, "/api/v1/wallets/"+walletID, "")
	require.Equal(t, fiber.StatusOK, res.status, res.raw)
	return res.body["balance"].(json.Number).String()
}

func TestTransactionLifecycle(t *testing.T) {
	app := newTestApp(t, nil)
	w := createWallet(t, app, "main")

	res := record(t, app, w, "t1", "100")
	require.Equal(t, fiber.StatusCreated, res.status, res.raw)
	depositID := res.body["id"].(json.Number).String()
	assert.Equal(t, "100", balance(t, app, w))

	res = record(t, app, w, "t2", "-30")
	require.Equal(t, fiber.StatusCreated, res.status, res.raw)
	assert.Equal(t, "70", balance(t, app, w))

	res = record(t, app, w, "t3", "-80")
	assert.Equal(t, fiber.StatusBadRequest, res.status)
	assert.Equal(t, "insufficient funds", res.body["error"])
	assert.Equal(t, "70", balance(t, app, w))

	res = record(t, app, w, "t1", "5")
	assert.Equal(t, fiber.StatusConflict, res.status)

	res = call(t, app, fiber.MethodPatch, "/api/v1/transactions/"+depositID, `{"amount":20}`)
	assert.Equal(t, fiber.StatusBadRequest, res.status)
	assert.Equal(t, "70", balance(t, app, w))

	res = call(t, app, fiber.MethodPatch, "/api/v1/transactions/"+depositID, `{"amount":50}`)
	require.Equal(t, fiber.StatusOK, res.status, res.raw)
	assert.Equal(t, "20", balance(t, app, w))

	res = call(t, app, fiber.MethodDelete, "/api/v1/transactions/"+depositID, "")
	assert.Equal(t, fiber.StatusBadRequest, res.status)

	res = call(t, app, fiber.MethodGet, "/api/v1/wallets/"+w+"/reconciliation", "")
	require.Equal(t, fiber.StatusOK, res.status, res.raw)
	assert.Equal(t, true, res.body["consistent"])
	assert.Equal(t, "20", res.body["sum"].(json.Number).String())

	detail := call(t, app, fiber.MethodGet, "/api/v1/wallets/"+w, "")
	assert.Len(t, detail.body["transactions"], 2)
}

func TestReplaceRequiresAllFieldsAndMovesWallet(t *testing.T) {
	app := newTestApp(t, nil)
	a := createWallet(t, app, "a")
	b := createWallet(t, app, "b")

	res := record(t, app, a, "move", "40")
	require.Equal(t, fiber.StatusCreated, res.status, res.raw)
	id := res.body["id"].(json.Number).String()

	res = call(t, app, fiber.MethodPut, "/api/v1/transactions/"+id, `{"amount":40}`)
	assert.Equal(t, fiber.StatusBadRequest, res.status)

	res = call(t, app, fiber.MethodPut, "/api/v1/transactions/"+id,
		fmt.Sprintf(`{"wallet":%s,"txid":"moved","amount":25}`, b))
	require.Equal(t, fiber.StatusOK, res.status, res.raw)
	assert.Equal(t, "moved", res.body["txid"])
	assert.Equal(t, "0", balance(t, app, a))
	assert.Equal(t, "25", balance(t, app, b))
}

func TestValidationErrors(t *testing.T) {
	app := newTestApp(t, nil)
	w := createWallet(t, app, "w")

	cases := map[string]struct {
		body   string
		status int
	}{
		"fractional amount": {fmt.Sprintf(`{"wallet":%s,"txid":"f","amount":1.5}`, w), fiber.StatusBadRequest},
		"too many digits":   {fmt.Sprintf(`{"wallet":%s,"txid":"big","amount":1000000000000000000}`, w), fiber.StatusBadRequest},
		"missing txid":      {fmt.Sprintf(`{"wallet":%s,"amount":1}`, w), fiber.StatusBadRequest},
		"blank txid":        {fmt.Sprintf(`{"wallet":%s,"txid":"  ","amount":1}`, w), fiber.StatusBadRequest},
		"unknown wallet":    {`{"wallet":999,"txid":"u","amount":1}`, fiber.StatusNotFound},
		"malformed json":    {`{"wallet":`, fiber.StatusBadRequest},
		"huge exponent":     {fmt.Sprintf(`{"wallet":%s,"txid":"e","amount":1e200000000}`, w), fiber.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			res := call(t, app, fiber.MethodPost, "/api/v1/transactions", tc.body)
			assert.Equal(t, tc.status, res.status, res.raw)
			assert.NotEmpty(t, res.body["error"])
		})
	}
	assert.Equal(t, "0", balance(t, app, w))

	res := call(t, app, fiber.MethodPost, "/api/v1/wallets", `{"label":""}`)
	assert.Equal(t, fiber.StatusBadRequest, res.status)
	res = call(t, app, fiber.MethodGet, "/api/v1/transactions/abc", "")
	assert.Equal(t, fiber.StatusNotFound, res.status)
	res = call(t, app, fiber.MethodGet, "/api/v1/transactions?amount__lt=1e200000000", "")
	assert.Equal(t, fiber.StatusBadRequest, res.status)
}

func TestWalletListAndTransactionFilters(t *testing.T) {
	app := newTestApp(t, nil)
	for i, label := range []string{"Savings", "checking", "savings-2"} {
		w := createWallet(t, app, label)
		res := record(t, app, w, "seed-"+label, fmt.Sprint((i+1)*10))
		require.Equal(t, fiber.StatusCreated, res.status, res.raw)
	}

	res := call(t, app, fiber.MethodGet, "/api/v1/wallets?label__icontains=SAVINGS&sort=-balance", "")
	require.Equal(t, fiber.StatusOK, res.status, res.raw)
	data := res.body["data"].([]any)
	require.Len(t, data, 2)
	assert.Equal(t, "savings-2", data[0].(map[string]any)["label"])

	res = call(t, app, fiber.MethodGet, "/api/v1/wallets?balance__gte=20&page%5Bsize%5D=1&page%5Bnumber%5D=2", "")
	require.Equal(t, fiber.StatusOK, res.status, res.raw)
	meta := res.body["meta"].(map[string]any)
	assert.Equal(t, "2", meta["total_items"].(json.Number).String())
	assert.Equal(t, "2", meta["total_pages"].(json.Number).String())
	assert.Len(t, res.body["data"], 1)

	res = call(t, app, fiber.MethodGet, "/api/v1/transactions?amount__lt=30&txid__icontains=SEED", "")
	require.Equal(t, fiber.StatusOK, res.status, res.raw)
	assert.Len(t, res.body["data"], 2)

	res = call(t, app, fiber.MethodGet, "/api/v1/wallets?sort=colour", "")
	assert.Equal(t, fiber.StatusBadRequest, res.status)
}

func TestWalletDeleteCascades(t *testing.T) {
	app := newTestApp(t, nil)
	w := createWallet(t, app, "temp")
	res := record(t, app, w, "gone", "10")
	require.Equal(t, fiber.StatusCreated, res.status)
	txID := res.body["id"].(json.Number).String()

	res = call(t, app, fiber.MethodDelete, "/api/v1/wallets/"+w, "")
	assert.Equal(t, fiber.StatusNoContent, res.status)
	res = call(t, app, fiber.MethodGet, "/api/v1/transactions/"+txID, "")
	assert.Equal(t, fiber.StatusNotFound, res.status)
	res = call(t, app, fiber.MethodGet, "/api/v1/wallets/"+w, "")
	assert.Equal(t, fiber.StatusNotFound, res.status)
}

func TestWalletRename(t *testing.T) {
	app := newTestApp(t, nil)
	w := createWallet(t, app, "old")

	res := call(t, app, fiber.MethodPatch, "/api/v1/wallets/"+w, `{"label":"new","balance":1000}`)
	require.Equal(t, fiber.StatusOK, res.status, res.raw)
	assert.Equal(t, "new", res.body["label"])
	assert.Equal(t, "0", balance(t, app, w))
}

func TestIdempotentTransactionCreate(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cache.Close() })

	app := newTestApp(t, cache)
	w := createWallet(t, app, "idem")
	body := fmt.Sprintf(`{"wallet":%s,"txid":"once","amount":10}`, w)

	first := call(t, app, fiber.MethodPost, "/api/v1/transactions", body, "Idempotency-Key", "k1")
	require.Equal(t, fiber.StatusCreated, first.status, first.raw)
	second := call(t, app, fiber.MethodPost, "/api/v1/transactions", body, "Idempotency-Key", "k1")
	assert.Equal(t, fiber.StatusCreated, second.status)
	assert.Equal(t, first.raw, second.raw)
	assert.Equal(t, "10", balance(t, app, w))
}

func TestOperationalEndpoints(t *testing.T) {
	app := newTestApp(t, nil)

	res := call(t, app, fiber.MethodGet, "/healthz", "")
	assert.Equal(t, fiber.StatusOK, res.status)

	res = call(t, app, fiber.MethodGet, "/api/v1/ping", "", "X-Request-ID", "ping-1")
	assert.Equal(t, "ping-1", res.body["request_id"])

	res = call(t, app, fiber.MethodGet, "/api/v1/wallets/404", "", "X-Request-ID", "nf-1")
	assert.Equal(t, fiber.StatusNotFound, res.status)
	assert.Equal(t, "nf-1", res.body["request_id"])

	createWallet(t, app, "m")
	res = call(t, app, fiber.MethodGet, "/metrics", "")
	assert.Equal(t, fiber.StatusOK, res.status)
	assert.Contains(t, res.raw, "wallet_ledger_http_requests_total")
}
