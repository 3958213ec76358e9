package journal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/wallet_ledger/internal/ledger"
	"github.com/congo-pay/wallet_ledger/internal/query"
)

// Handler exposes transaction endpoints.
type Handler struct {
	journal *Journal
}

// NewHandler constructs a transaction handler.
func NewHandler(j *Journal) *Handler {
	return &Handler{journal: j}
}

type transactionRequest struct {
	Wallet *int64       `json:"wallet"`
	TxID   *string      `json:"txid"`
	Amount *json.Number `json:"amount"`
}

type transactionResponse struct {
	ID     int64       `json:"id"`
	Wallet int64       `json:"wallet"`
	TxID   string      `json:"txid"`
	Amount json.Number `json:"amount"`
}

func toResponse(t Transaction) transactionResponse {
	return transactionResponse{
		ID:     t.ID,
		Wallet: t.WalletID,
		TxID:   t.TxID,
		Amount: json.Number(t.Amount.String()),
	}
}

// Create records a transaction and applies it to the wallet balance.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req transactionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Wallet == nil || req.TxID == nil || req.Amount == nil {
		return fiber.NewError(http.StatusBadRequest, "wallet, txid and amount are required")
	}
	amount, err := parseAmount(*req.Amount)
	if err != nil {
		return mapError(c, err)
	}

	t, err := h.journal.Record(c.UserContext(), RecordInput{
		WalletID: *req.Wallet,
		TxID:     *req.TxID,
		Amount:   amount,
	})
	if err != nil {
		return mapError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(t))
}

// Replace handles PUT: every field must be supplied.
func (h *Handler) Replace(c *fiber.Ctx) error {
	return h.amend(c, false)
}

// Patch handles PATCH: omitted fields keep their value.
func (h *Handler) Patch(c *fiber.Ctx) error {
	return h.amend(c, true)
}

func (h *Handler) amend(c *fiber.Ctx, partial bool) error {
	id, err := transactionID(c)
	if err != nil {
		return err
	}
	var req transactionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if !partial && (req.Wallet == nil || req.TxID == nil || req.Amount == nil) {
		return fiber.NewError(http.StatusBadRequest, "wallet, txid and amount are required")
	}

	in := AmendInput{WalletID: req.Wallet, TxID: req.TxID}
	if req.Amount != nil {
		amount, err := parseAmount(*req.Amount)
		if err != nil {
			return mapError(c, err)
		}
		in.Amount = &amount
	}

	t, err := h.journal.Amend(c.UserContext(), id, in)
	if err != nil {
		return mapError(c, err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(t))
}

// Delete erases a transaction and reverses its effect.
func (h *Handler) Delete(c *fiber.Ctx) error {
	id, err := transactionID(c)
	if err != nil {
		return err
	}
	if err := h.journal.Erase(c.UserContext(), id); err != nil {
		return mapError(c, err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// Get returns one transaction.
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := transactionID(c)
	if err != nil {
		return err
	}
	t, err := h.journal.Get(c.UserContext(), id)
	if err != nil {
		return mapError(c, err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(t))
}

// List returns a page of transactions.
func (h *Handler) List(c *fiber.Ctx) error {
	var (
		f   Filter
		err error
	)
	if f.Amount, err = query.ParseRange(c, "amount"); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if f.Sort, err = query.ParseSort(c, "amount", "id"); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if f.Page, err = query.ParsePage(c); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if v := c.Query("wallet"); v != "" {
		walletID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid wallet "+strconv.Quote(v))
		}
		f.WalletID = &walletID
	}
	f.TxIDContains = c.Query("txid__icontains")

	res, err := h.journal.List(c.UserContext(), f)
	if err != nil {
		return mapError(c, err)
	}
	items := make([]transactionResponse, 0, len(res.Items))
	for _, t := range res.Items {
		items = append(items, toResponse(t))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"data": items,
		"meta": fiber.Map{
			"current_page": res.Page.Number,
			"per_page":     res.Page.Size,
			"total_items":  res.Total,
			"total_pages":  res.Pages(),
		},
	})
}

// Reconcile reports whether a wallet balance matches its transaction log.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	walletID, err := strconv.ParseInt(c.Params("walletId"), 10, 64)
	if err != nil {
		return fiber.NewError(http.StatusNotFound, ledger.ErrWalletNotFound.Error())
	}
	rec, err := h.journal.Reconcile(c.UserContext(), walletID)
	if err != nil {
		return mapError(c, err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"wallet":     rec.WalletID,
		"balance":    json.Number(rec.Balance.String()),
		"sum":        json.Number(rec.Sum.String()),
		"consistent": rec.Consistent,
		"checked_at": rec.CheckedAt,
	})
}

func parseAmount(n json.Number) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	return d, nil
}

func transactionID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("transactionId"), 10, 64)
	if err != nil {
		return 0, fiber.NewError(http.StatusNotFound, ErrTransactionNotFound.Error())
	}
	return id, nil
}

func mapError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusBadRequest, "insufficient funds")
	case errors.Is(err, ErrDuplicateTxID):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrAmountOutOfRange), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidTxID):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrWalletNotFound), errors.Is(err, ErrTransactionNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrBusy):
		c.Set(fiber.HeaderRetryAfter, "1")
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
