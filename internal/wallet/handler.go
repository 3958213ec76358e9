package wallet

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/wallet_ledger/internal/journal"
	"github.com/congo-pay/wallet_ledger/internal/ledger"
	"github.com/congo-pay/wallet_ledger/internal/query"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
	journal *journal.Journal
}

// NewHandler builds a wallet HTTP handler. The journal is used to embed a
// wallet's transactions in its detail view.
func NewHandler(service *Service, j *journal.Journal) *Handler {
	return &Handler{service: service, journal: j}
}

type labelRequest struct {
	Label string `json:"label"`
}

type walletResponse struct {
	ID      int64       `json:"id"`
	Label   string      `json:"label"`
	Balance json.Number `json:"balance"`
}

type transactionResponse struct {
	ID     int64       `json:"id"`
	Wallet int64       `json:"wallet"`
	TxID   string      `json:"txid"`
	Amount json.Number `json:"amount"`
}

type walletDetailResponse struct {
	walletResponse
	Transactions []transactionResponse `json:"transactions"`
}

func toResponse(w ledger.Wallet) walletResponse {
	return walletResponse{ID: w.ID, Label: w.Label, Balance: json.Number(w.Balance.String())}
}

// Create provisions a wallet with a zero balance.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req labelRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	w, err := h.service.Create(c.UserContext(), req.Label)
	if err != nil {
		return mapError(c, err)
	}
	return c.Status(http.StatusCreated).JSON(walletDetailResponse{
		walletResponse: toResponse(w),
		Transactions:   []transactionResponse{},
	})
}

// List returns a page of wallets filtered by balance range and label.
func (h *Handler) List(c *fiber.Ctx) error {
	filter, err := parseFilter(c)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.service.List(c.UserContext(), filter)
	if err != nil {
		return mapError(c, err)
	}
	items := make([]walletResponse, 0, len(res.Items))
	for _, w := range res.Items {
		items = append(items, toResponse(w))
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

// Get returns the wallet with every transaction it owns.
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := walletID(c)
	if err != nil {
		return err
	}
	w, err := h.service.Get(c.UserContext(), id)
	if err != nil {
		return mapError(c, err)
	}
	txs, err := h.journal.List(c.UserContext(), journal.Filter{WalletID: &id, Page: query.All})
	if err != nil {
		return mapError(c, err)
	}
	resp := walletDetailResponse{walletResponse: toResponse(w), Transactions: make([]transactionResponse, 0, len(txs.Items))}
	for _, t := range txs.Items {
		resp.Transactions = append(resp.Transactions, transactionResponse{
			ID:     t.ID,
			Wallet: t.WalletID,
			TxID:   t.TxID,
			Amount: json.Number(t.Amount.String()),
		})
	}
	return c.Status(http.StatusOK).JSON(resp)
}

// Update changes the wallet label. The balance is never writable here.
func (h *Handler) Update(c *fiber.Ctx) error {
	id, err := walletID(c)
	if err != nil {
		return err
	}
	var req labelRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	w, err := h.service.Rename(c.UserContext(), id, req.Label)
	if err != nil {
		return mapError(c, err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(w))
}

// Delete removes the wallet and its transactions.
func (h *Handler) Delete(c *fiber.Ctx) error {
	id, err := walletID(c)
	if err != nil {
		return err
	}
	if err := h.service.Delete(c.UserContext(), id); err != nil {
		return mapError(c, err)
	}
	return c.SendStatus(http.StatusNoContent)
}

func parseFilter(c *fiber.Ctx) (Filter, error) {
	var (
		f   Filter
		err error
	)
	if f.Balance, err = query.ParseRange(c, "balance"); err != nil {
		return Filter{}, err
	}
	if f.Sort, err = query.ParseSort(c, "label", "balance", "id"); err != nil {
		return Filter{}, err
	}
	if f.Page, err = query.ParsePage(c); err != nil {
		return Filter{}, err
	}
	f.LabelContains = c.Query("label__icontains")
	f.LabelExact = c.Query("label__iexact")
	return f, nil
}

func walletID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("walletId"), 10, 64)
	if err != nil {
		return 0, fiber.NewError(http.StatusNotFound, ledger.ErrWalletNotFound.Error())
	}
	return id, nil
}

func mapError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ErrInvalidLabel):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrWalletNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrBusy):
		c.Set(fiber.HeaderRetryAfter, "1")
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
