package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/wallet_ledger/internal/journal"
	"github.com/congo-pay/wallet_ledger/internal/wallet"
)

// RegisterWalletRoutes wires wallet endpoints. Reconciliation lives under the
// wallet but is served by the journal.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler, jh *journal.Handler) {
	group := r.Group("/wallets")
	group.Post("/", h.Create)
	group.Get("/", h.List)
	group.Get("/:walletId", h.Get)
	group.Put("/:walletId", h.Update)
	group.Patch("/:walletId", h.Update)
	group.Delete("/:walletId", h.Delete)
	group.Get("/:walletId/reconciliation", jh.Reconcile)
}
