package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/wallet_ledger/internal/journal"
)

// RegisterTransactionRoutes wires transaction endpoints.
func RegisterTransactionRoutes(r fiber.Router, h *journal.Handler) {
	group := r.Group("/transactions")
	group.Post("/", h.Create)
	group.Get("/", h.List)
	group.Get("/:transactionId", h.Get)
	group.Put("/:transactionId", h.Replace)
	group.Patch("/:transactionId", h.Patch)
	group.Delete("/:transactionId", h.Delete)
}
