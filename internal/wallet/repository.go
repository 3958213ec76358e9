package wallet

import (
	"context"
	"errors"
	"strings"

	"github.com/congo-pay/wallet_ledger/internal/ledger"
	"github.com/congo-pay/wallet_ledger/internal/query"
)

// ErrInvalidLabel is returned for empty or oversized wallet labels.
var ErrInvalidLabel = errors.New("label must be between 1 and 255 characters")

// Repository persists wallet metadata. Balances are only written through
// the ledger; Create always starts a wallet at zero.
type Repository interface {
	Create(ctx context.Context, label string) (ledger.Wallet, error)
	Get(ctx context.Context, id int64) (ledger.Wallet, error)
	UpdateLabel(ctx context.Context, id int64, label string) (ledger.Wallet, error)
	// Delete removes the wallet and, by cascade, all of its transactions.
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, filter Filter) (query.Result[ledger.Wallet], error)
}

// Filter narrows wallet listings. Label matches are case-insensitive.
type Filter struct {
	Balance       query.Range
	LabelContains string
	LabelExact    string
	Sort          query.Sort
	Page          query.Page
}

// Matches reports whether w passes every filter condition.
func (f Filter) Matches(w ledger.Wallet) bool {
	label := strings.ToLower(w.Label)
	if f.LabelContains != "" && !strings.Contains(label, strings.ToLower(f.LabelContains)) {
		return false
	}
	if f.LabelExact != "" && label != strings.ToLower(f.LabelExact) {
		return false
	}
	return f.Balance.Contains(w.Balance)
}
