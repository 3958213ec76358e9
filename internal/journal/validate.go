package journal

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/wallet_ledger/internal/query"
)

var (
	// ErrAmountOutOfRange is returned for amounts that do not fit the
	// NUMERIC(18,0) amount column.
	ErrAmountOutOfRange = errors.New("amount out of range")

	// ErrInvalidAmount is returned for amounts with a fractional part.
	ErrInvalidAmount = errors.New("amount must be a whole number")

	// ErrInvalidTxID is returned for empty or oversized txids.
	ErrInvalidTxID = errors.New("txid must be between 1 and 255 characters")
)

const maxTxIDLength = 255

// ValidateAmount checks that amount is whole and has at most 18 digits, and
// returns it in canonical form.
func ValidateAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	amount, err := query.Bound(amount)
	switch {
	case errors.Is(err, query.ErrTooLarge):
		return decimal.Decimal{}, ErrAmountOutOfRange
	case err != nil:
		return decimal.Decimal{}, ErrInvalidAmount
	}
	if !amount.IsInteger() {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	return amount, nil
}

// ValidateTxID checks the external identifier length.
func ValidateTxID(txid string) error {
	if strings.TrimSpace(txid) == "" || utf8.RuneCountInString(txid) > maxTxIDLength {
		return ErrInvalidTxID
	}
	return nil
}

// Filter narrows transaction listings.
type Filter struct {
	Amount       query.Range
	WalletID     *int64
	TxIDContains string
	Sort         query.Sort
	Page         query.Page
}

// Matches reports whether t passes every filter condition.
func (f Filter) Matches(t Transaction) bool {
	if f.WalletID != nil && t.WalletID != *f.WalletID {
		return false
	}
	if f.TxIDContains != "" && !strings.Contains(strings.ToLower(t.TxID), strings.ToLower(f.TxIDContains)) {
		return false
	}
	return f.Amount.Contains(t.Amount)
}
