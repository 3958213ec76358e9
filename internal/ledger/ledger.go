package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds occurs when a debit would take the wallet balance
	// below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWalletNotFound indicates the referenced wallet does not exist.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrInvalidAmount is returned when Credit or Debit receive a magnitude
	// that is not strictly positive.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrBusy signals lock contention or a transient store failure. The
	// operation had no effect and callers may retry it with backoff.
	ErrBusy = errors.New("wallet busy, retry later")

	// ErrConsistencyViolation means a stored balance no longer satisfies the
	// ledger invariants. It is a bug, not a client error.
	ErrConsistencyViolation = errors.New("ledger consistency violation")
)

// Wallet is the balance-carrying account owned by the ledger.
type Wallet struct {
	ID      int64
	Label   string
	Balance decimal.Decimal
}

// Tx is the store side of one all-or-nothing unit of work. LockWallet takes
// an exclusive lock on the wallet row that is held until the unit commits or
// aborts; locking the same wallet twice inside one unit is a no-op.
type Tx interface {
	LockWallet(ctx context.Context, id int64) (Wallet, error)
	SetBalance(ctx context.Context, id int64, balance decimal.Decimal) error
}

// Ledger applies balance adjustments inside a caller-owned unit of work.
type Ledger struct {
	logger *slog.Logger
}

// New constructs a Ledger.
func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{logger: logger}
}

// Credit increases the wallet balance by amount.
func (l *Ledger) Credit(ctx context.Context, tx Tx, walletID int64, amount decimal.Decimal) (Wallet, error) {
	if !amount.IsPositive() {
		return Wallet{}, ErrInvalidAmount
	}

	w, err := l.lock(ctx, tx, walletID)
	if err != nil {
		return Wallet{}, err
	}

	balance := w.Balance.Add(amount)
	if err := tx.SetBalance(ctx, walletID, balance); err != nil {
		return Wallet{}, fmt.Errorf("credit wallet %d: %w", walletID, err)
	}
	w.Balance = balance
	return w, nil
}

// Debit decreases the wallet balance by amount. The balance is left untouched
// when it does not cover the amount.
func (l *Ledger) Debit(ctx context.Context, tx Tx, walletID int64, amount decimal.Decimal) (Wallet, error) {
	if !amount.IsPositive() {
		return Wallet{}, ErrInvalidAmount
	}

	w, err := l.lock(ctx, tx, walletID)
	if err != nil {
		return Wallet{}, err
	}

	if amount.GreaterThan(w.Balance) {
		l.logger.Debug("debit rejected",
			slog.Int64("wallet_id", walletID),
			slog.String("balance", w.Balance.String()),
			slog.String("amount", amount.String()),
		)
		return Wallet{}, ErrInsufficientFunds
	}

	balance := w.Balance.Sub(amount)
	if err := tx.SetBalance(ctx, walletID, balance); err != nil {
		return Wallet{}, fmt.Errorf("debit wallet %d: %w", walletID, err)
	}
	w.Balance = balance
	return w, nil
}

// Apply adjusts the wallet by a signed delta: positive values credit,
// negative values debit and zero only locks and returns the wallet.
func (l *Ledger) Apply(ctx context.Context, tx Tx, walletID int64, delta decimal.Decimal) (Wallet, error) {
	switch delta.Sign() {
	case 1:
		return l.Credit(ctx, tx, walletID, delta)
	case -1:
		return l.Debit(ctx, tx, walletID, delta.Neg())
	default:
		return l.lock(ctx, tx, walletID)
	}
}

func (l *Ledger) lock(ctx context.Context, tx Tx, walletID int64) (Wallet, error) {
	w, err := tx.LockWallet(ctx, walletID)
	if err != nil {
		return Wallet{}, err
	}
	if w.Balance.IsNegative() {
		l.logger.Error("negative balance under lock",
			slog.Int64("wallet_id", walletID),
			slog.String("balance", w.Balance.String()),
		)
		return Wallet{}, fmt.Errorf("wallet %d balance %s: %w", walletID, w.Balance, ErrConsistencyViolation)
	}
	return w, nil
}
