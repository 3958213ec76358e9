package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/wallet_ledger/internal/ledger"
	"github.com/congo-pay/wallet_ledger/internal/notification"
	"github.com/congo-pay/wallet_ledger/internal/query"
)

var (
	// ErrDuplicateTxID indicates the external transaction identifier is
	// already used by another transaction.
	ErrDuplicateTxID = errors.New("txid already exists")

	// ErrTransactionNotFound indicates the referenced transaction does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Transaction is a signed amount applied to the wallet that owns it.
type Transaction struct {
	ID       int64
	WalletID int64
	TxID     string
	Amount   decimal.Decimal
}

// Tx extends the ledger unit of work with transaction row access.
// LockTransaction holds an exclusive lock on the row until the unit ends.
type Tx interface {
	ledger.Tx
	TxIDTaken(ctx context.Context, txid string, exceptID int64) (bool, error)
	InsertTransaction(ctx context.Context, t Transaction) (Transaction, error)
	LockTransaction(ctx context.Context, id int64) (Transaction, error)
	UpdateTransaction(ctx context.Context, t Transaction) error
	DeleteTransaction(ctx context.Context, id int64) error
}

// Store runs units of work and serves committed reads.
type Store interface {
	// WithinTx runs fn in one all-or-nothing unit: fn's writes are committed
	// only when it returns nil.
	WithinTx(ctx context.Context, fn func(Tx) error) error
	GetTransaction(ctx context.Context, id int64) (Transaction, error)
	ListTransactions(ctx context.Context, filter Filter) (query.Result[Transaction], error)
	WalletTotals(ctx context.Context, walletID int64) (balance, sum decimal.Decimal, err error)
}

// Recorder receives one observation per journal operation.
type Recorder interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) ObserveOperation(string, string, time.Duration) {}

const (
	opRecord = "record"
	opAmend  = "amend"
	opErase  = "erase"
)

// Journal owns transaction records and keeps wallet balances equal to the
// sum of their transactions by routing every change through the ledger.
type Journal struct {
	store    Store
	ledger   *ledger.Ledger
	notifier notification.Notifier
	recorder Recorder
	logger   *slog.Logger
}

// New constructs a Journal. notifier and recorder may be nil.
func New(store Store, led *ledger.Ledger, notifier notification.Notifier, recorder Recorder, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	if led == nil {
		led = ledger.New(logger)
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Journal{store: store, ledger: led, notifier: notifier, recorder: recorder, logger: logger}
}

// RecordInput captures a new transaction.
type RecordInput struct {
	WalletID int64
	TxID     string
	Amount   decimal.Decimal
}

// Record applies the amount to the wallet and persists the transaction. The
// transaction is not created when the ledger rejects the amount.
func (j *Journal) Record(ctx context.Context, in RecordInput) (Transaction, error) {
	start := time.Now()
	t, err := j.record(ctx, in)
	j.finish(ctx, opRecord, start, t, err)
	return t, err
}

func (j *Journal) record(ctx context.Context, in RecordInput) (Transaction, error) {
	amount, err := ValidateAmount(in.Amount)
	if err != nil {
		return Transaction{}, err
	}
	in.Amount = amount
	if err := ValidateTxID(in.TxID); err != nil {
		return Transaction{}, err
	}

	var created Transaction
	err = j.store.WithinTx(ctx, func(tx Tx) error {
		taken, err := tx.TxIDTaken(ctx, in.TxID, 0)
		if err != nil {
			return err
		}
		if taken {
			return ErrDuplicateTxID
		}

		if _, err := j.ledger.Apply(ctx, tx, in.WalletID, in.Amount); err != nil {
			return err
		}

		created, err = tx.InsertTransaction(ctx, Transaction{
			WalletID: in.WalletID,
			TxID:     in.TxID,
			Amount:   in.Amount,
		})
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	return created, nil
}

// AmendInput lists the fields to change; nil fields keep their value.
type AmendInput struct {
	Amount   *decimal.Decimal
	WalletID *int64
	TxID     *string
}

// Amend changes the amount, owning wallet or txid of a transaction. The old
// effect is reversed and the new one applied in the same unit of work, so a
// rejected step leaves the record and every balance as they were.
func (j *Journal) Amend(ctx context.Context, id int64, in AmendInput) (Transaction, error) {
	start := time.Now()
	t, err := j.amend(ctx, id, in)
	j.finish(ctx, opAmend, start, t, err)
	return t, err
}

func (j *Journal) amend(ctx context.Context, id int64, in AmendInput) (Transaction, error) {
	if in.Amount != nil {
		amount, err := ValidateAmount(*in.Amount)
		if err != nil {
			return Transaction{}, err
		}
		in.Amount = &amount
	}
	if in.TxID != nil {
		if err := ValidateTxID(*in.TxID); err != nil {
			return Transaction{}, err
		}
	}

	var updated Transaction
	err := j.store.WithinTx(ctx, func(tx Tx) error {
		cur, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}

		next := cur
		if in.Amount != nil {
			next.Amount = *in.Amount
		}
		if in.WalletID != nil {
			next.WalletID = *in.WalletID
		}
		if in.TxID != nil && *in.TxID != cur.TxID {
			taken, err := tx.TxIDTaken(ctx, *in.TxID, cur.ID)
			if err != nil {
				return err
			}
			if taken {
				return ErrDuplicateTxID
			}
			next.TxID = *in.TxID
		}

		if err := lockWallets(ctx, tx, cur.WalletID, next.WalletID); err != nil {
			return err
		}

		if next.WalletID == cur.WalletID {
			if _, err := j.ledger.Apply(ctx, tx, cur.WalletID, next.Amount.Sub(cur.Amount)); err != nil {
				return err
			}
		} else {
			if _, err := j.ledger.Apply(ctx, tx, cur.WalletID, cur.Amount.Neg()); err != nil {
				return fmt.Errorf("reverse from wallet %d: %w", cur.WalletID, err)
			}
			if _, err := j.ledger.Apply(ctx, tx, next.WalletID, next.Amount); err != nil {
				return fmt.Errorf("apply to wallet %d: %w", next.WalletID, err)
			}
		}

		if err := tx.UpdateTransaction(ctx, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return updated, nil
}

// Erase reverses the transaction's amount from its wallet and deletes it.
// The deletion is aborted when the reversal would overdraw the wallet.
func (j *Journal) Erase(ctx context.Context, id int64) error {
	start := time.Now()
	var erased Transaction
	err := j.store.WithinTx(ctx, func(tx Tx) error {
		cur, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if _, err := j.ledger.Apply(ctx, tx, cur.WalletID, cur.Amount.Neg()); err != nil {
			return err
		}
		if err := tx.DeleteTransaction(ctx, cur.ID); err != nil {
			return err
		}
		erased = cur
		return nil
	})
	j.finish(ctx, opErase, start, erased, err)
	return err
}

// Get returns a committed transaction.
func (j *Journal) Get(ctx context.Context, id int64) (Transaction, error) {
	return j.store.GetTransaction(ctx, id)
}

// List returns one page of transactions matching filter.
func (j *Journal) List(ctx context.Context, filter Filter) (query.Result[Transaction], error) {
	return j.store.ListTransactions(ctx, filter)
}

// Reconciliation compares a wallet's balance with its transaction log.
type Reconciliation struct {
	WalletID   int64
	Balance    decimal.Decimal
	Sum        decimal.Decimal
	Consistent bool
	CheckedAt  time.Time
}

// Reconcile reads the wallet balance and the sum of its transactions from one
// snapshot and reports whether they agree.
func (j *Journal) Reconcile(ctx context.Context, walletID int64) (Reconciliation, error) {
	balance, sum, err := j.store.WalletTotals(ctx, walletID)
	if err != nil {
		return Reconciliation{}, err
	}
	rec := Reconciliation{
		WalletID:   walletID,
		Balance:    balance,
		Sum:        sum,
		Consistent: balance.Equal(sum),
		CheckedAt:  time.Now().UTC(),
	}
	if !rec.Consistent {
		j.logger.Error("wallet out of balance",
			slog.Int64("wallet_id", walletID),
			slog.String("balance", balance.String()),
			slog.String("sum", sum.String()),
			slog.Any("error", ledger.ErrConsistencyViolation),
		)
	}
	return rec, nil
}

// lockWallets takes wallet locks in ascending id order so two units moving
// funds in opposite directions cannot deadlock.
func lockWallets(ctx context.Context, tx Tx, ids ...int64) error {
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			continue
		}
		if _, err := tx.LockWallet(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) finish(ctx context.Context, op string, start time.Time, t Transaction, err error) {
	j.recorder.ObserveOperation(op, outcome(err), time.Since(start))

	if err != nil {
		level := slog.LevelInfo
		if errors.Is(err, ledger.ErrConsistencyViolation) {
			level = slog.LevelError
		} else if !isClientError(err) {
			level = slog.LevelWarn
		}
		j.logger.Log(ctx, level, "journal operation rejected",
			slog.String("op", op),
			slog.Any("error", err),
		)
		return
	}

	j.logger.Info("journal operation committed",
		slog.String("op", op),
		slog.Int64("transaction_id", t.ID),
		slog.Int64("wallet_id", t.WalletID),
		slog.String("txid", t.TxID),
		slog.String("amount", t.Amount.String()),
	)

	if j.notifier != nil {
		msg := notification.Message{
			Kind:        notification.KindFor(op),
			Destination: strconv.FormatInt(t.WalletID, 10),
			Body:        fmt.Sprintf("transaction %s (%s) %s", t.TxID, t.Amount, op),
		}
		if nerr := j.notifier.Send(ctx, msg); nerr != nil {
			j.logger.Warn("notification failed", slog.String("op", op), slog.Any("error", nerr))
		}
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrDuplicateTxID):
		return "duplicate_txid"
	case errors.Is(err, ErrAmountOutOfRange), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidTxID):
		return "invalid"
	case errors.Is(err, ledger.ErrWalletNotFound), errors.Is(err, ErrTransactionNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrBusy):
		return "busy"
	case errors.Is(err, ledger.ErrConsistencyViolation):
		return "consistency_violation"
	default:
		return "error"
	}
}

func isClientError(err error) bool {
	switch outcome(err) {
	case "insufficient_funds", "duplicate_txid", "invalid", "not_found":
		return true
	}
	return false
}
