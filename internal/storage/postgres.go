package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/wallet_ledger/internal/journal"
	"github.com/congo-pay/wallet_ledger/internal/ledger"
	"github.com/congo-pay/wallet_ledger/internal/query"
	"github.com/congo-pay/wallet_ledger/internal/wallet"
)

// Postgres stores wallets and transactions in PostgreSQL. Wallet rows are
// locked with SELECT ... FOR UPDATE for the duration of a unit of work.
type Postgres struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewPostgres constructs a Postgres-backed store. A positive lockTimeout is
// applied to every unit of work with SET LOCAL lock_timeout.
func NewPostgres(db *pgxpool.Pool, lockTimeout time.Duration, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, lockTimeout: lockTimeout, logger: logger}
}

// Wallets returns the wallet repository view of the store.
func (s *Postgres) Wallets() wallet.Repository {
	return pgWallets{s: s}
}

// WithinTx runs fn inside one database transaction.
func (s *Postgres) WithinTx(ctx context.Context, fn func(journal.Tx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (s *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return translate(err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if s.lockTimeout > 0 {
		stmt := "SET LOCAL lock_timeout = '" + strconv.FormatInt(s.lockTimeout.Milliseconds(), 10) + "ms'"
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return translate(err)
		}
	}

	if err := fn(tx); err != nil {
		return translate(err)
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.Warn("commit failed", slog.Any("error", err))
		return translate(err)
	}
	return nil
}

// GetTransaction fetches a committed transaction.
func (s *Postgres) GetTransaction(ctx context.Context, id int64) (journal.Transaction, error) {
	row := s.db.QueryRow(ctx, `SELECT id, wallet_id, txid, amount FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

// ListTransactions returns one page of transactions matching filter.
func (s *Postgres) ListTransactions(ctx context.Context, filter journal.Filter) (query.Result[journal.Transaction], error) {
	var w where
	w.rangeOf("amount", filter.Amount)
	if filter.WalletID != nil {
		w.add("wallet_id = ?", *filter.WalletID)
	}
	if filter.TxIDContains != "" {
		w.add("txid ILIKE ?", "%"+escapeLike(filter.TxIDContains)+"%")
	}

	res := query.Result[journal.Transaction]{Page: filter.Page}
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`+w.String(), w.args...).Scan(&res.Total); err != nil {
		return res, translate(err)
	}

	sql := `SELECT id, wallet_id, txid, amount FROM transactions` + w.String() +
		orderBy(filter.Sort, map[string]string{"amount": "amount", "id": "id"}) + limit(filter.Page)
	rows, err := s.db.Query(ctx, sql, w.args...)
	if err != nil {
		return res, translate(err)
	}
	defer rows.Close()

	res.Items = []journal.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return res, err
		}
		res.Items = append(res.Items, t)
	}
	return res, translate(rows.Err())
}

// WalletTotals reads the balance and the sum of amounts in one statement.
func (s *Postgres) WalletTotals(ctx context.Context, walletID int64) (decimal.Decimal, decimal.Decimal, error) {
	const q = `
        SELECT w.balance, COALESCE(SUM(t.amount), 0)
        FROM wallets w
        LEFT JOIN transactions t ON t.wallet_id = w.id
        WHERE w.id = $1
        GROUP BY w.id, w.balance`
	var balance, sum decimal.Decimal
	if err := s.db.QueryRow(ctx, q, walletID).Scan(&balance, &sum); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, decimal.Zero, ledger.ErrWalletNotFound
		}
		return decimal.Zero, decimal.Zero, translate(err)
	}
	return balance, sum, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockWallet(ctx context.Context, id int64) (ledger.Wallet, error) {
	row := t.tx.QueryRow(ctx, `SELECT id, label, balance FROM wallets WHERE id = $1 FOR UPDATE`, id)
	return scanWallet(row)
}

func (t *pgTx) SetBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE wallets SET balance = $2 WHERE id = $1`, id, balance)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ledger.ErrWalletNotFound
	}
	return nil
}

func (t *pgTx) TxIDTaken(ctx context.Context, txid string, exceptID int64) (bool, error) {
	var taken bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE txid = $1 AND id <> $2)`, txid, exceptID).Scan(&taken)
	return taken, err
}

func (t *pgTx) InsertTransaction(ctx context.Context, rec journal.Transaction) (journal.Transaction, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO transactions (wallet_id, txid, amount) VALUES ($1, $2, $3) RETURNING id`,
		rec.WalletID, rec.TxID, rec.Amount).Scan(&rec.ID)
	if err != nil {
		return journal.Transaction{}, err
	}
	return rec, nil
}

func (t *pgTx) LockTransaction(ctx context.Context, id int64) (journal.Transaction, error) {
	row := t.tx.QueryRow(ctx, `SELECT id, wallet_id, txid, amount FROM transactions WHERE id = $1 FOR UPDATE`, id)
	return scanTransaction(row)
}

func (t *pgTx) UpdateTransaction(ctx context.Context, rec journal.Transaction) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE transactions SET wallet_id = $2, txid = $3, amount = $4 WHERE id = $1`,
		rec.ID, rec.WalletID, rec.TxID, rec.Amount)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return journal.ErrTransactionNotFound
	}
	return nil
}

func (t *pgTx) DeleteTransaction(ctx context.Context, id int64) error {
	cmd, err := t.tx.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return journal.ErrTransactionNotFound
	}
	return nil
}

type pgWallets struct {
	s *Postgres
}

func (r pgWallets) Create(ctx context.Context, label string) (ledger.Wallet, error) {
	row := r.s.db.QueryRow(ctx, `INSERT INTO wallets (label, balance) VALUES ($1, 0) RETURNING id, label, balance`, label)
	return scanWallet(row)
}

func (r pgWallets) Get(ctx context.Context, id int64) (ledger.Wallet, error) {
	row := r.s.db.QueryRow(ctx, `SELECT id, label, balance FROM wallets WHERE id = $1`, id)
	return scanWallet(row)
}

func (r pgWallets) UpdateLabel(ctx context.Context, id int64, label string) (ledger.Wallet, error) {
	var w ledger.Wallet
	err := r.s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		row := tx.QueryRow(ctx, `UPDATE wallets SET label = $2 WHERE id = $1 RETURNING id, label, balance`, id, label)
		w, err = scanWallet(row)
		return err
	})
	return w, err
}

func (r pgWallets) Delete(ctx context.Context, id int64) error {
	return r.s.inTx(ctx, func(tx pgx.Tx) error {
		cmd, err := tx.Exec(ctx, `DELETE FROM wallets WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return ledger.ErrWalletNotFound
		}
		return nil
	})
}

func (r pgWallets) List(ctx context.Context, filter wallet.Filter) (query.Result[ledger.Wallet], error) {
	var w where
	w.rangeOf("balance", filter.Balance)
	if filter.LabelContains != "" {
		w.add("label ILIKE ?", "%"+escapeLike(filter.LabelContains)+"%")
	}
	if filter.LabelExact != "" {
		w.add("lower(label) = lower(?)", filter.LabelExact)
	}

	res := query.Result[ledger.Wallet]{Page: filter.Page}
	if err := r.s.db.QueryRow(ctx, `SELECT COUNT(*) FROM wallets`+w.String(), w.args...).Scan(&res.Total); err != nil {
		return res, translate(err)
	}

	sql := `SELECT id, label, balance FROM wallets` + w.String() +
		orderBy(filter.Sort, map[string]string{"label": "label", "balance": "balance", "id": "id"}) + limit(filter.Page)
	rows, err := r.s.db.Query(ctx, sql, w.args...)
	if err != nil {
		return res, translate(err)
	}
	defer rows.Close()

	res.Items = []ledger.Wallet{}
	for rows.Next() {
		wl, err := scanWallet(rows)
		if err != nil {
			return res, err
		}
		res.Items = append(res.Items, wl)
	}
	return res, translate(rows.Err())
}

func scanWallet(row pgx.Row) (ledger.Wallet, error) {
	var w ledger.Wallet
	if err := row.Scan(&w.ID, &w.Label, &w.Balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Wallet{}, ledger.ErrWalletNotFound
		}
		return ledger.Wallet{}, translate(err)
	}
	return w, nil
}

func scanTransaction(row pgx.Row) (journal.Transaction, error) {
	var t journal.Transaction
	if err := row.Scan(&t.ID, &t.WalletID, &t.TxID, &t.Amount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return journal.Transaction{}, journal.ErrTransactionNotFound
		}
		return journal.Transaction{}, translate(err)
	}
	return t, nil
}

// where accumulates AND-ed conditions; '?' placeholders become $n.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.Replace(clause, "?", "$"+strconv.Itoa(len(w.args)), 1))
}

func (w *where) rangeOf(column string, r query.Range) {
	bounds := []struct {
		op string
		v  *decimal.Decimal
	}{
		{"=", r.Exact}, {"<", r.Lt}, {">", r.Gt}, {">=", r.Gte}, {"<=", r.Lte},
	}
	for _, b := range bounds {
		if b.v != nil {
			w.add(fmt.Sprintf("%s %s ?", column, b.op), *b.v)
		}
	}
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func orderBy(s query.Sort, columns map[string]string) string {
	col, ok := columns[s.Field]
	if !ok || col == "id" {
		if s.Desc && ok {
			return " ORDER BY id DESC"
		}
		return " ORDER BY id"
	}
	dir := "ASC"
	if s.Desc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s, id", col, dir)
}

func limit(p query.Page) string {
	if p.Size <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", p.Size, p.Offset())
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
