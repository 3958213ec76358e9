package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/wallet_ledger/internal/journal"
	"github.com/congo-pay/wallet_ledger/internal/ledger"
	"github.com/congo-pay/wallet_ledger/internal/query"
	"github.com/congo-pay/wallet_ledger/internal/wallet"
)

// DefaultLockTimeout bounds how long a unit of work waits for a row lock.
const DefaultLockTimeout = 5 * time.Second

// rowLock is a mutex that can be acquired with a deadline.
type rowLock chan struct{}

func newRowLock() rowLock { return make(rowLock, 1) }

func (l rowLock) acquire(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: lock wait exceeded %s", ledger.ErrBusy, timeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ledger.ErrBusy, ctx.Err())
	}
}

func (l rowLock) release() { <-l }

// Memory is a concurrency-safe in-process store used in development and
// tests. It mirrors the Postgres locking discipline: one lock per wallet and
// per transaction row, held until the unit of work ends, with writes staged
// and only made visible on commit.
type Memory struct {
	mu           sync.RWMutex
	wallets      map[int64]ledger.Wallet
	transactions map[int64]journal.Transaction
	txids        map[string]int64
	walletLocks  map[int64]rowLock
	txLocks      map[int64]rowLock
	nextWallet   int64
	nextTx       int64
	lockTimeout  time.Duration
}

// NewMemory creates an empty in-memory store.
func NewMemory(lockTimeout time.Duration) *Memory {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Memory{
		wallets:      make(map[int64]ledger.Wallet),
		transactions: make(map[int64]journal.Transaction),
		txids:        make(map[string]int64),
		walletLocks:  make(map[int64]rowLock),
		txLocks:      make(map[int64]rowLock),
		lockTimeout:  lockTimeout,
	}
}

// Wallets returns the wallet repository view of the store.
func (m *Memory) Wallets() wallet.Repository {
	return memWallets{m: m}
}

// WithinTx runs fn and commits its staged writes when it returns nil.
func (m *Memory) WithinTx(ctx context.Context, fn func(journal.Tx) error) error {
	tx := &memTx{
		m:        m,
		wallets:  make(map[int64]rowLock),
		txs:      make(map[int64]rowLock),
		balances: make(map[int64]decimal.Decimal),
		writes:   make(map[int64]txWrite),
	}
	defer tx.releaseAll()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// GetTransaction fetches a committed transaction.
func (m *Memory) GetTransaction(_ context.Context, id int64) (journal.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transactions[id]
	if !ok {
		return journal.Transaction{}, journal.ErrTransactionNotFound
	}
	return t, nil
}

// ListTransactions returns one page of committed transactions.
func (m *Memory) ListTransactions(_ context.Context, filter journal.Filter) (query.Result[journal.Transaction], error) {
	m.mu.RLock()
	matched := make([]journal.Transaction, 0, len(m.transactions))
	for _, t := range m.transactions {
		if filter.Matches(t) {
			matched = append(matched, t)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(a, b int) bool {
		x, y := matched[a], matched[b]
		if filter.Sort.Field == "amount" && !x.Amount.Equal(y.Amount) {
			if filter.Sort.Desc {
				return x.Amount.GreaterThan(y.Amount)
			}
			return x.Amount.LessThan(y.Amount)
		}
		if filter.Sort.Field == "id" && filter.Sort.Desc {
			return x.ID > y.ID
		}
		return x.ID < y.ID
	})

	return query.Result[journal.Transaction]{
		Items: query.Window(matched, filter.Page),
		Total: int64(len(matched)),
		Page:  filter.Page,
	}, nil
}

// WalletTotals reads the balance and the sum of amounts under one read lock.
func (m *Memory) WalletTotals(_ context.Context, walletID int64) (decimal.Decimal, decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[walletID]
	if !ok {
		return decimal.Zero, decimal.Zero, ledger.ErrWalletNotFound
	}
	sum := decimal.Zero
	for _, t := range m.transactions {
		if t.WalletID == walletID {
			sum = sum.Add(t.Amount)
		}
	}
	return w.Balance, sum, nil
}

func (m *Memory) walletLock(id int64) (rowLock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.walletLocks[id]
	return l, ok
}

func (m *Memory) txLock(id int64) (rowLock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.txLocks[id]
	return l, ok
}

type txWrite struct {
	t       journal.Transaction
	deleted bool
}

type memTx struct {
	m        *Memory
	wallets  map[int64]rowLock
	txs      map[int64]rowLock
	balances map[int64]decimal.Decimal
	writes   map[int64]txWrite
}

func (t *memTx) LockWallet(ctx context.Context, id int64) (ledger.Wallet, error) {
	if _, held := t.wallets[id]; !held {
		l, ok := t.m.walletLock(id)
		if !ok {
			return ledger.Wallet{}, ledger.ErrWalletNotFound
		}
		if err := l.acquire(ctx, t.m.lockTimeout); err != nil {
			return ledger.Wallet{}, err
		}
		t.wallets[id] = l
	}

	t.m.mu.RLock()
	w, ok := t.m.wallets[id]
	t.m.mu.RUnlock()
	if !ok {
		// deleted while we waited for the lock
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	if b, staged := t.balances[id]; staged {
		w.Balance = b
	}
	return w, nil
}

func (t *memTx) SetBalance(_ context.Context, id int64, balance decimal.Decimal) error {
	if _, held := t.wallets[id]; !held {
		return fmt.Errorf("set balance of wallet %d without holding its lock", id)
	}
	t.balances[id] = balance
	return nil
}

func (t *memTx) TxIDTaken(_ context.Context, txid string, exceptID int64) (bool, error) {
	for id, w := range t.writes {
		if id != exceptID && !w.deleted && w.t.TxID == txid {
			return true, nil
		}
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	return t.takenCommitted(txid, exceptID), nil
}

// takenCommitted must be called with t.m.mu held.
func (t *memTx) takenCommitted(txid string, exceptID int64) bool {
	owner, ok := t.m.txids[txid]
	if !ok || owner == exceptID {
		return false
	}
	if w, staged := t.writes[owner]; staged && (w.deleted || w.t.TxID != txid) {
		return false
	}
	return true
}

func (t *memTx) InsertTransaction(_ context.Context, rec journal.Transaction) (journal.Transaction, error) {
	if _, held := t.wallets[rec.WalletID]; !held {
		return journal.Transaction{}, fmt.Errorf("insert into wallet %d without holding its lock", rec.WalletID)
	}
	t.m.mu.Lock()
	t.m.nextTx++
	rec.ID = t.m.nextTx
	t.m.mu.Unlock()

	t.writes[rec.ID] = txWrite{t: rec}
	return rec, nil
}

func (t *memTx) LockTransaction(ctx context.Context, id int64) (journal.Transaction, error) {
	if w, staged := t.writes[id]; staged {
		if w.deleted {
			return journal.Transaction{}, journal.ErrTransactionNotFound
		}
		return w.t, nil
	}
	if _, held := t.txs[id]; !held {
		l, ok := t.m.txLock(id)
		if !ok {
			return journal.Transaction{}, journal.ErrTransactionNotFound
		}
		if err := l.acquire(ctx, t.m.lockTimeout); err != nil {
			return journal.Transaction{}, err
		}
		t.txs[id] = l
	}

	t.m.mu.RLock()
	rec, ok := t.m.transactions[id]
	t.m.mu.RUnlock()
	if !ok {
		return journal.Transaction{}, journal.ErrTransactionNotFound
	}
	return rec, nil
}

func (t *memTx) UpdateTransaction(_ context.Context, rec journal.Transaction) error {
	if _, held := t.txs[rec.ID]; !held {
		if _, staged := t.writes[rec.ID]; !staged {
			return fmt.Errorf("update transaction %d without holding its lock", rec.ID)
		}
	}
	t.writes[rec.ID] = txWrite{t: rec}
	return nil
}

func (t *memTx) DeleteTransaction(_ context.Context, id int64) error {
	if _, held := t.txs[id]; !held {
		if _, staged := t.writes[id]; !staged {
			return fmt.Errorf("delete transaction %d without holding its lock", id)
		}
	}
	w := t.writes[id]
	w.t.ID = id
	w.deleted = true
	t.writes[id] = w
	return nil
}

// commit validates staged writes against committed state and applies them
// atomically. A txid claimed by a concurrent commit aborts the whole unit.
func (t *memTx) commit() error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	for id, w := range t.writes {
		if w.deleted {
			continue
		}
		if t.takenCommitted(w.t.TxID, id) {
			return journal.ErrDuplicateTxID
		}
		if _, ok := t.m.wallets[w.t.WalletID]; !ok {
			return ledger.ErrWalletNotFound
		}
	}
	for id, b := range t.balances {
		if b.IsNegative() {
			return fmt.Errorf("wallet %d would end at %s: %w", id, b, ledger.ErrConsistencyViolation)
		}
		if _, ok := t.m.wallets[id]; !ok {
			return ledger.ErrWalletNotFound
		}
	}

	for id, b := range t.balances {
		w := t.m.wallets[id]
		w.Balance = b
		t.m.wallets[id] = w
	}
	for id, w := range t.writes {
		if old, ok := t.m.transactions[id]; ok && t.m.txids[old.TxID] == id {
			delete(t.m.txids, old.TxID)
		}
		if w.deleted {
			delete(t.m.transactions, id)
			delete(t.m.txLocks, id)
			continue
		}
		t.m.transactions[id] = w.t
		t.m.txids[w.t.TxID] = id
		if _, ok := t.m.txLocks[id]; !ok {
			t.m.txLocks[id] = newRowLock()
		}
	}
	return nil
}

func (t *memTx) releaseAll() {
	for _, l := range t.txs {
		l.release()
	}
	for _, l := range t.wallets {
		l.release()
	}
}

type memWallets struct {
	m *Memory
}

func (r memWallets) Create(_ context.Context, label string) (ledger.Wallet, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.nextWallet++
	w := ledger.Wallet{ID: r.m.nextWallet, Label: label, Balance: decimal.Zero}
	r.m.wallets[w.ID] = w
	r.m.walletLocks[w.ID] = newRowLock()
	return w, nil
}

func (r memWallets) Get(_ context.Context, id int64) (ledger.Wallet, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	w, ok := r.m.wallets[id]
	if !ok {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return w, nil
}

func (r memWallets) UpdateLabel(_ context.Context, id int64, label string) (ledger.Wallet, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	w, ok := r.m.wallets[id]
	if !ok {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	w.Label = label
	r.m.wallets[id] = w
	return w, nil
}

// Delete waits for the wallet lock so it never interleaves with an
// in-flight unit of work on the same wallet.
func (r memWallets) Delete(ctx context.Context, id int64) error {
	l, ok := r.m.walletLock(id)
	if !ok {
		return ledger.ErrWalletNotFound
	}
	if err := l.acquire(ctx, r.m.lockTimeout); err != nil {
		return err
	}
	defer l.release()

	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.wallets[id]; !ok {
		return ledger.ErrWalletNotFound
	}
	for txID, t := range r.m.transactions {
		if t.WalletID == id {
			delete(r.m.transactions, txID)
			delete(r.m.txids, t.TxID)
			delete(r.m.txLocks, txID)
		}
	}
	delete(r.m.wallets, id)
	delete(r.m.walletLocks, id)
	return nil
}

func (r memWallets) List(_ context.Context, filter wallet.Filter) (query.Result[ledger.Wallet], error) {
	r.m.mu.RLock()
	matched := make([]ledger.Wallet, 0, len(r.m.wallets))
	for _, w := range r.m.wallets {
		if filter.Matches(w) {
			matched = append(matched, w)
		}
	}
	r.m.mu.RUnlock()

	sort.Slice(matched, func(a, b int) bool {
		x, y := matched[a], matched[b]
		switch filter.Sort.Field {
		case "label":
			if x.Label != y.Label {
				return (x.Label < y.Label) != filter.Sort.Desc
			}
		case "balance":
			if !x.Balance.Equal(y.Balance) {
				return x.Balance.LessThan(y.Balance) != filter.Sort.Desc
			}
		case "id":
			if filter.Sort.Desc {
				return x.ID > y.ID
			}
		}
		return x.ID < y.ID
	})

	return query.Result[ledger.Wallet]{
		Items: query.Window(matched, filter.Page),
		Total: int64(len(matched)),
		Page:  filter.Page,
	}, nil
}
