package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/wallet_ledger/internal/logging"
)

type fakeTx struct {
	wallets map[int64]Wallet
	locked  []int64
	writes  int
	failSet error
}

func newFakeTx(balances map[int64]int64) *fakeTx {
	tx := &fakeTx{wallets: make(map[int64]Wallet)}
	for id, b := range balances {
		tx.wallets[id] = Wallet{ID: id, Label: "w", Balance: decimal.NewFromInt(b)}
	}
	return tx
}

func (f *fakeTx) LockWallet(_ context.Context, id int64) (Wallet, error) {
	w, ok := f.wallets[id]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	f.locked = append(f.locked, id)
	return w, nil
}

func (f *fakeTx) SetBalance(_ context.Context, id int64, balance decimal.Decimal) error {
	if f.failSet != nil {
		return f.failSet
	}
	w := f.wallets[id]
	w.Balance = balance
	f.wallets[id] = w
	f.writes++
	return nil
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestCredit(t *testing.T) {
	l := New(logging.Discard())
	tx := newFakeTx(map[int64]int64{1: 10})

	w, err := l.Credit(context.Background(), tx, 1, dec(90))
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec(100)))
	assert.True(t, tx.wallets[1].Balance.Equal(dec(100)))
	assert.Equal(t, []int64{1}, tx.locked)
}

func TestCreditRejectsNonPositive(t *testing.T) {
	l := New(logging.Discard())
	tx := newFakeTx(map[int64]int64{1: 10})

	for _, amount := range []int64{0, -5} {
		_, err := l.Credit(context.Background(), tx, 1, dec(amount))
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
	assert.Zero(t, tx.writes)
	assert.Empty(t, tx.locked)
}

func TestDebit(t *testing.T) {
	tests := []struct {
		name    string
		balance int64
		amount  int64
		want    int64
		wantErr error
	}{
		{name: "partial", balance: 100, amount: 40, want: 60},
		{name: "exact balance", balance: 100, amount: 100, want: 0},
		{name: "insufficient", balance: 100, amount: 101, want: 100, wantErr: ErrInsufficientFunds},
		{name: "empty wallet", balance: 0, amount: 1, want: 0, wantErr: ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(logging.Discard())
			tx := newFakeTx(map[int64]int64{7: tt.balance})

			_, err := l.Debit(context.Background(), tx, 7, dec(tt.amount))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, tx.writes)
			} else {
				require.NoError(t, err)
			}
			assert.True(t, tx.wallets[7].Balance.Equal(dec(tt.want)), "balance %s", tx.wallets[7].Balance)
		})
	}
}

func TestApplyDispatchesOnSign(t *testing.T) {
	l := New(logging.Discard())
	tx := newFakeTx(map[int64]int64{1: 50})
	ctx := context.Background()

	w, err := l.Apply(ctx, tx, 1, dec(25))
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec(75)))

	w, err = l.Apply(ctx, tx, 1, dec(-70))
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec(5)))

	_, err = l.Apply(ctx, tx, 1, dec(-6))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	writes := tx.writes
	w, err = l.Apply(ctx, tx, 1, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(dec(5)))
	assert.Equal(t, writes, tx.writes, "zero delta must not write")
}

func TestApplyMissingWallet(t *testing.T) {
	l := New(logging.Discard())
	tx := newFakeTx(nil)

	_, err := l.Apply(context.Background(), tx, 42, dec(1))
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestNegativeStoredBalanceIsConsistencyViolation(t *testing.T) {
	l := New(logging.Discard())
	tx := newFakeTx(map[int64]int64{1: -3})

	_, err := l.Credit(context.Background(), tx, 1, dec(10))
	assert.ErrorIs(t, err, ErrConsistencyViolation)
	assert.Zero(t, tx.writes)
}

func TestSetBalanceErrorIsWrapped(t *testing.T) {
	l := New(logging.Discard())
	tx := newFakeTx(map[int64]int64{1: 10})
	tx.failSet = ErrBusy

	_, err := l.Debit(context.Background(), tx, 1, dec(5))
	assert.True(t, errors.Is(err, ErrBusy))
}
