package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/congo-pay/wallet_ledger/internal/journal"
	"github.com/congo-pay/wallet_ledger/internal/ledger"
)

// PostgreSQL SQLSTATE codes the store translates into domain errors.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeCheckViolation       = "23514"
	codeNumericOutOfRange    = "22003"
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeQueryCanceled        = "57014"
)

// translate maps driver errors onto the ledger/journal sentinels. Errors that
// already carry a sentinel pass through unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			if pgErr.ConstraintName == "transactions_txid_key" {
				return fmt.Errorf("%w: %s", journal.ErrDuplicateTxID, pgErr.Detail)
			}
		case codeForeignKeyViolation:
			return fmt.Errorf("%w: %s", ledger.ErrWalletNotFound, pgErr.Detail)
		case codeCheckViolation:
			return fmt.Errorf("%w: %s", ledger.ErrConsistencyViolation, pgErr.Message)
		case codeNumericOutOfRange:
			return fmt.Errorf("%w: %s", journal.ErrAmountOutOfRange, pgErr.Message)
		case codeLockNotAvailable, codeSerializationFailure, codeDeadlockDetected, codeQueryCanceled:
			return fmt.Errorf("%w: %s", ledger.ErrBusy, pgErr.Message)
		}
		return err
	}

	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ledger.ErrBusy, err)
	}
	return err
}
