package repository

import (
	"context"
	"database/sql"
	"errors"
)

// Wallet mutations always run inside the enclosing invoice transaction.
// Non-negativity of wallet_balance is enforced twice: by the guarded UPDATE
// here and by the table CHECK constraint.

func creditWallet(ctx context.Context, tx *sql.Tx, accountID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	res, err := tx.ExecContext(
		ctx,
		"UPDATE accounts SET wallet_balance = wallet_balance + $1 WHERE id = $2",
		amount, accountID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func debitWallet(ctx context.Context, tx *sql.Tx, accountID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	res, err := tx.ExecContext(
		ctx,
		"UPDATE accounts SET wallet_balance = wallet_balance - $1 WHERE id = $2 AND wallet_balance >= $1",
		amount, accountID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInsufficientFunds
	}

	return nil
}

// sufficientFunds locks the account row for the remainder of the transaction.
func sufficientFunds(ctx context.Context, tx *sql.Tx, accountID, amount int64) (bool, error) {
	var balance int64
	err := tx.QueryRowContext(
		ctx,
		"SELECT wallet_balance FROM accounts WHERE id = $1 FOR UPDATE",
		accountID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}

	return balance >= amount, nil
}
