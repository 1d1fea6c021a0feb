package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgconn"

	"github.com/mirzadev/resellerd/internal/models"
)

// discountAmount computes the value of a discount against a purchase amount,
// capped by the discount's own ceiling. The product is split so it stays in
// range for purchase amounts near the int64 ceiling.
func discountAmount(purchaseAmount int64, percent int, maximum int64) int64 {
	amount := purchaseAmount/100*int64(percent) + purchaseAmount%100*int64(percent)/100
	if maximum > 0 && amount > maximum {
		amount = maximum
	}
	return amount
}

func (r *PostgresRepository) CreateDiscount(ctx context.Context, d *models.Discount) (*models.Discount, error) {
	if d.Percent < 0 || d.Percent > 100 {
		return nil, ErrInvalidAmount
	}
	if d.MaximumDiscountAmount > d.MinimumPurchaseAmount {
		return nil, ErrInvalidAmount
	}

	err := r.db.QueryRowContext(
		ctx,
		`INSERT INTO discounts (seller_account_id, code, percent, volume, expires_at, usage_ceiling,
		                        uses_per_account, minimum_purchase_amount, maximum_discount_amount, refund, synchronous)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		d.SellerID, d.Code, d.Percent, d.Volume, d.ExpiresAt, d.UsageCeiling,
		d.UsesPerAccount, d.MinimumPurchaseAmount, d.MaximumDiscountAmount, d.Refund, d.Synchronous,
	).Scan(&d.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateIdentity
		}
		return nil, err
	}

	return d, nil
}

func (r *PostgresRepository) GetDiscounts(ctx context.Context, sellerID int64) ([]models.Discount, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, seller_account_id, code, percent, volume, expires_at, usage_ceiling,
		        uses_per_account, minimum_purchase_amount, maximum_discount_amount, refund, synchronous
		 FROM discounts
		 WHERE seller_account_id = $1
		 ORDER BY id DESC`,
		sellerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var discounts []models.Discount
	for rows.Next() {
		var d models.Discount
		if err := rows.Scan(
			&d.ID,
			&d.SellerID,
			&d.Code,
			&d.Percent,
			&d.Volume,
			&d.ExpiresAt,
			&d.UsageCeiling,
			&d.UsesPerAccount,
			&d.MinimumPurchaseAmount,
			&d.MaximumDiscountAmount,
			&d.Refund,
			&d.Synchronous,
		); err != nil {
			return nil, err
		}
		discounts = append(discounts, d)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return discounts, nil
}

// applyDiscountTx validates a code and consumes one use of it inside the
// purchase transaction, so the consumption rolls back with the purchase.
func (r *PostgresRepository) applyDiscountTx(ctx context.Context, tx *sql.Tx, code string, sellerID, buyerID, purchaseAmount int64) (int64, error) {
	var d models.Discount
	err := tx.QueryRowContext(
		ctx,
		`SELECT id, percent, expires_at, usage_ceiling, uses_per_account, minimum_purchase_amount, maximum_discount_amount
		 FROM discounts
		 WHERE code = $1 AND seller_account_id = $2
		 FOR UPDATE`,
		code, sellerID,
	).Scan(&d.ID, &d.Percent, &d.ExpiresAt, &d.UsageCeiling, &d.UsesPerAccount, &d.MinimumPurchaseAmount, &d.MaximumDiscountAmount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}

	if time.Now().After(d.ExpiresAt) {
		return 0, ErrDiscountExpired
	}
	if purchaseAmount < d.MinimumPurchaseAmount {
		return 0, ErrDiscountBelowMinimum
	}

	if d.UsageCeiling > 0 {
		var total int
		err = tx.QueryRowContext(
			ctx,
			"SELECT COALESCE(SUM(use_count), 0) FROM account_discounts WHERE discount_id = $1 AND kind = $2",
			d.ID, models.DiscountKindUsed,
		).Scan(&total)
		if err != nil {
			return 0, err
		}
		if total >= d.UsageCeiling {
			return 0, ErrDiscountUsageExceeded
		}
	}

	if d.UsesPerAccount > 0 {
		var used int
		err = tx.QueryRowContext(
			ctx,
			"SELECT COALESCE(SUM(use_count), 0) FROM account_discounts WHERE discount_id = $1 AND kind = $2 AND account_id = $3",
			d.ID, models.DiscountKindUsed, buyerID,
		).Scan(&used)
		if err != nil {
			return 0, err
		}
		if used >= d.UsesPerAccount {
			return 0, ErrDiscountUsageExceeded
		}
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO account_discounts (account_id, discount_id, use_count, kind)
		 VALUES ($1, $2, 1, $3)
		 ON CONFLICT (account_id, discount_id, kind)
		 DO UPDATE SET use_count = account_discounts.use_count + 1`,
		buyerID, d.ID, models.DiscountKindUsed,
	)
	if err != nil {
		return 0, err
	}

	return discountAmount(purchaseAmount, d.Percent, d.MaximumDiscountAmount), nil
}
