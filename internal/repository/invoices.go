package repository

import (
	"context"
	"database/sql"
	"errors"
	"math"

	"github.com/mirzadev/resellerd/internal/models"
)

// volumeFor converts a charge amount into purchasable volume units,
// truncating any remainder.
func volumeFor(chargeAmount, unitPrice int64) int64 {
	if unitPrice <= 0 {
		return 0
	}
	return chargeAmount / unitPrice
}

// pickUnitPrice resolves the pricing rule: a representative buys at its own
// purchase rate, anyone else at the upstream's selling rate.
func pickUnitPrice(isRepresentative bool, ownPurchasePrice, upstreamSellingPrice sql.NullInt64) (int64, error) {
	var price int64
	switch {
	case isRepresentative && ownPurchasePrice.Valid:
		price = ownPurchasePrice.Int64
	case upstreamSellingPrice.Valid:
		price = upstreamSellingPrice.Int64
	}

	if price <= 0 {
		return 0, ErrPriceUnavailable
	}

	return price, nil
}

func (r *PostgresRepository) unitPriceTx(ctx context.Context, tx *sql.Tx, buyerID int64) (int64, error) {
	var isRepresentative bool
	var ownPurchase, upstreamSelling sql.NullInt64

	err := tx.QueryRowContext(
		ctx,
		`SELECT a.is_representative, own.base_purchase_price, up.base_selling_price
		 FROM accounts a
		 LEFT JOIN representative_profiles own ON own.account_id = a.id
		 LEFT JOIN representative_profiles up ON up.account_id = a.upstream_id
		 WHERE a.id = $1`,
		buyerID,
	).Scan(&isRepresentative, &ownPurchase, &upstreamSelling)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}

	return pickUnitPrice(isRepresentative, ownPurchase, upstreamSelling)
}

func (r *PostgresRepository) CreateWalletInvoice(ctx context.Context, buyerID, chargeAmount int64, getConfig bool, discountCode, description string) (*models.WalletInvoice, error) {
	if chargeAmount <= 0 {
		return nil, ErrInvalidAmount
	}

	buyer, err := r.GetAccountByID(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	if buyer.UpstreamID == nil {
		return nil, ErrNoUpstream
	}

	invoice := &models.WalletInvoice{
		BuyerID:      buyerID,
		SellerID:     *buyer.UpstreamID,
		ChargeAmount: chargeAmount,
		GetConfig:    getConfig,
		DiscountCode: discountCode,
		Status:       models.StatusWaiting,
		Description:  description,
	}

	err = r.db.QueryRowContext(
		ctx,
		`INSERT INTO wallet_invoices (buyer_account_id, seller_account_id, charge_amount, get_config, discount_code, description)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		buyerID, invoice.SellerID, chargeAmount, getConfig, discountCode, description,
	).Scan(&invoice.ID, &invoice.CreatedAt)
	if err != nil {
		return nil, err
	}

	return invoice, nil
}

// AcceptWalletInvoice drives the invoice through its terminal transition.
// Every read and write happens inside one serializable transaction so that a
// second concurrent acceptance either sees the terminal status or aborts.
func (r *PostgresRepository) AcceptWalletInvoice(ctx context.Context, invoiceID, sellerID int64, accepted bool) (*models.WalletInvoice, *models.ConfigurationInvoice, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	invoice := &models.WalletInvoice{}
	// scoping the lookup to the seller keeps foreign invoices indistinguishable
	// from missing ones
	err = tx.QueryRowContext(
		ctx,
		`SELECT id, buyer_account_id, seller_account_id, charge_amount, get_config, discount_code, status, description, created_at
		 FROM wallet_invoices
		 WHERE id = $1 AND seller_account_id = $2
		 FOR UPDATE`,
		invoiceID, sellerID,
	).Scan(
		&invoice.ID,
		&invoice.BuyerID,
		&invoice.SellerID,
		&invoice.ChargeAmount,
		&invoice.GetConfig,
		&invoice.DiscountCode,
		&invoice.Status,
		&invoice.Description,
		&invoice.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	if invoice.Status != models.StatusWaiting {
		return nil, nil, ErrInvalidState
	}

	if !accepted {
		if err = setWalletInvoiceStatus(ctx, tx, invoice.ID, models.StatusRejected); err != nil {
			return nil, nil, err
		}
		invoice.Status = models.StatusRejected

		if err = tx.Commit(); err != nil {
			return nil, nil, err
		}
		return invoice, nil, nil
	}

	// the seller must be able to cover what it is about to approve
	enough, err := sufficientFunds(ctx, tx, sellerID, invoice.ChargeAmount)
	if err != nil {
		return nil, nil, err
	}
	if !enough {
		return nil, nil, ErrInsufficientFunds
	}

	if err = setWalletInvoiceStatus(ctx, tx, invoice.ID, models.StatusConfirmed); err != nil {
		return nil, nil, err
	}
	invoice.Status = models.StatusConfirmed

	var configInvoice *models.ConfigurationInvoice
	if invoice.GetConfig {
		configInvoice, err = r.convertToConfigurationTx(ctx, tx, invoice)
		if err != nil {
			return nil, nil, err
		}
		if err = setWalletInvoiceStatus(ctx, tx, invoice.ID, models.StatusConfigurationDirecte); err != nil {
			return nil, nil, err
		}
		invoice.Status = models.StatusConfigurationDirecte
	} else {
		if err = creditWallet(ctx, tx, invoice.BuyerID, invoice.ChargeAmount); err != nil {
			return nil, nil, err
		}
		if err = setWalletInvoiceStatus(ctx, tx, invoice.ID, models.StatusPayWallet); err != nil {
			return nil, nil, err
		}
		invoice.Status = models.StatusPayWallet
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, err
	}

	return invoice, configInvoice, nil
}

func setWalletInvoiceStatus(ctx context.Context, tx *sql.Tx, invoiceID int64, status string) error {
	_, err := tx.ExecContext(ctx, "UPDATE wallet_invoices SET status = $1 WHERE id = $2", status, invoiceID)
	return err
}

func (r *PostgresRepository) convertToConfigurationTx(ctx context.Context, tx *sql.Tx, invoice *models.WalletInvoice) (*models.ConfigurationInvoice, error) {
	price, err := r.unitPriceTx(ctx, tx, invoice.BuyerID)
	if err != nil {
		return nil, err
	}

	volume := volumeFor(invoice.ChargeAmount, price)

	var discountAmount int64
	if invoice.DiscountCode != "" {
		discountAmount, err = r.applyDiscountTx(ctx, tx, invoice.DiscountCode, invoice.SellerID, invoice.BuyerID, invoice.ChargeAmount)
		if err != nil {
			return nil, err
		}
	}

	total := price*volume - discountAmount
	if total < 0 {
		total = 0
	}

	configInvoice := &models.ConfigurationInvoice{
		BuyerID:        invoice.BuyerID,
		SellerID:       invoice.SellerID,
		Volume:         volume,
		BasePrice:      price,
		DiscountAmount: discountAmount,
		TotalPrice:     total,
		Description:    invoice.Description,
	}

	err = tx.QueryRowContext(
		ctx,
		`INSERT INTO configuration_invoices (buyer_account_id, seller_account_id, volume, base_price, discount_amount, total_price, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		configInvoice.BuyerID,
		configInvoice.SellerID,
		configInvoice.Volume,
		configInvoice.BasePrice,
		configInvoice.DiscountAmount,
		configInvoice.TotalPrice,
		configInvoice.Description,
	).Scan(&configInvoice.ID, &configInvoice.CreatedAt)
	if err != nil {
		return nil, err
	}

	return configInvoice, nil
}

// CreateConfigurationInvoice is the bypass path: the buyer pays from its own
// wallet immediately, so the debit and the insert share one transaction.
func (r *PostgresRepository) CreateConfigurationInvoice(ctx context.Context, buyerID, volume int64, discountCode, description string) (*models.ConfigurationInvoice, error) {
	if volume <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var upstreamID sql.NullInt64
	err = tx.QueryRowContext(ctx, "SELECT upstream_id FROM accounts WHERE id = $1 FOR UPDATE", buyerID).Scan(&upstreamID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !upstreamID.Valid {
		return nil, ErrNoUpstream
	}

	price, err := r.unitPriceTx(ctx, tx, buyerID)
	if err != nil {
		return nil, err
	}

	// price is at least 1 here; a total that cannot be represented would wrap
	// negative and slip past the debit
	if volume > math.MaxInt64/price {
		return nil, ErrInvalidAmount
	}

	var discountAmount int64
	total := price * volume
	if discountCode != "" {
		discountAmount, err = r.applyDiscountTx(ctx, tx, discountCode, upstreamID.Int64, buyerID, total)
		if err != nil {
			return nil, err
		}
		total -= discountAmount
		if total < 0 {
			total = 0
		}
	}

	if total > 0 {
		if err = debitWallet(ctx, tx, buyerID, total); err != nil {
			return nil, err
		}
	}

	configInvoice := &models.ConfigurationInvoice{
		BuyerID:        buyerID,
		SellerID:       upstreamID.Int64,
		Volume:         volume,
		BasePrice:      price,
		DiscountAmount: discountAmount,
		TotalPrice:     total,
		Description:    description,
	}

	err = tx.QueryRowContext(
		ctx,
		`INSERT INTO configuration_invoices (buyer_account_id, seller_account_id, volume, base_price, discount_amount, total_price, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		configInvoice.BuyerID,
		configInvoice.SellerID,
		configInvoice.Volume,
		configInvoice.BasePrice,
		configInvoice.DiscountAmount,
		configInvoice.TotalPrice,
		configInvoice.Description,
	).Scan(&configInvoice.ID, &configInvoice.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return configInvoice, nil
}

func (r *PostgresRepository) GetWalletInvoices(ctx context.Context, accountID int64, asSeller bool) ([]models.WalletInvoice, error) {
	column := "buyer_account_id"
	if asSeller {
		column = "seller_account_id"
	}

	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, buyer_account_id, seller_account_id, charge_amount, get_config, discount_code, status, description, created_at
		 FROM wallet_invoices
		 WHERE `+column+` = $1
		 ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []models.WalletInvoice
	for rows.Next() {
		var invoice models.WalletInvoice
		if err := rows.Scan(
			&invoice.ID,
			&invoice.BuyerID,
			&invoice.SellerID,
			&invoice.ChargeAmount,
			&invoice.GetConfig,
			&invoice.DiscountCode,
			&invoice.Status,
			&invoice.Description,
			&invoice.CreatedAt,
		); err != nil {
			return nil, err
		}
		invoices = append(invoices, invoice)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return invoices, nil
}

func (r *PostgresRepository) GetConfigurationInvoices(ctx context.Context, accountID int64, asSeller bool) ([]models.ConfigurationInvoice, error) {
	column := "buyer_account_id"
	if asSeller {
		column = "seller_account_id"
	}

	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, buyer_account_id, seller_account_id, volume, base_price, discount_amount, total_price, description, created_at
		 FROM configuration_invoices
		 WHERE `+column+` = $1
		 ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []models.ConfigurationInvoice
	for rows.Next() {
		var invoice models.ConfigurationInvoice
		if err := rows.Scan(
			&invoice.ID,
			&invoice.BuyerID,
			&invoice.SellerID,
			&invoice.Volume,
			&invoice.BasePrice,
			&invoice.DiscountAmount,
			&invoice.TotalPrice,
			&invoice.Description,
			&invoice.CreatedAt,
		); err != nil {
			return nil, err
		}
		invoices = append(invoices, invoice)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return invoices, nil
}
