package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/mirzadev/resellerd/internal/models"
	"github.com/mirzadev/resellerd/internal/utils"
)

type Repository interface {
	CreateAccount(ctx context.Context, upstream *models.Account, externalID, firstName, lastName, passwordHash string) (*models.Account, error)
	GetAccountByID(ctx context.Context, id int64) (*models.Account, error)
	GetAccountByExternalID(ctx context.Context, externalID string) (*models.Account, error)
	GetAccountByUniqueID(ctx context.Context, uniqueID string) (*models.Account, error)
	GetDownstreamAccounts(ctx context.Context, upstreamID int64, limit, offset int) ([]models.Account, error)
	PromoteToRepresentative(ctx context.Context, accountID int64, phoneNumber, cardNumber string, basePurchasePrice int64) (*models.RepresentativeProfile, error)
	GetRepresentativeProfile(ctx context.Context, accountID int64) (*models.RepresentativeProfile, error)
	UpdatePassword(ctx context.Context, accountID int64, passwordHash string) error
	DeactivateAccount(ctx context.Context, accountID int64) error
	DeleteAccount(ctx context.Context, accountID int64) error
	EnsureRootAccount(ctx context.Context, externalID, passwordHash string, sellingPrice int64) error

	GetWalletBalance(ctx context.Context, accountID int64) (int64, error)

	CreateWalletInvoice(ctx context.Context, buyerID, chargeAmount int64, getConfig bool, discountCode, description string) (*models.WalletInvoice, error)
	AcceptWalletInvoice(ctx context.Context, invoiceID, sellerID int64, accepted bool) (*models.WalletInvoice, *models.ConfigurationInvoice, error)
	GetWalletInvoices(ctx context.Context, accountID int64, asSeller bool) ([]models.WalletInvoice, error)

	CreateConfigurationInvoice(ctx context.Context, buyerID, volume int64, discountCode, description string) (*models.ConfigurationInvoice, error)
	GetConfigurationInvoices(ctx context.Context, accountID int64, asSeller bool) ([]models.ConfigurationInvoice, error)

	CreateDiscount(ctx context.Context, d *models.Discount) (*models.Discount, error)
	GetDiscounts(ctx context.Context, sellerID int64) ([]models.Discount, error)

	CreatePendingAllocation(ctx context.Context, invoiceID, accountID, volumeGB int64, panelUsername string) (*models.Allocation, error)
	GetPendingAllocations(ctx context.Context, limit, maxAttempts int) ([]models.Allocation, error)
	MarkAllocated(ctx context.Context, allocationID int64) error
	BumpAllocationAttempts(ctx context.Context, allocationID int64) error

	InitDB(databaseURI string) error
	Close() error
}

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateIdentity = errors.New("identity already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidState      = errors.New("invoice already finalized")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrNoUpstream        = errors.New("account has no upstream")
	ErrPriceUnavailable  = errors.New("unit price unavailable")
	ErrAccountInUse      = errors.New("account still referenced by downstream accounts or invoices")

	ErrDiscountExpired       = errors.New("discount expired")
	ErrDiscountUsageExceeded = errors.New("discount usage ceiling reached")
	ErrDiscountBelowMinimum  = errors.New("purchase amount below discount minimum")
)

const accountColumns = "id, upstream_id, external_id, unique_id, first_name, last_name," +
	" password_hash, password_changed_at, is_active, is_admin, is_representative, wallet_balance, created_at"

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository() *PostgresRepository {
	return &PostgresRepository{}
}

func (r *PostgresRepository) InitDB(databaseURI string) error {
	db, err := sql.Open("pgx", databaseURI)
	if err != nil {
		return err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return err
	}

	r.db = db

	if err := r.createTables(); err != nil {
		db.Close()
		return err
	}

	return nil
}

func (r *PostgresRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *PostgresRepository) createTables() error {
	statements := []string{
		// upstream_id < id keeps the hierarchy acyclic: a parent row always
		// predates its children, so no chain can ever loop back.
		`CREATE TABLE IF NOT EXISTS accounts (
			id BIGSERIAL PRIMARY KEY,
			upstream_id BIGINT REFERENCES accounts(id),
			external_id VARCHAR(128) UNIQUE NOT NULL,
			unique_id VARCHAR(64) UNIQUE NOT NULL,
			first_name VARCHAR(64) NOT NULL DEFAULT '',
			last_name VARCHAR(64) NOT NULL DEFAULT '',
			password_hash VARCHAR(255) NOT NULL DEFAULT '',
			password_changed_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			is_representative BOOLEAN NOT NULL DEFAULT FALSE,
			wallet_balance BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT ck_account_wallet_non_negative CHECK (wallet_balance >= 0),
			CONSTRAINT ck_account_upstream_earlier CHECK (upstream_id IS NULL OR upstream_id < id)
		)`,
		`CREATE TABLE IF NOT EXISTS representative_profiles (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT UNIQUE NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			phone_number VARCHAR(16) NOT NULL DEFAULT '',
			card_number VARCHAR(16) NOT NULL DEFAULT '',
			bot_token VARCHAR(128) NOT NULL DEFAULT '',
			channel_id VARCHAR(128) NOT NULL DEFAULT '',
			support_id VARCHAR(128) NOT NULL DEFAULT '',
			base_selling_price BIGINT NOT NULL,
			base_purchase_price BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT ck_profile_selling_price_positive CHECK (base_selling_price > 0),
			CONSTRAINT ck_profile_purchase_price_non_negative CHECK (base_purchase_price >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS wallet_invoices (
			id BIGSERIAL PRIMARY KEY,
			buyer_account_id BIGINT NOT NULL REFERENCES accounts(id),
			seller_account_id BIGINT NOT NULL REFERENCES accounts(id),
			charge_amount BIGINT NOT NULL,
			get_config BOOLEAN NOT NULL DEFAULT FALSE,
			discount_code VARCHAR(16) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL DEFAULT 'waiting',
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT ck_wallet_invoice_amount_positive CHECK (charge_amount > 0),
			CONSTRAINT ck_wallet_invoice_status CHECK (status IN
				('waiting', 'confirmed', 'rejected', 'pay_wallet', 'configuration_directe'))
		)`,
		`CREATE TABLE IF NOT EXISTS configuration_invoices (
			id BIGSERIAL PRIMARY KEY,
			buyer_account_id BIGINT NOT NULL REFERENCES accounts(id),
			seller_account_id BIGINT NOT NULL REFERENCES accounts(id),
			volume BIGINT NOT NULL,
			base_price BIGINT NOT NULL,
			discount_amount BIGINT NOT NULL DEFAULT 0,
			total_price BIGINT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT ck_configuration_invoice_total_non_negative CHECK (total_price >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS discounts (
			id BIGSERIAL PRIMARY KEY,
			seller_account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			code VARCHAR(16) NOT NULL,
			percent SMALLINT NOT NULL,
			volume BIGINT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL,
			usage_ceiling INTEGER NOT NULL DEFAULT 0,
			uses_per_account INTEGER NOT NULL DEFAULT 0,
			minimum_purchase_amount BIGINT NOT NULL DEFAULT 0,
			maximum_discount_amount BIGINT NOT NULL DEFAULT 0,
			refund BOOLEAN NOT NULL DEFAULT FALSE,
			synchronous BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE (seller_account_id, code),
			CONSTRAINT ck_discount_percent_range CHECK (percent >= 0 AND percent <= 100),
			CONSTRAINT ck_discount_usage_ceiling CHECK (usage_ceiling >= 0),
			CONSTRAINT ck_discount_max_le_min CHECK (maximum_discount_amount <= minimum_purchase_amount)
		)`,
		`CREATE TABLE IF NOT EXISTS account_discounts (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			discount_id BIGINT NOT NULL REFERENCES discounts(id) ON DELETE CASCADE,
			use_count INTEGER NOT NULL DEFAULT 0,
			kind VARCHAR(32) NOT NULL,
			UNIQUE (account_id, discount_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS allocations (
			id BIGSERIAL PRIMARY KEY,
			invoice_id BIGINT UNIQUE NOT NULL REFERENCES configuration_invoices(id) ON DELETE CASCADE,
			account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			volume_gb BIGINT NOT NULL,
			panel_username VARCHAR(64) NOT NULL,
			allocated BOOLEAN NOT NULL DEFAULT FALSE,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

func (r *PostgresRepository) CreateAccount(ctx context.Context, upstream *models.Account, externalID, firstName, lastName, passwordHash string) (*models.Account, error) {
	uniqueID := utils.DeriveUniqueID(upstream.ExternalID, externalID)

	account := &models.Account{
		UpstreamID:   &upstream.ID,
		ExternalID:   externalID,
		UniqueID:     uniqueID,
		FirstName:    firstName,
		LastName:     lastName,
		PasswordHash: passwordHash,
		IsActive:     true,
	}

	err := r.db.QueryRowContext(
		ctx,
		`INSERT INTO accounts (upstream_id, external_id, unique_id, first_name, last_name, password_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, password_changed_at, created_at`,
		upstream.ID, externalID, uniqueID, firstName, lastName, passwordHash,
	).Scan(&account.ID, &account.PasswordChangedAt, &account.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateIdentity
		}
		return nil, err
	}

	return account, nil
}

func (r *PostgresRepository) EnsureRootAccount(ctx context.Context, externalID, passwordHash string, sellingPrice int64) error {
	var id int64
	err := r.db.QueryRowContext(ctx, "SELECT id FROM accounts WHERE is_admin LIMIT 1").Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(
		ctx,
		`INSERT INTO accounts (external_id, unique_id, password_hash, is_admin, is_representative)
		 VALUES ($1, $2, $3, TRUE, TRUE)
		 RETURNING id`,
		externalID, utils.DeriveUniqueID("", externalID), passwordHash,
	).Scan(&id)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO representative_profiles (account_id, base_selling_price, base_purchase_price)
		 VALUES ($1, $2, 0)`,
		id, sellingPrice,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	account := &models.Account{}
	var upstreamID sql.NullInt64

	err := row.Scan(
		&account.ID,
		&upstreamID,
		&account.ExternalID,
		&account.UniqueID,
		&account.FirstName,
		&account.LastName,
		&account.PasswordHash,
		&account.PasswordChangedAt,
		&account.IsActive,
		&account.IsAdmin,
		&account.IsRepresentative,
		&account.WalletBalance,
		&account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if upstreamID.Valid {
		account.UpstreamID = &upstreamID.Int64
	}

	return account, nil
}

func (r *PostgresRepository) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	return scanAccount(r.db.QueryRowContext(
		ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1",
		id,
	))
}

func (r *PostgresRepository) GetAccountByExternalID(ctx context.Context, externalID string) (*models.Account, error) {
	return scanAccount(r.db.QueryRowContext(
		ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE external_id = $1",
		externalID,
	))
}

func (r *PostgresRepository) GetAccountByUniqueID(ctx context.Context, uniqueID string) (*models.Account, error) {
	return scanAccount(r.db.QueryRowContext(
		ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE unique_id = $1",
		uniqueID,
	))
}

func (r *PostgresRepository) GetDownstreamAccounts(ctx context.Context, upstreamID int64, limit, offset int) ([]models.Account, error) {
	rows, err := r.db.QueryContext(
		ctx,
		"SELECT "+accountColumns+` FROM accounts
		 WHERE upstream_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		upstreamID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return accounts, nil
}

func (r *PostgresRepository) PromoteToRepresentative(ctx context.Context, accountID int64, phoneNumber, cardNumber string, basePurchasePrice int64) (*models.RepresentativeProfile, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var upstreamID sql.NullInt64
	var isRepresentative bool
	err = tx.QueryRowContext(
		ctx,
		"SELECT upstream_id, is_representative FROM accounts WHERE id = $1 FOR UPDATE",
		accountID,
	).Scan(&upstreamID, &isRepresentative)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if isRepresentative {
		return nil, ErrDuplicateIdentity
	}

	price := basePurchasePrice
	if price <= 0 {
		// no explicit price: inherit the upstream's selling rate
		if !upstreamID.Valid {
			return nil, ErrPriceUnavailable
		}
		err = tx.QueryRowContext(
			ctx,
			"SELECT base_selling_price FROM representative_profiles WHERE account_id = $1",
			upstreamID.Int64,
		).Scan(&price)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrPriceUnavailable
			}
			return nil, err
		}
	}

	profile := &models.RepresentativeProfile{
		AccountID:         accountID,
		PhoneNumber:       phoneNumber,
		CardNumber:        cardNumber,
		BaseSellingPrice:  price,
		BasePurchasePrice: price,
	}

	err = tx.QueryRowContext(
		ctx,
		`INSERT INTO representative_profiles (account_id, phone_number, card_number, base_selling_price, base_purchase_price)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		accountID, phoneNumber, cardNumber, price, price,
	).Scan(&profile.ID, &profile.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateIdentity
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, "UPDATE accounts SET is_representative = TRUE WHERE id = $1", accountID)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return profile, nil
}

func (r *PostgresRepository) GetRepresentativeProfile(ctx context.Context, accountID int64) (*models.RepresentativeProfile, error) {
	profile := &models.RepresentativeProfile{}
	err := r.db.QueryRowContext(
		ctx,
		`SELECT id, account_id, phone_number, card_number, bot_token, channel_id, support_id,
		        base_selling_price, base_purchase_price, created_at
		 FROM representative_profiles WHERE account_id = $1`,
		accountID,
	).Scan(
		&profile.ID,
		&profile.AccountID,
		&profile.PhoneNumber,
		&profile.CardNumber,
		&profile.BotToken,
		&profile.ChannelID,
		&profile.SupportID,
		&profile.BaseSellingPrice,
		&profile.BasePurchasePrice,
		&profile.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return profile, nil
}

func (r *PostgresRepository) UpdatePassword(ctx context.Context, accountID int64, passwordHash string) error {
	res, err := r.db.ExecContext(
		ctx,
		"UPDATE accounts SET password_hash = $1, password_changed_at = CURRENT_TIMESTAMP WHERE id = $2",
		passwordHash, accountID,
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

func (r *PostgresRepository) DeactivateAccount(ctx context.Context, accountID int64) error {
	res, err := r.db.ExecContext(ctx, "UPDATE accounts SET is_active = FALSE WHERE id = $1", accountID)
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

func (r *PostgresRepository) DeleteAccount(ctx context.Context, accountID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var refs int64
	err = tx.QueryRowContext(
		ctx,
		`SELECT (SELECT COUNT(*) FROM accounts WHERE upstream_id = $1)
		      + (SELECT COUNT(*) FROM wallet_invoices WHERE buyer_account_id = $1 OR seller_account_id = $1)
		      + (SELECT COUNT(*) FROM configuration_invoices WHERE buyer_account_id = $1 OR seller_account_id = $1)`,
		accountID,
	).Scan(&refs)
	if err != nil {
		return err
	}
	if refs > 0 {
		return ErrAccountInUse
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM accounts WHERE id = $1", accountID)
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

	return tx.Commit()
}

func (r *PostgresRepository) GetWalletBalance(ctx context.Context, accountID int64) (int64, error) {
	var balance int64
	err := r.db.QueryRowContext(ctx, "SELECT wallet_balance FROM accounts WHERE id = $1", accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}

	return balance, nil
}
