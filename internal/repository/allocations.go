package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgconn"

	"github.com/mirzadev/resellerd/internal/models"
)

func (r *PostgresRepository) CreatePendingAllocation(ctx context.Context, invoiceID, accountID, volumeGB int64, panelUsername string) (*models.Allocation, error) {
	allocation := &models.Allocation{
		InvoiceID:     invoiceID,
		AccountID:     accountID,
		VolumeGB:      volumeGB,
		PanelUsername: panelUsername,
	}

	err := r.db.QueryRowContext(
		ctx,
		`INSERT INTO allocations (invoice_id, account_id, volume_gb, panel_username)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		invoiceID, accountID, volumeGB, panelUsername,
	).Scan(&allocation.ID, &allocation.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateIdentity
		}
		return nil, err
	}

	return allocation, nil
}

// GetPendingAllocations returns undelivered rows still under the attempt cap,
// so a batch of exhausted rows can never starve newer ones.
func (r *PostgresRepository) GetPendingAllocations(ctx context.Context, limit, maxAttempts int) ([]models.Allocation, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, invoice_id, account_id, volume_gb, panel_username, allocated, attempts, created_at
		 FROM allocations
		 WHERE NOT allocated AND attempts < $2
		 ORDER BY created_at
		 LIMIT $1`,
		limit, maxAttempts,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocations []models.Allocation
	for rows.Next() {
		var a models.Allocation
		if err := rows.Scan(
			&a.ID,
			&a.InvoiceID,
			&a.AccountID,
			&a.VolumeGB,
			&a.PanelUsername,
			&a.Allocated,
			&a.Attempts,
			&a.CreatedAt,
		); err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return allocations, nil
}

func (r *PostgresRepository) MarkAllocated(ctx context.Context, allocationID int64) error {
	res, err := r.db.ExecContext(ctx, "UPDATE allocations SET allocated = TRUE WHERE id = $1", allocationID)
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

func (r *PostgresRepository) BumpAllocationAttempts(ctx context.Context, allocationID int64) error {
	_, err := r.db.ExecContext(ctx, "UPDATE allocations SET attempts = attempts + 1 WHERE id = $1", allocationID)
	return err
}
