package coa

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads the chart of accounts from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByCode returns the account with the given code.
func (r *Repository) GetByCode(ctx context.Context, code string) (Account, bool, error) {
	row := r.pool.QueryRow(ctx, `SELECT code, name, category, is_active, created_at, updated_at
FROM accounts WHERE code = $1`, code)
	var account Account
	if err := row.Scan(&account.Code, &account.Name, &account.Category, &account.IsActive, &account.CreatedAt, &account.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, false, nil
		}
		return Account{}, false, err
	}
	return account, true, nil
}

// ListActive returns all active accounts.
func (r *Repository) ListActive(ctx context.Context) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT code, name, category, is_active, created_at, updated_at
FROM accounts WHERE is_active ORDER BY code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		var account Account
		if err := rows.Scan(&account.Code, &account.Name, &account.Category, &account.IsActive, &account.CreatedAt, &account.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}
