package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"accounts-service/internal/models"
	"accounts-service/internal/repository"
)

const accountColumns = `id, user_id, type, provider, provider_account_id, access_token, refresh_token, expires_at, scope, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		a         models.Account
		expiresAt sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.Type, &a.Provider, &a.ProviderAccountID,
		&a.AccessToken, &a.RefreshToken, &expiresAt, &a.Scope, &createdAt); err != nil {
		return nil, translate(err)
	}
	if expiresAt.Valid {
		v := expiresAt.Int64
		a.ExpiresAt = &v
	}
	a.CreatedAt = fromMillis(createdAt)
	return &a, nil
}

func insertAccount(ctx context.Context, q queryer, a models.Account) error {
	var expiresAt sql.NullInt64
	if a.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: *a.ExpiresAt, Valid: true}
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Type, a.Provider, a.ProviderAccountID,
		a.AccessToken, a.RefreshToken, expiresAt, a.Scope, toMillis(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", translate(err))
	}
	return nil
}

func (s *Store) FindAccount(ctx context.Context, provider, providerAccountID string) (*models.Account, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE provider = ? AND provider_account_id = ?`,
		provider, providerAccountID)
	return scanAccount(row)
}

// CreateUserWithAccount inserts both rows in one transaction, so a failed
// account insert leaves no user behind.
func (s *Store) CreateUserWithAccount(ctx context.Context, u models.User, a models.Account) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertUser(ctx, tx, u); err != nil {
			return err
		}
		return insertAccount(ctx, tx, a)
	})
}

func (s *Store) ListAccounts(ctx context.Context, userID string) ([]models.Account, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UnlinkProvider deletes the user's accounts for provider unless that would
// leave the user with none.
func (s *Store) UnlinkProvider(ctx context.Context, userID, provider string) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var total, matching int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(CASE WHEN provider = ? THEN 1 ELSE 0 END), 0)
			 FROM accounts WHERE user_id = ?`, provider, userID).Scan(&total, &matching); err != nil {
			return fmt.Errorf("count accounts: %w", err)
		}
		if total <= 1 || total-matching < 1 {
			return repository.ErrLastLoginMethod
		}
		if matching == 0 {
			return repository.ErrNotFound
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE user_id = ? AND provider = ?`, userID, provider)
		if err != nil {
			return fmt.Errorf("delete accounts: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}
