package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"accounts-service/internal/models"
)

// ReplaceChallenge makes ch the only live challenge for its phone.
func (s *Store) ReplaceChallenge(ctx context.Context, ch models.Challenge) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM verification_tokens WHERE identifier = ?`, ch.Phone); err != nil {
			return fmt.Errorf("delete previous challenge: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO verification_tokens (identifier, token, expires, created_at) VALUES (?, ?, ?, ?)`,
			ch.Phone, ch.CodeHash, toMillis(ch.ExpiresAt), toMillis(ch.CreatedAt)); err != nil {
			return fmt.Errorf("insert challenge: %w", translate(err))
		}
		return nil
	})
}

func (s *Store) FindChallenge(ctx context.Context, phone string) (*models.Challenge, error) {
	var (
		ch        models.Challenge
		expires   int64
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT identifier, token, expires, created_at FROM verification_tokens WHERE identifier = ?`, phone).
		Scan(&ch.Phone, &ch.CodeHash, &expires, &createdAt)
	if err != nil {
		return nil, translate(err)
	}
	ch.ExpiresAt = fromMillis(expires)
	ch.CreatedAt = fromMillis(createdAt)
	return &ch, nil
}

func (s *Store) DeleteChallenge(ctx context.Context, phone string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM verification_tokens WHERE identifier = ?`, phone); err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}
