package sqlite

import (
	"context"
	"fmt"

	"accounts-service/internal/models"
)

func (s *Store) CreateSession(ctx context.Context, sess models.Session) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO sessions (session_token, user_id, expires, created_at) VALUES (?, ?, ?, ?)`,
		sess.Token, sess.UserID, toMillis(sess.ExpiresAt), toMillis(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", translate(err))
	}
	return nil
}

func (s *Store) FindSession(ctx context.Context, token string) (*models.Session, error) {
	var (
		sess      models.Session
		expires   int64
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT session_token, user_id, expires, created_at FROM sessions WHERE session_token = ?`, token).
		Scan(&sess.Token, &sess.UserID, &expires, &createdAt)
	if err != nil {
		return nil, translate(err)
	}
	sess.ExpiresAt = fromMillis(expires)
	sess.CreatedAt = fromMillis(createdAt)
	return &sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sessions WHERE session_token = ?`, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
