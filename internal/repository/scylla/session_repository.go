package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"accounts-service/internal/models"
)

// ttlSeconds converts the time left until expiresAt into a CQL TTL. Rows
// past their expiry still get one second so the read path sees them expire.
func ttlSeconds(expiresAt time.Time) int {
	ttl := int(time.Until(expiresAt).Seconds())
	if ttl < 1 {
		return 1
	}
	return ttl
}

func (s *Store) CreateSession(ctx context.Context, sess models.Session) error {
	uid, err := gocql.ParseUUID(sess.UserID)
	if err != nil {
		return fmt.Errorf("session user id: %w", err)
	}
	err = s.client.query(ctx,
		`INSERT INTO sessions (session_token, user_id, expires, created_at) VALUES (?, ?, ?, ?) USING TTL ?`,
		sess.Token, uid, sess.ExpiresAt, sess.CreatedAt, ttlSeconds(sess.ExpiresAt)).Exec()
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) FindSession(ctx context.Context, token string) (*models.Session, error) {
	var (
		sess models.Session
		uid  gocql.UUID
	)
	err := s.client.query(ctx,
		`SELECT session_token, user_id, expires, created_at FROM sessions WHERE session_token = ?`, token).
		Scan(&sess.Token, &uid, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	sess.UserID = uid.String()
	return &sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	if err := s.client.query(ctx, `DELETE FROM sessions WHERE session_token = ?`, token).Exec(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ReplaceChallenge overwrites any previous challenge for the phone. The row
// outlives its expiry by an hour so a late verify reports the code as expired.
func (s *Store) ReplaceChallenge(ctx context.Context, ch models.Challenge) error {
	err := s.client.query(ctx,
		`INSERT INTO verification_tokens (identifier, token, expires, created_at) VALUES (?, ?, ?, ?) USING TTL ?`,
		ch.Phone, ch.CodeHash, ch.ExpiresAt, ch.CreatedAt, ttlSeconds(ch.ExpiresAt.Add(time.Hour))).Exec()
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

func (s *Store) FindChallenge(ctx context.Context, phone string) (*models.Challenge, error) {
	var ch models.Challenge
	err := s.client.query(ctx,
		`SELECT identifier, token, expires, created_at FROM verification_tokens WHERE identifier = ?`, phone).
		Scan(&ch.Phone, &ch.CodeHash, &ch.ExpiresAt, &ch.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &ch, nil
}

func (s *Store) DeleteChallenge(ctx context.Context, phone string) error {
	if err := s.client.query(ctx, `DELETE FROM verification_tokens WHERE identifier = ?`, phone).Exec(); err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}
