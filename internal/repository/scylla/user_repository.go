package scylla

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"accounts-service/internal/models"
	"accounts-service/internal/repository"
	"accounts-service/internal/util"
)

const (
	cqlInsertUser = `INSERT INTO users (user_id, name, email, image, phone, phone_verified, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	cqlSelectUser = `SELECT user_id, name, email, image, phone, phone_verified, created_at, updated_at
        FROM users WHERE user_id = ?`
	cqlClaimPhone   = `INSERT INTO users_by_phone (phone, user_id) VALUES (?, ?) IF NOT EXISTS`
	cqlReleasePhone = `DELETE FROM users_by_phone WHERE phone = ? IF user_id = ?`
	cqlUserByPhone  = `SELECT user_id FROM users_by_phone WHERE phone = ?`
)

// Store implements the account store over ScyllaDB. Uniqueness of phones
// and provider identities is claimed with lightweight transactions; the
// remaining rows are written in one logged batch, and a failed batch
// releases the claim.
type Store struct {
	client *ScyllaClient
}

var _ repository.Store = (*Store)(nil)

func NewStore(client *ScyllaClient) *Store {
	return &Store{client: client}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

func parseUUID(id string) (gocql.UUID, error) {
	u, err := gocql.ParseUUID(id)
	if err != nil {
		return gocql.UUID{}, repository.ErrNotFound
	}
	return u, nil
}

func notFound(err error) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return repository.ErrNotFound
	}
	return err
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	uid, err := parseUUID(id)
	if err != nil {
		return nil, err
	}

	var (
		u             models.User
		rowID         gocql.UUID
		phoneVerified time.Time
	)
	err = s.client.query(ctx, cqlSelectUser, uid).
		Scan(&rowID, &u.Name, &u.Email, &u.Image, &u.Phone, &phoneVerified, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	u.ID = rowID.String()
	if !phoneVerified.IsZero() {
		u.PhoneVerified = &phoneVerified
	}
	return &u, nil
}

func (s *Store) FindUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	var uid gocql.UUID
	if err := s.client.query(ctx, cqlUserByPhone, phone).Scan(&uid); err != nil {
		return nil, notFound(err)
	}
	return s.FindUserByID(ctx, uid.String())
}

func (s *Store) CreatePhoneUser(ctx context.Context, phone string, verifiedAt time.Time) (*models.User, error) {
	userID := uuid.New()
	uid := gocql.UUID(userID)

	applied, err := s.client.query(ctx, cqlClaimPhone, phone, uid).MapScanCAS(map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("claim phone: %w", err)
	}
	if !applied {
		return nil, fmt.Errorf("%w: phone already registered", repository.ErrDuplicate)
	}

	u := models.User{
		ID:            userID.String(),
		Phone:         phone,
		PhoneVerified: &verifiedAt,
		CreatedAt:     verifiedAt,
		UpdatedAt:     verifiedAt,
	}
	acct := models.Account{
		ID:                uuid.NewString(),
		UserID:            u.ID,
		Type:              models.AccountTypePhone,
		Provider:          models.ProviderPhone,
		ProviderAccountID: phone,
		CreatedAt:         verifiedAt,
	}

	batch := s.client.loggedBatch(ctx)
	addUser(batch, uid, u)
	if err := addAccount(batch, acct); err != nil {
		s.releasePhone(ctx, phone, uid)
		return nil, err
	}
	if err := s.client.Session.ExecuteBatch(batch); err != nil {
		s.releasePhone(ctx, phone, uid)
		return nil, fmt.Errorf("create phone user: %w", err)
	}
	return &u, nil
}

func (s *Store) releasePhone(ctx context.Context, phone string, uid gocql.UUID) {
	if _, err := s.client.query(ctx, cqlReleasePhone, phone, uid).MapScanCAS(map[string]any{}); err != nil {
		util.Error("Failed to release phone claim", util.Phone(phone), zap.Error(err))
	}
}

func addUser(batch *gocql.Batch, uid gocql.UUID, u models.User) {
	batch.Query(cqlInsertUser, uid, u.Name, u.Email, u.Image, u.Phone, u.PhoneVerified, u.CreatedAt, u.UpdatedAt)
}

func (s *Store) MarkPhoneVerified(ctx context.Context, userID string, at time.Time) error {
	uid, err := parseUUID(userID)
	if err != nil {
		return err
	}
	if _, err := s.FindUserByID(ctx, userID); err != nil {
		return err
	}
	return s.client.query(ctx, `UPDATE users SET phone_verified = ?, updated_at = ? WHERE user_id = ?`, at, at, uid).Exec()
}

func (s *Store) UpdateUserProfile(ctx context.Context, userID string, update models.ProfileUpdate) error {
	if update.Empty() {
		return nil
	}
	uid, err := parseUUID(userID)
	if err != nil {
		return err
	}
	if _, err := s.FindUserByID(ctx, userID); err != nil {
		return err
	}

	var (
		sets []string
		args []any
	)
	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Image != nil {
		sets = append(sets, "image = ?")
		args = append(args, *update.Image)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), uid)

	stmt := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE user_id = ?`
	if err := s.client.query(ctx, stmt, args...).Exec(); err != nil {
		return fmt.Errorf("update user profile: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.client.Close()
	return nil
}
