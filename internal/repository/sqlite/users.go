package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"accounts-service/internal/models"
	"accounts-service/internal/repository"
)

const userColumns = `id, name, COALESCE(email, ''), image, COALESCE(phone, ''), phone_verified, created_at, updated_at`

func scanUser(row *sql.Row) (*models.User, error) {
	var (
		u             models.User
		phoneVerified sql.NullInt64
		createdAt     int64
		updatedAt     int64
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Image, &u.Phone, &phoneVerified, &createdAt, &updatedAt); err != nil {
		return nil, translate(err)
	}
	if phoneVerified.Valid {
		t := fromMillis(phoneVerified.Int64)
		u.PhoneVerified = &t
	}
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return &u, nil
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	return scanUser(s.sqlDB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (s *Store) FindUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	return scanUser(s.sqlDB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE phone = ?`, phone))
}

func insertUser(ctx context.Context, q queryer, u models.User) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO users (id, name, email, image, phone, phone_verified, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, nullableString(u.Email), u.Image, nullableString(u.Phone),
		nullableMillis(u.PhoneVerified), toMillis(u.CreatedAt), toMillis(u.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", translate(err))
	}
	return nil
}

// CreatePhoneUser creates a user and its phone account in one transaction.
// A concurrent creation for the same phone yields repository.ErrDuplicate.
func (s *Store) CreatePhoneUser(ctx context.Context, phone string, verifiedAt time.Time) (*models.User, error) {
	u := models.User{
		ID:            uuid.NewString(),
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

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertUser(ctx, tx, u); err != nil {
			return err
		}
		return insertAccount(ctx, tx, acct)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) MarkPhoneVerified(ctx context.Context, userID string, at time.Time) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE users SET phone_verified = ?, updated_at = ? WHERE id = ?`,
		toMillis(at), toMillis(at), userID)
	if err != nil {
		return fmt.Errorf("mark phone verified: %w", err)
	}
	return expectOne(res)
}

// UpdateUserProfile writes only the non-nil fields of update.
func (s *Store) UpdateUserProfile(ctx context.Context, userID string, update models.ProfileUpdate) error {
	if update.Empty() {
		return nil
	}

	var name, image sql.NullString
	if update.Name != nil {
		name = sql.NullString{String: *update.Name, Valid: true}
	}
	if update.Image != nil {
		image = sql.NullString{String: *update.Image, Valid: true}
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE users
		 SET name = COALESCE(?, name), image = COALESCE(?, image), updated_at = ?
		 WHERE id = ?`,
		name, image, toMillis(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("update user profile: %w", err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}
