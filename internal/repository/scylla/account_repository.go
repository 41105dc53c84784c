package scylla

import (
	"context"
	"fmt"
	"sort"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"accounts-service/internal/models"
	"accounts-service/internal/repository"
	"accounts-service/internal/util"
)

const (
	cqlInsertAccountByProvider = `INSERT INTO accounts_by_provider
        (provider, provider_account_id, account_id, user_id, type, access_token, refresh_token, expires_at, scope, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	cqlClaimAccount   = cqlInsertAccountByProvider + ` IF NOT EXISTS`
	cqlReleaseAccount = `DELETE FROM accounts_by_provider WHERE provider = ? AND provider_account_id = ? IF user_id = ?`
	cqlSelectAccount  = `SELECT account_id, user_id, type, provider, provider_account_id,
        access_token, refresh_token, expires_at, scope, created_at
        FROM accounts_by_provider WHERE provider = ? AND provider_account_id = ?`
	cqlInsertAccountByUser = `INSERT INTO accounts_by_user
        (user_id, provider, provider_account_id, account_id, type, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	cqlAccountsByUser = `SELECT provider, provider_account_id, account_id, type, created_at
        FROM accounts_by_user WHERE user_id = ?`
	cqlDeleteAccountByUser     = `DELETE FROM accounts_by_user WHERE user_id = ? AND provider = ? AND provider_account_id = ?`
	cqlDeleteAccountByProvider = `DELETE FROM accounts_by_provider WHERE provider = ? AND provider_account_id = ?`
)

func accountArgs(a models.Account) ([]any, error) {
	accountID, err := gocql.ParseUUID(a.ID)
	if err != nil {
		return nil, fmt.Errorf("account id: %w", err)
	}
	userID, err := gocql.ParseUUID(a.UserID)
	if err != nil {
		return nil, fmt.Errorf("account user id: %w", err)
	}
	return []any{a.Provider, a.ProviderAccountID, accountID, userID, a.Type,
		a.AccessToken, a.RefreshToken, a.ExpiresAt, a.Scope, a.CreatedAt}, nil
}

// addAccount queues both account rows on batch without claiming the
// provider identity.
func addAccount(batch *gocql.Batch, a models.Account) error {
	args, err := accountArgs(a)
	if err != nil {
		return err
	}
	batch.Query(cqlInsertAccountByProvider, args...)
	batch.Query(cqlInsertAccountByUser, args[3], a.Provider, a.ProviderAccountID, args[2], a.Type, a.CreatedAt)
	return nil
}

func (s *Store) FindAccount(ctx context.Context, provider, providerAccountID string) (*models.Account, error) {
	var (
		a                 models.Account
		accountID, userID gocql.UUID
		expiresAt         *int64
	)
	err := s.client.query(ctx, cqlSelectAccount, provider, providerAccountID).
		Scan(&accountID, &userID, &a.Type, &a.Provider, &a.ProviderAccountID,
			&a.AccessToken, &a.RefreshToken, &expiresAt, &a.Scope, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	a.ID = accountID.String()
	a.UserID = userID.String()
	a.ExpiresAt = expiresAt
	return &a, nil
}

// CreateUserWithAccount claims the provider identity first, so two callbacks
// racing on one identity create at most one user.
func (s *Store) CreateUserWithAccount(ctx context.Context, u models.User, a models.Account) error {
	args, err := accountArgs(a)
	if err != nil {
		return err
	}
	uid, err := gocql.ParseUUID(u.ID)
	if err != nil {
		return fmt.Errorf("user id: %w", err)
	}

	applied, err := s.client.query(ctx, cqlClaimAccount, args...).MapScanCAS(map[string]any{})
	if err != nil {
		return fmt.Errorf("claim account: %w", err)
	}
	if !applied {
		return fmt.Errorf("%w: %s account already linked", repository.ErrDuplicate, a.Provider)
	}

	batch := s.client.loggedBatch(ctx)
	addUser(batch, uid, u)
	batch.Query(cqlInsertAccountByUser, uid, a.Provider, a.ProviderAccountID, args[2], a.Type, a.CreatedAt)
	if err := s.client.Session.ExecuteBatch(batch); err != nil {
		if _, rerr := s.client.query(ctx, cqlReleaseAccount, a.Provider, a.ProviderAccountID, uid).
			MapScanCAS(map[string]any{}); rerr != nil {
			util.Error("Failed to release account claim",
				zap.String("provider", a.Provider), zap.Error(rerr))
		}
		return fmt.Errorf("create user with account: %w", err)
	}
	return nil
}

// ListAccounts returns link metadata only. Provider tokens live on the
// accounts_by_provider row and are read through FindAccount.
func (s *Store) ListAccounts(ctx context.Context, userID string) ([]models.Account, error) {
	uid, err := parseUUID(userID)
	if err != nil {
		return nil, nil
	}

	iter := s.client.query(ctx, cqlAccountsByUser, uid).Iter()
	var (
		out       []models.Account
		a         models.Account
		accountID gocql.UUID
	)
	for iter.Scan(&a.Provider, &a.ProviderAccountID, &accountID, &a.Type, &a.CreatedAt) {
		a.ID = accountID.String()
		a.UserID = userID
		out = append(out, a)
		a = models.Account{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UnlinkProvider removes the user's accounts for provider unless none would
// remain. The count and the delete are not isolated from a concurrent unlink
// of a different provider by the same user.
func (s *Store) UnlinkProvider(ctx context.Context, userID, provider string) (int64, error) {
	accounts, err := s.ListAccounts(ctx, userID)
	if err != nil {
		return 0, err
	}

	var matching []models.Account
	for _, a := range accounts {
		if a.Provider == provider {
			matching = append(matching, a)
		}
	}
	total := len(accounts)
	if total <= 1 || total-len(matching) < 1 {
		return 0, repository.ErrLastLoginMethod
	}
	if len(matching) == 0 {
		return 0, repository.ErrNotFound
	}

	uid, _ := parseUUID(userID)
	batch := s.client.loggedBatch(ctx)
	for _, a := range matching {
		batch.Query(cqlDeleteAccountByUser, uid, a.Provider, a.ProviderAccountID)
		batch.Query(cqlDeleteAccountByProvider, a.Provider, a.ProviderAccountID)
	}
	if err := s.client.Session.ExecuteBatch(batch); err != nil {
		return 0, fmt.Errorf("unlink provider: %w", err)
	}
	return int64(len(matching)), nil
}
