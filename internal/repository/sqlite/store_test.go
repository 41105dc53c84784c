package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accounts-service/internal/models"
	"accounts-service/internal/repository"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func wechatUser(now time.Time) (models.User, models.Account) {
	u := models.User{ID: uuid.NewString(), Name: "微信用户", Image: "https://img/1.png", CreatedAt: now, UpdatedAt: now}
	exp := now.Add(2 * time.Hour).Unix()
	a := models.Account{
		ID:                uuid.NewString(),
		UserID:            u.ID,
		Type:              models.AccountTypeOAuth,
		Provider:          models.ProviderWeChat,
		ProviderAccountID: "union-1",
		AccessToken:       "enc:access",
		RefreshToken:      "enc:refresh",
		ExpiresAt:         &exp,
		CreatedAt:         now,
	}
	return u, a
}

func TestCreatePhoneUser(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	u, err := store.CreatePhoneUser(ctx, "13800138000", now)
	require.NoError(t, err)

	got, err := store.FindUserByPhone(ctx, "13800138000")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	require.NotNil(t, got.PhoneVerified)
	assert.True(t, now.Equal(*got.PhoneVerified))

	accounts, err := store.ListAccounts(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, models.ProviderPhone, accounts[0].Provider)
	assert.Equal(t, "13800138000", accounts[0].ProviderAccountID)

	_, err = store.CreatePhoneUser(ctx, "13800138000", now)
	assert.ErrorIs(t, err, repository.ErrDuplicate)
}

func TestFindUserNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.FindUserByPhone(context.Background(), "13900000000")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = store.FindUserByID(context.Background(), "nope")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCreateUserWithAccountIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC()

	u1, a1 := wechatUser(now)
	require.NoError(t, store.CreateUserWithAccount(ctx, u1, a1))

	found, err := store.FindAccount(ctx, models.ProviderWeChat, "union-1")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, found.UserID)
	assert.Equal(t, "enc:access", found.AccessToken)
	require.NotNil(t, found.ExpiresAt)

	// Same provider identity: the account insert fails, so the user must
	// not survive either.
	u2, a2 := wechatUser(now)
	err = store.CreateUserWithAccount(ctx, u2, a2)
	require.ErrorIs(t, err, repository.ErrDuplicate)

	_, err = store.FindUserByID(ctx, u2.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUpdateUserProfileKeepsUnsetFields(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	u, a := wechatUser(time.Now().UTC())
	require.NoError(t, store.CreateUserWithAccount(ctx, u, a))

	name := "新名字"
	require.NoError(t, store.UpdateUserProfile(ctx, u.ID, models.ProfileUpdate{Name: &name}))

	got, err := store.FindUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "新名字", got.Name)
	assert.Equal(t, "https://img/1.png", got.Image)

	err = store.UpdateUserProfile(ctx, "missing", models.ProfileUpdate{Name: &name})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUnlinkProvider(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC()

	u, err := store.CreatePhoneUser(ctx, "13800138000", now)
	require.NoError(t, err)

	_, err = store.UnlinkProvider(ctx, u.ID, models.ProviderPhone)
	assert.ErrorIs(t, err, repository.ErrLastLoginMethod)

	_, wa := wechatUser(now)
	wa.UserID = u.ID
	_, err = store.sqlDB.Exec(`INSERT INTO accounts (id, user_id, type, provider, provider_account_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		wa.ID, u.ID, wa.Type, wa.Provider, wa.ProviderAccountID, toMillis(now))
	require.NoError(t, err)

	_, err = store.UnlinkProvider(ctx, u.ID, "github")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	n, err := store.UnlinkProvider(ctx, u.ID, models.ProviderWeChat)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	accounts, err := store.ListAccounts(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestChallengeReplaceFindDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.ReplaceChallenge(ctx, models.Challenge{Phone: "13800138000", CodeHash: "h1", ExpiresAt: now.Add(time.Minute), CreatedAt: now}))
	require.NoError(t, store.ReplaceChallenge(ctx, models.Challenge{Phone: "13800138000", CodeHash: "h2", ExpiresAt: now.Add(5 * time.Minute), CreatedAt: now}))

	ch, err := store.FindChallenge(ctx, "13800138000")
	require.NoError(t, err)
	assert.Equal(t, "h2", ch.CodeHash)
	assert.True(t, now.Add(5*time.Minute).Equal(ch.ExpiresAt))

	require.NoError(t, store.DeleteChallenge(ctx, "13800138000"))
	_, err = store.FindChallenge(ctx, "13800138000")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	u, err := store.CreatePhoneUser(ctx, "13800138000", now)
	require.NoError(t, err)

	sess := models.Session{Token: "tok", UserID: u.ID, ExpiresAt: now.Add(30 * 24 * time.Hour), CreatedAt: now}
	require.NoError(t, store.CreateSession(ctx, sess))
	assert.ErrorIs(t, store.CreateSession(ctx, sess), repository.ErrDuplicate)

	got, err := store.FindSession(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.UserID)
	assert.True(t, sess.ExpiresAt.Equal(got.ExpiresAt))

	require.NoError(t, store.DeleteSession(ctx, "tok"))
	_, err = store.FindSession(ctx, "tok")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestConcurrentPhoneUserCreationHasOneWinner(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.CreatePhoneUser(ctx, "13700000000", time.Now())
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, repository.ErrDuplicate)
		}
	}
	assert.Equal(t, 1, ok)
}
