package usecase

import (
	"context"
	"fmt"
	"testing"

	"shop/internal/domain/model"
	repo "shop/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type memUsers struct {
	users  map[int64]model.User
	nextID int64
}

func newMemUsers() *memUsers {
	return &memUsers{users: map[int64]model.User{}}
}

func (r *memUsers) FindByID(_ context.Context, userID int64) (model.User, error) {
	u, ok := r.users[userID]
	if !ok {
		return model.User{}, repo.ErrNotFound
	}
	return u, nil
}

func (r *memUsers) FindByEmailAndBrand(_ context.Context, email string, brandID int64) (model.User, error) {
	for _, u := range r.users {
		if u.Email == email && u.BrandID == brandID {
			return u, nil
		}
	}
	return model.User{}, repo.ErrNotFound
}

func (r *memUsers) Create(_ context.Context, u model.User) (model.User, error) {
	for _, existing := range r.users {
		if existing.Email == u.Email && existing.BrandID == u.BrandID {
			return model.User{}, repo.ErrConflict
		}
	}
	r.nextID++
	u.ID = r.nextID
	r.users[u.ID] = u
	return u, nil
}

func (r *memUsers) UpdateLastLogin(_ context.Context, userID int64) error {
	if _, ok := r.users[userID]; !ok {
		return repo.ErrNotFound
	}
	return nil
}

type fakeIssuer struct{}

func (fakeIssuer) Issue(userID int64, role model.Role, brandID int64) (string, error) {
	return fmt.Sprintf("token-%d-%s-%d", userID, role, brandID), nil
}

func TestRegister(t *testing.T) {
	users := newMemUsers()
	uc := NewAuthUsecase(users, fakeIssuer{})

	out, err := uc.Register(context.Background(), 1, RegisterInput{
		Email:    "jane@example.com",
		Password: "secret-pass",
		Name:     "Jane",
	})
	require.NoError(t, err)
	assert.Equal(t, "token-1-customer-1", out.Token)
	assert.Equal(t, "customer", out.User.Role)

	//パスワードは平文で保存されない
	stored := users.users[out.User.ID]
	assert.NotEqual(t, "secret-pass", stored.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("secret-pass")))
}

func TestRegister_DuplicateEmailSameBrand(t *testing.T) {
	users := newMemUsers()
	uc := NewAuthUsecase(users, fakeIssuer{})

	_, err := uc.Register(context.Background(), 1, RegisterInput{Email: "jane@example.com", Password: "secret-pass", Name: "Jane"})
	require.NoError(t, err)

	_, err = uc.Register(context.Background(), 1, RegisterInput{Email: "jane@example.com", Password: "other-pass", Name: "Jane2"})
	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 409, he.Status)

	//別ブランドなら同じemailで登録できる
	_, err = uc.Register(context.Background(), 2, RegisterInput{Email: "jane@example.com", Password: "other-pass", Name: "Jane"})
	assert.NoError(t, err)
}

func TestRegister_Validation(t *testing.T) {
	uc := NewAuthUsecase(newMemUsers(), fakeIssuer{})

	_, err := uc.Register(context.Background(), 1, RegisterInput{Email: "not-an-email", Password: "secret-pass", Name: "x"})
	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 400, he.Status)

	_, err = uc.Register(context.Background(), 1, RegisterInput{Email: "a@b.com", Password: "short", Name: "x"})
	he, ok = AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 400, he.Status)
}

func TestLogin(t *testing.T) {
	users := newMemUsers()
	uc := NewAuthUsecase(users, fakeIssuer{})

	_, err := uc.Register(context.Background(), 1, RegisterInput{Email: "jane@example.com", Password: "secret-pass", Name: "Jane"})
	require.NoError(t, err)

	out, err := uc.Login(context.Background(), 1, LoginInput{Email: "jane@example.com", Password: "secret-pass"})
	require.NoError(t, err)
	assert.NotEmpty(t, out.Token)

	//間違ったパスワード
	_, err = uc.Login(context.Background(), 1, LoginInput{Email: "jane@example.com", Password: "wrong"})
	he, ok := AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 401, he.Status)

	//別ブランドではログインできない
	_, err = uc.Login(context.Background(), 2, LoginInput{Email: "jane@example.com", Password: "secret-pass"})
	he, ok = AsHTTPError(err)
	require.True(t, ok)
	assert.Equal(t, 401, he.Status)
}
