package usecase

import (
	"context"
	"errors"
	"net/http"
	"net/mail"
	"time"

	"shop/internal/domain/model"
	repo "shop/internal/repository"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// トークン発行はmainで組み立てる（JWT秘密鍵をusecaseに持ち込まない）
type TokenIssuer interface {
	Issue(userID int64, role model.Role, brandID int64) (string, error)
}

type AuthUsecase struct {
	userRepo repo.UserRepository
	issuer   TokenIssuer
}

func NewAuthUsecase(userRepo repo.UserRepository, issuer TokenIssuer) *AuthUsecase {
	return &AuthUsecase{userRepo: userRepo, issuer: issuer}
}

type RegisterInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
}

type AuthOutput struct {
	Token string     `json:"token"`
	User  UserOutput `json:"user"`
}

type UserOutput struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (u *AuthUsecase) Register(ctx context.Context, brandID int64, in RegisterInput) (AuthOutput, error) {
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return AuthOutput{}, NewHTTPError(http.StatusBadRequest, "invalid email")
	}
	if len(in.Password) < 8 {
		return AuthOutput{}, NewHTTPError(http.StatusBadRequest, "password must be at least 8 characters")
	}
	if in.Name == "" {
		return AuthOutput{}, NewHTTPError(http.StatusBadRequest, "name is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return AuthOutput{}, NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	created, err := u.userRepo.Create(ctx, model.User{
		BrandID:      brandID,
		Email:        in.Email,
		Name:         in.Name,
		PasswordHash: string(hash),
		Role:         model.RoleCustomer,
		Phone:        in.Phone,
		IsActive:     true,
	})
	if errors.Is(err, repo.ErrConflict) {
		return AuthOutput{}, NewHTTPError(http.StatusConflict, "email already registered")
	}
	if err != nil {
		return AuthOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}

	token, err := u.issuer.Issue(created.ID, created.Role, created.BrandID)
	if err != nil {
		return AuthOutput{}, NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	log.Info().Int64("user_id", created.ID).Int64("brand_id", brandID).Msg("user registered")
	return AuthOutput{Token: token, User: toUserOutput(created)}, nil
}

type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (u *AuthUsecase) Login(ctx context.Context, brandID int64, in LoginInput) (AuthOutput, error) {
	if in.Email == "" || in.Password == "" {
		return AuthOutput{}, NewHTTPError(http.StatusBadRequest, "email and password are required")
	}

	found, err := u.userRepo.FindByEmailAndBrand(ctx, in.Email, brandID)
	if errors.Is(err, repo.ErrNotFound) {
		//存在しないユーザーとパスワード不一致は区別しない
		return AuthOutput{}, NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	if err != nil {
		return AuthOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}
	if !found.IsActive {
		return AuthOutput{}, NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(found.PasswordHash), []byte(in.Password)); err != nil {
		return AuthOutput{}, NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	if err := u.userRepo.UpdateLastLogin(ctx, found.ID); err != nil {
		log.Error().Err(err).Int64("user_id", found.ID).Msg("failed to update last login")
	}

	token, err := u.issuer.Issue(found.ID, found.Role, found.BrandID)
	if err != nil {
		return AuthOutput{}, NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	return AuthOutput{Token: token, User: toUserOutput(found)}, nil
}

func (u *AuthUsecase) GetProfile(ctx context.Context, userID int64) (UserOutput, error) {
	if userID <= 0 {
		return UserOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	found, err := u.userRepo.FindByID(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return UserOutput{}, NewHTTPError(http.StatusNotFound, "not found")
	}
	if err != nil {
		return UserOutput{}, NewHTTPError(http.StatusInternalServerError, "db error")
	}
	return toUserOutput(found), nil
}

func toUserOutput(m model.User) UserOutput {
	return UserOutput{
		ID:        m.ID,
		Email:     m.Email,
		Name:      m.Name,
		Role:      string(m.Role),
		Phone:     m.Phone,
		CreatedAt: m.CreatedAt,
	}
}
