package repository

import (
	"context"

	"shop/internal/domain/model"
)

type UserRepository interface {
	FindByID(ctx context.Context, userID int64) (model.User, error)
	FindByEmailAndBrand(ctx context.Context, email string, brandID int64) (model.User, error)
	Create(ctx context.Context, u model.User) (model.User, error)
	UpdateLastLogin(ctx context.Context, userID int64) error
}
