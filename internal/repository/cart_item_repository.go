package repository

import (
	"context"

	"shop/internal/domain/model"
)

type CartItemRepository interface {
	ListByCartID(ctx context.Context, cartID int64) ([]model.CartItem, error)
	FindByID(ctx context.Context, cartItemID int64) (model.CartItem, error)

	//同一カート内の同じ商品+size+colorの明細を探す（マージ判定用）
	FindByCartAndVariant(ctx context.Context, cartID int64, productID int64, size string, color string) (model.CartItem, error)

	Create(ctx context.Context, item model.CartItem) (model.CartItem, error)
	UpdateQuantity(ctx context.Context, cartItemID int64, qty int64) error
	DeleteByID(ctx context.Context, cartItemID int64) error

	//cartItemがそのカートに属しているか
	IsInCart(ctx context.Context, cartItemID int64, cartID int64) (bool, error)
}
