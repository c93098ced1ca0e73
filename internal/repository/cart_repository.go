package repository

import (
	"context"

	"shop/internal/domain/model"
)

type CartRepository interface {
	FindByUserID(ctx context.Context, userID int64) (model.Cart, error)
	FindBySessionID(ctx context.Context, sessionID string) (model.Cart, error)
	FindByID(ctx context.Context, cartID int64) (model.Cart, error)
	Create(ctx context.Context, cart model.Cart) (model.Cart, error)

	//明細を全削除（チェックアウト後）
	Clear(ctx context.Context, cartID int64) error

	//カート本体を明細ごと削除（マージ後のゲストカート）
	Delete(ctx context.Context, cartID int64) error
}
