package repository

import (
	"context"

	"shop/internal/domain/model"
)

// 在庫の加減算と調整履歴。
// 減算は「足りるときだけ減らす」条件付きUPDATEで、同時注文の売り越しを防ぐ。
type InventoryRepository interface {
	DecreaseStockIfEnough(ctx context.Context, productID int64, qty int64) (bool, error)
	IncreaseStock(ctx context.Context, productID int64, qty int64) error
	SetStock(ctx context.Context, productID int64, newStock int64) error
	CreateAdjustment(ctx context.Context, adj model.InventoryAdjustment) error
}
