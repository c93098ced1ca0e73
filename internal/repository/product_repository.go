package repository

import (
	"context"
	"errors"

	"shop/internal/domain/model"
)

var ErrNotFound = errors.New("not found")

// 一意制約違反（order_number / payment_reference / emailなど）
var ErrConflict = errors.New("conflict")

// 公開一覧の検索条件
type ProductListQuery struct {
	Page     int
	Limit    int
	Q        string
	Category string
	MinPrice *float64
	MaxPrice *float64
	BrandID  *int64
	Sort     string
}

// 商品の永続化だけを約束。
type ProductRepository interface {
	ListPublic(ctx context.Context, q ProductListQuery) ([]model.Product, int64, error)
	FindByID(ctx context.Context, id int64) (model.Product, error)

	Create(ctx context.Context, p model.Product) (model.Product, error)
	Update(ctx context.Context, p model.Product) error
	SoftDelete(ctx context.Context, id int64) error
}
