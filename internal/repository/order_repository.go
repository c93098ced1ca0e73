package repository

import (
	"context"
	"time"

	"shop/internal/domain/model"
)

type AdminOrderListFilter struct {
	Page   int
	Limit  int
	Status string
	//注文番号の部分一致
	Term   string
	UserID *int64
	From   *time.Time
	To     *time.Time
}

// 期間内の注文集計。売上にはcancelled/refundedを含めない。
type OrderStats struct {
	TotalOrders  int64
	TotalRevenue float64
	ByStatus     map[model.OrderStatus]int64
}

type OrderRepository interface {
	FindByID(ctx context.Context, orderID int64) (model.Order, error)
	FindByNumber(ctx context.Context, orderNumber string) (model.Order, error)
	ListByUserID(ctx context.Context, userID int64, page int, limit int) ([]model.Order, int64, error)
	Create(ctx context.Context, order model.Order) (int64, error)

	//ステータスと付随カラム（cancelled_at等）をまとめて保存する。
	//fromが現在のステータスと一致する行だけを更新し、外れたらErrConflict。
	Update(ctx context.Context, order model.Order, from model.OrderStatus) error
	UpdateStatus(ctx context.Context, orderID int64, from model.OrderStatus, to model.OrderStatus) error

	//管理者用の注文一覧
	ListAdmin(ctx context.Context, f AdminOrderListFilter) ([]model.Order, int64, error)
	Stats(ctx context.Context, from *time.Time, to *time.Time) (OrderStats, error)
}
