package repository

import (
	"context"

	"shop/internal/domain/model"
)

// コールバック突き合わせ用にcheckout_request_id / merchant_request_idでの検索を持つ。
type PaymentRepository interface {
	Create(ctx context.Context, p model.Payment) (model.Payment, error)
	FindByID(ctx context.Context, paymentID int64) (model.Payment, error)
	FindByReference(ctx context.Context, reference string) (model.Payment, error)
	FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (model.Payment, error)
	FindByMerchantRequestID(ctx context.Context, merchantRequestID string) (model.Payment, error)
	ListByOrderID(ctx context.Context, orderID int64) ([]model.Payment, error)
	ListByUserID(ctx context.Context, userID int64, page int, limit int) ([]model.Payment, int64, error)
	Update(ctx context.Context, p model.Payment) error
}
