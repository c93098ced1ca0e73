package repository

import (
	"context"

	"shop/internal/domain/model"
	repo "shop/internal/repository"

	"gorm.io/gorm"
)

type PaymentGormRepository struct {
	db *gorm.DB
}

func NewPaymentGormRepository(db *gorm.DB) *PaymentGormRepository {
	return &PaymentGormRepository{db: db}
}

// payment_referenceの一意制約違反はErrConflict（再採番リトライ用）
func (r *PaymentGormRepository) Create(ctx context.Context, p model.Payment) (model.Payment, error) {
	if err := r.db.WithContext(ctx).Create(&p).Error; err != nil {
		if isUniqueViolation(err) {
			return model.Payment{}, repo.ErrConflict
		}
		return model.Payment{}, err
	}
	return p, nil
}

func (r *PaymentGormRepository) FindByID(ctx context.Context, paymentID int64) (model.Payment, error) {
	var p model.Payment
	err := r.db.WithContext(ctx).Where("id = ?", paymentID).First(&p).Error
	if isNotFound(err) {
		return model.Payment{}, repo.ErrNotFound
	}
	if err != nil {
		return model.Payment{}, err
	}
	return p, nil
}

func (r *PaymentGormRepository) FindByReference(ctx context.Context, reference string) (model.Payment, error) {
	var p model.Payment
	err := r.db.WithContext(ctx).Where("payment_reference = ?", reference).First(&p).Error
	if isNotFound(err) {
		return model.Payment{}, repo.ErrNotFound
	}
	if err != nil {
		return model.Payment{}, err
	}
	return p, nil
}

func (r *PaymentGormRepository) FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (model.Payment, error) {
	// 相関IDなしで保存された古い行に空文字で一致させない
	if checkoutRequestID == "" {
		return model.Payment{}, repo.ErrNotFound
	}
	var p model.Payment
	err := r.db.WithContext(ctx).
		Where("checkout_request_id = ?", checkoutRequestID).
		Order("id desc").
		First(&p).Error
	if isNotFound(err) {
		return model.Payment{}, repo.ErrNotFound
	}
	if err != nil {
		return model.Payment{}, err
	}
	return p, nil
}

func (r *PaymentGormRepository) FindByMerchantRequestID(ctx context.Context, merchantRequestID string) (model.Payment, error) {
	if merchantRequestID == "" {
		return model.Payment{}, repo.ErrNotFound
	}
	var p model.Payment
	err := r.db.WithContext(ctx).
		Where("merchant_request_id = ?", merchantRequestID).
		Order("id desc").
		First(&p).Error
	if isNotFound(err) {
		return model.Payment{}, repo.ErrNotFound
	}
	if err != nil {
		return model.Payment{}, err
	}
	return p, nil
}

func (r *PaymentGormRepository) ListByOrderID(ctx context.Context, orderID int64) ([]model.Payment, error) {
	var items []model.Payment
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id desc").
		Find(&items).Error; err != nil {
		return []model.Payment{}, err
	}
	return items, nil
}

func (r *PaymentGormRepository) ListByUserID(ctx context.Context, userID int64, page int, limit int) ([]model.Payment, int64, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&model.Payment{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return []model.Payment{}, 0, err
	}

	var items []model.Payment
	offset := (page - 1) * limit
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id desc").
		Limit(limit).
		Offset(offset).
		Find(&items).Error; err != nil {
		return []model.Payment{}, 0, err
	}

	return items, total, nil
}

// ステータス遷移と結果フィールドをまとめて保存する
func (r *PaymentGormRepository) Update(ctx context.Context, p model.Payment) error {
	res := r.db.WithContext(ctx).
		Model(&model.Payment{}).
		Where("id = ?", p.ID).
		Updates(map[string]interface{}{
			"status":               p.Status,
			"transaction_id":       p.TransactionID,
			"mpesa_receipt_number": p.MpesaReceiptNumber,
			"result_code":          p.ResultCode,
			"result_description":   p.ResultDescription,
			"refund_amount":        p.RefundAmount,
			"refund_reason":        p.RefundReason,
			"completed_at":         p.CompletedAt,
			"failed_at":            p.FailedAt,
		})

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}
