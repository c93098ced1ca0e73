package model

import "time"

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

// これ以上遷移しないステータスか
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// merchant_request_id / checkout_request_id はSTK push開始時にプロバイダが採番する。
// 後から来る非同期コールバックはこのIDで突き合わせる。
type Payment struct {
	ID               int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentReference string        `gorm:"type:varchar(50);not null;uniqueIndex" json:"payment_reference"`
	OrderID          int64         `gorm:"not null;index" json:"order_id"`
	UserID           int64         `gorm:"not null;index" json:"user_id"`
	Amount           float64       `gorm:"not null" json:"amount"`
	Currency         string        `gorm:"type:varchar(10);not null;default:'KES'" json:"currency"`
	Status           PaymentStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	PaymentMethod    string        `gorm:"type:varchar(50)" json:"payment_method"`
	Provider         string        `gorm:"type:varchar(50)" json:"provider"`
	PhoneNumber      string        `gorm:"type:varchar(20)" json:"phone_number"`

	MerchantRequestID  string `gorm:"type:varchar(100);index" json:"merchant_request_id"`
	CheckoutRequestID  string `gorm:"type:varchar(100);index" json:"checkout_request_id"`
	TransactionID      string `gorm:"type:varchar(100)" json:"transaction_id"`
	MpesaReceiptNumber string `gorm:"type:varchar(50)" json:"mpesa_receipt_number"`
	ResultCode         *int   `json:"result_code"`
	ResultDescription  string `gorm:"type:varchar(255)" json:"result_description"`

	RefundAmount float64 `gorm:"not null;default:0" json:"refund_amount"`
	RefundReason string  `gorm:"type:text" json:"refund_reason"`

	InitiatedAt time.Time  `gorm:"not null;autoCreateTime" json:"initiated_at"`
	CompletedAt *time.Time `json:"completed_at"`
	FailedAt    *time.Time `json:"failed_at"`
	UpdatedAt   time.Time  `gorm:"not null;autoUpdateTime" json:"updated_at"`
}
