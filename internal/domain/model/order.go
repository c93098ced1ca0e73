package model

import "time"

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// 終端ステータスか
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// 住所スナップショット。注文作成時にコピーして保存する（住所帳への参照は持たない）。
type Address struct {
	Name       string `gorm:"type:varchar(255)" json:"name"`
	Phone      string `gorm:"type:varchar(30)" json:"phone"`
	Line1      string `gorm:"type:varchar(255)" json:"line1"`
	Line2      string `gorm:"type:varchar(255)" json:"line2"`
	City       string `gorm:"type:varchar(255)" json:"city"`
	PostalCode string `gorm:"type:varchar(20)" json:"postal_code"`
	Country    string `gorm:"type:varchar(100)" json:"country"`
}

// total_amount = subtotal + tax_amount + shipping_amount を作成時に必ず満たす。
type Order struct {
	ID          int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNumber string      `gorm:"type:varchar(40);not null;uniqueIndex" json:"order_number"`
	UserID      int64       `gorm:"not null;index" json:"user_id"`
	Status      OrderStatus `gorm:"type:varchar(20);not null;index" json:"status"`

	Subtotal       float64 `gorm:"not null" json:"subtotal"`
	TaxAmount      float64 `gorm:"not null" json:"tax_amount"`
	ShippingAmount float64 `gorm:"not null" json:"shipping_amount"`
	TotalAmount    float64 `gorm:"not null" json:"total_amount"`

	ShippingAddress Address `gorm:"embedded;embeddedPrefix:shipping_" json:"shipping_address"`
	BillingAddress  Address `gorm:"embedded;embeddedPrefix:billing_" json:"billing_address"`

	Notes              string `gorm:"type:text" json:"notes"`
	TrackingNumber     string `gorm:"type:varchar(100)" json:"tracking_number"`
	Carrier            string `gorm:"type:varchar(100)" json:"carrier"`
	CancellationReason string `gorm:"type:varchar(255)" json:"cancellation_reason"`

	CancelledAt *time.Time `json:"cancelled_at"`
	DeliveredAt *time.Time `json:"delivered_at"`
	CreatedAt   time.Time  `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null;autoUpdateTime" json:"updated_at"`
}
