package model

import "time"

// 注文時点の商品スナップショット。total_price = unit_price × quantity。
type OrderItem struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID       int64     `gorm:"not null;index" json:"order_id"`
	ProductID     int64     `gorm:"not null;index" json:"product_id"`
	TitleSnapshot string    `gorm:"type:varchar(200);not null" json:"title"`
	UnitPrice     float64   `gorm:"not null" json:"unit_price"`
	Quantity      int64     `gorm:"not null" json:"quantity"`
	TotalPrice    float64   `gorm:"not null" json:"total_price"`
	Size          string    `gorm:"type:varchar(20)" json:"size"`
	Color         string    `gorm:"type:varchar(50)" json:"color"`
	CreatedAt     time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
}
