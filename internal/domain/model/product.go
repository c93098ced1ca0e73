package model

import (
	"time"

	"gorm.io/gorm"
)

// 価格はKESの小数。在庫は注文確定時に減算、キャンセルで戻す。
type Product struct {
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	BrandID       int64          `gorm:"not null;index" json:"brand_id"`
	Title         string         `gorm:"type:varchar(200);not null" json:"title"`
	Description   string         `gorm:"type:text" json:"description"`
	Price         float64        `gorm:"not null" json:"price"`
	Category      string         `gorm:"type:varchar(100)" json:"category"`
	Size          string         `gorm:"type:varchar(20)" json:"size"`
	Color         string         `gorm:"type:varchar(50)" json:"color"`
	StockQuantity int64          `gorm:"not null;default:0" json:"stock_quantity"`
	IsActive      bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time      `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;autoUpdateTime" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}
