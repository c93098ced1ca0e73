package model

import "time"

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// emailはブランド単位でユニーク
type User struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	BrandID      int64  `gorm:"not null;index;uniqueIndex:idx_users_brand_email"`
	Email        string `gorm:"type:varchar(255);not null;uniqueIndex:idx_users_brand_email"`
	Name         string `gorm:"type:varchar(255);not null"`
	PasswordHash string `gorm:"column:password_hash;not null"`
	Role         Role   `gorm:"type:varchar(20);not null;default:'customer'"`
	Phone        string `gorm:"type:varchar(20)"`
	IsActive     bool   `gorm:"not null;default:true"`
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
