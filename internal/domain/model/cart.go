package model

import "time"

// カートの持ち主はuser_idかsession_idのどちらか一方。
// ゲストカートはログイン時にユーザーのカートへマージして削除する。
type Cart struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    *int64    `gorm:"index" json:"user_id"`
	SessionID *string   `gorm:"type:varchar(64);index" json:"session_id"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}
