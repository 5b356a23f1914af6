package model

import "time"

// User 只保留解析 @mention 需要的字段
type User struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	Username  string `gorm:"type:varchar(64);uniqueIndex;not null"`
	CreatedAt time.Time
}

func (User) TableName() string { return "users" }
