package model

import "time"

// Fan 粉丝关系（UserID 的粉丝是 FanID），冗余自 Follow，fan-out 从这里读收件人
type Fan struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	UserID    string `gorm:"type:varchar(36);index:idx_fan_user;uniqueIndex:ux_fan_pair;not null"`
	FanID     string `gorm:"type:varchar(36);uniqueIndex:ux_fan_pair;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Fan) TableName() string { return "fans" }
