// models/gorm_models.go
package models

import (
	"time"

	"gorm.io/gorm"
)

// GormMatchRecord 对局记录模型
type GormMatchRecord struct {
	gorm.Model
	RoomID     string    `gorm:"index;not null"`
	WinnerID   string    `gorm:"not null"`
	WinnerName string    `gorm:"index;not null"`
	LoserName  string    `gorm:"index;not null"`
	WinnerReds int       `gorm:"default:0"`
	LoserReds  int       `gorm:"default:0"`
	Turns      int       `gorm:"default:0"`
	FinishedAt time.Time `gorm:"not null"`
}
