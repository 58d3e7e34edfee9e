package model

import "time"

// PlayRecord 点歌记录，每次被接受的点歌写一行，用于核对扣费
type PlayRecord struct {
	ID          uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	AccountKey  string    `json:"account" gorm:"size:16;index;not null"`
	Source      string    `json:"source" gorm:"size:16;not null"`
	TrackID     string    `json:"trackId" gorm:"size:512;not null"`
	TrackName   string    `json:"trackName" gorm:"size:255"`
	Cost        int       `json:"cost"`
	Immediate   bool      `json:"immediate"`
	Charged     bool      `json:"charged"`
	ChargeError string    `json:"chargeError,omitempty" gorm:"size:255"`
	CreatedAt   time.Time `json:"createdAt" gorm:"index"`
}

// TableName 指定表名
func (PlayRecord) TableName() string {
	return "play_records"
}
