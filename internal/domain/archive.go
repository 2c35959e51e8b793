package domain

import "time"

// SessionStatus 会话状态
type SessionStatus string

const (
	SessionStatusOpen   SessionStatus = "open"
	SessionStatusSaved  SessionStatus = "saved"
	SessionStatusClosed SessionStatus = "closed"
	SessionStatusFailed SessionStatus = "failed"
)

// ArchiveRecord 每次打开归档产生一条记录
type ArchiveRecord struct {
	ID         uint          `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string        `gorm:"type:varchar(36);uniqueIndex:uk_session_id;not null" json:"session_id"`
	Path       string        `gorm:"type:varchar(1024);not null" json:"path"`
	ClassCount int           `gorm:"default:0" json:"class_count"`
	Status     SessionStatus `gorm:"type:varchar(20);default:'open'" json:"status"`

	// 保存结果
	SavedTo    string `gorm:"type:varchar(1024)" json:"saved_to,omitempty"`
	PatchCount int    `gorm:"default:0" json:"patch_count"`

	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName 表名
func (ArchiveRecord) TableName() string {
	return "archive_records"
}
