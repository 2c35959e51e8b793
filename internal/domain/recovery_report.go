package domain

import "time"

// RecoveryReport 一次字符串还原的结果
type RecoveryReport struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string `gorm:"type:varchar(36);uniqueIndex:uk_recovery_class;not null" json:"session_id"`
	ClassName string `gorm:"type:varchar(512);uniqueIndex:uk_recovery_class;not null" json:"class_name"`

	Engines      string `gorm:"type:varchar(255)" json:"engines"` // 逗号分隔，按执行顺序
	FindingCount int    `gorm:"default:0" json:"finding_count"`
	Changed      bool   `json:"changed"`

	// 完整发现列表 JSON
	FindingsJSON string `gorm:"type:longtext" json:"findings_json,omitempty"`

	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName 表名
func (RecoveryReport) TableName() string {
	return "recovery_reports"
}
