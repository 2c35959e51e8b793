package domain

import "time"

// PatchOp 补丁操作类型
type PatchOp string

const (
	PatchOpAddField       PatchOp = "add_field"
	PatchOpAddMethod      PatchOp = "add_method"
	PatchOpChangeAccess   PatchOp = "change_access"
	PatchOpReplaceLiteral PatchOp = "replace_literal"
)

// Valid 是否为已知操作
func (op PatchOp) Valid() bool {
	switch op {
	case PatchOpAddField, PatchOpAddMethod, PatchOpChangeAccess, PatchOpReplaceLiteral:
		return true
	}
	return false
}

// PatchResult 补丁结果
type PatchResult string

const (
	PatchResultChanged PatchResult = "changed"
	PatchResultNoop    PatchResult = "noop" // 目标成员或常量不存在，字节未变
	PatchResultFailed  PatchResult = "failed"
)

// PatchRecord 对某个类的一次改写
type PatchRecord struct {
	ID        uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string      `gorm:"type:varchar(36);index:idx_patch_session;not null" json:"session_id"`
	ClassName string      `gorm:"type:varchar(512);not null" json:"class_name"`
	Op        PatchOp     `gorm:"type:varchar(30);not null" json:"op"`
	Result    PatchResult `gorm:"type:varchar(20);not null" json:"result"`

	// 操作参数
	Member     string `gorm:"type:varchar(255)" json:"member,omitempty"`
	Descriptor string `gorm:"type:varchar(512)" json:"descriptor,omitempty"`
	Flags      int    `gorm:"default:0" json:"flags"`
	OldValue   string `gorm:"type:text" json:"old_value,omitempty"`
	NewValue   string `gorm:"type:text" json:"new_value,omitempty"`

	Error     string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName 表名
func (PatchRecord) TableName() string {
	return "patch_records"
}
