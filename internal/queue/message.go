package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AnalysisMessage 归档分析任务消息
type AnalysisMessage struct {
	JobID       string    `json:"job_id"`
	ArchivePath string    `json:"archive_path"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Validate 必填字段检查
func (m *AnalysisMessage) Validate() error {
	if m.JobID == "" {
		return errors.New("job_id is required")
	}
	if m.ArchivePath == "" {
		return errors.New("archive_path is required")
	}
	return nil
}

// Encode 序列化为 JSON
func (m *AnalysisMessage) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return body, nil
}

// DecodeMessage 反序列化并校验
func DecodeMessage(body []byte) (*AnalysisMessage, error) {
	var m AnalysisMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
