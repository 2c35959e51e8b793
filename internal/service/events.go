package service

import "time"

// EventType 会话事件类型
type EventType string

const (
	EventOpened     EventType = "opened"
	EventDecompiled EventType = "decompiled"
	EventPatched    EventType = "patched"
	EventRecovered  EventType = "recovered"
	EventSaved      EventType = "saved"
	EventClosed     EventType = "closed"
)

// Event 推送给订阅者的会话事件
type Event struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"session_id"`
	Class     string                 `json:"class,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Time      time.Time              `json:"time"`
}

// EventPublisher 事件发布者，实现不得阻塞调用方
type EventPublisher interface {
	Publish(event Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// Metrics 服务层上报的指标
type Metrics interface {
	RecordArchiveOpened(err error)
	RecordSessionClosed()
	RecordClassRead(source string)
	RecordPatch(op, result string)
	RecordDecompilation(engine string, failed bool, duration time.Duration)
	RecordRecovery(counts map[string]int)
	RecordUsageSearch(matches int, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordArchiveOpened(error) {}
func (nopMetrics) RecordSessionClosed() {}
func (nopMetrics) RecordClassRead(string) {}
func (nopMetrics) RecordPatch(string, string) {}
func (nopMetrics) RecordDecompilation(string, bool, time.Duration) {}
func (nopMetrics) RecordRecovery(map[string]int) {}
func (nopMetrics) RecordUsageSearch(int, time.Duration) {}
