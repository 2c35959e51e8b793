package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Publisher 消息发布端，Broker 实现
type Publisher interface {
	Publish(ctx context.Context, messageID string, body []byte) error
}

// Producer 任务生产者
type Producer struct {
	pub    Publisher
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(pub Publisher, logger *logrus.Logger) *Producer {
	return &Producer{
		pub:    pub,
		logger: logger,
	}
}

// Enqueue 为归档生成任务 ID 并发布，返回任务 ID
func (p *Producer) Enqueue(ctx context.Context, archivePath string) (string, error) {
	msg := &AnalysisMessage{
		JobID:       uuid.New().String(),
		ArchivePath: archivePath,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := p.Publish(ctx, msg); err != nil {
		return "", err
	}
	return msg.JobID, nil
}

// Publish 发布任务消息
func (p *Producer) Publish(ctx context.Context, msg *AnalysisMessage) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}

	if err := p.pub.Publish(ctx, msg.JobID, body); err != nil {
		p.logger.WithError(err).WithField("job_id", msg.JobID).Error("Failed to publish job")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"job_id":       msg.JobID,
		"archive_path": msg.ArchivePath,
	}).Info("Job published to queue")
	return nil
}
