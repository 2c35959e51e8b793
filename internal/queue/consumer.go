package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Handler 处理一条任务消息，返回错误时消息被丢弃（不重新入队）
type Handler func(ctx context.Context, msg *AnalysisMessage) error

// Consumer 消息消费者
type Consumer struct {
	broker  *Broker
	handler Handler
	workers int
	logger  *logrus.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  int32
	running bool
}

// NewConsumer 创建消费者
func NewConsumer(broker *Broker, handler Handler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		broker:  broker,
		handler: handler,
		workers: workers,
		logger:  logger,
	}
}

// Start 启动消费与断线重连监听
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startWorkers(ctx); err != nil {
		return err
	}
	go c.handleReconnect(ctx)
	return nil
}

func (c *Consumer) startWorkers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}

	msgs, err := c.broker.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}
	c.logger.Infof("Consumer started with %d workers", c.workers)
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				c.logger.Warnf("Worker %d: delivery channel closed", id)
				return
			}
			c.handleDelivery(ctx, id, d)
		}
	}
}

// handleDelivery 成功 ack，失败或消息无效 nack 且不重新入队
func (c *Consumer) handleDelivery(ctx context.Context, workerID int, d amqp.Delivery) {
	atomic.AddInt32(&c.active, 1)
	defer atomic.AddInt32(&c.active, -1)
	start := time.Now()

	msg, err := DecodeMessage(d.Body)
	if err != nil {
		c.logger.WithError(err).WithField("message_id", d.MessageId).Error("Dropping invalid message")
		if err := d.Nack(false, false); err != nil {
			c.logger.WithError(err).Error("Failed to nack message")
		}
		return
	}

	fields := logrus.Fields{
		"worker_id":    workerID,
		"job_id":       msg.JobID,
		"archive_path": msg.ArchivePath,
	}
	c.logger.WithFields(fields).Info("Processing job")

	if err := c.handler(ctx, msg); err != nil {
		c.logger.WithError(err).WithFields(fields).Error("Job processing failed")
		if err := d.Nack(false, false); err != nil {
			c.logger.WithError(err).Error("Failed to nack message")
		}
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.WithError(err).Error("Failed to acknowledge message")
	}
	fields["duration"] = time.Since(start).Seconds()
	c.logger.WithFields(fields).Info("Job completed successfully")
}

func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.broker.Reconnected():
			c.logger.Warn("Connection lost, attempting to reconnect")
			c.stopWorkers()

			if err := c.broker.Reconnect(ctx, 10); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, consumer stays idle")
				return
			}
			if err := c.startWorkers(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.running = false
	c.mu.Unlock()
	c.wg.Wait()
}

// Stop 停止消费，等待进行中的消息处理完
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer")
	c.stopWorkers()
	c.logger.Info("Consumer stopped")
}

// ActiveWorkers 正在处理消息的 worker 数
func (c *Consumer) ActiveWorkers() int {
	return int(atomic.LoadInt32(&c.active))
}

// IsRunning 是否正在消费
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
