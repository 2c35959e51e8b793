package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jar-analysis/jar-analysis-go/internal/config"
	"github.com/jar-analysis/jar-analysis-go/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected 当前没有可用 channel
var ErrNotConnected = errors.New("broker is not connected")

// Broker RabbitMQ 连接，声明一个持久化队列并负责断线重连
type Broker struct {
	cfg       config.RabbitMQConfig
	prefetch  int
	heartbeat time.Duration
	logger    *logrus.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	reconnect chan struct{}
}

// DialBroker 建立连接，启动时 RabbitMQ 未就绪会按 retry.DefaultPolicy 重试；prefetch 应与消费并发一致
func DialBroker(ctx context.Context, cfg config.RabbitMQConfig, prefetch int, logger *logrus.Logger) (*Broker, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	b := &Broker{
		cfg:       cfg,
		prefetch:  prefetch,
		heartbeat: 10 * time.Second,
		logger:    logger,
		reconnect: make(chan struct{}, 1),
	}
	if err := retry.Do(ctx, retry.DefaultPolicy(), logger, "rabbitmq connect", func(context.Context) error {
		return b.connect()
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return b, nil
}

// URL 连接串，vhost 需要转义（默认 "/" 变为 %2F）
func URL(cfg config.RabbitMQConfig) string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	return u.String() + "/" + url.PathEscape(cfg.VHost)
}

func (b *Broker) connect() error {
	conn, err := amqp.DialConfig(URL(b.cfg), amqp.Config{
		Heartbeat: b.heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	if _, err := ch.QueueDeclare(b.cfg.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	b.mu.Lock()
	b.conn, b.channel = conn, ch
	b.mu.Unlock()

	go b.watch(conn.NotifyClose(make(chan *amqp.Error, 1)), ch.NotifyClose(make(chan *amqp.Error, 1)))

	b.logger.WithFields(logrus.Fields{
		"host":     b.cfg.Host,
		"port":     b.cfg.Port,
		"queue":    b.cfg.Queue,
		"prefetch": b.prefetch,
	}).Info("Connected to RabbitMQ")
	return nil
}

// watch 连接或 channel 关闭时发出一次重连信号
func (b *Broker) watch(connClosed, chanClosed <-chan *amqp.Error) {
	var err *amqp.Error
	select {
	case err = <-connClosed:
	case err = <-chanClosed:
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	if err != nil {
		b.logger.WithError(err).Error("RabbitMQ connection closed unexpectedly")
	} else {
		b.logger.Warn("RabbitMQ connection closed")
	}
	select {
	case b.reconnect <- struct{}{}:
	default:
	}
}

// Reconnected 断线信号
func (b *Broker) Reconnected() <-chan struct{} {
	return b.reconnect
}

// Reconnect 关闭旧连接后按线性退避重试
func (b *Broker) Reconnect(ctx context.Context, maxRetries int) error {
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.conn, b.channel = nil, nil
	b.mu.Unlock()

	policy := retry.Policy{Attempts: maxRetries, Initial: time.Second, Max: 30 * time.Second, Strategy: retry.StrategyLinear}
	if err := retry.Do(ctx, policy, b.logger, "rabbitmq reconnect", func(context.Context) error {
		return b.connect()
	}); err != nil {
		return err
	}
	b.logger.Info("Successfully reconnected to RabbitMQ")
	return nil
}

func (b *Broker) currentChannel() (*amqp.Channel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.channel == nil || b.closed {
		return nil, ErrNotConnected
	}
	return b.channel, nil
}

// Publish 发布持久化 JSON 消息
func (b *Broker) Publish(ctx context.Context, messageID string, body []byte) error {
	ch, err := b.currentChannel()
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, "", b.cfg.Queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    messageID,
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 手动确认模式消费
func (b *Broker) Consume() (<-chan amqp.Delivery, error) {
	ch, err := b.currentChannel()
	if err != nil {
		return nil, err
	}
	msgs, err := ch.Consume(b.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// QueueDepth 队列中待消费的消息数
func (b *Broker) QueueDepth() (int, error) {
	ch, err := b.currentChannel()
	if err != nil {
		return 0, err
	}
	q, err := ch.QueueDeclarePassive(b.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// IsConnected 连接是否可用
func (b *Broker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil && !b.conn.IsClosed()
}

// Close 关闭连接，之后不再重连
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.channel = nil
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	b.logger.Info("RabbitMQ connection closed")
	return err
}
