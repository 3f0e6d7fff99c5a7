package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dispatcher 按持久化的通知通道引用派生 Sink。
// 会话恢复时只有通道引用可用，投递细节由 Dispatcher 决定。
type Dispatcher interface {
	ForChannel(channel string) Sink
	Close() error
}

// LogDispatcher 为所有通道返回日志兜底 Sink。
type LogDispatcher struct{}

// ForChannel 实现 Dispatcher。
func (LogDispatcher) ForChannel(string) Sink { return LogSink{} }

// Close 实现 Dispatcher。
func (LogDispatcher) Close() error { return nil }

// RabbitMQConfig 描述通知队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// RabbitMQDispatcher 把通知发布到 RabbitMQ 队列，由外部机器人进程
// 按通道引用投递给最终用户。
type RabbitMQDispatcher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQDispatcher 创建 RabbitMQ 通知派发器。
func NewRabbitMQDispatcher(cfg RabbitMQConfig) (*RabbitMQDispatcher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "session-notify"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQDispatcher{conn: conn, ch: ch, queue: queue}, nil
}

type notifyMessage struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// ForChannel 实现 Dispatcher。
func (d *RabbitMQDispatcher) ForChannel(channel string) Sink {
	return Func(func(ctx context.Context, text string) error {
		if d == nil || d.ch == nil {
			return errors.New("RabbitMQ 派发器未初始化")
		}
		body, err := json.Marshal(notifyMessage{Channel: channel, Text: text})
		if err != nil {
			return err
		}
		return d.ch.PublishWithContext(ctx, "", d.queue, false, false, amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
	})
}

// Close 关闭 RabbitMQ 连接。
func (d *RabbitMQDispatcher) Close() error {
	if d == nil {
		return nil
	}
	if d.ch != nil {
		_ = d.ch.Close()
	}
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}
