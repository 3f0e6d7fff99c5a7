// Package notify 定义会话事件的通知投递方式。
// 前端（聊天机器人等）只需要一个单参数文本回调；投递失败
// 由调用方记录日志，绝不允许中断交易循环。
package notify

import (
	"context"
	"sync"

	"SolVolume/pkg/logger"
)

// Sink 接收一条面向用户的文本通知。
type Sink interface {
	Notify(ctx context.Context, text string) error
}

// Func 将普通函数适配为 Sink。
type Func func(ctx context.Context, text string) error

// Notify 实现 Sink。
func (f Func) Notify(ctx context.Context, text string) error {
	return f(ctx, text)
}

// LogSink 把通知写入结构化日志，是没有外部投递通道时的兜底。
type LogSink struct{}

// Notify 实现 Sink。
func (LogSink) Notify(_ context.Context, text string) error {
	logger.Named("notify").Info("会话通知", "text", text)
	return nil
}

// MemorySink 收集通知内容，供测试断言。
type MemorySink struct {
	mu       sync.Mutex
	messages []string
}

// Notify 实现 Sink。
func (s *MemorySink) Notify(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, text)
	return nil
}

// Messages 返回已收到的通知副本。
func (s *MemorySink) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.messages))
	copy(out, s.messages)
	return out
}
