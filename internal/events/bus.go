package events

import (
	"context"
)

// Event 描述一次插件生命周期变更，会被序列化后投递到事件总线。
type Event struct {
	ID         string `json:"id"`
	Plugin     string `json:"plugin"`
	Version    string `json:"version,omitempty"`
	Action     string `json:"action"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Timestamp  int64  `json:"timestamp"`
}

// Handler 处理来自事件总线的生命周期事件。
type Handler func(ctx context.Context, ev Event) error

// Publisher 负责向总线投递事件。
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Consumer 负责从总线中消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Bus 同时具备发布与消费能力。
type Bus interface {
	Publisher
	Consumer
}
