package audit

import "context"

// Record 记录一次插件生命周期操作的结果，用于审计与故障回溯。
type Record struct {
	ID         string `json:"id"`
	Plugin     string `json:"plugin"`
	Version    string `json:"version,omitempty"`
	Action     string `json:"action"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  int64  `json:"created_at"`
}

// Stats 聚合了审计记录的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total    int `json:"total"`
	Loads    int `json:"loads"`
	Unloads  int `json:"unloads"`
	Reloads  int `json:"reloads"`
	Failures int `json:"failures"`
}

// Store 抽象了审计记录的持久化接口。
type Store interface {
	Append(ctx context.Context, record *Record) error
	List(ctx context.Context, limit int) ([]*Record, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
