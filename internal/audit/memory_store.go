package audit

import (
	"context"
	"sync"
	"time"

	xerrors "MCP-PluginHost/internal/errors"
)

// MemoryStore 将审计记录保存在内存中，主要用于单机部署与测试。
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	cap     int
}

// NewMemoryStore 创建一个内存审计存储。cap 控制保留的记录数量上限。
func NewMemoryStore(cap int) *MemoryStore {
	if cap <= 0 {
		cap = 1024
	}
	return &MemoryStore{cap: cap}
}

// Append 追加一条审计记录。超出上限时丢弃最旧的记录。
func (s *MemoryStore) Append(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "审计记录不能为空")
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	if len(s.records) > s.cap {
		s.records = s.records[len(s.records)-s.cap:]
	}
	return nil
}

// List 返回最新的 limit 条记录，按时间倒序排列。
func (s *MemoryStore) List(_ context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		clone := *s.records[i]
		out = append(out, &clone)
	}
	return out, nil
}

// Stats 返回审计记录的聚合统计。
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{Total: len(s.records)}
	for _, record := range s.records {
		switch record.Action {
		case "load":
			stats.Loads++
		case "unload":
			stats.Unloads++
		case "reload":
			stats.Reloads++
		}
		if record.Outcome != "success" {
			stats.Failures++
		}
	}
	return stats, nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }
