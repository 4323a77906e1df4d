// Package ledger 记录每个订阅源已经处理过的条目 id，进程重启后不重复推送
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Backend 持久化后端，只需要整体加载与单条追加
type Backend interface {
	Name() string
	Load(ctx context.Context) (map[string][]string, error)
	Add(ctx context.Context, sourceID, itemID string) error
	Close() error
}

// SeenSet 单个订阅源的已处理 id 集合，自带锁，各订阅源之间互不竞争
type SeenSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func newSeenSet() *SeenSet {
	return &SeenSet{ids: make(map[string]struct{})}
}

// Add 返回 id 是否为新加入
func (s *SeenSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *SeenSet) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

func (s *SeenSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

func (s *SeenSet) snapshot() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.ids))
	for id := range s.ids {
		out[id] = struct{}{}
	}
	return out
}

// Ledger 内存集合 + 后端写穿透。
// 内存状态在进程生命周期内是权威的；后端写失败只记录日志与计数，不影响流水线。
type Ledger struct {
	backend Backend
	logger  *slog.Logger

	mu   sync.RWMutex
	sets map[string]*SeenSet

	failures atomic.Int64
	closed   atomic.Bool
}

func New(backend Backend, logger *slog.Logger) *Ledger {
	if backend == nil {
		backend = NewMemory()
	}
	return &Ledger{
		backend: backend,
		logger:  logger.With("ledger", backend.Name()),
		sets:    make(map[string]*SeenSet),
	}
}

// LoadAll 从后端加载并合并到内存，返回当前快照。
// 后端缺失或损坏时返回空映射，启动不会因此失败。
func (l *Ledger) LoadAll(ctx context.Context) map[string]map[string]struct{} {
	data, err := l.backend.Load(ctx)
	if err != nil {
		l.failures.Add(1)
		l.logger.Warn("load ledger failed, starting with in-memory state", "error", err)
	}

	total := 0
	for sourceID, ids := range data {
		set := l.Set(sourceID)
		for _, id := range ids {
			if set.Add(id) {
				total++
			}
		}
	}
	l.logger.Info("ledger loaded", "sources", len(data), "items", total)
	return l.Snapshot()
}

// Set 返回某个订阅源的集合，不存在时创建
func (l *Ledger) Set(sourceID string) *SeenSet {
	l.mu.RLock()
	set, ok := l.sets[sourceID]
	l.mu.RUnlock()
	if ok {
		return set
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if set, ok = l.sets[sourceID]; ok {
		return set
	}
	set = newSeenSet()
	l.sets[sourceID] = set
	return set
}

// MarkSeen 幂等；返回 id 是否为新加入。重复调用不会再次写后端
func (l *Ledger) MarkSeen(ctx context.Context, sourceID, itemID string) bool {
	if !l.Set(sourceID).Add(itemID) {
		return false
	}
	if l.closed.Load() {
		l.logger.Warn("ledger closed, item kept in memory only", "source", sourceID, "item_id", itemID)
		return true
	}
	if err := l.backend.Add(ctx, sourceID, itemID); err != nil {
		l.failures.Add(1)
		l.logger.Error("persist seen item failed", "source", sourceID, "item_id", itemID, "error", err)
	}
	return true
}

func (l *Ledger) IsSeen(sourceID, itemID string) bool {
	l.mu.RLock()
	set, ok := l.sets[sourceID]
	l.mu.RUnlock()
	return ok && set.Has(itemID)
}

// Count 某个订阅源已处理的条目数
func (l *Ledger) Count(sourceID string) int {
	l.mu.RLock()
	set, ok := l.sets[sourceID]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	return set.Len()
}

func (l *Ledger) Snapshot() map[string]map[string]struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]map[string]struct{}, len(l.sets))
	for sourceID, set := range l.sets {
		out[sourceID] = set.snapshot()
	}
	return out
}

// Failures 后端读写失败次数，用于状态展示
func (l *Ledger) Failures() int64 {
	return l.failures.Load()
}

func (l *Ledger) BackendName() string {
	return l.backend.Name()
}

// Close 关闭后端；之后的 MarkSeen 只更新内存
func (l *Ledger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.backend.Close()
}
