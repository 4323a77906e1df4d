package ledger

import (
	"context"
	"sync"
)

// Memory 不做持久化，测试与试运行使用
type Memory struct {
	mu   sync.Mutex
	data map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]struct{})}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Load(context.Context) (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return toLists(m.data), nil
}

func (m *Memory) Add(_ context.Context, sourceID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addTo(m.data, sourceID, itemID)
	return nil
}

func (m *Memory) Close() error { return nil }

func addTo(data map[string]map[string]struct{}, sourceID, itemID string) bool {
	set, ok := data[sourceID]
	if !ok {
		set = make(map[string]struct{})
		data[sourceID] = set
	}
	if _, ok := set[itemID]; ok {
		return false
	}
	set[itemID] = struct{}{}
	return true
}

func toLists(data map[string]map[string]struct{}) map[string][]string {
	out := make(map[string][]string, len(data))
	for sourceID, set := range data {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		out[sourceID] = ids
	}
	return out
}
