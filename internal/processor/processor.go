// Package processor 对一次抓取的结果做清洗与新旧判断
package processor

import (
	"strings"

	"github.com/LJTian/feedrelay/internal/collector"
)

// Seen 判断某个订阅源下的条目是否处理过，通常由 ledger 提供
type Seen interface {
	IsSeen(sourceID, itemID string) bool
}

// NoveltyFilter 只保留未处理过的条目，保持抓取顺序
type NoveltyFilter struct {
	seen Seen
}

func NewNoveltyFilter(seen Seen) *NoveltyFilter {
	return &NoveltyFilter{seen: seen}
}

// Process 去掉已处理条目与同一批次内的重复 id，并整理标题与正文首尾空白
func (p *NoveltyFilter) Process(sourceID string, items []collector.Item) []collector.Item {
	out := make([]collector.Item, 0, len(items))
	batch := make(map[string]struct{}, len(items))

	for _, it := range items {
		if it.ID == "" {
			continue
		}
		if _, ok := batch[it.ID]; ok {
			continue
		}
		batch[it.ID] = struct{}{}
		if p.seen != nil && p.seen.IsSeen(sourceID, it.ID) {
			continue
		}

		it.Title = strings.TrimSpace(it.Title)
		it.Body = strings.TrimSpace(it.Body)
		out = append(out, it)
	}
	return out
}

// TruncateRunes 按 rune 截断，超长时追加省略号
func TruncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit]) + "…"
}
