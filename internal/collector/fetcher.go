package collector

import (
	"context"
	"time"
)

// Platform 数据源所属平台，决定 id 的提取规则
type Platform string

const (
	PlatformTwitter     Platform = "twitter"
	PlatformTruthSocial Platform = "truthsocial"
	PlatformRSS         Platform = "rss"
)

// Source 描述一个被监控的账号/订阅源，配置加载后不再变化
type Source struct {
	ID          string
	DisplayName string
	Platform    Platform
	FeedURL     string
}

// Item 统一后的条目结构，ID 在同一 Source 内唯一
type Item struct {
	ID          string
	Title       string
	Body        string
	Link        string
	PublishedAt time.Time
	Author      string
	SourceID    string
	Platform    Platform
	ImageURL    string
}

// FetchResult 一次抓取的结果。Err 只用于记录与状态展示，调用方不会在同一轮内重试
type FetchResult struct {
	Items      []Item
	StatusCode int
	Err        error
}

// Fetcher 抽象一次对订阅源的拉取
type Fetcher interface {
	Fetch(ctx context.Context, src Source) FetchResult
}
