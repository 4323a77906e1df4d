package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/mmcdole/gofeed"
)

const (
	feedDefaultTimeout = 15 * time.Second
	feedMaxBodyBytes   = 4 << 20 // 4MB，防止异常大的响应
	browserUserAgent   = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// ErrNoItems 响应正常但没有任何条目
var ErrNoItems = errors.New("feed has no items")

// 部分服务端会拒绝默认 UA，这里模拟浏览器请求头
var browserHeaders = map[string]string{
	"Accept":          "application/json, application/feed+json, application/rss+xml, application/atom+xml, application/xml, text/xml, */*",
	"Accept-Language": "en-US,en;q=0.9,ko;q=0.8",
	"Cache-Control":   "no-cache",
	"Pragma":          "no-cache",
}

// FeedFetcher 通过 HTTP GET 拉取 JSON Feed（RSS.app 格式）或 RSS/Atom 订阅
type FeedFetcher struct {
	Timeout    time.Duration
	normalizer *Normalizer
	logger     *slog.Logger
}

func NewFeedFetcher(timeout time.Duration, normalizer *Normalizer, logger *slog.Logger) *FeedFetcher {
	if timeout <= 0 {
		timeout = feedDefaultTimeout
	}
	if normalizer == nil {
		normalizer = NewNormalizer(FallbackRandom)
	}
	return &FeedFetcher{Timeout: timeout, normalizer: normalizer, logger: logger}
}

// jsonFeed RSS.app / JSON Feed 1.1 的响应结构
type jsonFeed struct {
	Version string          `json:"version"`
	Title   string          `json:"title"`
	Items   []jsonFeedEntry `json:"items"`
}

type jsonFeedEntry struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	URL           string `json:"url"`
	ContentText   string `json:"content_text"`
	ContentHTML   string `json:"content_html"`
	DatePublished string `json:"date_published"`
	Authors       []struct {
		Name string `json:"name"`
	} `json:"authors"`
	Image       string `json:"image"`
	Attachments []struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	} `json:"attachments"`
}

// Fetch 任何失败（网络错误、非 2xx、空响应、解析失败）都返回空列表并记录 warn，不向上抛出
func (f *FeedFetcher) Fetch(ctx context.Context, src Source) FetchResult {
	log := f.logger.With("source", src.ID, "feed_url", src.FeedURL)

	status, body, err := f.get(ctx, src.FeedURL)
	if err != nil {
		log.Warn("feed request failed", "status", status, "error", err)
		return FetchResult{StatusCode: status, Err: err}
	}

	entries, err := parseFeed(body)
	if err != nil {
		log.Warn("feed parse failed", "status", status, "bytes", len(body), "error", err)
		return FetchResult{StatusCode: status, Err: err}
	}
	if len(entries) == 0 {
		log.Warn("feed returned no items", "status", status)
		return FetchResult{StatusCode: status, Err: ErrNoItems}
	}

	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		items = append(items, f.normalizer.Normalize(e, src))
	}
	log.Debug("feed fetched", "status", status, "items", len(items))
	return FetchResult{Items: items, StatusCode: status}
}

func (f *FeedFetcher) get(ctx context.Context, feedURL string) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	timeout := f.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	// 每次新建 collector：colly 默认会记住访问过的 URL
	c := colly.NewCollector(
		colly.UserAgent(browserUserAgent),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(feedMaxBodyBytes),
	)
	c.SetRequestTimeout(timeout)

	var (
		status int
		body   []byte
	)
	c.OnRequest(func(r *colly.Request) {
		for k, v := range browserHeaders {
			r.Headers.Set(k, v)
		}
	})
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = r.Body
	})
	c.OnError(func(r *colly.Response, _ error) {
		if r != nil {
			status = r.StatusCode
		}
	})

	if err := c.Visit(feedURL); err != nil {
		if status != 0 {
			return status, nil, fmt.Errorf("unexpected status %d: %w", status, err)
		}
		return status, nil, err
	}
	return status, body, nil
}

func parseFeed(body []byte) ([]RawEntry, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '{' {
		return parseJSONFeed(trimmed)
	}
	return parseXMLFeed(trimmed)
}

func parseJSONFeed(body []byte) ([]RawEntry, error) {
	var doc jsonFeed
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode json feed: %w", err)
	}
	out := make([]RawEntry, 0, len(doc.Items))
	for _, it := range doc.Items {
		e := RawEntry{
			GUID:        it.ID,
			Title:       it.Title,
			URL:         it.URL,
			ContentText: it.ContentText,
			ContentHTML: it.ContentHTML,
			Published:   it.DatePublished,
			ImageURL:    it.Image,
		}
		if len(it.Authors) > 0 {
			e.Author = it.Authors[0].Name
		}
		if e.ImageURL == "" {
			for _, a := range it.Attachments {
				if a.MimeType == "" || strings.HasPrefix(a.MimeType, "image/") {
					e.ImageURL = a.URL
					break
				}
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func parseXMLFeed(body []byte) ([]RawEntry, error) {
	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse xml feed: %w", err)
	}
	out := make([]RawEntry, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		e := RawEntry{
			GUID:        it.GUID,
			Title:       it.Title,
			URL:         it.Link,
			ContentText: it.Description,
			ContentHTML: it.Content,
			Published:   it.Published,
			PublishedAt: it.PublishedParsed,
		}
		if e.PublishedAt == nil {
			e.PublishedAt = it.UpdatedParsed
		}
		if len(it.Authors) > 0 && it.Authors[0] != nil {
			e.Author = it.Authors[0].Name
		}
		if it.Image != nil {
			e.ImageURL = it.Image.URL
		}
		if e.ImageURL == "" {
			for _, enc := range it.Enclosures {
				if enc != nil && strings.HasPrefix(enc.Type, "image/") {
					e.ImageURL = enc.URL
					break
				}
			}
		}
		out = append(out, e)
	}
	return out, nil
}
