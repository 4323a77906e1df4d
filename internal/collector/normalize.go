package collector

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultTitlePlaceholder = "(제목 없음)"

// FallbackStrategy URL 中提取不到 id 时的兜底方式
type FallbackStrategy string

const (
	// FallbackRandom 平台_毫秒时间戳_随机串；同一内容每次抓取都会得到不同 id
	FallbackRandom FallbackStrategy = "random"
	// FallbackContentHash 按 source+标题+正文 计算哈希，重复抓取同一内容得到相同 id
	FallbackContentHash FallbackStrategy = "content-hash"
)

var (
	twitterStatusRe = regexp.MustCompile(`/status/(\d+)`)
	truthPostRe     = regexp.MustCompile(`/posts/([^/?#]+)`)
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2006-01-02 15:04:05",
}

// RawEntry 订阅源返回的原始条目，JSON Feed 与 RSS/Atom 都先转换成这个结构
type RawEntry struct {
	GUID        string
	Title       string
	URL         string
	ContentText string
	ContentHTML string
	Published   string
	// PublishedAt 解析器已给出时间时优先使用
	PublishedAt *time.Time
	Author      string
	ImageURL    string
}

// Normalizer 把 RawEntry 映射为统一的 Item
type Normalizer struct {
	Fallback         FallbackStrategy
	TitlePlaceholder string

	now    func() time.Time
	suffix func() string
}

func NewNormalizer(fallback FallbackStrategy) *Normalizer {
	if fallback == "" {
		fallback = FallbackRandom
	}
	return &Normalizer{
		Fallback:         fallback,
		TitlePlaceholder: defaultTitlePlaceholder,
		now:              time.Now,
		suffix:           func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:9] },
	}
}

func (n *Normalizer) Normalize(raw RawEntry, src Source) Item {
	title := strings.TrimSpace(raw.Title)
	if title == "" {
		title = n.TitlePlaceholder
	}

	body := raw.ContentText
	if strings.TrimSpace(body) == "" {
		body = raw.ContentHTML
	}
	if strings.TrimSpace(body) == "" {
		body = title
	}

	author := raw.Author
	if author == "" {
		author = src.ID
	}

	return Item{
		ID:          n.itemID(raw, src, title, body),
		Title:       title,
		Body:        body,
		Link:        strings.TrimSpace(raw.URL),
		PublishedAt: n.publishedAt(raw),
		Author:      author,
		SourceID:    src.ID,
		Platform:    src.Platform,
		ImageURL:    strings.TrimSpace(raw.ImageURL),
	}
}

func (n *Normalizer) itemID(raw RawEntry, src Source, title, body string) string {
	// 通用 RSS 源自带 guid，优先使用
	if src.Platform == PlatformRSS {
		if guid := strings.TrimSpace(raw.GUID); guid != "" {
			return guid
		}
	}
	if id := ExtractID(raw.URL, src.Platform); id != "" {
		return id
	}

	if n.Fallback == FallbackContentHash {
		h := sha1.New()
		h.Write([]byte(src.ID + "\x00" + title + "\x00" + body))
		return fmt.Sprintf("%s_%s", src.Platform, hex.EncodeToString(h.Sum(nil))[:16])
	}
	return fmt.Sprintf("%s_%d_%s", src.Platform, n.now().UnixMilli(), n.suffix())
}

func (n *Normalizer) publishedAt(raw RawEntry) time.Time {
	if raw.PublishedAt != nil && !raw.PublishedAt.IsZero() {
		return *raw.PublishedAt
	}
	s := strings.TrimSpace(raw.Published)
	if s != "" {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	}
	return n.now()
}

// ExtractID 按平台规则从条目 URL 中提取稳定 id，提取不到返回空串
func ExtractID(rawURL string, platform Platform) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	switch platform {
	case PlatformTwitter:
		if m := twitterStatusRe.FindStringSubmatch(rawURL); m != nil {
			return m[1]
		}
	case PlatformTruthSocial:
		if m := truthPostRe.FindStringSubmatch(rawURL); m != nil {
			return m[1]
		}
	case PlatformRSS:
		return rawURL
	}
	return ""
}
