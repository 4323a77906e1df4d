package dispatcher

import (
	"strings"
	"time"

	"github.com/LJTian/feedrelay/internal/collector"
	"github.com/LJTian/feedrelay/internal/markup"
)

const (
	textLimit    = 4096
	captionLimit = 1024

	DefaultTimeLayout      = "2006. 01. 02. 15:04"
	DefaultLinkLabel       = "원문 보기"
	DefaultOriginalLabel   = "🇺🇸 <b>영어 원문:</b>"
	DefaultTranslatedLabel = "🇰🇷 <b>한글 번역:</b>"
)

// Format 消息排版。标签已是 Telegram HTML，不再转义
type Format struct {
	Location        *time.Location
	TimeLayout      string
	LinkLabel       string
	OriginalLabel   string
	TranslatedLabel string
}

func (f Format) withDefaults() Format {
	if f.Location == nil {
		f.Location = time.UTC
	}
	if f.TimeLayout == "" {
		f.TimeLayout = DefaultTimeLayout
	}
	if f.LinkLabel == "" {
		f.LinkLabel = DefaultLinkLabel
	}
	if f.OriginalLabel == "" {
		f.OriginalLabel = DefaultOriginalLabel
	}
	if f.TranslatedLabel == "" {
		f.TranslatedLabel = DefaultTranslatedLabel
	}
	return f
}

// Render 生成消息文本。Item.Body 是源站 HTML，msg.Body 是翻译后的纯文本，只做转义。
// 超过 limit 时正文降级为纯文本并截断，头尾保持完整
func (f Format) Render(msg Message, limit int) string {
	f = f.withDefaults()
	header := f.header(msg)
	footer := f.footer(msg)

	var sections []string
	if msg.Bilingual {
		sections = []string{
			f.OriginalLabel + "\n" + markup.TelegramHTML(msg.Item.Body),
			f.TranslatedLabel + "\n" + markup.Escape(msg.Body),
		}
	} else {
		sections = []string{markup.Escape(msg.Body)}
	}

	out := assemble(header, sections, footer)
	if limit <= 0 || runeLen(out) <= limit {
		return out
	}

	// 正文可用长度 = 总长度 - 头尾 - 分隔空行 - 标签
	budget := limit - runeLen(assemble(header, make([]string, len(sections)), footer))
	if msg.Bilingual {
		budget -= runeLen(f.OriginalLabel) + runeLen(f.TranslatedLabel) + 2
		half := max(budget/2, 0)
		sections = []string{
			f.OriginalLabel + "\n" + fitEscaped(markup.PlainText(msg.Item.Body), half),
			f.TranslatedLabel + "\n" + fitEscaped(msg.Body, budget-half),
		}
	} else {
		sections = []string{fitEscaped(msg.Body, budget)}
	}
	return assemble(header, sections, footer)
}

func (f Format) header(msg Message) string {
	h := "<b>" + markup.Escape(msg.DisplayName) + "</b>"
	// RSS 条目的标题是独立信息；推文的标题只是正文开头
	if msg.Item.Platform == collector.PlatformRSS {
		title := strings.TrimSpace(msg.Title)
		if title != "" && title != strings.TrimSpace(msg.Body) {
			h += "\n" + markup.Escape(title)
		}
	}
	return h
}

func (f Format) footer(msg Message) string {
	var lines []string
	if msg.Item.Link != "" {
		lines = append(lines, `🔗 <a href="`+markup.EscapeAttr(msg.Item.Link)+`">`+f.LinkLabel+`</a>`)
	}
	if !msg.Item.PublishedAt.IsZero() {
		lines = append(lines, "⏰ "+msg.Item.PublishedAt.In(f.Location).Format(f.TimeLayout))
	}
	return strings.Join(lines, "\n\n")
}

func assemble(header string, sections []string, footer string) string {
	parts := make([]string, 0, len(sections)+2)
	parts = append(parts, header)
	parts = append(parts, sections...)
	if footer != "" {
		parts = append(parts, footer)
	}
	return strings.Join(parts, "\n\n")
}

// fitEscaped 截断纯文本，保证转义后的长度不超过 budget（含省略号）
func fitEscaped(plain string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if esc := markup.Escape(plain); runeLen(esc) <= budget {
		return esc
	}

	var b strings.Builder
	used := 0
	for _, r := range plain {
		piece := markup.Escape(string(r))
		n := runeLen(piece)
		if used+n > budget-1 {
			break
		}
		b.WriteString(piece)
		used += n
	}
	return strings.TrimRight(b.String(), " \n") + "…"
}

func runeLen(s string) int {
	return len([]rune(s))
}
