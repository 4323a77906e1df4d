// Package markup 把订阅源里的 HTML 转成纯文本或 Telegram 支持的 HTML 子集
package markup

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	tagRe        = regexp.MustCompile(`<[^>]*>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
	spacesRe     = regexp.MustCompile(`[ \t\r\f\v]+`)
)

// 块级元素结束后补空行，保持段落结构
var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "ul": true, "ol": true,
	"blockquote": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
var attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

// Escape 转义 Telegram HTML 模式要求的三个字符
func Escape(s string) string {
	return textEscaper.Replace(s)
}

// EscapeAttr 用于 href 等属性值
func EscapeAttr(s string) string {
	return attrEscaper.Replace(s)
}

func parse(s string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return nil
	}
	doc.Find("script, style, noscript").Remove()
	return doc
}

// PlainText 去掉所有标签并反转义实体，连续空白压缩为一个空格
func PlainText(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	doc := parse(s)
	if doc == nil {
		return strings.Join(strings.Fields(html.UnescapeString(tagRe.ReplaceAllString(s, " "))), " ")
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			// 标签边界视为空白，避免相邻段落粘连
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			b.WriteByte(' ')
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// TelegramHTML 只保留 <b>、<a href> 与换行，其余标签剥离；文本先反转义再按 Telegram 规则转义
func TelegramHTML(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	doc := parse(s)
	if doc == nil {
		return Escape(PlainText(s))
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(Escape(n.Data))
			return
		case html.ElementNode:
			switch n.Data {
			case "br":
				b.WriteByte('\n')
				return
			case "b", "strong":
				b.WriteString("<b>")
				walkChildren(n, walk)
				b.WriteString("</b>")
				return
			case "a":
				href := attr(n, "href")
				if href == "" || !(strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://")) {
					walkChildren(n, walk)
					return
				}
				b.WriteString(`<a href="` + EscapeAttr(href) + `">`)
				walkChildren(n, walk)
				b.WriteString("</a>")
				return
			}
		}
		walkChildren(n, walk)
		if n.Type == html.ElementNode && blockTags[n.Data] {
			b.WriteString("\n\n")
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	return tidy(b.String())
}

func walkChildren(n *html.Node, walk func(*html.Node)) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spacesRe.ReplaceAllString(l, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankLinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
