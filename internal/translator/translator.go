package translator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/LJTian/feedrelay/internal/markup"
)

const (
	defaultSkipRatio   = 0.2
	defaultSourceRatio = 0.5
	defaultChunkRunes  = 450
)

// 跳过翻译的原因
const (
	SkipEmpty     = "empty"
	SkipTarget    = "already-target-language"
	SkipNotSource = "not-source-language"
)

var errAllProvidersFailed = errors.New("all translate providers failed")

// Result 翻译结果。失败时 Text 为原文（或去标签后的文本），Err 只做记录
type Result struct {
	Text       string
	Provider   string
	Translated bool
	Skipped    string
	Err        error
}

type Options struct {
	SourceLang string
	TargetLang string
	// 目标文字占比达到 SkipRatio 视为已是目标语言
	SkipRatio float64
	// 源文字占比超过 SourceRatio 才翻译
	SourceRatio   float64
	MaxChunkRunes int
	// 单个服务商调用的超时
	Timeout time.Duration
}

// Translator 尽力而为的翻译器：主服务商 → 备用服务商 → 原文
type Translator struct {
	providers []Provider
	opts      Options
	source    scriptFunc
	target    scriptFunc
	logger    *slog.Logger
}

func New(providers []Provider, opts Options, logger *slog.Logger) *Translator {
	if opts.SourceLang == "" {
		opts.SourceLang = "en"
	}
	if opts.TargetLang == "" {
		opts.TargetLang = "ko"
	}
	if opts.SkipRatio <= 0 {
		opts.SkipRatio = defaultSkipRatio
	}
	if opts.SourceRatio <= 0 {
		opts.SourceRatio = defaultSourceRatio
	}
	if opts.MaxChunkRunes <= 0 {
		opts.MaxChunkRunes = defaultChunkRunes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = translateClientTimeout
	}
	return &Translator{
		providers: providers,
		opts:      opts,
		source:    scriptFor(opts.SourceLang),
		target:    scriptFor(opts.TargetLang),
		logger:    logger,
	}
}

// TranslateIfNeeded 按文字比例判断是否需要翻译；任何失败都返回原文
func (t *Translator) TranslateIfNeeded(ctx context.Context, text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Text: text, Skipped: SkipEmpty}
	}
	if r := scriptRatio(text, t.target); r >= t.opts.SkipRatio {
		t.logger.Debug("skip translation, already target language", "ratio", r)
		return Result{Text: text, Skipped: SkipTarget}
	}
	if r := scriptRatio(text, t.source); r <= t.opts.SourceRatio {
		t.logger.Debug("skip translation, not source language", "ratio", r)
		return Result{Text: text, Skipped: SkipNotSource}
	}
	return t.translate(ctx, text)
}

// TranslateHTML 先去掉标签得到纯文本，再强制翻译（混合语言片段上比例判断不可靠）
func (t *Translator) TranslateHTML(ctx context.Context, htmlContent string) Result {
	if strings.TrimSpace(htmlContent) == "" {
		return Result{Text: htmlContent, Skipped: SkipEmpty}
	}
	plain := markup.PlainText(htmlContent)
	if plain == "" {
		return Result{Text: plain, Skipped: SkipEmpty}
	}
	return t.translate(ctx, plain)
}

// IsSourceLanguage 源语言文字占比是否超过阈值，消息排版用它决定是否双语展示
func (t *Translator) IsSourceLanguage(text string) bool {
	return scriptRatio(text, t.source) > t.opts.SourceRatio
}

func (t *Translator) translate(ctx context.Context, text string) Result {
	chunks := splitChunks(text, t.opts.MaxChunkRunes)
	out := make([]string, 0, len(chunks))
	provider := ""
	for _, chunk := range chunks {
		translated, name, err := t.viaChain(ctx, chunk)
		if err != nil {
			t.logger.Warn("translation failed, using original text", "chunks", len(chunks), "error", err)
			return Result{Text: text, Err: err}
		}
		if provider == "" {
			provider = name
		}
		out = append(out, translated)
	}
	return Result{Text: strings.Join(out, " "), Provider: provider, Translated: true}
}

func (t *Translator) viaChain(ctx context.Context, text string) (string, string, error) {
	var errs []error
	for _, p := range t.providers {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		pctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
		out, err := p.Translate(pctx, text, t.opts.SourceLang, t.opts.TargetLang)
		cancel()
		if err == nil {
			return out, p.Name(), nil
		}
		t.logger.Warn("translate provider failed", "provider", p.Name(), "error", err)
		errs = append(errs, err)
	}
	return "", "", errors.Join(append([]error{errAllProvidersFailed}, errs...)...)
}

// splitChunks 按 rune 数切分，尽量在空白处断开
func splitChunks(text string, limit int) []string {
	rs := []rune(strings.TrimSpace(text))
	if len(rs) <= limit {
		return []string{string(rs)}
	}
	var out []string
	for len(rs) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if unicode.IsSpace(rs[i]) {
				cut = i
				break
			}
		}
		if s := strings.TrimSpace(string(rs[:cut])); s != "" {
			out = append(out, s)
		}
		rs = rs[cut:]
	}
	if s := strings.TrimSpace(string(rs)); s != "" {
		out = append(out, s)
	}
	return out
}
