// Package dispatcher 把条目格式化为 Telegram 消息并发送，限流时按退避策略重试
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/LJTian/feedrelay/internal/collector"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 2 * time.Second
	// 单次等待上限，避免服务端给出异常大的 retry_after
	maxBackoff = 5 * time.Minute
)

// Sender 消息通道
type Sender interface {
	SendText(ctx context.Context, text string) error
	SendPhoto(ctx context.Context, photoURL, caption string) error
}

// RateLimitError 通道限流，RetryAfter 为服务端建议的等待时间（可能为 0）
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Message 一条待推送的条目及其翻译结果
type Message struct {
	Item        collector.Item
	DisplayName string
	// 翻译后的标题与正文，均为纯文本
	Title string
	Body  string
	// 同时展示原文 Item.Body 与译文
	Bilingual bool
}

// Outcome 推送结果，不会作为错误向上传播
type Outcome struct {
	Delivered bool
	Skipped   bool
	Attempts  int
	Err       error
}

type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Format      Format
}

type Dispatcher struct {
	sender Sender
	opts   Options
	logger *slog.Logger
}

// New sender 为 nil 时推送被禁用，Dispatch 直接返回 Skipped
func New(sender Sender, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	opts.Format = opts.Format.withDefaults()
	return &Dispatcher{sender: sender, opts: opts, logger: logger}
}

func (d *Dispatcher) Enabled() bool { return d.sender != nil }

// Dispatch 发送一条消息。只在限流时重试，其它错误直接放弃
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) Outcome {
	log := d.logger.With("source", msg.Item.SourceID, "item_id", msg.Item.ID)
	if d.sender == nil {
		log.Warn("telegram not configured, skip dispatch")
		return Outcome{Skipped: true}
	}

	withImage := msg.Item.ImageURL != ""
	limit := textLimit
	if withImage {
		limit = captionLimit
	}
	text := d.opts.Format.Render(msg, limit)

	var out Outcome
	err := retry.Do(
		func() error {
			out.Attempts++
			if withImage {
				return d.sender.SendPhoto(ctx, msg.Item.ImageURL, text)
			}
			return d.sender.SendText(ctx, text)
		},
		retry.Attempts(uint(d.opts.MaxAttempts)),
		retry.DelayType(d.backoff),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRateLimit),
		retry.OnRetry(func(n uint, err error) {
			// n 从 0 开始，对应刚失败的那次
			log.Warn("rate limited, waiting before retry", "failed_attempt", n+1, "next_attempt", n+2, "error", err)
		}),
	)
	if err != nil {
		out.Err = err
		log.Error("dispatch failed", "attempt", out.Attempts, "with_image", withImage, "error", err)
		return out
	}

	out.Delivered = true
	log.Info("dispatched", "attempt", out.Attempts, "with_image", withImage)
	return out
}

// backoff retry 传入的 n 是即将进行的重试序号，从 1 开始；
// 第一次重试等待 baseDelay
func (d *Dispatcher) backoff(n uint, err error, _ *retry.Config) time.Duration {
	if n > 0 {
		n--
	}
	return backoffDelay(n, err, d.opts.BaseDelay)
}

// backoffDelay 优先使用服务端给出的 retry_after，否则 base * 2^retries
func backoffDelay(retries uint, err error, base time.Duration) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return min(rl.RetryAfter, maxBackoff)
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(retries)))
	if delay <= 0 || delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

func isRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
