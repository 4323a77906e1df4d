package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/LJTian/feedrelay/internal/collector"
	"github.com/LJTian/feedrelay/internal/config"
	"github.com/LJTian/feedrelay/internal/dispatcher"
	"github.com/LJTian/feedrelay/internal/ledger"
	"github.com/LJTian/feedrelay/internal/scheduler"
	"github.com/LJTian/feedrelay/internal/translator"
)

func toSources(cfg *config.Config) []collector.Source {
	out := make([]collector.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		out = append(out, collector.Source{
			ID:          s.ID,
			DisplayName: s.DisplayName,
			Platform:    collector.Platform(s.Platform),
			FeedURL:     s.FeedURL,
		})
	}
	return out
}

func newTranslator(cfg *config.Config, logger *slog.Logger) (*translator.Translator, error) {
	client := &http.Client{Timeout: cfg.Translate.Timeout.Duration}
	providers := make([]translator.Provider, 0, len(cfg.Translate.Providers))
	for _, name := range cfg.Translate.Providers {
		p, err := translator.NewProvider(name, client, cfg.Translate.LibreURL)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return translator.New(providers, translator.Options{
		SourceLang:    cfg.Translate.SourceLang,
		TargetLang:    cfg.Translate.TargetLang,
		MaxChunkRunes: cfg.Translate.MaxChunkRunes,
		Timeout:       cfg.Translate.Timeout.Duration,
	}, logger.With("component", "translator")), nil
}

func newDispatcher(cfg *config.Config, logger *slog.Logger) *dispatcher.Dispatcher {
	log := logger.With("component", "dispatcher")

	loc, err := time.LoadLocation(cfg.Dispatch.DisplayTimezone)
	if err != nil {
		log.Warn("unknown display timezone, using UTC", "timezone", cfg.Dispatch.DisplayTimezone, "error", err)
		loc = time.UTC
	}

	// 未配置 Telegram 时 sender 保持 nil，推送被跳过但条目照常记账
	var sender dispatcher.Sender
	if cfg.Telegram.Enabled() {
		tg, err := dispatcher.NewTelegramSender(cfg.Telegram.BotToken, cfg.Telegram.ChatID, "", nil)
		if err != nil {
			log.Error("telegram sender disabled", "error", err)
		} else {
			sender = tg
		}
	} else {
		log.Warn("TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID not set, dispatch disabled")
	}

	return dispatcher.New(sender, dispatcher.Options{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BaseDelay:   cfg.Dispatch.BaseDelay.Duration,
		Format:      dispatcher.Format{Location: loc},
	}, log)
}

// buildPipeline 组装各组件。账本打开失败时仍返回一个使用内存账本的 Scheduler 和该错误，
// 调用方可以继续提供 HTTP 接口并在状态中展示启动错误。
func buildPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*scheduler.Scheduler, *ledger.Ledger, error) {
	tr, err := newTranslator(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	normalizer := collector.NewNormalizer(collector.FallbackStrategy(cfg.IDFallback))
	fetcher := collector.NewFeedFetcher(cfg.FetchTimeout.Duration, normalizer, logger.With("component", "collector"))
	disp := newDispatcher(cfg, logger)

	led, ledErr := ledger.Open(ctx, cfg.Ledger, logger.With("component", "ledger"))
	if ledErr != nil {
		ledErr = fmt.Errorf("open %s ledger: %w", cfg.Ledger.Backend, ledErr)
		led = ledger.New(ledger.NewMemory(), logger.With("component", "ledger"))
	}

	s, err := scheduler.New(toSources(cfg), fetcher, tr, disp, led, scheduler.Options{
		Interval:      cfg.CheckInterval.Duration,
		CheckTimeout:  cfg.CheckTimeout.Duration,
		ShutdownGrace: cfg.ShutdownGrace.Duration,
	}, logger.With("component", "scheduler"))
	if err != nil {
		_ = led.Close()
		return nil, nil, err
	}
	if ledErr != nil {
		s.SetStartError(ledErr)
	}
	return s, led, ledErr
}
