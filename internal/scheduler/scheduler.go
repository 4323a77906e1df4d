// Package scheduler 定时轮询所有订阅源：抓取 → 去重 → 翻译 → 推送 → 记账
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LJTian/feedrelay/internal/collector"
	"github.com/LJTian/feedrelay/internal/dispatcher"
	"github.com/LJTian/feedrelay/internal/ledger"
	"github.com/LJTian/feedrelay/internal/markup"
	"github.com/LJTian/feedrelay/internal/processor"
	"github.com/LJTian/feedrelay/internal/translator"
)

const (
	defaultInterval      = 60 * time.Second
	defaultCheckTimeout  = 2 * time.Minute
	defaultShutdownGrace = time.Second
)

var errCheckTimeout = errors.New("source check timed out")

type Fetcher interface {
	Fetch(ctx context.Context, src collector.Source) collector.FetchResult
}

type Translator interface {
	TranslateIfNeeded(ctx context.Context, text string) translator.Result
	TranslateHTML(ctx context.Context, htmlContent string) translator.Result
	IsSourceLanguage(text string) bool
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg dispatcher.Message) dispatcher.Outcome
}

type Options struct {
	Interval      time.Duration
	CheckTimeout  time.Duration
	ShutdownGrace time.Duration
}

// Summary 一轮检查的汇总
type Summary struct {
	Sources    int
	Fetched    int
	New        int
	Dispatched int
	Skipped    int
	Failed     int
}

func (s Summary) String() string {
	return fmt.Sprintf("sources=%d fetched=%d new=%d dispatched=%d skipped=%d failed=%d",
		s.Sources, s.Fetched, s.New, s.Dispatched, s.Skipped, s.Failed)
}

type Scheduler struct {
	cron       *cron.Cron
	opts       Options
	fetcher    Fetcher
	translator Translator
	dispatcher Dispatcher
	ledger     *ledger.Ledger
	filter     *processor.NoveltyFilter
	logger     *slog.Logger

	// 顺序与配置一致，状态只在本结构内维护
	order  []string
	states map[string]*sourceState

	running  atomic.Bool
	startErr atomic.Value
	passes   sync.WaitGroup
	// 包括超时后被放弃但仍在运行的检查
	checks sync.WaitGroup

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(sources []collector.Source, f Fetcher, tr Translator, d Dispatcher, l *ledger.Ledger, opts Options, logger *slog.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = defaultCheckTimeout
	}
	if opts.ShutdownGrace < 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	if l == nil {
		l = ledger.New(nil, logger)
	}

	s := &Scheduler{
		cron:       cron.New(),
		opts:       opts,
		fetcher:    f,
		translator: tr,
		dispatcher: d,
		ledger:     l,
		filter:     processor.NewNoveltyFilter(l),
		logger:     logger,
		states:     make(map[string]*sourceState, len(sources)),
	}
	for _, src := range sources {
		if _, dup := s.states[src.ID]; dup {
			return nil, fmt.Errorf("duplicate source id %q", src.ID)
		}
		s.order = append(s.order, src.ID)
		s.states[src.ID] = newSourceState(src)
	}

	if _, err := s.cron.AddFunc("@every "+opts.Interval.String(), s.tick); err != nil {
		return nil, fmt.Errorf("schedule every %s: %w", opts.Interval, err)
	}
	return s, nil
}

// Start 立即在后台跑一轮，然后按间隔定时执行。轮次之间允许重叠。
// ctx 只提供取值，取消由 Stop 决定，这样关闭时的宽限期才有意义
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.running.Store(true)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "interval", s.opts.Interval.String(), "sources", len(s.order))

	s.Trigger()
}

// Trigger 在后台发起一轮检查；未运行时返回 false
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		return false
	}
	ctx := s.baseCtx
	s.passes.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.passes.Done()
		s.RunOnce(ctx)
	}()
	return true
}

func (s *Scheduler) tick() {
	s.Trigger()
}

// Stop 停止定时器，最多等待 ShutdownGrace 让进行中的推送结束，然后取消剩余工作，
// 并在 ctx 允许的时间内等所有检查（包括已放弃的）退出，之后才能安全关闭账本
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	wasRunning := s.running.Swap(false)
	s.mu.Unlock()
	if !wasRunning {
		return
	}
	cronDone := s.cron.Stop()

	passesDone := make(chan struct{})
	go func() {
		s.passes.Wait()
		close(passesDone)
	}()

	grace := time.NewTimer(s.opts.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-passesDone:
	case <-grace.C:
		s.logger.Warn("shutdown grace elapsed, cancelling running checks")
	case <-ctx.Done():
	}
	<-cronDone.Done()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.passes.Wait()
		s.checks.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.logger.Info("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler stopped with checks still running", "error", ctx.Err())
	}
}

func (s *Scheduler) Running() bool { return s.running.Load() }

// SetStartError 启动失败时记录原因，供状态接口展示
func (s *Scheduler) SetStartError(err error) {
	if err != nil {
		s.startErr.Store(err.Error())
	}
}

// RunOnce 并发检查所有订阅源并等待全部结束。单个订阅源失败、panic 或超时不影响其它订阅源
func (s *Scheduler) RunOnce(ctx context.Context) Summary {
	start := time.Now()
	s.logger.Debug("check pass started")

	results := make([]Summary, len(s.order))
	var wg sync.WaitGroup
	for i, id := range s.order {
		wg.Add(1)
		go func(i int, st *sourceState) {
			defer wg.Done()
			results[i] = s.checkWithTimeout(ctx, st)
		}(i, s.states[id])
	}
	wg.Wait()

	total := Summary{Sources: len(s.order)}
	for _, r := range results {
		total.Fetched += r.Fetched
		total.New += r.New
		total.Dispatched += r.Dispatched
		total.Skipped += r.Skipped
		total.Failed += r.Failed
	}
	s.logger.Info("check pass done", "summary", total.String(), "elapsed", time.Since(start).String())
	return total
}

// checkWithTimeout 超时后不再等待卡住的检查；认领机制保证它稍后完成时不会重复推送
func (s *Scheduler) checkWithTimeout(parent context.Context, st *sourceState) Summary {
	ctx, cancel := context.WithTimeout(parent, s.opts.CheckTimeout)
	defer cancel()

	done := make(chan Summary, 1)
	s.checks.Add(1)
	go func() {
		defer s.checks.Done()
		var sum Summary
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("panic: %v", r)
				s.logger.Error("source check panicked", "source", st.src.ID, "error", err)
				st.recordError(err)
			}
			done <- sum
		}()
		sum = s.checkSource(ctx, st)
	}()

	select {
	case sum := <-done:
		return sum
	case <-ctx.Done():
		s.logger.Warn("source check abandoned", "source", st.src.ID, "timeout", s.opts.CheckTimeout.String(), "error", ctx.Err())
		st.recordError(errCheckTimeout)
		return Summary{}
	}
}

func (s *Scheduler) checkSource(ctx context.Context, st *sourceState) Summary {
	src := st.src
	log := s.logger.With("source", src.ID)

	res := s.fetcher.Fetch(ctx, src)
	st.recordFetch(time.Now(), len(res.Items), res.Err)
	if res.Err != nil {
		log.Warn("fetch failed", "status", res.StatusCode, "error", res.Err)
		return Summary{}
	}
	if len(res.Items) == 0 {
		log.Info("no items fetched")
		return Summary{}
	}

	sum := Summary{Fetched: len(res.Items)}
	fresh := s.filter.Process(src.ID, res.Items)
	if len(fresh) == 0 {
		log.Debug("no new items", "fetched", len(res.Items))
		return sum
	}
	log.Info("new items found", "fetched", len(res.Items), "new", len(fresh))

	// 同一订阅源内按抓取顺序逐条推送
	for _, it := range fresh {
		if ctx.Err() != nil {
			log.Warn("check cancelled, remaining items left for next pass", "error", ctx.Err())
			break
		}
		if !st.claim(it.ID, s.ledger) {
			continue
		}
		out, settled := s.deliver(ctx, st, it)
		st.release(it.ID)
		if !settled {
			log.Warn("item not sent before cancellation, left for next pass", "item_id", it.ID, "error", ctx.Err())
			break
		}

		sum.New++
		switch {
		case out.Delivered:
			sum.Dispatched++
		case out.Skipped:
			sum.Skipped++
		default:
			sum.Failed++
		}
	}
	return sum
}

// deliver 翻译并推送一条条目。settled 为 false 表示因取消而没有真正发出，
// 条目不记账，下一轮重新处理
func (s *Scheduler) deliver(ctx context.Context, st *sourceState, it collector.Item) (dispatcher.Outcome, bool) {
	title := s.translator.TranslateIfNeeded(ctx, it.Title)
	body := s.translator.TranslateHTML(ctx, it.Body)
	if err := ctx.Err(); err != nil {
		return dispatcher.Outcome{Err: err}, false
	}
	bilingual := body.Translated && s.translator.IsSourceLanguage(markup.PlainText(it.Body))

	s.logger.Debug("dispatching item",
		"source", it.SourceID, "item_id", it.ID,
		"provider", body.Provider, "preview", processor.TruncateRunes(body.Text, 80))

	out := s.dispatcher.Dispatch(ctx, dispatcher.Message{
		Item:        it,
		DisplayName: st.src.DisplayName,
		Title:       title.Text,
		Body:        body.Text,
		Bilingual:   bilingual,
	})
	if !sent(ctx, out) {
		return out, false
	}
	st.recordOutcome(out)

	// 推送过的条目无论成功与否都记账，不重新排队；取消的 ctx 不能影响账本写入
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.ledger.MarkSeen(markCtx, st.src.ID, it.ID)
	return out, true
}

// sent 判断推送是否真正发生过：成功、被禁用跳过，或通道给出了明确的失败
func sent(ctx context.Context, out dispatcher.Outcome) bool {
	if out.Delivered || out.Skipped {
		return true
	}
	if out.Attempts == 0 {
		return false
	}
	return ctx.Err() == nil && !errors.Is(out.Err, context.Canceled) && !errors.Is(out.Err, context.DeadlineExceeded)
}
