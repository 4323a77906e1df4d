package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)

// TelegramSender 通过 Bot API 发送到一个 chat。
// chatID 为数字时按 chat id 发送，以 @ 开头时按频道用户名发送。
// Bot 客户端在第一次发送时创建，启动时 Telegram 不可达不影响服务启动。
type TelegramSender struct {
	token    string
	chatID   string
	endpoint string
	client   *http.Client

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramSender endpoint 为空时使用官方地址
func NewTelegramSender(token, chatID, endpoint string, client *http.Client) (*TelegramSender, error) {
	if token == "" || chatID == "" {
		return nil, errors.New("telegram bot token and chat id are required")
	}
	if !strings.HasPrefix(chatID, "@") {
		if _, err := strconv.ParseInt(chatID, 10, 64); err != nil {
			return nil, fmt.Errorf("telegram chat id %q must be numeric or @channel", chatID)
		}
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TelegramSender{token: token, chatID: chatID, endpoint: endpoint, client: client}, nil
}

func (s *TelegramSender) api() (*tgbotapi.BotAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot != nil {
		return s.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(s.token, s.endpoint, s.client)
	if err != nil {
		return nil, classify(fmt.Errorf("init telegram bot: %w", err))
	}
	s.bot = bot
	return bot, nil
}

func (s *TelegramSender) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := s.api()
	if err != nil {
		return err
	}

	var msg tgbotapi.MessageConfig
	if strings.HasPrefix(s.chatID, "@") {
		msg = tgbotapi.NewMessageToChannel(s.chatID, text)
	} else {
		id, _ := strconv.ParseInt(s.chatID, 10, 64)
		msg = tgbotapi.NewMessage(id, text)
	}
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = false

	_, err = bot.Send(msg)
	return classify(err)
}

func (s *TelegramSender) SendPhoto(ctx context.Context, photoURL, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := s.api()
	if err != nil {
		return err
	}

	file := tgbotapi.FileURL(photoURL)
	var photo tgbotapi.PhotoConfig
	if strings.HasPrefix(s.chatID, "@") {
		photo = tgbotapi.NewPhotoToChannel(s.chatID, file)
	} else {
		id, _ := strconv.ParseInt(s.chatID, 10, 64)
		photo = tgbotapi.NewPhoto(id, file)
	}
	photo.Caption = caption
	photo.ParseMode = tgbotapi.ModeHTML

	_, err = bot.Send(photo)
	return classify(err)
}

// classify 把 429 转成 *RateLimitError，其它错误原样返回
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests {
			wait := time.Duration(apiErr.RetryAfter) * time.Second
			if wait == 0 {
				wait = parseRetryAfter(apiErr.Message)
			}
			return &RateLimitError{RetryAfter: wait, Err: err}
		}
		return err
	}

	// 其它客户端可能只在错误文本里带上 429
	if strings.Contains(err.Error(), "429") || strings.Contains(strings.ToLower(err.Error()), "too many requests") {
		return &RateLimitError{RetryAfter: parseRetryAfter(err.Error()), Err: err}
	}
	return err
}

func parseRetryAfter(s string) time.Duration {
	m := retryAfterRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return time.Duration(n) * time.Second
}
