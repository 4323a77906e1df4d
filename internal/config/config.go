package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAppPort        = "9000"
	DefaultCheckInterval  = 60 * time.Second
	DefaultCheckTimeout   = 2 * time.Minute
	DefaultShutdownGrace  = time.Second
	DefaultFetchTimeout   = 15 * time.Second
	DefaultLedgerBackend  = "file"
	DefaultDataDir        = "data"
	DefaultLedgerFile     = "processed_items.json"
	DefaultRedisPrefix    = "feedrelay:seen"
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = 2 * time.Second
	DefaultDisplayZone    = "Asia/Seoul"
	DefaultSourceLang     = "en"
	DefaultTargetLang     = "ko"
	DefaultLibreURL       = "https://libretranslate.de/translate"
	DefaultTranslateChunk = 450
	DefaultIDFallback     = "random"
)

// Duration 让 YAML 里可以写 "60s" / "2m" 这样的字符串
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	AppPort string `yaml:"app_port"`

	// 访问 /api/v1 的 Basic Auth，留空则不启用
	BasicAuthUser string `yaml:"basic_auth_user"`
	BasicAuthPass string `yaml:"basic_auth_pass"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	CheckInterval Duration `yaml:"check_interval"`
	CheckTimeout  Duration `yaml:"check_timeout"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
	FetchTimeout  Duration `yaml:"fetch_timeout"`

	// random: 与旧版一致（时间戳+随机串，跨轮询不稳定）；content-hash: 按内容哈希生成稳定 id
	IDFallback string `yaml:"id_fallback"`

	Sources   []SourceConfig  `yaml:"sources"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Translate TranslateConfig `yaml:"translate"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
}

type SourceConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Platform    string `yaml:"platform"`
	FeedURL     string `yaml:"feed_url"`
}

type LedgerConfig struct {
	Backend       string `yaml:"backend"`
	DataDir       string `yaml:"data_dir"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisPrefix   string `yaml:"redis_prefix"`
	GCSBucket     string `yaml:"gcs_bucket"`
	GCSObject     string `yaml:"gcs_object"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// Enabled 未配置 token 或 chat id 时不发送通知，但流水线照常运行
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != ""
}

type TranslateConfig struct {
	Providers     []string `yaml:"providers"`
	SourceLang    string   `yaml:"source_lang"`
	TargetLang    string   `yaml:"target_lang"`
	LibreURL      string   `yaml:"libretranslate_url"`
	Timeout       Duration `yaml:"timeout"`
	MaxChunkRunes int      `yaml:"max_chunk_runes"`
}

type DispatchConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	BaseDelay       Duration `yaml:"base_delay"`
	DisplayTimezone string   `yaml:"display_timezone"`
}

var (
	knownPlatforms = map[string]bool{"twitter": true, "truthsocial": true, "rss": true}
	knownBackends  = map[string]bool{"memory": true, "file": true, "gcs": true, "postgres": true, "sqlite": true, "redis": true}
	knownFallbacks = map[string]bool{"random": true, "content-hash": true}
)

func defaults() *Config {
	return &Config{
		AppPort:       DefaultAppPort,
		LogLevel:      "info",
		LogFormat:     "json",
		CheckInterval: Duration{DefaultCheckInterval},
		CheckTimeout:  Duration{DefaultCheckTimeout},
		ShutdownGrace: Duration{DefaultShutdownGrace},
		FetchTimeout:  Duration{DefaultFetchTimeout},
		IDFallback:    DefaultIDFallback,
		Ledger: LedgerConfig{
			Backend:     DefaultLedgerBackend,
			DataDir:     DefaultDataDir,
			RedisAddr:   "localhost:6379",
			RedisPrefix: DefaultRedisPrefix,
			GCSObject:   DefaultLedgerFile,
		},
		Translate: TranslateConfig{
			Providers:     []string{"mymemory", "libretranslate"},
			SourceLang:    DefaultSourceLang,
			TargetLang:    DefaultTargetLang,
			LibreURL:      DefaultLibreURL,
			Timeout:       Duration{DefaultFetchTimeout},
			MaxChunkRunes: DefaultTranslateChunk,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:     DefaultMaxAttempts,
			BaseDelay:       Duration{DefaultBaseDelay},
			DisplayTimezone: DefaultDisplayZone,
		},
	}
}

// Load 依次应用默认值、可选的 YAML 文件、环境变量覆盖，最后做校验。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.AppPort = getEnv("APP_PORT", cfg.AppPort)
	cfg.BasicAuthUser = getEnv("APP_BASIC_USER", cfg.BasicAuthUser)
	cfg.BasicAuthPass = getEnv("APP_BASIC_PASS", cfg.BasicAuthPass)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.IDFallback = getEnv("ID_FALLBACK", cfg.IDFallback)

	var errs []error
	for key, dst := range map[string]*Duration{
		"CHECK_INTERVAL":      &cfg.CheckInterval,
		"CHECK_TIMEOUT":       &cfg.CheckTimeout,
		"SHUTDOWN_GRACE":      &cfg.ShutdownGrace,
		"FETCH_TIMEOUT":       &cfg.FetchTimeout,
		"TRANSLATE_TIMEOUT":   &cfg.Translate.Timeout,
		"DISPATCH_BASE_DELAY": &cfg.Dispatch.BaseDelay,
	} {
		if err := envDuration(key, dst); err != nil {
			errs = append(errs, err)
		}
	}

	if v := os.Getenv("FEED_SOURCES"); v != "" {
		sources, err := parseSources(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Sources = sources
		}
	}

	cfg.Ledger.Backend = getEnv("LEDGER_BACKEND", cfg.Ledger.Backend)
	cfg.Ledger.DataDir = getEnv("DATA_DIR", cfg.Ledger.DataDir)
	cfg.Ledger.PostgresDSN = getEnv("POSTGRES_DSN", cfg.Ledger.PostgresDSN)
	cfg.Ledger.SQLitePath = getEnv("SQLITE_PATH", cfg.Ledger.SQLitePath)
	cfg.Ledger.RedisAddr = getEnv("REDIS_ADDR", cfg.Ledger.RedisAddr)
	cfg.Ledger.RedisPassword = getEnv("REDIS_PASSWORD", cfg.Ledger.RedisPassword)
	cfg.Ledger.RedisPrefix = getEnv("REDIS_PREFIX", cfg.Ledger.RedisPrefix)
	cfg.Ledger.GCSBucket = getEnv("GCS_BUCKET", cfg.Ledger.GCSBucket)
	cfg.Ledger.GCSObject = getEnv("GCS_OBJECT", cfg.Ledger.GCSObject)

	cfg.Telegram.BotToken = getEnv("TELEGRAM_BOT_TOKEN", cfg.Telegram.BotToken)
	cfg.Telegram.ChatID = getEnv("TELEGRAM_CHAT_ID", cfg.Telegram.ChatID)

	if v := os.Getenv("TRANSLATE_PROVIDERS"); v != "" {
		cfg.Translate.Providers = splitList(v)
	}
	cfg.Translate.SourceLang = getEnv("TRANSLATE_SOURCE_LANG", cfg.Translate.SourceLang)
	cfg.Translate.TargetLang = getEnv("TRANSLATE_TARGET_LANG", cfg.Translate.TargetLang)
	cfg.Translate.LibreURL = getEnv("LIBRETRANSLATE_URL", cfg.Translate.LibreURL)

	if v := os.Getenv("DISPATCH_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS: %w", err))
		} else {
			cfg.Dispatch.MaxAttempts = n
		}
	}
	cfg.Dispatch.DisplayTimezone = getEnv("DISPLAY_TIMEZONE", cfg.Dispatch.DisplayTimezone)

	return errors.Join(errs...)
}

// parseSources 解析 FEED_SOURCES，格式：id|platform|url|displayName;id2|...
// displayName 可省略，默认与 id 相同
func parseSources(v string) ([]SourceConfig, error) {
	var out []SourceConfig
	for _, entry := range strings.Split(v, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) < 3 {
			return nil, fmt.Errorf("FEED_SOURCES: entry %q needs id|platform|url", entry)
		}
		sc := SourceConfig{
			ID:       strings.TrimSpace(parts[0]),
			Platform: strings.TrimSpace(parts[1]),
			FeedURL:  strings.TrimSpace(parts[2]),
		}
		if len(parts) > 3 {
			sc.DisplayName = strings.TrimSpace(strings.Join(parts[3:], "|"))
		}
		out = append(out, sc)
	}
	return out, nil
}

// Validate 检查必填项与取值范围，所有问题一次性返回
func (c *Config) Validate() error {
	var errs []error

	if len(c.Sources) == 0 {
		errs = append(errs, errors.New("at least one source is required"))
	}
	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: id is required", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		if s.DisplayName == "" {
			s.DisplayName = s.ID
		}
		if !knownPlatforms[s.Platform] {
			errs = append(errs, fmt.Errorf("source %q: unknown platform %q", s.ID, s.Platform))
		}
		u, err := url.Parse(s.FeedURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("source %q: feed_url must be an absolute http(s) URL", s.ID))
		}
	}

	if !knownBackends[c.Ledger.Backend] {
		errs = append(errs, fmt.Errorf("ledger: unknown backend %q", c.Ledger.Backend))
	}
	switch c.Ledger.Backend {
	case "postgres":
		if c.Ledger.PostgresDSN == "" {
			errs = append(errs, errors.New("ledger: postgres_dsn is required for postgres backend"))
		}
	case "gcs":
		if c.Ledger.GCSBucket == "" {
			errs = append(errs, errors.New("ledger: gcs_bucket is required for gcs backend"))
		}
	}

	if !knownFallbacks[c.IDFallback] {
		errs = append(errs, fmt.Errorf("id_fallback: unknown strategy %q", c.IDFallback))
	}

	for name, d := range map[string]time.Duration{
		"check_interval":      c.CheckInterval.Duration,
		"check_timeout":       c.CheckTimeout.Duration,
		"fetch_timeout":       c.FetchTimeout.Duration,
		"translate.timeout":   c.Translate.Timeout.Duration,
		"dispatch.base_delay": c.Dispatch.BaseDelay.Duration,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.ShutdownGrace.Duration < 0 {
		errs = append(errs, errors.New("shutdown_grace must not be negative"))
	}
	if c.Dispatch.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatch.max_attempts must be at least 1"))
	}
	if c.Translate.MaxChunkRunes <= 0 {
		c.Translate.MaxChunkRunes = DefaultTranslateChunk
	}

	return errors.Join(errs...)
}

// FilePath 文件型账本的本地路径
func (l LedgerConfig) FilePath() string {
	return filepath.Join(l.DataDir, DefaultLedgerFile)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, dst *Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	dst.Duration = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
