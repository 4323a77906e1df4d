package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/LJTian/feedrelay/internal/config"
)

// Open 按配置选择持久化后端并加载已有记录。
// 后端不可用时返回错误，调用方决定是否退化为内存账本。
func Open(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger) (*Ledger, error) {
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	l := New(backend, logger)
	l.LoadAll(ctx)
	return l, nil
}

func openBackend(ctx context.Context, cfg config.LedgerConfig) (Backend, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "", "file":
		return NewFile(cfg.FilePath()), nil
	case "gcs":
		return NewGCS(ctx, cfg.GCSBucket, cfg.GCSObject)
	case "postgres":
		return NewPostgres(ctx, cfg.PostgresDSN)
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "processed_items.db")
		}
		return NewSQLite(ctx, path)
	case "redis":
		return NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}
