package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/LJTian/feedrelay/internal/api"
	"github.com/LJTian/feedrelay/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the polling pipeline and the HTTP status server",
	RunE:  serveAction,
}

func serveAction(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched, led, err := buildPipeline(ctx, cfg, logger)
	if sched == nil {
		return err
	}
	// 在 sched.Stop 之后执行；Stop 会等所有检查退出
	defer func() {
		if cerr := led.Close(); cerr != nil {
			logger.Warn("close ledger failed", "error", cerr)
		}
	}()

	// 账本不可用时不启动流水线，只保留 HTTP 接口用于排查
	if err != nil {
		logger.Error("pipeline not started", "error", err)
	} else {
		sched.Start(ctx)
	}

	if logger.Enabled(ctx, slog.LevelDebug) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           api.NewServer(sched, cfg.BasicAuthUser, cfg.BasicAuthPass).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting api server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var exitErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case exitErr = <-serveErr:
		if exitErr != nil {
			logger.Error("api server exited", "error", exitErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sched.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	logger.Info("bye")
	return exitErr
}
