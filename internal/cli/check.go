package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/LJTian/feedrelay/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run a single check pass over all sources and exit",
	RunE:  checkAction,
}

func checkAction(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	sched, led, err := buildPipeline(cmd.Context(), cfg, logger)
	if err != nil {
		if led != nil {
			_ = led.Close()
		}
		return err
	}
	defer func() { _ = led.Close() }()

	sum := sched.RunOnce(cmd.Context())
	fmt.Fprintln(cmd.OutOrStdout(), sum.String())
	return nil
}
