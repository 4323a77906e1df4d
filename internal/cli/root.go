// Package cli 提供 feedrelay 命令行入口
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version 与 Commit 在构建时通过 ldflags 注入
var (
	Version = "dev"
	Commit  = "none"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "feedrelay",
	Short:         "Relay new feed items to Telegram with translation",
	Long:          "feedrelay polls RSS/JSON feeds of social accounts, detects new posts, translates them and forwards them to a Telegram chat.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "feedrelay %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config (environment variables override it)")
	rootCmd.AddCommand(versionCmd, serveCmd, checkCmd, statusCmd)
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.Execute()
}
