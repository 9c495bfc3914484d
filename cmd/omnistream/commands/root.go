// Package commands implements the omnistream CLI: the coordinator and
// agent services, the all-in-one launcher, and version info.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/0xHecker/omni-stream/internal/logger"
	"github.com/0xHecker/omni-stream/pkg/metrics"
)

var (
	logLevel      string
	logFormat     string
	enableMetrics bool
)

var rootCmd = &cobra.Command{
	Use:   "omnistream",
	Short: "LAN file sharing fabric",
	Long: `omnistream runs a LAN file sharing fabric: a coordinator control
plane, per-host share agents, and a launcher that discovers peers and
joins them automatically.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Init(logger.Config{Level: logLevel, Format: logFormat}); err != nil {
			return err
		}
		if enableMetrics {
			metrics.InitRegistry()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&enableMetrics, "metrics", true, "expose Prometheus metrics on /metrics")

	rootCmd.AddCommand(coordinatorCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
