package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/0xHecker/omni-stream/pkg/agent"
	"github.com/0xHecker/omni-stream/pkg/config"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the share agent data plane",
	Long: `Runs the agent: serves its local shares over ticketed HTTP,
stages incoming transfer chunks in the inbox, and keeps itself
registered with the coordinator. Configuration comes from AGENT_*
environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return runAgent(ctx)
	},
}

func runAgent(ctx context.Context) error {
	cfg, err := config.LoadAgent()
	if err != nil {
		return fmt.Errorf("agent configuration: %w", err)
	}
	a, err := agent.New(cfg)
	if err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	return a.Run(ctx)
}
