package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/0xHecker/omni-stream/internal/logger"
	"github.com/0xHecker/omni-stream/pkg/config"
	"github.com/0xHecker/omni-stream/pkg/coordinator/acl"
	"github.com/0xHecker/omni-stream/pkg/coordinator/agentclient"
	"github.com/0xHecker/omni-stream/pkg/coordinator/api"
	"github.com/0xHecker/omni-stream/pkg/coordinator/events"
	"github.com/0xHecker/omni-stream/pkg/coordinator/passcode"
	"github.com/0xHecker/omni-stream/pkg/coordinator/search"
	"github.com/0xHecker/omni-stream/pkg/coordinator/store"
	"github.com/0xHecker/omni-stream/pkg/coordinator/transfers"
	"github.com/0xHecker/omni-stream/pkg/token"
)

const searchWorkers = 16

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the coordinator control plane",
	Long: `Runs the coordinator: pairing and auth, the device and share
catalog, transfer orchestration, federated search, and the event
websocket. Configuration comes from COORDINATOR_* environment
variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return runCoordinator(ctx)
	},
}

// runCoordinator wires and serves the control plane until ctx ends.
func runCoordinator(ctx context.Context) error {
	cfg, err := config.LoadCoordinator()
	if err != nil {
		return fmt.Errorf("coordinator configuration: %w", err)
	}

	dbConfig, err := store.ParseURL(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database URL: %w", err)
	}
	st, err := store.New(dbConfig)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}()

	issuer := token.NewIssuer(cfg.SecretKey)
	issuer.AccessTTL = time.Duration(cfg.AccessTokenTTLSeconds) * time.Second
	issuer.EventsTTL = time.Duration(cfg.EventsWSTokenTTLSeconds) * time.Second
	issuer.ReadTTL = time.Duration(cfg.ReadTicketTTLSeconds) * time.Second
	issuer.TransferTTL = time.Duration(cfg.TransferTicketTTLSeconds) * time.Second

	aclSvc := acl.NewService(st)
	broker := events.NewBroker()
	agents := agentclient.New()
	defer agents.Close()
	codes := passcode.NewService(st, time.Duration(cfg.PasscodeWindowSeconds)*time.Second)
	transferSvc := transfers.NewService(st, aclSvc, codes, broker, issuer)
	searchSvc := search.NewService(st, aclSvc, issuer, agents, searchWorkers)

	server := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:             st,
		ACL:               aclSvc,
		Issuer:            issuer,
		Agents:            agents,
		Broker:            broker,
		Transfers:         transferSvc,
		Search:            searchSvc,
		SecretKey:         cfg.SecretKey,
		AgentSharedSecret: cfg.AgentSharedSecret,
		BrowsePIN:         cfg.BrowsePIN,
		PairingCodeTTL:    time.Duration(cfg.PairingCodeTTLSeconds) * time.Second,
	})
	return server.Start(ctx)
}
