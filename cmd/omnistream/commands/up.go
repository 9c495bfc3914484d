package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/0xHecker/omni-stream/internal/logger"
	"github.com/0xHecker/omni-stream/pkg/discovery"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Run coordinator and agent together with LAN auto-join",
	Long: `Brings the whole fabric up in one process: materializes secrets
and IDs in the settings file, starts a local coordinator, scans the LAN
for an existing one, auto-joins the first coordinator found (or the
local one), and runs the agent against it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return runUp(ctx)
	},
}

// portFromAddr extracts the port from a listen address like ":7000".
func portFromAddr(addr string, fallback int) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fallback
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return fallback
	}
	return port
}

// setEnvDefault sets an env variable only when it is not already set, so
// explicit configuration always wins over the settings file.
func setEnvDefault(key, value string) {
	if os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// waitForCoordinator polls the local coordinator until it answers the
// discovery probe or the deadline passes.
func waitForCoordinator(ctx context.Context, baseURL string, deadline time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if discovery.Probe(probeCtx, baseURL, 300*time.Millisecond) {
			return true
		}
		select {
		case <-probeCtx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func runUp(ctx context.Context) error {
	settings, err := discovery.LoadSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	changed, err := settings.Materialize()
	if err != nil {
		return fmt.Errorf("materialize settings: %w", err)
	}
	if changed {
		if err := settings.Save(); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
	}

	// Settings fill the env only where nothing is configured; both
	// services then read their usual env configuration.
	setEnvDefault("COORDINATOR_SECRET_KEY", settings.SecretKey)
	setEnvDefault("COORDINATOR_AGENT_SHARED_SECRET", settings.AgentSharedSecret)
	setEnvDefault("AGENT_DEVICE_ID", settings.AgentDeviceID)
	setEnvDefault("AGENT_DEFAULT_SHARE_ID", settings.DefaultShareID)

	coordinatorPort := portFromAddr(envOrDefault("COORDINATOR_LISTEN_ADDR", ":7000"), discovery.DefaultCoordinatorPort)
	agentPort := portFromAddr(envOrDefault("AGENT_LISTEN_ADDR", ":7001"), 7001)
	localURL := fmt.Sprintf("http://127.0.0.1:%d", coordinatorPort)
	lanIP := discovery.PreferredLANIPv4()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return runCoordinator(ctx)
	})

	group.Go(func() error {
		if !waitForCoordinator(ctx, localURL, 10*time.Second) {
			return fmt.Errorf("local coordinator did not come up on %s", localURL)
		}

		coordinatorURL := discovery.FirstCoordinator(ctx, discovery.Options{Port: coordinatorPort})
		if coordinatorURL == "" {
			coordinatorURL = localURL
		}
		logger.Info("using coordinator", "url", coordinatorURL, "lan_ip", lanIP)

		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "omnistream"
		}
		join, err := discovery.EnsureIdentity(ctx, settings, coordinatorURL, hostname, hostname)
		if err != nil {
			return fmt.Errorf("auto-join: %w", err)
		}
		if join != nil && !settings.HasIdentity() {
			logger.Warn("waiting for pairing approval on another device; agent will serve without an owner",
				"pairing_code", join.PairingCode)
		}

		setEnvDefault("AGENT_COORDINATOR_URL", coordinatorURL)
		setEnvDefault("AGENT_PUBLIC_BASE_URL", fmt.Sprintf("http://%s:%d", lanIP, agentPort))
		if settings.HasIdentity() {
			setEnvDefault("AGENT_OWNER_PRINCIPAL_ID", settings.Identity.PrincipalID)
		}

		return runAgent(ctx)
	})

	return group.Wait()
}
