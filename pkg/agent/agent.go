// Package agent wires the data plane: local share state, the ticketed
// file API, the transfer inbox, and the coordinator sync loop.
package agent

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0xHecker/omni-stream/internal/logger"
	"github.com/0xHecker/omni-stream/pkg/agent/api"
	"github.com/0xHecker/omni-stream/pkg/agent/coordclient"
	"github.com/0xHecker/omni-stream/pkg/agent/inbox"
	"github.com/0xHecker/omni-stream/pkg/agent/models"
	"github.com/0xHecker/omni-stream/pkg/agent/store"
	"github.com/0xHecker/omni-stream/pkg/config"
)

// Agent is one running data plane instance.
type Agent struct {
	cfg         *config.Agent
	store       *store.GORMStore
	coordinator *coordclient.Client
	server      *api.Server
}

// New opens the agent's state database, seeds the default share, and
// builds the HTTP server. Nothing is served until Run.
func New(cfg *config.Agent) (*Agent, error) {
	if err := os.MkdirAll(cfg.DefaultShareRoot, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.InboxDir, 0755); err != nil {
		return nil, err
	}

	st, err := store.New(cfg.StateDBURL)
	if err != nil {
		return nil, err
	}

	if err := seedDefaultShare(context.Background(), st, cfg); err != nil {
		st.Close()
		return nil, err
	}

	coordinator := coordclient.New(cfg.CoordinatorURL, cfg.AgentSharedSecret, cfg.DeviceID)
	inboxService := inbox.NewService(st, coordinator, cfg.InboxDir, cfg.UploadChunkMaxBytes)

	server := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:     st,
		Inbox:     inboxService,
		SecretKey: cfg.CoordinatorSecret,
	})

	return &Agent{
		cfg:         cfg,
		store:       st,
		coordinator: coordinator,
		server:      server,
	}, nil
}

// seedDefaultShare makes sure the configured default share exists.
func seedDefaultShare(ctx context.Context, st store.Store, cfg *config.Agent) error {
	_, err := st.GetShare(ctx, cfg.DefaultShareID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, models.ErrShareNotFound) {
		return err
	}
	return st.SaveShare(ctx, &models.LocalShare{
		ID:       cfg.DefaultShareID,
		Name:     cfg.DefaultShareName,
		RootPath: cfg.DefaultShareRoot,
	})
}

// Run serves the data plane until the context is cancelled. When an owner
// principal is configured the agent registers with the coordinator and
// heartbeats on the configured interval; without one it serves shares
// locally and stays out of the catalog.
func (a *Agent) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return a.server.Start(ctx)
	})

	if a.cfg.OwnerPrincipalID != "" {
		group.Go(func() error {
			a.syncLoop(ctx)
			return nil
		})
	} else {
		logger.Warn("no owner principal configured; agent will not register with coordinator")
	}

	err := group.Wait()
	a.coordinator.Close()
	if closeErr := a.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Register announces the agent and its current shares to the coordinator.
func (a *Agent) Register(ctx context.Context) error {
	shares, err := a.store.ListShares(ctx)
	if err != nil {
		return err
	}
	registrations := make([]coordclient.ShareRegistration, 0, len(shares))
	for _, share := range shares {
		registrations = append(registrations, coordclient.ShareRegistration{
			ShareID:  share.ID,
			Name:     share.Name,
			RootPath: share.RootPath,
			ReadOnly: share.ReadOnly,
		})
	}
	return a.coordinator.Register(ctx, a.cfg.OwnerPrincipalID, a.cfg.Name, a.cfg.PublicBaseURL, registrations)
}

// syncLoop registers with the coordinator and then heartbeats until the
// context is cancelled. A failed registration is retried on the heartbeat
// interval, so a coordinator that comes up later still picks the agent up.
func (a *Agent) syncLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.HeartbeatSeconds) * time.Second
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}

	registered := false
	if err := a.Register(ctx); err != nil {
		logger.Warn("failed to register agent with coordinator", "error", err)
	} else {
		registered = true
		logger.Info("agent registered with coordinator",
			"device_id", a.cfg.DeviceID, "coordinator", a.cfg.CoordinatorURL)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !registered {
				if err := a.Register(ctx); err != nil {
					logger.Debug("agent registration retry failed", "error", err)
					continue
				}
				registered = true
				logger.Info("agent registered with coordinator",
					"device_id", a.cfg.DeviceID, "coordinator", a.cfg.CoordinatorURL)
			}
			a.coordinator.Heartbeat(ctx)
		}
	}
}
