// Package coordclient is the agent's HTTP client for the coordinator's
// internal API. All calls authenticate with the shared agent secret.
package coordclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/0xHecker/omni-stream/internal/logger"
)

const (
	requestTimeout = 10 * time.Second

	maxIdleConns        = 80
	maxIdleConnsPerHost = 40
	idleConnTimeout     = 20 * time.Second
)

// ShareRegistration describes one exported share in a register call.
type ShareRegistration struct {
	ShareID  string `json:"share_id"`
	Name     string `json:"name"`
	RootPath string `json:"root_path"`
	ReadOnly bool   `json:"read_only"`
}

// Manifest is the coordinator's description of one approved transfer
// item.
type Manifest struct {
	TransferID      string  `json:"transfer_id"`
	ReceiverShareID string  `json:"receiver_share_id"`
	ItemID          string  `json:"item_id"`
	Filename        string  `json:"filename"`
	Size            int64   `json:"size"`
	SHA256          string  `json:"sha256"`
	MimeType        *string `json:"mime_type,omitempty"`
	State           string  `json:"state"`
}

// Client talks to one coordinator on behalf of one agent device.
type Client struct {
	baseURL     string
	agentSecret string
	deviceID    string
	http        *http.Client
}

// New creates a coordinator client.
func New(coordinatorURL, agentSecret, deviceID string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(coordinatorURL, "/"),
		agentSecret: agentSecret,
		deviceID:    deviceID,
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        maxIdleConns,
				MaxIdleConnsPerHost: maxIdleConnsPerHost,
				IdleConnTimeout:     idleConnTimeout,
			},
		},
	}
}

// Close releases pooled connections.
func (c *Client) Close() {
	if transport, ok := c.http.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// Register announces this agent and its shares to the coordinator.
// Registration failures are returned so callers can retry; the agent still
// serves its shares locally in the meantime.
func (c *Client) Register(ctx context.Context, ownerPrincipalID, name, publicBaseURL string, shares []ShareRegistration) error {
	payload := map[string]any{
		"agent_device_id":    c.deviceID,
		"owner_principal_id": ownerPrincipalID,
		"name":               name,
		"base_url":           publicBaseURL,
		"visible":            true,
		"shares":             shares,
	}
	return c.post(ctx, "/api/v1/internal/agents/register", payload)
}

// Heartbeat marks this device online. Failures are logged, not returned:
// a missed beat just ages the device toward offline.
func (c *Client) Heartbeat(ctx context.Context) {
	path := "/api/v1/internal/agents/" + url.PathEscape(c.deviceID) + "/heartbeat"
	if err := c.post(ctx, path, map[string]any{"online": true}); err != nil {
		logger.Debug("coordinator heartbeat failed", "error", err)
	}
}

// NotifyItemState pushes an inbox item's state change to the coordinator.
// Best effort: local state already advanced, so a lost notification only
// delays the sender's view.
func (c *Client) NotifyItemState(ctx context.Context, transferID, itemID, state string) {
	path := "/api/v1/internal/transfers/" + url.PathEscape(transferID) +
		"/items/" + url.PathEscape(itemID) + "/state"
	if err := c.post(ctx, path, map[string]any{"state": state}); err != nil {
		logger.Debug("failed to push transfer item state", "transfer_id", transferID,
			"item_id", itemID, "state", state, "error", err)
	}
}

// FetchItemManifest loads the manifest for one approved transfer item.
// Returns (nil, nil) when the coordinator does not know the item.
func (c *Client) FetchItemManifest(ctx context.Context, transferID, itemID string) (*Manifest, error) {
	endpoint := c.baseURL + "/api/v1/internal/transfers/" + url.PathEscape(transferID) +
		"/items/" + url.PathEscape(itemID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-agent-secret", c.agentSecret)
	req.Header.Set("x-agent-device-id", c.deviceID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coordinator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coordinator manifest request failed (%d)", resp.StatusCode)
	}

	var manifest Manifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest response: %w", err)
	}
	return &manifest, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-agent-secret", c.agentSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coordinator returned %d for %s", resp.StatusCode, path)
	}
	return nil
}
