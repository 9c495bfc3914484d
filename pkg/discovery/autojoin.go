package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/0xHecker/omni-stream/internal/logger"
)

// JoinResult is the coordinator's answer to an auto-join attempt. On a
// fresh coordinator the first caller bootstraps and receives a full
// credential; on an established one it receives a pending pairing
// session whose code an existing principal must confirm.
type JoinResult struct {
	Bootstrap        bool   `json:"bootstrap"`
	PrincipalID      string `json:"principal_id"`
	ClientDeviceID   string `json:"client_device_id"`
	AccessToken      string `json:"access_token"`
	DeviceSecret     string `json:"device_secret"`
	PendingPairingID string `json:"pending_pairing_id"`
	PairingCode      string `json:"pairing_code"`
}

var joinClient = &http.Client{Timeout: 10 * time.Second}

// AutoJoin asks the coordinator to pair this launcher without user
// interaction.
func AutoJoin(ctx context.Context, coordinatorURL, displayName, deviceName string) (*JoinResult, error) {
	body, err := json.Marshal(map[string]any{
		"display_name": displayName,
		"device_name":  deviceName,
		"platform":     runtime.GOOS,
		"public_key":   nil,
	})
	if err != nil {
		return nil, err
	}
	endpoint := coordinatorURL + "/api/v1/pairing/start?auto_join=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := joinClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auto-join request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("auto-join rejected: status %d: %s", resp.StatusCode, snippet)
	}

	result := &JoinResult{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(result); err != nil {
		return nil, fmt.Errorf("auto-join response malformed: %w", err)
	}
	return result, nil
}

// EnsureIdentity runs auto-join when no identity is saved or the saved
// one was minted against a different coordinator, and persists the
// outcome. Returns nil when the saved identity is already good.
func EnsureIdentity(ctx context.Context, settings *Settings, coordinatorURL, displayName, deviceName string) (*JoinResult, error) {
	if settings.HasIdentity() && settings.CoordinatorURL == coordinatorURL {
		return nil, nil
	}

	result, err := AutoJoin(ctx, coordinatorURL, displayName, deviceName)
	if err != nil {
		return nil, err
	}

	if result.DeviceSecret != "" {
		settings.Identity = &Identity{
			PrincipalID:    result.PrincipalID,
			ClientDeviceID: result.ClientDeviceID,
			DeviceSecret:   result.DeviceSecret,
		}
		logger.Info("joined coordinator",
			"coordinator", coordinatorURL, "bootstrap", result.Bootstrap,
			"principal_id", result.PrincipalID)
	} else {
		// Someone already owns this coordinator; a device there has to
		// approve us with the code before we get a credential.
		settings.Identity = nil
		logger.Info("pairing pending approval",
			"coordinator", coordinatorURL,
			"pending_pairing_id", result.PendingPairingID,
			"pairing_code", result.PairingCode)
	}
	settings.CoordinatorURL = coordinatorURL
	if err := settings.Save(); err != nil {
		return nil, err
	}
	return result, nil
}
