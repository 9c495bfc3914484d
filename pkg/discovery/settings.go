package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"

	"github.com/0xHecker/omni-stream/pkg/identity"
)

// EnvSettingsDir overrides the platform config directory, mainly for
// tests and containerized deployments.
const EnvSettingsDir = "OMNISTREAM_SETTINGS_DIR"

const (
	appDirName       = "OmniStream"
	settingsFileName = "settings.json"
)

// Identity is the client credential minted by pairing, reused across
// restarts to authenticate against the same coordinator.
type Identity struct {
	PrincipalID    string `json:"principal_id"`
	ClientDeviceID string `json:"client_device_id"`
	DeviceSecret   string `json:"device_secret"`
}

// Settings is the launcher's durable state: generated secrets, stable
// device and share IDs, and the coordinator the identity was joined to.
type Settings struct {
	SecretKey         string    `json:"secret_key,omitempty"`
	AgentSharedSecret string    `json:"agent_shared_secret,omitempty"`
	AgentDeviceID     string    `json:"agent_device_id,omitempty"`
	DefaultShareID    string    `json:"default_share_id,omitempty"`
	CoordinatorURL    string    `json:"coordinator_url,omitempty"`
	Identity          *Identity `json:"identity,omitempty"`
}

// SettingsDir resolves the per-user config directory for this app.
func SettingsDir() (string, error) {
	if dir := os.Getenv(EnvSettingsDir); dir != "" {
		return dir, nil
	}
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appDirName), nil
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", appDirName), nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appDirName), nil
}

func settingsPath() (string, error) {
	dir, err := SettingsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, settingsFileName), nil
}

// LoadSettings reads the settings file. A missing file yields empty
// settings, not an error.
func LoadSettings() (*Settings, error) {
	path, err := settingsPath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, err
	}
	settings := &Settings{}
	if err := json.Unmarshal(raw, settings); err != nil {
		return nil, fmt.Errorf("corrupt settings file %s: %w", path, err)
	}
	return settings, nil
}

// Save writes the settings atomically with owner-only permissions; the
// file carries secrets.
func (s *Settings) Save() error {
	path, err := settingsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Materialize fills any missing generated secrets and IDs. Returns true
// when something changed and needs saving.
func (s *Settings) Materialize() (bool, error) {
	changed := false
	if s.SecretKey == "" {
		secret, err := identity.GenerateDeviceSecret()
		if err != nil {
			return changed, err
		}
		s.SecretKey = secret
		changed = true
	}
	if s.AgentSharedSecret == "" {
		secret, err := identity.GenerateDeviceSecret()
		if err != nil {
			return changed, err
		}
		s.AgentSharedSecret = secret
		changed = true
	}
	if s.AgentDeviceID == "" {
		s.AgentDeviceID = uuid.NewString()
		changed = true
	}
	if s.DefaultShareID == "" {
		s.DefaultShareID = uuid.NewString()
		changed = true
	}
	return changed, nil
}

// HasIdentity reports whether a complete client credential is saved.
func (s *Settings) HasIdentity() bool {
	return s.Identity != nil &&
		s.Identity.PrincipalID != "" &&
		s.Identity.ClientDeviceID != "" &&
		s.Identity.DeviceSecret != ""
}
