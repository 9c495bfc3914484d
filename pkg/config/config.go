// Package config loads coordinator and agent configuration from the
// environment. All knobs are env variables; there is no config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

var validate = validator.New()

// Placeholder secrets shipped in docs and compose files. Refusing to boot
// with these prevents accidentally exposing a deployment with known keys.
var (
	blockedSecretKeys = map[string]struct{}{
		"replace-with-secure-key":             {},
		"replace-with-strong-coordinator-key": {},
		"replace-this-secret-key":             {},
		"changeme":                            {},
	}
	blockedAgentSecrets = map[string]struct{}{
		"replace-agent-secret":             {},
		"replace-with-strong-agent-secret": {},
		"changeme":                         {},
	}
)

// Coordinator holds the control-plane configuration.
type Coordinator struct {
	ListenAddr        string `validate:"required"`
	DatabaseURL       string `validate:"required"`
	SecretKey         string `validate:"required"`
	AgentSharedSecret string `validate:"required"`

	AccessTokenTTLSeconds    int `validate:"gte=1"`
	EventsWSTokenTTLSeconds  int `validate:"gte=1"`
	ReadTicketTTLSeconds     int `validate:"gte=1"`
	TransferTicketTTLSeconds int `validate:"gte=1"`
	PasscodeWindowSeconds    int `validate:"gte=1"`
	PairingCodeTTLSeconds    int `validate:"gte=1"`

	// BrowsePIN optionally gates federated browse/search endpoints.
	BrowsePIN string
}

// Agent holds the data-plane configuration.
type Agent struct {
	ListenAddr       string `validate:"required"`
	DeviceID         string `validate:"required"`
	Name             string `validate:"required"`
	OwnerPrincipalID string
	PublicBaseURL    string `validate:"required,url"`
	CoordinatorURL   string `validate:"required,url"`

	AgentSharedSecret   string `validate:"required"`
	CoordinatorSecret   string `validate:"required"`
	StateDBURL          string `validate:"required"`
	DefaultShareID      string `validate:"required"`
	DefaultShareName    string `validate:"required"`
	DefaultShareRoot    string `validate:"required"`
	InboxDir            string `validate:"required"`
	HeartbeatSeconds    int    `validate:"gte=1"`
	UploadChunkMaxBytes int64  `validate:"gte=1"`
}

func allowInsecureDefaults(v *viper.Viper) bool {
	return strings.TrimSpace(v.GetString("ALLOW_INSECURE_DEFAULTS")) == "1"
}

func secureValue(v *viper.Viper, name string, blocked map[string]struct{}) (string, error) {
	value := strings.TrimSpace(v.GetString(name))
	if value == "" {
		return "", fmt.Errorf("%s must not be empty", name)
	}
	if _, bad := blocked[value]; bad && !allowInsecureDefaults(v) {
		return "", fmt.Errorf("%s uses an insecure placeholder value; set a secure value", name)
	}
	return value, nil
}

func newEnv() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}

// LoadCoordinator reads coordinator configuration from the environment.
func LoadCoordinator() (*Coordinator, error) {
	v := newEnv()
	v.SetDefault("COORDINATOR_LISTEN_ADDR", ":7000")
	v.SetDefault("COORDINATOR_DATABASE_URL", "sqlite://./coordinator.db")
	v.SetDefault("COORDINATOR_SECRET_KEY", "replace-with-secure-key")
	v.SetDefault("COORDINATOR_AGENT_SHARED_SECRET", "replace-agent-secret")
	v.SetDefault("COORDINATOR_ACCESS_TOKEN_TTL", 3600)
	v.SetDefault("COORDINATOR_EVENTS_WS_TOKEN_TTL", 90)
	v.SetDefault("COORDINATOR_READ_TICKET_TTL", 1800)
	v.SetDefault("COORDINATOR_TRANSFER_TICKET_TTL", 1800)
	v.SetDefault("COORDINATOR_PASSCODE_WINDOW_SECONDS", 300)
	v.SetDefault("COORDINATOR_PAIRING_CODE_TTL", 600)

	secretKey, err := secureValue(v, "COORDINATOR_SECRET_KEY", blockedSecretKeys)
	if err != nil {
		return nil, err
	}
	agentSecret, err := secureValue(v, "COORDINATOR_AGENT_SHARED_SECRET", blockedAgentSecrets)
	if err != nil {
		return nil, err
	}

	cfg := &Coordinator{
		ListenAddr:               v.GetString("COORDINATOR_LISTEN_ADDR"),
		DatabaseURL:              v.GetString("COORDINATOR_DATABASE_URL"),
		SecretKey:                secretKey,
		AgentSharedSecret:        agentSecret,
		AccessTokenTTLSeconds:    v.GetInt("COORDINATOR_ACCESS_TOKEN_TTL"),
		EventsWSTokenTTLSeconds:  v.GetInt("COORDINATOR_EVENTS_WS_TOKEN_TTL"),
		ReadTicketTTLSeconds:     v.GetInt("COORDINATOR_READ_TICKET_TTL"),
		TransferTicketTTLSeconds: v.GetInt("COORDINATOR_TRANSFER_TICKET_TTL"),
		PasscodeWindowSeconds:    v.GetInt("COORDINATOR_PASSCODE_WINDOW_SECONDS"),
		PairingCodeTTLSeconds:    v.GetInt("COORDINATOR_PAIRING_CODE_TTL"),
		BrowsePIN:                strings.TrimSpace(v.GetString("COORDINATOR_BROWSE_PIN")),
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid coordinator configuration: %w", err)
	}
	return cfg, nil
}

// LoadAgent reads agent configuration from the environment. Missing device
// and share IDs are generated per process.
func LoadAgent() (*Agent, error) {
	v := newEnv()

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve home directory: %w", err)
	}

	v.SetDefault("AGENT_LISTEN_ADDR", ":7001")
	v.SetDefault("AGENT_DEVICE_ID", uuid.NewString())
	v.SetDefault("AGENT_NAME", "Local Agent")
	v.SetDefault("AGENT_PUBLIC_BASE_URL", "http://127.0.0.1:7001")
	v.SetDefault("AGENT_COORDINATOR_URL", "http://127.0.0.1:7000")
	v.SetDefault("COORDINATOR_SECRET_KEY", "replace-with-secure-key")
	v.SetDefault("COORDINATOR_AGENT_SHARED_SECRET", "replace-agent-secret")
	v.SetDefault("AGENT_STATE_DB_URL", "sqlite://./agent_state.db")
	v.SetDefault("AGENT_DEFAULT_SHARE_ID", uuid.NewString())
	v.SetDefault("AGENT_DEFAULT_SHARE_NAME", "Home")
	v.SetDefault("AGENT_DEFAULT_SHARE_ROOT", home)
	v.SetDefault("AGENT_HEARTBEAT_SECONDS", 20)
	v.SetDefault("AGENT_UPLOAD_CHUNK_MAX_BYTES", int64(8*1024*1024))

	agentSecret, err := secureValue(v, "COORDINATOR_AGENT_SHARED_SECRET", blockedAgentSecrets)
	if err != nil {
		return nil, err
	}
	secretKey, err := secureValue(v, "COORDINATOR_SECRET_KEY", blockedSecretKeys)
	if err != nil {
		return nil, err
	}

	root, err := filepath.Abs(expandHome(v.GetString("AGENT_DEFAULT_SHARE_ROOT"), home))
	if err != nil {
		return nil, fmt.Errorf("invalid share root: %w", err)
	}

	v.SetDefault("AGENT_INBOX_DIR", filepath.Join(root, ".inbox"))
	inboxDir, err := filepath.Abs(expandHome(v.GetString("AGENT_INBOX_DIR"), home))
	if err != nil {
		return nil, fmt.Errorf("invalid inbox dir: %w", err)
	}

	cfg := &Agent{
		ListenAddr:          v.GetString("AGENT_LISTEN_ADDR"),
		DeviceID:            v.GetString("AGENT_DEVICE_ID"),
		Name:                v.GetString("AGENT_NAME"),
		OwnerPrincipalID:    v.GetString("AGENT_OWNER_PRINCIPAL_ID"),
		PublicBaseURL:       strings.TrimRight(v.GetString("AGENT_PUBLIC_BASE_URL"), "/"),
		CoordinatorURL:      strings.TrimRight(v.GetString("AGENT_COORDINATOR_URL"), "/"),
		AgentSharedSecret:   agentSecret,
		CoordinatorSecret:   secretKey,
		StateDBURL:          v.GetString("AGENT_STATE_DB_URL"),
		DefaultShareID:      v.GetString("AGENT_DEFAULT_SHARE_ID"),
		DefaultShareName:    v.GetString("AGENT_DEFAULT_SHARE_NAME"),
		DefaultShareRoot:    root,
		InboxDir:            inboxDir,
		HeartbeatSeconds:    v.GetInt("AGENT_HEARTBEAT_SECONDS"),
		UploadChunkMaxBytes: v.GetInt64("AGENT_UPLOAD_CHUNK_MAX_BYTES"),
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid agent configuration: %w", err)
	}
	return cfg, nil
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
