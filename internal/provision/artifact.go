package provision

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/openclaw/agent-provisioner/internal/model"
)

const (
	artifactDir  = "agent"
	artifactFile = "agent.yaml"
	// AgentDataPath is where the work dir is mounted inside the container.
	AgentDataPath = "/data"
	agentListen   = "0.0.0.0:18789"
)

// AgentConfig is the per-user runtime configuration read by the agent on boot.
type AgentConfig struct {
	Version string        `yaml:"version"`
	User    AgentUser     `yaml:"user"`
	Gateway AgentGateway  `yaml:"gateway"`
	Plugin  VersionRef    `yaml:"plugin"`
	Policy  VersionRef    `yaml:"policy"`
	Profile *AgentProfile `yaml:"profile,omitempty"`
}

type AgentUser struct {
	ID          string `yaml:"id"`
	Identity    string `yaml:"identity"`
	Phone       string `yaml:"phone,omitempty"`
	DisplayName string `yaml:"displayName,omitempty"`
}

type AgentGateway struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

type VersionRef struct {
	Version string `yaml:"version"`
}

// AgentProfile carries hints from sync data captured while pairing.
type AgentProfile struct {
	Contacts int `yaml:"contacts,omitempty"`
	Chats    int `yaml:"chats,omitempty"`
	Messages int `yaml:"messages,omitempty"`
}

// Fingerprint identifies the runtime configuration of an instance.
type Fingerprint struct {
	ConfigVersion string
	PluginVersion string
	PolicyVersion string
	Image         string
}

func buildConfig(userID, identity, token string, fp Fingerprint, opts ProvisionOptions) AgentConfig {
	cfg := AgentConfig{
		Version: fp.ConfigVersion,
		User: AgentUser{
			ID:          userID,
			Identity:    identity,
			Phone:       opts.Phone,
			DisplayName: opts.DisplayName,
		},
		Gateway: AgentGateway{Listen: agentListen, Token: token},
		Plugin:  VersionRef{Version: fp.PluginVersion},
		Policy:  VersionRef{Version: fp.PolicyVersion},
	}
	if len(opts.SyncCounts) > 0 {
		cfg.Profile = &AgentProfile{
			Contacts: opts.SyncCounts[model.SyncKindContacts],
			Chats:    opts.SyncCounts[model.SyncKindChats],
			Messages: opts.SyncCounts[model.SyncKindMessages],
		}
	}
	return cfg
}

// RenderConfig encodes cfg and returns the bytes with their hex BLAKE3 digest.
func RenderConfig(cfg AgentConfig) ([]byte, string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("marshal agent config: %w", err)
	}
	sum := blake3.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// WriteConfig stores the artifact under workDir and returns its path.
func WriteConfig(workDir string, data []byte) (string, error) {
	dir := filepath.Join(workDir, artifactDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(dir, artifactFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write agent config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("replace agent config: %w", err)
	}
	return path, nil
}

// ReadConfig loads the artifact written by WriteConfig.
func ReadConfig(workDir string) (*AgentConfig, error) {
	data, err := os.ReadFile(filepath.Join(workDir, artifactDir, artifactFile))
	if err != nil {
		return nil, err
	}
	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	return &cfg, nil
}
