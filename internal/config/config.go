package config

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port                     int     `env:"PORT" envDefault:"8080"`
	DatabaseURL              string  `env:"DATABASE_URL,required"`
	RedisURL                 string  `env:"REDIS_URL"`
	AdminUsername            string  `env:"ADMIN_USERNAME" envDefault:"admin"`
	AdminPasswordHash        string  `env:"ADMIN_PASSWORD_HASH"`
	EncryptionKey            string  `env:"ENCRYPTION_KEY"`
	LogLevel                 string  `env:"LOG_LEVEL" envDefault:"info"`
	PublicBaseURL            string  `env:"PUBLIC_BASE_URL" envDefault:""`
	PairingTTLSeconds        int     `env:"PAIRING_TTL_SECONDS" envDefault:"180"`
	CaptureSyncData          bool    `env:"CAPTURE_SYNC_DATA" envDefault:"true"`
	RenderQRImage            bool    `env:"RENDER_QR_IMAGE" envDefault:"true"`
	SessionRetentionHours    int     `env:"SESSION_RETENTION_HOURS" envDefault:"24"`
	SessionCreateLimitPerMin int     `env:"SESSION_CREATE_LIMIT_PER_MIN" envDefault:"10"`
	DataRoot                 string  `env:"DATA_ROOT" envDefault:"/var/lib/agent-provisioner"`
	AgentImage               string  `env:"AGENT_IMAGE,required"`
	AgentNetwork             string  `env:"AGENT_NETWORK" envDefault:""`
	AgentMemoryMB            int     `env:"AGENT_MEMORY_MB" envDefault:"512"`
	AgentCPUs                float64 `env:"AGENT_CPUS" envDefault:"0.5"`
	AgentUID                 int     `env:"AGENT_UID" envDefault:"1000"`
	AgentGID                 int     `env:"AGENT_GID" envDefault:"1000"`
	ConfigVersion            string  `env:"CONFIG_VERSION" envDefault:"1"`
	PluginVersion            string  `env:"PLUGIN_VERSION" envDefault:"1"`
	PolicyVersion            string  `env:"POLICY_VERSION" envDefault:"1"`
}

func (c *Config) PairingTTL() time.Duration {
	return time.Duration(c.PairingTTLSeconds) * time.Second
}

func (c *Config) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionHours) * time.Hour
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// SessionsDir holds one working directory per pairing session.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataRoot, "sessions")
}

// UsersDir holds the long-lived working directory of each provisioned agent.
func (c *Config) UsersDir() string {
	return filepath.Join(c.DataRoot, "users")
}

func (c *Config) AgentMemoryBytes() int64 {
	return int64(c.AgentMemoryMB) * 1024 * 1024
}

func (c *Config) AgentNanoCPUs() int64 {
	return int64(c.AgentCPUs * 1e9)
}

func (c *Config) Validate(isProduction bool) error {
	if c.AdminPasswordHash != "" {
		if !strings.HasPrefix(c.AdminPasswordHash, "$2a$") &&
			!strings.HasPrefix(c.AdminPasswordHash, "$2b$") &&
			!strings.HasPrefix(c.AdminPasswordHash, "$2y$") {
			return fmt.Errorf("ADMIN_PASSWORD_HASH must be a bcrypt hash (generate with: go run scripts/hash-password.go <password>)")
		}
	}

	if c.EncryptionKey != "" {
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters (generate with: openssl rand -hex 32)")
		}
	}

	if c.PairingTTLSeconds <= 0 {
		return fmt.Errorf("PAIRING_TTL_SECONDS must be positive")
	}

	if !filepath.IsAbs(c.DataRoot) {
		return fmt.Errorf("DATA_ROOT must be an absolute path")
	}

	if isProduction {
		if c.AdminPasswordHash == "" {
			log.Warn().Msg("ADMIN_PASSWORD_HASH is empty in production: admin endpoints are disabled")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.EncryptionKey == "" {
			log.Warn().Msg("ENCRYPTION_KEY is empty in production: agent access tokens will not be encrypted at rest")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
