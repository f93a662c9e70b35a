package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models onecost.yml.
type Config struct {
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		TokenTTLMinutes        int    `yaml:"token_ttl_minutes"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Server struct {
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.Auth.TokenTTLMinutes = 60
	cfg.Server.BasePath = "/v0"
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Auth.TokenTTLMinutes < 0 {
		return fmt.Errorf("config.auth.token_ttl_minutes must not be negative")
	}
	if c.Server.BasePath != "" && c.Server.BasePath[0] != '/' {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "onecost.yml")
}

// Load reads config from workspace, falling back to defaults if the file
// does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `auth:
  # Secret used to sign bearer tokens. Required for serve.
  jwt_secret: ""
  token_ttl_minutes: 60
  # Accept the X-Actor-Id header without a token. Local development only.
  allow_legacy_actor_header: false

server:
  base_path: /v0
`
