package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Agent       AgentConfig               `json:"agent"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// ModelRef names one generation model the agent may use. Entries after the
// first act as failover targets when a generation call fails.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type SearchConfig struct {
	MaxResults int    `json:"max_results"`
	Lang       string `json:"lang"`
}

type AgentConfig struct {
	Models      []ModelRef   `json:"models"`
	MaxSteps    int          `json:"max_steps"`
	StepDelayMS int          `json:"step_delay_ms"`
	Search      SearchConfig `json:"search"`
}

const (
	defaultModelProvider = "gemini"
	defaultModelName     = "gemini-1.5-flash"
	defaultMaxSteps      = 8
)

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills agent-section defaults so callers never see a zero plan.
func (c *Config) ApplyDefaults() {
	if len(c.Agent.Models) == 0 {
		c.Agent.Models = []ModelRef{{Provider: defaultModelProvider, Model: defaultModelName}}
	}
	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = defaultMaxSteps
	}
	if c.Agent.Search.MaxResults <= 0 {
		c.Agent.Search.MaxResults = 3
	}
}
