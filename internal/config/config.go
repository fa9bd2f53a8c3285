// Package config loads the gateway configuration from TOML with
// environment overrides.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Gateway  GatewayConfig  `toml:"gateway"`
	LLM      LLMConfig      `toml:"llm"`
	Database DatabaseConfig `toml:"database"`
	Engine   EngineConfig   `toml:"engine"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	Observer ObserverConfig `toml:"observer"`
}

type GatewayConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Token          string   `toml:"token"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type LLMConfig struct {
	APIKey     string `toml:"api_key"`
	OAuthToken string `toml:"oauth_token"`
	BaseURL    string `toml:"base_url"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres". Postgres requires URL.
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	URL    string `toml:"url"`
}

type EngineConfig struct {
	WorkspacePath string `toml:"workspace_path"`
	PersonaDir    string `toml:"persona_dir"`
}

type SandboxConfig struct {
	Enabled bool   `toml:"enabled"`
	Image   string `toml:"image"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Gateway:  GatewayConfig{Host: "127.0.0.1", Port: 8787},
		Database: DatabaseConfig{Driver: "sqlite", Path: "hydra.db"},
		Engine:   EngineConfig{WorkspacePath: filepath.Join(home, "hydra-workspace")},
		Sandbox:  SandboxConfig{Image: "alpine:3.20"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "hydra.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("HYDRA_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("HYDRA_OAUTH_TOKEN"); v != "" {
		cfg.LLM.OAuthToken = v
	}
	if v := os.Getenv("HYDRA_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("HYDRA_GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("HYDRA_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("HYDRA_ALLOWED_ORIGINS"); v != "" {
		cfg.Gateway.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("HYDRA_DATABASE_URL"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.URL = v
	}
	if v := os.Getenv("HYDRA_WORKSPACE"); v != "" {
		cfg.Engine.WorkspacePath = v
	}
	if v := os.Getenv("HYDRA_SANDBOX"); v == "true" || v == "1" {
		cfg.Sandbox.Enabled = true
	}
	if v := os.Getenv("HYDRA_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Enabled = true
		cfg.Observer.Endpoint = v
	}

	return cfg
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
