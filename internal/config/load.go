package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// DefaultConfigPath returns ~/.beacon/config.json5.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json5"
	}
	return filepath.Join(home, ".beacon", "config.json5")
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DisplayName:         "Beacon",
			Workspace:           "~/.beacon/workspace",
			RestrictToWorkspace: true,
			Provider:            "anthropic",
			Model:               "claude-sonnet-4-5-20250929",
			MaxTokens:           8192,
			Temperature:         0.7,
			MaxToolIterations:   20,
			MemoryWindow:        50,
			MaxConcurrent:       5,
		},
		Channels: ChannelsConfig{
			Terminal: TerminalConfig{Enabled: true},
		},
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            18900,
			MaxMessageChars: 32000,
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "~/.beacon/beacon.db",
		},
		Scheduler: SchedulerConfig{
			MaxTasksPerSession: 10,
		},
		Subagents: SubagentsConfig{
			MaxConcurrent: 5,
			MaxIterations: 10,
			TimeoutSec:    180,
		},
		Tools: ToolsConfig{
			Exec: ExecToolConfig{
				TimeoutSec: 60,
			},
			WebFetch: WebFetchToolConfig{
				MaxBytes:    2 << 20,
				CacheTTLSec: 300,
			},
			Browser: BrowserToolConfig{
				Enabled:  false,
				Headless: true,
			},
		},
		Skills: SkillsConfig{
			Dir:            "~/.beacon/skills",
			InlineMaxChars: 8000,
		},
		Memory: MemoryConfig{
			MaxEntries: 50,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("BEACON_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("BEACON_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("BEACON_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("BEACON_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("BEACON_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("BEACON_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// Auto-enable channels if credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("BEACON_PROVIDER", &c.Agent.Provider)
	envStr("BEACON_MODEL", &c.Agent.Model)
	envStr("BEACON_WORKSPACE", &c.Agent.Workspace)

	envStr("BEACON_HOST", &c.Gateway.Host)
	if v := os.Getenv("BEACON_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("BEACON_STORAGE_DRIVER", &c.Storage.Driver)
	envStr("BEACON_SQLITE_PATH", &c.Storage.SQLitePath)
	envStr("BEACON_POSTGRES_DSN", &c.Storage.PostgresDSN)
	if c.Storage.PostgresDSN != "" && c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}

	envStr("BEACON_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("BEACON_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("BEACON_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("BEACON_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BEACON_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	envStr("BEACON_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("BEACON_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("BEACON_TSNET_DIR", &c.Tailscale.StateDir)
}

// Save writes the config to path atomically with 0600 permissions.
// Env-only secrets carry json:"-" and are never written.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// ResolveConfigPath picks the config file location: the explicit flag, then
// $BEACON_CONFIG, then the default under the home directory.
func ResolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return ExpandHome(flagValue)
	}
	if v := strings.TrimSpace(os.Getenv("BEACON_CONFIG")); v != "" {
		return ExpandHome(v)
	}
	return DefaultConfigPath()
}
