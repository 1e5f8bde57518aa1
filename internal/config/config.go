package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, so numeric
// chat ids in allow lists do not need quoting.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Beacon runtime.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Subagents SubagentsConfig `json:"subagents,omitempty"`
	Tools     ToolsConfig     `json:"tools,omitempty"`
	Skills    SkillsConfig    `json:"skills,omitempty"`
	Memory    MemoryConfig    `json:"memory,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// AgentConfig are defaults for the main agent loop.
type AgentConfig struct {
	DisplayName         string  `json:"display_name,omitempty"`
	Workspace           string  `json:"workspace"`
	RestrictToWorkspace bool    `json:"restrict_to_workspace"`
	Provider            string  `json:"provider"`
	Model               string  `json:"model"`
	MaxTokens           int     `json:"max_tokens"`
	Temperature         float64 `json:"temperature"`
	MaxToolIterations   int     `json:"max_tool_iterations"`
	MemoryWindow        int     `json:"memory_window"`
	MaxConcurrent       int     `json:"max_concurrent"`
	SystemPrompt        string  `json:"system_prompt,omitempty"`
}

// ProvidersConfig maps provider name to its config.
type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
}

// HasAnyProvider returns true if at least one provider has an API key.
func (c *Config) HasAnyProvider() bool {
	p := c.Providers
	return p.Anthropic.APIKey != "" || p.OpenAI.APIKey != "" || p.OpenRouter.APIKey != ""
}

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Terminal TerminalConfig `json:"terminal"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TerminalConfig struct {
	Enabled bool `json:"enabled"`
}

type TelegramConfig struct {
	Enabled       bool                `json:"enabled"`
	Token         string              `json:"token"`
	AllowFrom     FlexibleStringSlice `json:"allow_from"`
	RateLimitRPM  int                 `json:"rate_limit_rpm,omitempty"`
	MediaMaxBytes int64               `json:"media_max_bytes,omitempty"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled"`
	Token     string              `json:"token"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
}

// GatewayConfig configures the WebSocket gateway.
type GatewayConfig struct {
	Enabled         bool     `json:"enabled"`
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Token           string   `json:"token,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`
	MaxMessageChars int      `json:"max_message_chars,omitempty"`
}

// StorageConfig selects the persistence backend.
// PostgresDSN is never read from config.json5 (secret); it comes from
// the BEACON_POSTGRES_DSN environment variable only.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`
}

// IsPostgres returns true when the runtime should persist to Postgres.
func (c *Config) IsPostgres() bool {
	return c.Storage.Driver == "postgres" && c.Storage.PostgresDSN != ""
}

// SchedulerConfig tunes the cron scheduler.
type SchedulerConfig struct {
	MaxTasksPerSession int `json:"max_tasks_per_session,omitempty"`
}

// SubagentsConfig tunes background subagent execution.
type SubagentsConfig struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"`
	MaxIterations int `json:"max_iterations,omitempty"`
	TimeoutSec    int `json:"timeout_sec,omitempty"`
}

// ToolsConfig contains per-tool settings.
type ToolsConfig struct {
	Exec       ExecToolConfig              `json:"exec,omitempty"`
	WebFetch   WebFetchToolConfig          `json:"web_fetch,omitempty"`
	Browser    BrowserToolConfig           `json:"browser,omitempty"`
	MCPServers map[string]*MCPServerConfig `json:"mcp_servers,omitempty"`
}

type ExecToolConfig struct {
	Enabled      *bool    `json:"enabled,omitempty"` // default true (nil = enabled)
	TimeoutSec   int      `json:"timeout_sec,omitempty"`
	DenyPatterns []string `json:"deny_patterns,omitempty"`
}

type WebFetchToolConfig struct {
	MaxBytes    int64 `json:"max_bytes,omitempty"`
	CacheTTLSec int   `json:"cache_ttl_sec,omitempty"`
}

type BrowserToolConfig struct {
	Enabled  bool `json:"enabled"`
	Headless bool `json:"headless"`
}

// MCPServerConfig configures a single external MCP server connection.
type MCPServerConfig struct {
	Enabled    *bool             `json:"enabled,omitempty"`   // default true (nil = enabled)
	Transport  string            `json:"transport,omitempty"` // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`   // stdio: command to spawn
	Args       []string          `json:"args,omitempty"`      // stdio: command arguments
	Env        map[string]string `json:"env,omitempty"`       // stdio: extra environment variables
	URL        string            `json:"url,omitempty"`       // sse/http: server URL
	Headers    map[string]string `json:"headers,omitempty"`   // sse/http: extra request headers
	TimeoutSec int               `json:"timeout_sec,omitempty"`
}

// IsEnabled returns whether this MCP server is enabled (default true).
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SkillsConfig configures the skill library.
type SkillsConfig struct {
	Dir            string `json:"dir,omitempty"`
	Watch          *bool  `json:"watch,omitempty"` // default true (nil = enabled)
	InlineMaxChars int    `json:"inline_max_chars,omitempty"`
}

// MemoryConfig configures long-term user memory injection.
type MemoryConfig struct {
	Enabled    *bool `json:"enabled,omitempty"` // default true (nil = enabled)
	MaxEntries int   `json:"max_entries,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export. Disabled unless an
// endpoint is set.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener for the gateway.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // from env BEACON_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enable_tls,omitempty"`
}

const secretMask = "***"

// MaskedCopy returns a deep copy with all secret fields masked, for printing
// or sending over the gateway.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Providers.Anthropic.APIKey)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Providers.OpenRouter.APIKey)
	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Tailscale.AuthKey)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// WorkspacePath returns the expanded workspace root.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.Agent.Workspace)
}

// SQLitePath returns the expanded sqlite database path.
func (c *Config) SQLitePath() string {
	return ExpandHome(c.Storage.SQLitePath)
}

// SkillsDir returns the expanded skill library directory.
func (c *Config) SkillsDir() string {
	return ExpandHome(c.Skills.Dir)
}
