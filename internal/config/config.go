package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultModel            = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens        = 2048
	DefaultMaxIterations    = 1
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 18791
	DefaultStoreDriver      = "sqlite"
	DefaultCoordination     = "every 2h"
	DefaultMonitoring       = "every 1h"
	DefaultFailureThreshold = 3
	DefaultShutdownGrace    = "10s"
	DefaultCallTimeout      = "30s"
	DefaultPlatformTimeout  = "20s"
	DefaultTopK             = 3
	DefaultWorkers          = 3
	DefaultSocialStagger    = "15m"
	DefaultViralFloor       = 1000
	DefaultRequestCooldown  = "4320h"
	DefaultRatingFloor      = 4.5
	DefaultTop10Ratio       = 0.5
	DefaultNegativeSpike    = 3
	DefaultMinSeverity      = "warning"
)

// DefaultJobs maps every agent job to its default cadence.
var DefaultJobs = map[string]string{
	"content-cycle":        "every 2h",
	"content-refresh":      "daily 03:30",
	"competitor-daily":     "daily 06:00",
	"competitor-content":   "every 1h",
	"competitor-rankings":  "every 4h",
	"competitor-deep":      "cron 0 7 * * 1",
	"listing-reviews":      "every 30m",
	"listing-optimize":     "cron 0 5 * * 0",
	"social-viral":         "every 4h",
	"social-engagement":    "every 30m",
	"reputation-requests":  "daily 10:00",
	"reputation-followups": "every 4h",
	"reputation-monitor":   "every 30m",
}

var (
	DefaultPostTimes    = []string{"08:00", "12:30", "17:30"}
	DefaultFollowUpDays = []int{3, 7, 14}
)

type Config struct {
	Provider     ProviderConfig     `json:"provider"`
	Generation   GenerationConfig   `json:"generation"`
	Store        StoreConfig        `json:"store"`
	Notify       NotifyConfig       `json:"notify"`
	Platforms    PlatformsConfig    `json:"platforms"`
	Agents       AgentsConfig       `json:"agents"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Metrics      MetricsConfig      `json:"metrics"`
	API          APIConfig          `json:"api"`
	Playbook     string             `json:"playbook"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type GenerationConfig struct {
	// Enabled false keeps every agent on the offline template generator.
	Enabled       bool   `json:"enabled"`
	Model         string `json:"model"`
	MaxTokens     int    `json:"maxTokens"`
	MaxIterations int    `json:"maxIterations"`
	Workspace     string `json:"workspace"`
	SystemPrompt  string `json:"systemPrompt,omitempty"`
}

type StoreConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "memory"
	Path   string `json:"path,omitempty"`
}

type NotifyConfig struct {
	MinSeverity string         `json:"minSeverity"`
	Telegram    TelegramConfig `json:"telegram"`
	Discord     DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  string `json:"chatId"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token"`
	ChannelID string `json:"channelId"`
}

type PlatformConfig struct {
	BaseURL string `json:"baseUrl"`
	Token   string `json:"token,omitempty"`
}

type PlatformsConfig struct {
	Timeout string                    `json:"timeout"`
	Site    PlatformConfig            `json:"site"`
	Listing PlatformConfig            `json:"listing"`
	Reviews PlatformConfig            `json:"reviews"`
	Ranking PlatformConfig            `json:"ranking"`
	Social  map[string]PlatformConfig `json:"social,omitempty"`
}

type AgentsConfig struct {
	// Jobs overrides the cadence of individual jobs, e.g. "content-cycle": "every 90m".
	Jobs            map[string]string `json:"jobs"`
	Disabled        []string          `json:"disabled,omitempty"`
	TopK            int               `json:"topK"`
	Workers         int               `json:"workers"`
	PostTimes       []string          `json:"postTimes"`
	SocialStagger   string            `json:"socialStagger"`
	ViralFloor      int               `json:"viralFloor"`
	FollowUpDays    []int             `json:"followUpDays"`
	RequestCooldown string            `json:"requestCooldown"`
}

type OrchestratorConfig struct {
	Coordination     string `json:"coordination"`
	Monitoring       string `json:"monitoring"`
	FailureThreshold int    `json:"failureThreshold"`
	ShutdownGrace    string `json:"shutdownGrace"`
	CallTimeout      string `json:"callTimeout"`
}

type MetricsConfig struct {
	RatingFloor   float64 `json:"ratingFloor"`
	Top10Ratio    float64 `json:"top10Ratio"`
	NegativeSpike int     `json:"negativeSpike"`
}

type APIConfig struct {
	Enabled      bool     `json:"enabled"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	AllowOrigins []string `json:"allowOrigins,omitempty"`
}

func defaultJobs() map[string]string {
	jobs := make(map[string]string, len(DefaultJobs))
	for id, cadence := range DefaultJobs {
		jobs[id] = cadence
	}
	return jobs
}

func DefaultConfig() *Config {
	dir := ConfigDir()
	return &Config{
		Generation: GenerationConfig{
			Model:         DefaultModel,
			MaxTokens:     DefaultMaxTokens,
			MaxIterations: DefaultMaxIterations,
			Workspace:     filepath.Join(dir, "workspace"),
		},
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
			Path:   filepath.Join(dir, "data", "rankpilot.db"),
		},
		Notify: NotifyConfig{MinSeverity: DefaultMinSeverity},
		Platforms: PlatformsConfig{
			Timeout: DefaultPlatformTimeout,
		},
		Agents: AgentsConfig{
			Jobs:            defaultJobs(),
			TopK:            DefaultTopK,
			Workers:         DefaultWorkers,
			PostTimes:       append([]string(nil), DefaultPostTimes...),
			SocialStagger:   DefaultSocialStagger,
			ViralFloor:      DefaultViralFloor,
			FollowUpDays:    append([]int(nil), DefaultFollowUpDays...),
			RequestCooldown: DefaultRequestCooldown,
		},
		Orchestrator: OrchestratorConfig{
			Coordination:     DefaultCoordination,
			Monitoring:       DefaultMonitoring,
			FailureThreshold: DefaultFailureThreshold,
			ShutdownGrace:    DefaultShutdownGrace,
			CallTimeout:      DefaultCallTimeout,
		},
		Metrics: MetricsConfig{
			RatingFloor:   DefaultRatingFloor,
			Top10Ratio:    DefaultTop10Ratio,
			NegativeSpike: DefaultNegativeSpike,
		},
		API: APIConfig{
			Enabled: true,
			Host:    DefaultHost,
			Port:    DefaultPort,
		},
		Playbook: filepath.Join(dir, "playbook.yaml"),
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".rankpilot")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("RANKPILOT_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("RANKPILOT_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("RANKPILOT_TELEGRAM_TOKEN"); token != "" {
		cfg.Notify.Telegram.Token = token
	}
	if chatID := os.Getenv("RANKPILOT_TELEGRAM_CHAT_ID"); chatID != "" {
		cfg.Notify.Telegram.ChatID = chatID
	}
	if token := os.Getenv("RANKPILOT_DISCORD_TOKEN"); token != "" {
		cfg.Notify.Discord.Token = token
	}
	if channel := os.Getenv("RANKPILOT_DISCORD_CHANNEL"); channel != "" {
		cfg.Notify.Discord.ChannelID = channel
	}
	if dbPath := os.Getenv("RANKPILOT_DB_PATH"); dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if playbook := os.Getenv("RANKPILOT_PLAYBOOK"); playbook != "" {
		cfg.Playbook = playbook
	}
	if port := os.Getenv("RANKPILOT_API_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.API.Port = parsed
		}
	}

	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills fields a partial config file left empty.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = def.Generation.Model
	}
	if cfg.Generation.MaxTokens <= 0 {
		cfg.Generation.MaxTokens = def.Generation.MaxTokens
	}
	if cfg.Generation.MaxIterations <= 0 {
		cfg.Generation.MaxIterations = def.Generation.MaxIterations
	}
	if cfg.Generation.Workspace == "" {
		cfg.Generation.Workspace = def.Generation.Workspace
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = def.Store.Driver
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = def.Store.Path
	}
	if cfg.Notify.MinSeverity == "" {
		cfg.Notify.MinSeverity = def.Notify.MinSeverity
	}
	if cfg.Platforms.Timeout == "" {
		cfg.Platforms.Timeout = def.Platforms.Timeout
	}
	if cfg.Agents.Jobs == nil {
		cfg.Agents.Jobs = make(map[string]string)
	}
	for id, cadence := range DefaultJobs {
		if strings.TrimSpace(cfg.Agents.Jobs[id]) == "" {
			cfg.Agents.Jobs[id] = cadence
		}
	}
	if cfg.Agents.TopK <= 0 {
		cfg.Agents.TopK = def.Agents.TopK
	}
	if cfg.Agents.Workers <= 0 {
		cfg.Agents.Workers = def.Agents.Workers
	}
	if len(cfg.Agents.PostTimes) == 0 {
		cfg.Agents.PostTimes = def.Agents.PostTimes
	}
	if cfg.Agents.SocialStagger == "" {
		cfg.Agents.SocialStagger = def.Agents.SocialStagger
	}
	if cfg.Agents.ViralFloor <= 0 {
		cfg.Agents.ViralFloor = def.Agents.ViralFloor
	}
	if len(cfg.Agents.FollowUpDays) == 0 {
		cfg.Agents.FollowUpDays = def.Agents.FollowUpDays
	}
	if cfg.Agents.RequestCooldown == "" {
		cfg.Agents.RequestCooldown = def.Agents.RequestCooldown
	}
	if cfg.Orchestrator.Coordination == "" {
		cfg.Orchestrator.Coordination = def.Orchestrator.Coordination
	}
	if cfg.Orchestrator.Monitoring == "" {
		cfg.Orchestrator.Monitoring = def.Orchestrator.Monitoring
	}
	if cfg.Orchestrator.FailureThreshold <= 0 {
		cfg.Orchestrator.FailureThreshold = def.Orchestrator.FailureThreshold
	}
	if cfg.Orchestrator.ShutdownGrace == "" {
		cfg.Orchestrator.ShutdownGrace = def.Orchestrator.ShutdownGrace
	}
	if cfg.Orchestrator.CallTimeout == "" {
		cfg.Orchestrator.CallTimeout = def.Orchestrator.CallTimeout
	}
	if cfg.Metrics.RatingFloor <= 0 {
		cfg.Metrics.RatingFloor = def.Metrics.RatingFloor
	}
	if cfg.Metrics.Top10Ratio <= 0 {
		cfg.Metrics.Top10Ratio = def.Metrics.Top10Ratio
	}
	if cfg.Metrics.NegativeSpike <= 0 {
		cfg.Metrics.NegativeSpike = def.Metrics.NegativeSpike
	}
	if cfg.API.Host == "" {
		cfg.API.Host = def.API.Host
	}
	if cfg.API.Port <= 0 {
		cfg.API.Port = def.API.Port
	}
	if cfg.Playbook == "" {
		cfg.Playbook = def.Playbook
	}
}

// Enabled reports whether the agent with the given id is not disabled.
func (a AgentsConfig) Enabled(agentID string) bool {
	for _, id := range a.Disabled {
		if strings.EqualFold(strings.TrimSpace(id), agentID) {
			return false
		}
	}
	return true
}

// Duration parses s, falling back when s is empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}
