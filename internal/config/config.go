package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel            = "gpt-4o"
	DefaultMaxTokens        = 4096
	DefaultTemperature      = 0.7
	DefaultTimeoutMs        = 60000
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 18890
	DefaultBufSize          = 100
	DefaultMaxRounds        = 30
	DefaultCompressSize     = 20
	DefaultSummaryThreshold = 10
	DefaultShortMemoryLimit = 10
	DefaultMemoryLimit      = 50
	DefaultMemoryWeightCap  = 10.0
	DefaultMemoryTopK       = 5
	DefaultEmbeddingDim     = 1536
	DefaultMaxToolCalls     = 5
	DefaultMaxRetries       = 3
	DefaultRepeatThreshold  = 0.85
	DefaultReplyImageProb   = 0.05
	DefaultBucketCap        = 3.0
	DefaultBucketRefillMin  = 1.0

	ToolModeStructured = "structured"
	ToolModePrompt     = "prompt"
)

type Config struct {
	Agent        AgentConfig        `json:"agent"`
	Provider     ProviderConfig     `json:"provider"`
	Channels     ChannelsConfig     `json:"channels"`
	Gateway      GatewayConfig      `json:"gateway"`
	Context      ContextConfig      `json:"context"`
	Memory       MemoryConfig       `json:"memory"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	RateLimit    RateLimitConfig    `json:"rateLimit"`
	Store        StoreConfig        `json:"store"`
}

type AgentConfig struct {
	// Name and UID identify the agent itself inside sessions.
	Name        string  `json:"name"`
	UID         string  `json:"uid"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
}

type ProviderConfig struct {
	APIKey    string `json:"apiKey"`
	BaseURL   string `json:"baseUrl,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WebUI    WebUIConfig    `json:"webui"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type WebUIConfig struct {
	Enabled   bool     `json:"enabled"`
	AllowFrom []string `json:"allowFrom"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type ContextConfig struct {
	MaxRounds        int      `json:"maxRounds"`
	CompressEnabled  bool     `json:"compressEnabled"`
	CompressSize     int      `json:"compressSize"`
	SummaryThreshold int      `json:"summaryThreshold"`
	Ignore           []string `json:"ignore,omitempty"`
}

type MemoryConfig struct {
	Limit        int               `json:"limit"`
	WeightCap    float64           `json:"weightCap"`
	TopK         int               `json:"topK"`
	ShortLimit   int               `json:"shortLimit"`
	ShortEnabled bool              `json:"shortEnabled"`
	SweepFloor   float64           `json:"sweepFloor,omitempty"`
	Embedding    EmbeddingConfig   `json:"embedding"`
	Provider     *ProviderConfig   `json:"provider,omitempty"`
	Model        string            `json:"model,omitempty"`
	LocalImages  map[string]string `json:"localImages,omitempty"`
}

type EmbeddingConfig struct {
	Enabled   bool   `json:"enabled"`
	Model     string `json:"model,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type OrchestratorConfig struct {
	Stream          bool    `json:"stream"`
	ToolMode        string  `json:"toolMode"`
	MaxToolCalls    int     `json:"maxToolCalls"`
	MaxRetries      int     `json:"maxRetries"`
	RepeatThreshold float64 `json:"repeatThreshold"`
	ReplyImageProb  float64 `json:"replyImageProb"`
}

type RateLimitConfig struct {
	BucketCap    float64 `json:"bucketCap"`
	RefillPerMin float64 `json:"refillPerMin"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:        "aicore",
			UID:         "0",
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
		},
		Provider: ProviderConfig{TimeoutMs: DefaultTimeoutMs},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Context: ContextConfig{
			MaxRounds:        DefaultMaxRounds,
			CompressEnabled:  true,
			CompressSize:     DefaultCompressSize,
			SummaryThreshold: DefaultSummaryThreshold,
		},
		Memory: MemoryConfig{
			Limit:        DefaultMemoryLimit,
			WeightCap:    DefaultMemoryWeightCap,
			TopK:         DefaultMemoryTopK,
			ShortLimit:   DefaultShortMemoryLimit,
			ShortEnabled: true,
			Embedding: EmbeddingConfig{
				Dimension: DefaultEmbeddingDim,
			},
		},
		Orchestrator: OrchestratorConfig{
			ToolMode:        ToolModeStructured,
			MaxToolCalls:    DefaultMaxToolCalls,
			MaxRetries:      DefaultMaxRetries,
			RepeatThreshold: DefaultRepeatThreshold,
			ReplyImageProb:  DefaultReplyImageProb,
		},
		RateLimit: RateLimitConfig{
			BucketCap:    DefaultBucketCap,
			RefillPerMin: DefaultBucketRefillMin,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".aicore")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
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
	if key := os.Getenv("AICORE_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("AICORE_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("AICORE_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if dbPath := os.Getenv("AICORE_DB_PATH"); dbPath != "" {
		cfg.Store.DBPath = dbPath
	}
	if stream := os.Getenv("AICORE_STREAM"); stream != "" {
		if parsed, err := strconv.ParseBool(stream); err == nil {
			cfg.Orchestrator.Stream = parsed
		}
	}

	fillDefaults(cfg)
	return cfg, nil
}

func fillDefaults(cfg *Config) {
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "aicore"
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = DefaultModel
	}
	if cfg.Agent.MaxTokens <= 0 {
		cfg.Agent.MaxTokens = DefaultMaxTokens
	}
	if cfg.Provider.TimeoutMs <= 0 {
		cfg.Provider.TimeoutMs = DefaultTimeoutMs
	}
	if cfg.Context.MaxRounds <= 0 {
		cfg.Context.MaxRounds = DefaultMaxRounds
	}
	if cfg.Context.CompressSize <= 0 {
		cfg.Context.CompressSize = DefaultCompressSize
	}
	if cfg.Context.SummaryThreshold <= 0 {
		cfg.Context.SummaryThreshold = DefaultSummaryThreshold
	}
	if cfg.Memory.Limit <= 0 {
		cfg.Memory.Limit = DefaultMemoryLimit
	}
	if cfg.Memory.WeightCap <= 0 {
		cfg.Memory.WeightCap = DefaultMemoryWeightCap
	}
	if cfg.Memory.TopK <= 0 {
		cfg.Memory.TopK = DefaultMemoryTopK
	}
	if cfg.Memory.ShortLimit <= 0 {
		cfg.Memory.ShortLimit = DefaultShortMemoryLimit
	}
	if cfg.Memory.Embedding.Dimension <= 0 {
		cfg.Memory.Embedding.Dimension = DefaultEmbeddingDim
	}
	if cfg.Orchestrator.ToolMode != ToolModePrompt {
		cfg.Orchestrator.ToolMode = ToolModeStructured
	}
	if cfg.Orchestrator.MaxToolCalls <= 0 {
		cfg.Orchestrator.MaxToolCalls = DefaultMaxToolCalls
	}
	if cfg.Orchestrator.MaxRetries <= 0 {
		cfg.Orchestrator.MaxRetries = DefaultMaxRetries
	}
	if cfg.Orchestrator.RepeatThreshold <= 0 || cfg.Orchestrator.RepeatThreshold > 1 {
		cfg.Orchestrator.RepeatThreshold = DefaultRepeatThreshold
	}
	if cfg.Orchestrator.ReplyImageProb < 0 || cfg.Orchestrator.ReplyImageProb > 1 {
		cfg.Orchestrator.ReplyImageProb = DefaultReplyImageProb
	}
	if cfg.RateLimit.BucketCap <= 0 {
		cfg.RateLimit.BucketCap = DefaultBucketCap
	}
	if cfg.RateLimit.RefillPerMin <= 0 {
		cfg.RateLimit.RefillPerMin = DefaultBucketRefillMin
	}
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = filepath.Join(ConfigDir(), "data", "sessions.db")
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = DefaultHost
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = DefaultPort
	}
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

	return os.WriteFile(ConfigPath(), data, 0644)
}
