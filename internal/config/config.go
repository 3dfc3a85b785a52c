package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config aggregates every setting the service reads. Loaded once at
// startup from the environment, immutable afterwards.
type Config struct {
	Server ServerConfig
	Chat   ChatConfig
	Agent  AgentConfig
}

func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	chat, err := loadChatConfig()
	if err != nil {
		return nil, err
	}

	agent, err := loadAgentConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Chat: chat, Agent: agent}, nil
}

// ServerConfig describes the HTTP listener and its CORS policy.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	origins := splitAndTrim(getEnvOrDefault("ALLOWED_ORIGINS", "*"))

	if strings.Contains(port, ":") {
		// allow passing ":8080" or "127.0.0.1:8080" directly
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// ChatConfig controls the session core: turn limit and transcript storage.
type ChatConfig struct {
	MaxTurns int
	Store    string
	DBPath   string
}

func loadChatConfig() (ChatConfig, error) {
	maxTurns := 6
	if override, err := parseOptionalIntEnv("CHAT_MAX_TURNS"); err != nil {
		return ChatConfig{}, err
	} else if override != nil {
		maxTurns = *override
	}
	if maxTurns < 1 {
		return ChatConfig{}, fmt.Errorf("CHAT_MAX_TURNS must be at least 1, got %d", maxTurns)
	}

	backend := getEnvOrDefault("CHAT_STORE", StoreSQLite)
	if backend != StoreSQLite && backend != StoreMemory {
		return ChatConfig{}, fmt.Errorf("invalid CHAT_STORE value %q: want %q or %q", backend, StoreSQLite, StoreMemory)
	}

	return ChatConfig{
		MaxTurns: maxTurns,
		Store:    backend,
		DBPath:   getEnvOrDefault("CHAT_DB_PATH", "parley_sessions.db"),
	}, nil
}

// AgentConfig describes the collaborator identity and the ark model behind
// it.
type AgentConfig struct {
	Name         string
	Instructions string
	HistoryLimit int
	Timeout      int

	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled reports whether the required model credentials were provided.
func (c AgentConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds an ark model instance from the configuration.
func (c AgentConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials missing: provide ARK_API_KEY + ARK_MODEL or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAgentConfig() (AgentConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AgentConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AgentConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AgentConfig{}, err
	}

	historyLimit := 10
	if override, err := parseOptionalIntEnv("AGENT_HISTORY_LIMIT"); err != nil {
		return AgentConfig{}, err
	} else if override != nil {
		if *override < 1 {
			historyLimit = 1
		} else {
			historyLimit = *override
		}
	}

	timeout := 60
	if override, err := parseOptionalIntEnv("AGENT_TIMEOUT"); err != nil {
		return AgentConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return AgentConfig{}, fmt.Errorf("AGENT_TIMEOUT must be at least 1 second, got %d", *override)
		}
		timeout = *override
	}

	return AgentConfig{
		Name:         getEnvOrDefault("AGENT_NAME", "Parley"),
		Instructions: getEnvOrDefault("AGENT_INSTRUCTIONS", "You are a concise, helpful assistant."),
		HistoryLimit: historyLimit,
		Timeout:      timeout,
		APIKey:       strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:    strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:    strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:        strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:      getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
