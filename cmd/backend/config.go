package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MegaGrindStone/chatbot-widget/internal/handlers"
	"github.com/MegaGrindStone/chatbot-widget/internal/services"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	answerer(systemPrompt string, logger *slog.Logger) (handlers.Answerer, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type rateLimitConfig struct {
	RPS   float64 `yaml:"rps" env:"CHATBACKEND_RATE_RPS"`
	Burst int     `yaml:"burst" env:"CHATBACKEND_RATE_BURST"`
}

type config struct {
	Port          string          `yaml:"port" env:"CHATBACKEND_PORT"`
	LogLevel      string          `yaml:"logLevel" env:"CHATBACKEND_LOG_LEVEL"`
	AllowedOrigin string          `yaml:"allowedOrigin" env:"CHATBACKEND_ALLOWED_ORIGIN"`
	SystemPrompt  string          `yaml:"systemPrompt" env:"CHATBACKEND_SYSTEM_PROMPT"`
	RateLimit     rateLimitConfig `yaml:"rateLimit"`
	LLM           llmConfig       `yaml:"llm" env:"-"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseUrl"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
	MaxTokens     int    `yaml:"maxTokens"`
}

const (
	configEnvKey = "CHATBACKEND_CONFIG"

	defaultSystemPrompt = "You are a friendly assistant embedded in a website chat widget. Answer briefly."
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port          string          `yaml:"port"`
		LogLevel      string          `yaml:"logLevel"`
		AllowedOrigin string          `yaml:"allowedOrigin"`
		SystemPrompt  string          `yaml:"systemPrompt"`
		RateLimit     rateLimitConfig `yaml:"rateLimit"`
		LLM           map[string]any  `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.Port != "" {
		c.Port = rawConfig.Port
	}
	if rawConfig.LogLevel != "" {
		c.LogLevel = rawConfig.LogLevel
	}
	if rawConfig.SystemPrompt != "" {
		c.SystemPrompt = rawConfig.SystemPrompt
	}
	c.AllowedOrigin = rawConfig.AllowedOrigin
	c.RateLimit = rawConfig.RateLimit

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai", "openrouter":
		llm = &openAIConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func configPath() (string, error) {
	if p := os.Getenv(configEnvKey); p != "" {
		return p, nil
	}

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, "chatbot-widget", "backend.yaml"), nil
}

// loadConfig reads the YAML file at path and applies environment overrides. Unlike the widget server,
// the backend needs the file, since the llm block can't be expressed through the environment.
func loadConfig(path string) (config, error) {
	cfg := config{
		Port:         "8081",
		LogLevel:     "info",
		SystemPrompt: defaultSystemPrompt,
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return config{}, fmt.Errorf("config file %s not found: %w", path, err)
		}
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("config file %s is empty", path)
		}
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return config{}, fmt.Errorf("error parsing environment: %w", err)
	}

	if cfg.RateLimit.RPS < 0 || cfg.RateLimit.Burst < 0 {
		return config{}, fmt.Errorf("rate limit must not be negative")
	}

	return cfg, nil
}

func (c config) slogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

func (o ollamaConfig) answerer(systemPrompt string, logger *slog.Logger) (handlers.Answerer, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://127.0.0.1:11434"
	}
	return services.NewOllama(host, o.Model, systemPrompt, logger)
}

func (o openAIConfig) answerer(systemPrompt string, logger *slog.Logger) (handlers.Answerer, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	baseURL := o.BaseURL
	if o.Provider == "openrouter" {
		if apiKey == "" {
			apiKey = os.Getenv("OPENROUTER_API_KEY")
		}
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
	}
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, baseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (a anthropicConfig) answerer(systemPrompt string, logger *slog.Logger) (handlers.Answerer, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("max_tokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Endpoint, a.Model, systemPrompt, a.MaxTokens, logger), nil
}
