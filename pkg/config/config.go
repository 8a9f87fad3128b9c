package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	envConfigPath        = "CHATFLOW_CONFIG"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
	envStorePath         = "CHATFLOW_STORE_PATH"
)

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Embedding providers.
const (
	EmbeddingsNone   = "none"
	EmbeddingsOpenAI = "openai"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Bot        BotConfig        `json:"bot"`
	Channels   ChannelsConfig   `json:"channels"`
	Store      StoreConfig      `json:"store"`
	Embeddings EmbeddingsConfig `json:"embeddings"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Gateway    GatewayConfig    `json:"gateway"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
	Routes     []RouteConfig    `json:"routes"`
	Payment    *PaymentConfig   `json:"payment,omitempty"`
}

// BotConfig names the bot and holds user-facing fallback texts.
type BotConfig struct {
	Name       string `json:"name"`
	ErrorReply string `json:"error_reply"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
	File      string `json:"file,omitempty"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from"`
}

// StoreConfig selects and configures the user context backend.
type StoreConfig struct {
	Backend   string `json:"backend"`
	Path      string `json:"path"`
	CacheSize int    `json:"cache_size"`
}

// EmbeddingsConfig configures the embedding provider used by FAQ routes.
type EmbeddingsConfig struct {
	Provider              string `json:"provider"`
	Model                 string `json:"model"`
	Dimensions            int    `json:"dimensions"`
	BaseURL               string `json:"base_url"`
	APIKeyEnv             string `json:"api_key_env"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	CacheSize             int    `json:"cache_size"`
}

// DispatchConfig sizes the dispatcher worker pool.
type DispatchConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
}

// GatewayConfig configures HTTP status server bind settings. A negative port
// turns the status server off.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// RouteConfig declares one handler binding. ReplyFAQ answers with the top FAQ
// candidate; a literal phrase hit has none and sends Reply instead.
type RouteConfig struct {
	Name        string         `json:"name"`
	Priority    int            `json:"priority"`
	Phrases     []string       `json:"phrases,omitempty"`
	States      []string       `json:"states,omitempty"`
	Attachments []string       `json:"attachments,omitempty"`
	Interactive bool           `json:"interactive,omitempty"`
	FAQ         *FAQConfig     `json:"faq,omitempty"`
	Reply       string         `json:"reply,omitempty"`
	ReplyFAQ    bool           `json:"reply_faq_answer,omitempty"`
	NextState   *string        `json:"next_state,omitempty"`
	SetPayload  map[string]any `json:"set_payload,omitempty"`
}

// FAQConfig attaches a semantic corpus to a route.
type FAQConfig struct {
	Corpus    string  `json:"corpus"`
	Threshold float64 `json:"threshold"`
}

// PaymentConfig configures the payment confirmation bypass route.
type PaymentConfig struct {
	Reply      string `json:"reply"`
	PayloadKey string `json:"payload_key"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile parses one config file and applies environment overrides.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.resolveRelativePaths(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate reports configuration errors that must stop startup.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is required")
	}

	var errs []error

	switch strings.TrimSpace(c.Store.Backend) {
	case "", StoreFile, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not supported", c.Store.Backend))
	}
	if c.Store.CacheSize < 0 {
		errs = append(errs, errors.New("store.cache_size must not be negative"))
	}

	provider := c.Embeddings.ProviderOrDefault()
	switch provider {
	case EmbeddingsNone, EmbeddingsOpenAI:
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider %q is not supported", c.Embeddings.Provider))
	}

	if c.Dispatch.Workers < 0 {
		errs = append(errs, errors.New("dispatch.workers must not be negative"))
	}

	seen := make(map[string]struct{}, len(c.Routes))
	for i, route := range c.Routes {
		name := strings.TrimSpace(route.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("routes[%d].name is required", i))
			continue
		}
		if _, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("routes[%d].name %q is duplicated", i, name))
		}
		seen[name] = struct{}{}

		if route.FAQ == nil {
			continue
		}
		if strings.TrimSpace(route.FAQ.Corpus) == "" {
			errs = append(errs, fmt.Errorf("routes[%d].faq.corpus is required", i))
		}
		if route.FAQ.Threshold <= 0 || route.FAQ.Threshold >= 1 {
			errs = append(errs, fmt.Errorf("routes[%d].faq.threshold must be between 0 and 1", i))
		}
		if provider == EmbeddingsNone {
			errs = append(errs, fmt.Errorf("routes[%d] uses faq but embeddings.provider is %q", i, provider))
		}
	}

	return errors.Join(errs...)
}

// ProviderOrDefault returns the normalized embedding provider id.
func (c EmbeddingsConfig) ProviderOrDefault() string {
	provider := strings.ToLower(strings.TrimSpace(c.Provider))
	if provider == "" {
		return EmbeddingsNone
	}

	return provider
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	if storePath := strings.TrimSpace(os.Getenv(envStorePath)); storePath != "" {
		cfg.Store.Path = storePath
	}
}

// resolveRelativePaths anchors corpus paths to the config file directory.
func (c *Config) resolveRelativePaths(baseDir string) {
	for i := range c.Routes {
		faq := c.Routes[i].FAQ
		if faq == nil {
			continue
		}
		corpus := strings.TrimSpace(faq.Corpus)
		if corpus == "" || filepath.IsAbs(corpus) {
			continue
		}
		faq.Corpus = filepath.Join(baseDir, corpus)
	}
}

// ParseCSV splits comma-separated values and returns a trimmed compact slice.
func ParseCSV(input string) []string {
	return parseCSV(input)
}

func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is CHATFLOW_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
