// Package config provides application settings loaded from environment variables.
//
// Settings are created via New() which handles:
// - Environment variable parsing with validation
// - Default value application
// - Provider-specific configuration lookup

package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/richinex/ledgerline/usage"
)

// Settings holds all application configuration.
type Settings struct {
	LLM       LLMConfig
	Agent     AgentConfig
	Tools     ToolsConfig
	Queue     QueueConfig
	Retriever RetrieverConfig
	Sandbox   SandboxConfig
	Storage   StorageConfig
	Server    ServerConfig
	Log       LogConfig
	Usage     UsageConfig
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider    string
	Model       string
	BaseURL     string
	MaxTokens   uint32
	Temperature float64
}

// AgentConfig holds model I/O loop configuration.
type AgentConfig struct {
	MaxRounds int
	Intent    string
	UserID    string
}

// ToolsConfig holds tool endpoint and runner configuration.
type ToolsConfig struct {
	EndpointURL       string
	Timeout           time.Duration
	Parallelism       int
	ChainTasks        bool
	DependencyTimeout time.Duration
}

// QueueConfig holds background task queue configuration.
type QueueConfig struct {
	Workers     int
	Size        int
	MaxAttempts int
	JobTimeout  time.Duration
}

// RetrieverConfig holds accounting API and cache configuration.
type RetrieverConfig struct {
	BaseURL      string
	RealmID      string
	AccessToken  string
	MinorVersion string
	PageSize     int
	MaxPages     int
	FetchTimeout time.Duration
	CacheSize    int
	CacheTTL     time.Duration
}

// SandboxConfig holds code execution limits.
type SandboxConfig struct {
	Timeout        time.Duration
	MaxOutputBytes int
}

// StorageConfig selects the persistence backend.
// An empty Path keeps everything in memory.
type StorageConfig struct {
	Path string
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	Addr string
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string
	Format string
}

// UsageConfig holds usage accounting configuration.
type UsageConfig struct {
	CostFile string
}

// providerInfo holds configuration for a specific LLM provider.
type providerInfo struct {
	modelEnv     string
	defaultModel string
	apiKeyEnv    string
}

// Supported providers and their configuration.
var providers = map[string]providerInfo{
	"openai":    {"OPENAI_MODEL", "gpt-4o", "OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_MODEL", "claude-sonnet-4-20250514", "ANTHROPIC_API_KEY"},
	"deepseek":  {"DEEPSEEK_MODEL", "deepseek-chat", "DEEPSEEK_API_KEY"},
	"gemini":    {"GEMINI_MODEL", "gemini-2.5-flash", "GEMINI_API_KEY"},
}

// Provider aliases map to canonical names.
var providerAliases = map[string]string{
	"claude": "anthropic",
	"google": "gemini",
	"gpt":    "openai",
}

// New creates settings for the specified provider, loading values from environment variables.
// Returns an error if the provider is unknown or environment variables contain invalid values.
func New(provider string) (Settings, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return Settings{}, err
	}

	var (
		s    Settings
		errs []error
	)
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(dst *int, key string, def int) {
		v, err := getEnvInt(key, def)
		collect(err)
		*dst = v
	}
	durationVar := func(dst *time.Duration, key string, def time.Duration) {
		v, err := getEnvDuration(key, def)
		collect(err)
		*dst = v
	}

	s.LLM = LLMConfig{
		Provider: provider,
		Model:    getEnvString(info.modelEnv, info.defaultModel),
		BaseURL:  os.Getenv("LLM_BASE_URL"),
	}
	s.LLM.MaxTokens, err = getEnvUint32("LLM_MAX_TOKENS", 4096)
	collect(err)
	s.LLM.Temperature, err = getEnvFloat64("LLM_TEMPERATURE", 0.2)
	collect(err)

	intVar(&s.Agent.MaxRounds, "AGENT_MAX_ROUNDS", 12)
	s.Agent.Intent = getEnvString("AGENT_INTENT", "chat")
	s.Agent.UserID = getEnvString("AGENT_USER_ID", "local")

	s.Tools.EndpointURL = getEnvString("TOOL_ENDPOINT_URL", "http://localhost:8080")
	durationVar(&s.Tools.Timeout, "TOOL_TIMEOUT", 60*time.Second)
	intVar(&s.Tools.Parallelism, "TOOL_PARALLELISM", 8)
	s.Tools.ChainTasks, err = getEnvBool("TOOL_CHAIN_TASKS", true)
	collect(err)
	durationVar(&s.Tools.DependencyTimeout, "TOOL_DEPENDENCY_TIMEOUT", 2*time.Minute)

	intVar(&s.Queue.Workers, "QUEUE_WORKERS", 4)
	intVar(&s.Queue.Size, "QUEUE_SIZE", 64)
	intVar(&s.Queue.MaxAttempts, "QUEUE_MAX_ATTEMPTS", 3)
	durationVar(&s.Queue.JobTimeout, "QUEUE_JOB_TIMEOUT", 5*time.Minute)

	s.Retriever.BaseURL = getEnvString("ACCOUNTING_BASE_URL", "https://sandbox-quickbooks.api.intuit.com")
	s.Retriever.RealmID = os.Getenv("ACCOUNTING_REALM_ID")
	s.Retriever.AccessToken = os.Getenv("ACCOUNTING_ACCESS_TOKEN")
	s.Retriever.MinorVersion = os.Getenv("ACCOUNTING_MINOR_VERSION")
	intVar(&s.Retriever.PageSize, "RETRIEVER_PAGE_SIZE", 100)
	intVar(&s.Retriever.MaxPages, "RETRIEVER_MAX_PAGES", 100)
	durationVar(&s.Retriever.FetchTimeout, "RETRIEVER_FETCH_TIMEOUT", 30*time.Second)
	intVar(&s.Retriever.CacheSize, "RETRIEVER_CACHE_SIZE", 256)
	durationVar(&s.Retriever.CacheTTL, "RETRIEVER_CACHE_TTL", 10*time.Minute)

	durationVar(&s.Sandbox.Timeout, "SANDBOX_TIMEOUT", 30*time.Second)
	intVar(&s.Sandbox.MaxOutputBytes, "SANDBOX_MAX_OUTPUT_BYTES", 64<<10)

	s.Storage.Path = os.Getenv("STORAGE_PATH")
	s.Server.Addr = getEnvString("SERVER_ADDR", ":8080")
	s.Log.Level = getEnvString("LOG_LEVEL", "info")
	s.Log.Format = getEnvString("LOG_FORMAT", "text")
	s.Usage.CostFile = os.Getenv("USAGE_COST_FILE")

	if len(errs) > 0 {
		return Settings{}, errs[0]
	}
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	if s.Agent.MaxRounds <= 0 {
		return fmt.Errorf("AGENT_MAX_ROUNDS must be positive, got %d", s.Agent.MaxRounds)
	}
	if s.Tools.Parallelism <= 0 {
		return fmt.Errorf("TOOL_PARALLELISM must be positive, got %d", s.Tools.Parallelism)
	}
	if s.Retriever.PageSize <= 0 || s.Retriever.PageSize > 1000 {
		return fmt.Errorf("RETRIEVER_PAGE_SIZE must be between 1 and 1000, got %d", s.Retriever.PageSize)
	}
	switch s.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", s.Log.Format)
	}
	return nil
}

// MustNew creates settings for the specified provider.
// Panics if the provider is unknown or environment variables are invalid.
// Use this only when configuration errors should be fatal.
func MustNew(provider string) Settings {
	settings, err := New(provider)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return settings
}

// LoadCostTable reads a YAML price table and overlays it on the defaults.
// An empty path returns the defaults.
//
//	gpt-4o:
//	  input_per_million: 2.5
//	  output_per_million: 10
func LoadCostTable(path string) (usage.CostTable, error) {
	table := usage.DefaultCostTable()
	if path == "" {
		return table, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cost table: %w", err)
	}
	var overrides usage.CostTable
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse cost table %s: %w", path, err)
	}
	for model, price := range overrides {
		if price.InputPerMillion < 0 || price.OutputPerMillion < 0 {
			return nil, fmt.Errorf("negative price for model %q", model)
		}
		table[model] = price
	}
	return table, nil
}

// normalizeProvider converts provider aliases to canonical names.
func normalizeProvider(provider string) string {
	provider = strings.ToLower(provider)
	if canonical, ok := providerAliases[provider]; ok {
		return canonical
	}
	return provider
}

// getProviderInfo returns configuration for a provider.
func getProviderInfo(provider string) (providerInfo, error) {
	info, ok := providers[provider]
	if !ok {
		return providerInfo{}, fmt.Errorf("unknown provider: %q", provider)
	}
	return info, nil
}

// APIKeyFor returns the API key for a provider from environment variables.
func APIKeyFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}

	key := os.Getenv(info.apiKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%s environment variable not set", info.apiKeyEnv)
	}
	return key, nil
}

// ModelFor returns the model for a provider, checking environment first.
func ModelFor(provider string) (string, error) {
	provider = normalizeProvider(provider)

	info, err := getProviderInfo(provider)
	if err != nil {
		return "", err
	}
	return getEnvString(info.modelEnv, info.defaultModel), nil
}

// SupportedProviders returns the sorted list of supported provider names.
func SupportedProviders() []string {
	result := make([]string, 0, len(providers))
	for name := range providers {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Environment variable helpers with proper error handling

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvUint32(key string, defaultVal uint32) (uint32, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return uint32(i), nil
}

func getEnvFloat64(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return d, nil
}
