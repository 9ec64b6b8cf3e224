// Package config loads settings from defaults, an optional YAML file, .env and
// AGRIMIND_* environment variables, and builds the model client and history
// store they describe.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/haricheung/agrimind/internal/history"
	"github.com/haricheung/agrimind/internal/llm"
	"github.com/haricheung/agrimind/internal/types"
)

// Providers accepted by llm.provider.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Config is the resolved application configuration.
type Config struct {
	LLM      LLMConfig      `mapstructure:"llm"`
	Server   ServerConfig   `mapstructure:"server"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	History  HistoryConfig  `mapstructure:"history"`
	Log      LogConfig      `mapstructure:"log"`
}

type LLMConfig struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
	APIKey      string  `mapstructure:"api_key"`
	// Tier selects {TIER}_API_KEY / _BASE_URL / _MODEL for the openai provider.
	Tier string `mapstructure:"tier"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type AnalysisConfig struct {
	Parallel bool `mapstructure:"parallel"`
}

type HistoryConfig struct {
	// DB is the LevelDB directory; empty keeps history in memory.
	DB   string `mapstructure:"db"`
	Seed bool   `mapstructure:"seed"`
	// SeedFile replaces the built-in fixtures with records from a YAML file.
	SeedFile string `mapstructure:"seed_file"`
}

type LogConfig struct {
	Dir string `mapstructure:"dir"`
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envFile    string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{v: viper.New(), envFile: ".env", envPrefix: "AGRIMIND"}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvFile sets the dotenv file read before the environment ("" disables it).
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load resolves the configuration.
// Precedence (highest to lowest): bound CLI flags, AGRIMIND_* environment
// (including values from .env), config file, defaults.
func (l *Loader) Load() (*Config, error) {
	if l.envFile != "" {
		// Missing .env is normal; existing process env wins over the file.
		_ = godotenv.Load(l.envFile)
	}

	l.setDefaults()
	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".agrimind")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "agrimind"))
		}
	}
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling config: %w", err)
	}
	cfg.Log.Dir = expandHome(cfg.Log.Dir)
	cfg.History.DB = expandHome(cfg.History.DB)
	cfg.History.SeedFile = expandHome(cfg.History.SeedFile)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("llm.provider", ProviderGemini)
	l.v.SetDefault("llm.model", llm.DefaultGeminiModel)
	l.v.SetDefault("llm.temperature", 0.2)
	l.v.SetDefault("llm.api_key", "")
	l.v.SetDefault("llm.tier", "")
	l.v.SetDefault("server.addr", ":8080")
	l.v.SetDefault("analysis.parallel", false)
	l.v.SetDefault("history.db", "")
	l.v.SetDefault("history.seed", true)
	l.v.SetDefault("history.seed_file", "")
	l.v.SetDefault("log.dir", "~/.cache/agrimind")
}

// Validate checks values that have a closed set or range.
//
// Expectations:
//   - Rejects providers other than gemini and openai
//   - Rejects temperatures outside [0, 2]
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("config: llm.provider %q: want %s or %s", c.LLM.Provider, ProviderGemini, ProviderOpenAI)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("config: llm.temperature %v out of range [0, 2]", c.LLM.Temperature)
	}
	return nil
}

// GeminiAPIKey returns llm.api_key, falling back to GEMINI_API_KEY then API_KEY.
func (c *Config) GeminiAPIKey() string {
	for _, k := range []string{c.LLM.APIKey, os.Getenv("GEMINI_API_KEY"), os.Getenv("API_KEY")} {
		if k != "" {
			return k
		}
	}
	return ""
}

// NewGenerator builds the model client selected by llm.provider.
func (c *Config) NewGenerator(ctx context.Context) (llm.Generator, error) {
	if c.LLM.Provider == ProviderOpenAI {
		client := llm.NewTier(strings.ToUpper(c.LLM.Tier))
		if c.LLM.Model != llm.DefaultGeminiModel {
			client.WithModel(c.LLM.Model)
		}
		if err := client.Validate(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		return client, nil
	}
	key := c.GeminiAPIKey()
	if key == "" {
		return nil, fmt.Errorf("config: gemini provider needs GEMINI_API_KEY, API_KEY or AGRIMIND_LLM_API_KEY")
	}
	gen, err := llm.NewGemini(ctx, key, c.LLM.Model)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return gen, nil
}

// OpenHistory opens the LevelDB store at history.db, or an in-memory store when it is empty.
func (c *Config) OpenHistory(now time.Time) (history.Store, error) {
	var records []types.HistoricalRecord
	switch {
	case !c.History.Seed:
	case c.History.SeedFile != "":
		var err error
		if records, err = history.LoadSeedFile(c.History.SeedFile, now); err != nil {
			return nil, err
		}
	default:
		records = history.SeedRecords(now)
	}
	if c.History.DB == "" {
		return history.NewMemStore(records), nil
	}
	store, err := history.OpenLevel(c.History.DB, records)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// RunLogDir is where per-run traces are written.
func (c *Config) RunLogDir() string { return filepath.Join(c.Log.Dir, "runs") }

// AuditLogPath is the auditor's JSONL file.
func (c *Config) AuditLogPath() string { return filepath.Join(c.Log.Dir, "audit.jsonl") }

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
