package env

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
	"github.com/ichi0g0y/sensoji-fortune/internal/localdb"
	"github.com/ichi0g0y/sensoji-fortune/internal/settings"
	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"github.com/ichi0g0y/sensoji-fortune/internal/shared/paths"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config はプロセス全体の設定値。
type Config struct {
	DataDir    string `env:"DATA_DIR"`
	ServerPort int    `env:"SERVER_PORT" envDefault:"8080"`
	DebugMode  bool   `env:"DEBUG_OUTPUT" envDefault:"false"`
	Timezone   string `env:"TIMEZONE" envDefault:"Asia/Shanghai"`

	StoreBackend  string `env:"STORE_BACKEND" envDefault:"file"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	LLMBackend    string `env:"LLM_BACKEND" envDefault:"openai"`
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIModel   string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OllamaBaseURL string `env:"OLLAMA_BASE_URL" envDefault:"http://127.0.0.1:11434"`
	OllamaModel   string `env:"OLLAMA_MODEL"`
	GeminiAPIKey  string `env:"GEMINI_API_KEY"`
	GeminiModel   string `env:"GEMINI_MODEL" envDefault:"gemini-1.5-flash"`

	PersonaPrompt    string `env:"PERSONA_PROMPT"`
	ChatHistoryLimit int    `env:"CHAT_HISTORY_LIMIT" envDefault:"20"`

	ClientID          string `env:"CLIENT_ID"`
	TwitchUserID      string `env:"TWITCH_USER_ID"`
	TwitchBotUserID   string `env:"TWITCH_BOT_USER_ID"`
	TwitchAccessToken string `env:"TWITCH_ACCESS_TOKEN"`
}

// Value is the snapshot taken by the last LoadEnv call.
var Value Config

// Location returns the configured time zone, falling back to local time.
func (c Config) Location() *time.Location {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		logger.Warn("Invalid TIMEZONE, falling back to local time",
			zap.String("timezone", c.Timezone), zap.Error(err))
		return time.Local
	}
	return loc
}

// TwitchConfigured reports whether every value needed for the chat connection is set.
func (c Config) TwitchConfigured() bool {
	return c.ClientID != "" && c.TwitchUserID != "" && c.TwitchBotUserID != "" && c.TwitchAccessToken != ""
}

// LoadDotEnv exports .env into the process environment and pins the data
// directory. main calls it before any path is resolved so that local.db and
// the result file end up next to each other.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Failed to load .env file", zap.Error(err))
	}
	paths.SetDataDir(os.Getenv("DATA_DIR"))
}

// LoadEnv reads .env, the process environment and the settings table, in that
// order of increasing precedence. It must run after localdb.SetupDB.
func LoadEnv() error {
	LoadDotEnv()

	values := cenv.ToMap(os.Environ())

	if db := localdb.GetDB(); db != nil {
		stored, err := settings.NewSettingsManager(db).GetStoredValues()
		if err != nil {
			logger.Warn("Failed to read settings from database", zap.Error(err))
		}
		for key, value := range stored {
			values[key] = value
		}
	}

	cfg, err := Parse(values)
	if err != nil {
		return err
	}
	Value = cfg
	return nil
}

// Parse builds a Config from a key/value environment.
func Parse(values map[string]string) (Config, error) {
	var cfg Config
	if err := cenv.ParseWithOptions(&cfg, cenv.Options{Environment: values}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.LLMBackend = strings.ToLower(strings.TrimSpace(cfg.LLMBackend))
	for key, value := range map[string]string{
		"STORE_BACKEND": cfg.StoreBackend,
		"LLM_BACKEND":   cfg.LLMBackend,
		"TIMEZONE":      cfg.Timezone,
	} {
		if err := settings.ValidateSetting(key, value); err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return cfg, nil
}
