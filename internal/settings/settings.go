package settings

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type SettingType string

const (
	SettingTypeNormal SettingType = "normal"
	SettingTypeSecret SettingType = "secret"
)

type Setting struct {
	Key         string      `json:"key"`
	Value       string      `json:"value"`
	Type        SettingType `json:"type"`
	Required    bool        `json:"required"`
	Description string      `json:"description"`
	UpdatedAt   time.Time   `json:"updated_at"`
	HasValue    bool        `json:"has_value"`
}

type SettingsManager struct {
	db *sql.DB
}

func NewSettingsManager(db *sql.DB) *SettingsManager {
	return &SettingsManager{db: db}
}

// 設定の定義
var DefaultSettings = map[string]Setting{
	// 抽签設定
	"STORE_BACKEND": {
		Key: "STORE_BACKEND", Value: "file", Type: SettingTypeNormal, Required: false,
		Description: "Fortune result store backend (file, sqlite or redis)",
	},
	"TIMEZONE": {
		Key: "TIMEZONE", Value: "Asia/Shanghai", Type: SettingTypeNormal, Required: false,
		Description: "Timezone that decides the calendar day of a draw",
	},
	"REDIS_ADDR": {
		Key: "REDIS_ADDR", Value: "127.0.0.1:6379", Type: SettingTypeNormal, Required: false,
		Description: "Redis address for the redis store backend",
	},
	"REDIS_PASSWORD": {
		Key: "REDIS_PASSWORD", Value: "", Type: SettingTypeSecret, Required: false,
		Description: "Redis password for the redis store backend",
	},

	// LLM設定
	"LLM_BACKEND": {
		Key: "LLM_BACKEND", Value: "openai", Type: SettingTypeNormal, Required: false,
		Description: "LLM backend used for fortune explanation (openai, ollama or gemini)",
	},
	"OPENAI_API_KEY": {
		Key: "OPENAI_API_KEY", Value: "", Type: SettingTypeSecret, Required: false,
		Description: "OpenAI API key",
	},
	"OPENAI_MODEL": {
		Key: "OPENAI_MODEL", Value: "gpt-4o-mini", Type: SettingTypeNormal, Required: false,
		Description: "OpenAI model name",
	},
	"OLLAMA_BASE_URL": {
		Key: "OLLAMA_BASE_URL", Value: "http://127.0.0.1:11434", Type: SettingTypeNormal, Required: false,
		Description: "Ollama server base URL",
	},
	"OLLAMA_MODEL": {
		Key: "OLLAMA_MODEL", Value: "", Type: SettingTypeNormal, Required: false,
		Description: "Ollama model name",
	},
	"GEMINI_API_KEY": {
		Key: "GEMINI_API_KEY", Value: "", Type: SettingTypeSecret, Required: false,
		Description: "Gemini API key",
	},
	"GEMINI_MODEL": {
		Key: "GEMINI_MODEL", Value: "gemini-1.5-flash", Type: SettingTypeNormal, Required: false,
		Description: "Gemini model name",
	},
	"PERSONA_PROMPT": {
		Key: "PERSONA_PROMPT", Value: "", Type: SettingTypeNormal, Required: false,
		Description: "System prompt of the active persona",
	},
	"CHAT_HISTORY_LIMIT": {
		Key: "CHAT_HISTORY_LIMIT", Value: "20", Type: SettingTypeNormal, Required: false,
		Description: "Number of recent chat lines passed to the LLM as context",
	},

	// Twitch設定（機密情報）
	"CLIENT_ID": {
		Key: "CLIENT_ID", Value: "", Type: SettingTypeSecret, Required: false,
		Description: "Twitch API Client ID",
	},
	"TWITCH_USER_ID": {
		Key: "TWITCH_USER_ID", Value: "", Type: SettingTypeSecret, Required: false,
		Description: "Twitch broadcaster user ID whose chat is watched",
	},
	"TWITCH_BOT_USER_ID": {
		Key: "TWITCH_BOT_USER_ID", Value: "", Type: SettingTypeSecret, Required: false,
		Description: "Twitch user ID that sends the replies",
	},
	"TWITCH_ACCESS_TOKEN": {
		Key: "TWITCH_ACCESS_TOKEN", Value: "", Type: SettingTypeSecret, Required: false,
		Description: "User access token with user:read:chat and user:write:chat",
	},

	// サーバー設定
	"SERVER_PORT": {
		Key: "SERVER_PORT", Value: "8080", Type: SettingTypeNormal, Required: false,
		Description: "HTTP API port",
	},
	"DEBUG_OUTPUT": {
		Key: "DEBUG_OUTPUT", Value: "false", Type: SettingTypeNormal, Required: false,
		Description: "Enable debug output",
	},

	// 使用量
	"OPENAI_USAGE_INPUT_TOKENS": {
		Key: "OPENAI_USAGE_INPUT_TOKENS", Value: "0", Type: SettingTypeNormal, Required: false,
		Description: "Accumulated OpenAI input tokens",
	},
	"OPENAI_USAGE_OUTPUT_TOKENS": {
		Key: "OPENAI_USAGE_OUTPUT_TOKENS", Value: "0", Type: SettingTypeNormal, Required: false,
		Description: "Accumulated OpenAI output tokens",
	},
	"OPENAI_USAGE_COST_USD": {
		Key: "OPENAI_USAGE_COST_USD", Value: "0", Type: SettingTypeNormal, Required: false,
		Description: "Estimated accumulated OpenAI cost in USD",
	},
}

// 機能の有効性チェック
type FeatureStatus struct {
	LLMConfigured    bool     `json:"llm_configured"`
	TwitchConfigured bool     `json:"twitch_configured"`
	MissingSettings  []string `json:"missing_settings"`
	Warnings         []string `json:"warnings"`
}

func (sm *SettingsManager) CheckFeatureStatus() (*FeatureStatus, error) {
	status := &FeatureStatus{
		MissingSettings: []string{},
		Warnings:        []string{},
	}

	backend, err := sm.GetSetting("LLM_BACKEND")
	if err != nil {
		return nil, err
	}
	var llmKey string
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "ollama":
		llmKey = "OLLAMA_MODEL"
	case "gemini":
		llmKey = "GEMINI_API_KEY"
	default:
		llmKey = "OPENAI_API_KEY"
	}
	if val, err := sm.GetSetting(llmKey); err != nil || val == "" {
		status.MissingSettings = append(status.MissingSettings, llmKey)
		status.Warnings = append(status.Warnings, "解签 is disabled until the LLM backend is configured")
	} else {
		status.LLMConfigured = true
	}

	twitchSettings := []string{"CLIENT_ID", "TWITCH_USER_ID", "TWITCH_BOT_USER_ID", "TWITCH_ACCESS_TOKEN"}
	twitchComplete := true
	for _, key := range twitchSettings {
		if val, err := sm.GetSetting(key); err != nil || val == "" {
			status.MissingSettings = append(status.MissingSettings, key)
			twitchComplete = false
		}
	}
	status.TwitchConfigured = twitchComplete

	return status, nil
}

// CRUD操作
func (sm *SettingsManager) GetSetting(key string) (string, error) {
	var value string
	err := sm.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		if defaultSetting, exists := DefaultSettings[key]; exists {
			return defaultSetting.Value, nil
		}
		return "", fmt.Errorf("setting not found: %s", key)
	}
	return value, err
}

func (sm *SettingsManager) SetSetting(key, value string) error {
	defaultSetting, exists := DefaultSettings[key]
	if !exists {
		return fmt.Errorf("unknown setting key: %s", key)
	}
	if err := ValidateSetting(key, value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	_, err := sm.db.Exec(`
		INSERT INTO settings (key, value, setting_type, is_required, description)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`,
		key, value,
		string(defaultSetting.Type),
		defaultSetting.Required,
		defaultSetting.Description,
	)
	return err
}

func (sm *SettingsManager) GetAllSettings() (map[string]Setting, error) {
	rows, err := sm.db.Query(`
		SELECT key, value, setting_type, is_required, description, updated_at
		FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]Setting)
	for rows.Next() {
		var s Setting
		var settingType string
		var description sql.NullString
		if err := rows.Scan(&s.Key, &s.Value, &settingType, &s.Required, &description, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Type = SettingType(settingType)
		s.Description = description.String
		s.HasValue = s.Value != ""
		settings[s.Key] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// DBにない設定はデフォルト値で補完
	for key, defaultSetting := range DefaultSettings {
		if _, exists := settings[key]; !exists {
			settings[key] = defaultSetting
		}
	}

	return settings, nil
}

// GetStoredValues returns only the values explicitly saved in the settings table.
func (sm *SettingsManager) GetStoredValues() (map[string]string, error) {
	rows, err := sm.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		if _, known := DefaultSettings[key]; !known {
			continue
		}
		values[key] = value
	}
	return values, rows.Err()
}

// 実際の値を取得（マスクなし）- 内部処理用
func (sm *SettingsManager) GetRealValue(key string) (string, error) {
	return sm.GetSetting(key)
}

// バリデーション
func ValidateSetting(key, value string) error {
	switch key {
	case "STORE_BACKEND":
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "file", "sqlite", "redis":
		default:
			return fmt.Errorf("must be one of file, sqlite, redis")
		}
	case "LLM_BACKEND":
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "openai", "ollama", "gemini":
		default:
			return fmt.Errorf("must be one of openai, ollama, gemini")
		}
	case "TIMEZONE":
		if value != "" {
			if _, err := time.LoadLocation(value); err != nil {
				return fmt.Errorf("invalid timezone: %v", err)
			}
		}
	case "SERVER_PORT":
		if val, err := strconv.Atoi(value); err != nil || val < 1 || val > 65535 {
			return fmt.Errorf("must be integer between 1 and 65535")
		}
	case "CHAT_HISTORY_LIMIT":
		if val, err := strconv.Atoi(value); err != nil || val < 0 || val > 200 {
			return fmt.Errorf("must be integer between 0 and 200")
		}
	case "DEBUG_OUTPUT":
		if value != "true" && value != "false" {
			return fmt.Errorf("must be 'true' or 'false'")
		}
	}
	return nil
}
