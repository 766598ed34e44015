package webserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ichi0g0y/sensoji-fortune/internal/localdb"
	"github.com/ichi0g0y/sensoji-fortune/internal/settings"
	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"go.uber.org/zap"
)

const maskedValue = "********"

func settingsManager(c *gin.Context) (*settings.SettingsManager, bool) {
	db := localdb.GetDB()
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not initialized"})
		return nil, false
	}
	return settings.NewSettingsManager(db), true
}

// handleGetSettings returns every setting with secrets masked, plus the feature status.
func handleGetSettings(c *gin.Context) {
	manager, ok := settingsManager(c)
	if !ok {
		return
	}

	all, err := manager.GetAllSettings()
	if err != nil {
		logger.Error("Failed to get settings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get settings"})
		return
	}
	for key, setting := range all {
		if setting.Type == settings.SettingTypeSecret && setting.Value != "" {
			setting.Value = maskedValue
			all[key] = setting
		}
	}

	status, err := manager.CheckFeatureStatus()
	if err != nil {
		logger.Warn("Failed to check feature status", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"settings": all,
		"status":   status,
	})
}

// handleUpdateSettings saves a {key: value} map. Nothing is saved when any value is invalid.
// Backend changes apply on the next start; PERSONA_PROMPT applies immediately.
func handleUpdateSettings(c *gin.Context) {
	manager, ok := settingsManager(c)
	if !ok {
		return
	}

	var updates map[string]string
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	for key, value := range updates {
		if _, known := settings.DefaultSettings[key]; !known {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown setting key: " + key})
			return
		}
		if err := settings.ValidateSetting(key, value); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": key + ": " + err.Error()})
			return
		}
	}

	for key, value := range updates {
		// マスク値がそのまま返ってきた場合は変更しない
		if value == maskedValue && settings.DefaultSettings[key].Type == settings.SettingTypeSecret {
			continue
		}
		if err := manager.SetSetting(key, value); err != nil {
			logger.Error("Failed to save setting", zap.String("key", key), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save " + key})
			return
		}
	}

	logger.Info("Settings updated", zap.Int("count", len(updates)))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
