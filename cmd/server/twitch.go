package main

import (
	"context"
	"strings"
	"time"

	"github.com/ichi0g0y/sensoji-fortune/internal/env"
	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"github.com/ichi0g0y/sensoji-fortune/internal/twitcheventsub"
	"github.com/ichi0g0y/sensoji-fortune/internal/twitchtoken"
	"go.uber.org/zap"
)

// startTwitchBackground connects chat only when the token is valid and carries the chat scopes.
func startTwitchBackground(ctx context.Context) {
	if !env.Value.TwitchConfigured() {
		logger.Info("Twitch is not configured, chat commands are disabled")
		return
	}

	validateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	info, err := twitchtoken.ValidateToken(validateCtx, env.Value.TwitchAccessToken)
	if err != nil {
		logger.Error("Twitch access token validation failed", zap.Error(err))
		return
	}
	if missing := info.MissingScopes(); len(missing) > 0 {
		logger.Error("Twitch access token lacks required scopes",
			zap.String("missing", strings.Join(missing, ",")))
		return
	}
	if info.UserID != "" && info.UserID != env.Value.TwitchBotUserID {
		logger.Warn("Twitch access token does not belong to the bot user",
			zap.String("token_user_id", info.UserID),
			zap.String("bot_user_id", env.Value.TwitchBotUserID))
	}

	logger.Info("Twitch token is valid, starting EventSub",
		zap.String("login", info.Login),
		zap.Int64("expires_in", info.ExpiresIn))

	go func() {
		if err := twitcheventsub.Start(); err != nil {
			logger.Error("Failed to start EventSub", zap.Error(err))
		}
	}()
}
