package main

import (
	"context"
	"time"

	"github.com/ichi0g0y/sensoji-fortune/internal/env"
	"github.com/ichi0g0y/sensoji-fortune/internal/fortune"
	"github.com/ichi0g0y/sensoji-fortune/internal/llm"
	"github.com/ichi0g0y/sensoji-fortune/internal/localdb"
	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"github.com/ichi0g0y/sensoji-fortune/internal/shared/paths"
	"github.com/ichi0g0y/sensoji-fortune/internal/store"
	"go.uber.org/zap"
)

// chat_messages は解签の文脈にしか使わないので1日分だけ残す
const chatHistoryRetention = 24 * time.Hour

func openStore(ctx context.Context) (fortune.Store, func() error, error) {
	return store.Open(ctx, store.Config{
		Backend:       env.Value.StoreBackend,
		FilePath:      paths.GetStorePath(),
		RedisAddr:     env.Value.RedisAddr,
		RedisPassword: env.Value.RedisPassword,
		Location:      env.Value.Location(),
	})
}

// openGateway returns nil when the backend is not configured. 抽签 and 转运 still work without it.
func openGateway(ctx context.Context) llm.Gateway {
	gateway, err := llm.NewGateway(ctx, llm.Config{
		Backend:       env.Value.LLMBackend,
		OpenAIAPIKey:  env.Value.OpenAIAPIKey,
		OpenAIModel:   env.Value.OpenAIModel,
		OllamaBaseURL: env.Value.OllamaBaseURL,
		OllamaModel:   env.Value.OllamaModel,
		GeminiAPIKey:  env.Value.GeminiAPIKey,
		GeminiModel:   env.Value.GeminiModel,
	})
	if err != nil {
		logger.Warn("LLM backend is not available, 解签 is disabled",
			zap.String("backend", env.Value.LLMBackend),
			zap.Error(err))
		return nil
	}
	// Ollama は起動が遅れることがあるので警告だけ出して続行する
	if ollama, ok := gateway.(*llm.OllamaGateway); ok {
		if err := ollama.Ping(ctx); err != nil {
			logger.Warn("Ollama server check failed", zap.Error(err))
		}
	}
	logger.Info("LLM backend ready", zap.String("backend", llm.ResolveBackend(env.Value.LLMBackend)))
	return gateway
}

func cleanupChatHistoryPeriodically(done <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	cleanup := func() {
		cutoff := time.Now().Add(-chatHistoryRetention).Unix()
		if err := localdb.CleanupChatMessagesBefore(cutoff); err != nil {
			logger.Warn("Failed to cleanup chat history", zap.Error(err))
		}
	}

	cleanup()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			cleanup()
		}
	}
}
