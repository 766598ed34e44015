package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ichi0g0y/sensoji-fortune/internal/bot"
	"github.com/ichi0g0y/sensoji-fortune/internal/env"
	"github.com/ichi0g0y/sensoji-fortune/internal/fortune"
	"github.com/ichi0g0y/sensoji-fortune/internal/localdb"
	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"github.com/ichi0g0y/sensoji-fortune/internal/shared/paths"
	"github.com/ichi0g0y/sensoji-fortune/internal/twitcheventsub"
	"github.com/ichi0g0y/sensoji-fortune/internal/version"
	"github.com/ichi0g0y/sensoji-fortune/internal/webserver"
	"go.uber.org/zap"
)

func main() {
	logger.Init(false)
	defer logger.Sync()

	logger.Info("Starting sensoji-fortune server", zap.String("version", version.String()))

	// DATA_DIR may live in .env, so load it before resolving any path.
	env.LoadDotEnv()
	if err := paths.EnsureDataDirs(); err != nil {
		logger.Fatal("Failed to ensure data directories", zap.Error(err))
	}

	if _, err := localdb.SetupDB(paths.GetDBPath()); err != nil {
		logger.Fatal("Failed to setup database", zap.Error(err))
	}
	logger.Info("Data directory ready", zap.String("path", paths.GetDataDir()))
	defer localdb.CloseDB()

	// env.LoadEnv must run after DB initialization.
	if err := env.LoadEnv(); err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if env.Value.DebugMode {
		logger.Init(true)
		logger.Info("Debug mode enabled")
	}

	ctx := context.Background()

	catalog, err := fortune.DefaultCatalog()
	if err != nil {
		logger.Fatal("Failed to load fortune catalog", zap.Error(err))
	}

	resultStore, closeStore, err := openStore(ctx)
	if err != nil {
		logger.Fatal("Failed to open fortune store", zap.Error(err))
	}
	defer closeStore()

	gateway := openGateway(ctx)
	if closer, ok := gateway.(io.Closer); ok {
		defer closer.Close()
	}

	hub := webserver.NewWSHub()
	hub.Start()

	opts := fortune.Options{
		Location: env.Value.Location(),
		Gateway:  gateway,
		History:  bot.ChatHistory{Limit: env.Value.ChatHistoryLimit},
		Persona:  bot.SettingsPersona{Fallback: env.Value.PersonaPrompt},
		OnDraw: func(e fortune.DrawEvent) {
			hub.BroadcastWSMessage("fortune_drawn", e)
		},
	}
	service, err := fortune.NewService(resultStore, catalog, opts)
	if err != nil {
		logger.Fatal("Failed to create fortune service", zap.Error(err))
	}

	tools := bot.NewToolRegistry()
	tools.Register(bot.NewExplainFortuneTool(service))
	twitcheventsub.SetDispatcher(bot.NewDispatcher(service))

	server := webserver.NewServer(service, tools, hub, webserver.Options{
		StoreBackend: env.Value.StoreBackend,
		LLMBackend:   env.Value.LLMBackend,
	})
	if err := webserver.StartWebServer(env.Value.ServerPort, server.Routes()); err != nil {
		logger.Fatal("Failed to start web server", zap.Error(err))
	}

	done := make(chan struct{})
	startTwitchBackground(ctx)
	go cleanupChatHistoryPeriodically(done)

	logger.Info("Server started",
		zap.Int("port", env.Value.ServerPort),
		zap.String("timezone", env.Value.Timezone),
		zap.String("today", service.Today()),
		zap.String("status", fmt.Sprintf("http://localhost:%d/status", env.Value.ServerPort)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")

	close(done)
	twitcheventsub.Stop()
	webserver.Shutdown()
	hub.Stop()

	logger.Info("Shutdown complete")
}
