package webserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ichi0g0y/sensoji-fortune/internal/bot"
	"github.com/ichi0g0y/sensoji-fortune/internal/fortune"
	"github.com/ichi0g0y/sensoji-fortune/internal/llm"
	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"github.com/ichi0g0y/sensoji-fortune/internal/twitcheventsub"
	"github.com/ichi0g0y/sensoji-fortune/internal/version"
	"go.uber.org/zap"
)

var httpServer *http.Server

// twitchState はテストで差し替える
var twitchState = func() (bool, error) {
	return twitcheventsub.IsConnected(), twitcheventsub.GetLastError()
}

// Server exposes the fortune service over HTTP for overlays and external bots.
type Server struct {
	service      *fortune.Service
	tools        *bot.ToolRegistry
	hub          *WSHub
	storeBackend string
	llmBackend   string
}

type Options struct {
	StoreBackend string
	LLMBackend   string
}

func NewServer(service *fortune.Service, tools *bot.ToolRegistry, hub *WSHub, opts Options) *Server {
	return &Server{
		service:      service,
		tools:        tools,
		hub:          hub,
		storeBackend: opts.StoreBackend,
		llmBackend:   opts.LLMBackend,
	}
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(ginZapLogger(), gin.Recovery(), corsMiddleware())

	engine.GET("/status", s.handleStatus)
	engine.GET("/ws", s.hub.handleWS)

	api := engine.Group("/api")
	api.POST("/fortune/draw", s.handleDraw)
	api.POST("/fortune/reroll", s.handleReroll)
	api.POST("/fortune/explain", s.handleExplain)
	api.GET("/fortune/:user_id", s.handleGetFortune)
	api.GET("/tools", s.handleListTools)
	api.POST("/tools/:name", s.handleExecuteTool)
	api.GET("/settings", handleGetSettings)
	api.PUT("/settings", handleUpdateSettings)
	api.GET("/llm/usage", handleLLMUsage)
	api.POST("/llm/usage/reset", handleLLMUsageReset)
	return engine
}

// StartWebServer listens on port in the background and returns once the socket is bound.
func StartWebServer(port int, handler http.Handler) error {
	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting web server", zap.String("address", addr))

	httpServer = &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 10 * time.Second,
		// 解签の SSE は長く続くので WriteTimeout は設定しない
		IdleTimeout: 120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			logger.Error("Failed to start web server", zap.Error(err))
			return fmt.Errorf("failed to start web server on port %d: %w", port, err)
		}
	case <-time.After(100 * time.Millisecond):
	}

	return nil
}

// Shutdown gracefully shuts down the web server
func Shutdown() {
	if httpServer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown web server gracefully", zap.Error(err))
	} else {
		logger.Info("Web server shutdown complete")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func ginZapLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

type fortuneRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type fortuneResponse struct {
	UserID string `json:"user_id"`
	Date   string `json:"date"`
	Result string `json:"result"`
}

func bindFortuneRequest(c *gin.Context) (fortuneRequest, bool) {
	var req fortuneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return req, false
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return req, false
	}
	return req, true
}

func (s *Server) handleDraw(c *gin.Context) {
	req, ok := bindFortuneRequest(c)
	if !ok {
		return
	}
	result, err := s.service.Draw(c.Request.Context(), req.UserID)
	s.respondFortune(c, req.UserID, result, err)
}

func (s *Server) handleReroll(c *gin.Context) {
	req, ok := bindFortuneRequest(c)
	if !ok {
		return
	}
	result, err := s.service.Reroll(c.Request.Context(), req.UserID)
	s.respondFortune(c, req.UserID, result, err)
}

func (s *Server) respondFortune(c *gin.Context, userID, result string, err error) {
	if err != nil {
		logger.Error("Failed to draw fortune", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": bot.ReplyDrawFailed})
		return
	}
	c.JSON(http.StatusOK, fortuneResponse{UserID: userID, Date: s.service.Today(), Result: result})
}

func (s *Server) handleGetFortune(c *gin.Context) {
	userID := c.Param("user_id")
	result, ok, err := s.service.TodayResult(c.Request.Context(), userID)
	if err != nil {
		logger.Error("Failed to get fortune", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get fortune"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fortune.NotDrawnToolResult})
		return
	}
	c.JSON(http.StatusOK, fortuneResponse{UserID: userID, Date: s.service.Today(), Result: result})
}

// handleExplain streams the explanation as Server-Sent Events:
// "message" per chunk, then "done", or "error".
func (s *Server) handleExplain(c *gin.Context) {
	req, ok := bindFortuneRequest(c)
	if !ok {
		return
	}

	stream, err := s.service.Explain(c.Request.Context(), fortune.ExplainRequest{
		UserID:    req.UserID,
		SessionID: req.SessionID,
	})
	if errors.Is(err, fortune.ErrNoGateway) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		logger.Error("Failed to request fortune explanation", zap.String("user_id", req.UserID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": bot.ReplyExplainFailed})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case chunk, ok := <-stream:
			if !ok {
				c.SSEvent("done", gin.H{})
				return false
			}
			if chunk.Err != nil {
				logger.Error("Fortune explanation stream failed", zap.String("user_id", req.UserID), zap.Error(chunk.Err))
				c.SSEvent("error", gin.H{"error": chunk.Err.Error()})
				return false
			}
			if chunk.Text != "" {
				c.SSEvent("message", gin.H{"text": chunk.Text})
			}
			if chunk.Done {
				c.SSEvent("done", gin.H{})
				return false
			}
			return true
		}
	})
}

func (s *Server) handleListTools(c *gin.Context) {
	c.JSON(http.StatusOK, s.tools.GetAllDefinitions())
}

// handleExecuteTool runs a registered tool with the raw JSON body as its arguments.
func (s *Server) handleExecuteTool(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	result, err := s.tools.Execute(c.Request.Context(), c.Param("name"), string(body))
	var notFound *bot.ToolNotFoundError
	var invalid *bot.InvalidArgsError
	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		logger.Error("Tool execution failed", zap.String("tool", c.Param("name")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tool execution failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"result": result})
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	connected, lastErr := twitchState()
	twitchError := ""
	if lastErr != nil {
		twitchError = lastErr.Error()
	}
	c.JSON(http.StatusOK, gin.H{
		"version":          version.Get(),
		"store_backend":    s.storeBackend,
		"llm_backend":      s.llmBackend,
		"llm_enabled":      s.service.HasGateway(),
		"today":            s.service.Today(),
		"ws_clients":       s.hub.ClientCount(),
		"twitch_connected": connected,
		"twitch_error":     twitchError,
	})
}

func handleLLMUsage(c *gin.Context) {
	c.JSON(http.StatusOK, llm.GetOpenAIUsage())
}

func handleLLMUsageReset(c *gin.Context) {
	if err := llm.ResetOpenAIUsage(); err != nil {
		logger.Error("Failed to reset OpenAI usage", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
