package fortune

import (
	"context"
	"fmt"
	"strings"

	"github.com/ichi0g0y/sensoji-fortune/internal/llm"
	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"go.uber.org/zap"
)

const (
	// NotDrawnPrompt は解签プロンプト内で「未抽签」を示す文字列。
	NotDrawnPrompt = "今日尚未抽签"
	// NotDrawnToolResult is what the explain tool returns without a result for today.
	NotDrawnToolResult = "还没有抽签，请先抽签！"
)

const explainTemplate = `回复要求：
1. 如果用户尚未抽签，告知用户` + "`需要先抽签，再进行解签`" + `。
2. 如果用户已抽签，则分析签文内容并提供详细解释，包括抽签结果的意义、可能的象征以及建议。
3. 基于解签内容提炼出重点建议，提供一些具体与实际问题相关的指导意见。
4. 保持语气友好、亲切，确保签文解析详细且易于理解。
5. 基于角色以合适的语气、称呼等，生成符合人设的回答。

内容: `

// ExplainRequest identifies who asked for 解签 and in which conversation.
type ExplainRequest struct {
	UserID    string
	SessionID string
	// MessageID is the chat line that asked. It is already the prompt, so history skips it.
	MessageID string
}

// BuildExplainPrompt wraps message into the fixed instruction template.
func BuildExplainPrompt(message string) string {
	return explainTemplate + message
}

// ExplainPrompt builds the LLM prompt for userID's result today.
func (s *Service) ExplainPrompt(ctx context.Context, userID string) (string, error) {
	text, ok, err := s.TodayResult(ctx, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		text = NotDrawnPrompt
	}
	return BuildExplainPrompt(text), nil
}

// Explain submits the prompt with history and persona to the gateway. The
// caller owns the returned stream and must drain it or cancel ctx.
func (s *Service) Explain(ctx context.Context, req ExplainRequest) (<-chan llm.Chunk, error) {
	if s.gateway == nil {
		return nil, ErrNoGateway
	}

	prompt, err := s.ExplainPrompt(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	llmReq := llm.Request{
		Prompt:    prompt,
		SessionID: req.SessionID,
	}

	// 履歴と人設は取れなくても解签自体は続行する
	if s.history != nil && strings.TrimSpace(req.SessionID) != "" {
		history, err := s.history.RecentMessages(ctx, req.SessionID, req.MessageID)
		if err != nil {
			logger.Warn("Failed to load conversation history", zap.String("session_id", req.SessionID), zap.Error(err))
		} else {
			llmReq.History = history
		}
	}
	if s.persona != nil {
		systemPrompt, err := s.persona.SystemPrompt(ctx)
		if err != nil {
			logger.Warn("Failed to load persona prompt", zap.Error(err))
		} else {
			llmReq.SystemPrompt = systemPrompt
		}
	}

	stream, err := s.gateway.Stream(ctx, llmReq)
	if err != nil {
		return nil, fmt.Errorf("failed to request explanation: %w", err)
	}
	return stream, nil
}

// ExplainTool is the synchronous variant for tool-calling loops. It never calls the gateway.
func (s *Service) ExplainTool(ctx context.Context, userID string) (string, error) {
	text, ok, err := s.TodayResult(ctx, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return NotDrawnToolResult, nil
	}
	return text, nil
}
