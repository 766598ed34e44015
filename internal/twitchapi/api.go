package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ichi0g0y/sensoji-fortune/internal/env"
	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"go.uber.org/zap"
)

// MaxChatMessageLength はTwitchチャット1メッセージの上限（文字数）。
const MaxChatMessageLength = 500

var (
	helixBaseURL = "https://api.twitch.tv/helix"
	httpClient   = &http.Client{Timeout: 10 * time.Second}
)

// SendChatMessageResult is the outcome reported by Helix for one message.
type SendChatMessageResult struct {
	MessageID  string
	IsSent     bool
	DropReason string
}

type sendChatMessageRequest struct {
	BroadcasterID        string `json:"broadcaster_id"`
	SenderID             string `json:"sender_id"`
	Message              string `json:"message"`
	ReplyParentMessageID string `json:"reply_parent_message_id,omitempty"`
}

type sendChatMessageResponse struct {
	Data []struct {
		MessageID  string `json:"message_id"`
		IsSent     bool   `json:"is_sent"`
		DropReason *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"drop_reason"`
	} `json:"data"`
}

// SendChatMessage posts message to broadcasterID's chat as senderID.
// The text is flattened to one line and truncated to MaxChatMessageLength.
func SendChatMessage(ctx context.Context, broadcasterID, senderID, message, replyParentMessageID string) (*SendChatMessageResult, error) {
	message = TruncateMessage(FlattenMessage(message), MaxChatMessageLength)
	if message == "" {
		return nil, fmt.Errorf("chat message is empty")
	}

	bodyJSON, err := json.Marshal(sendChatMessageRequest{
		BroadcasterID:        broadcasterID,
		SenderID:             senderID,
		Message:              message,
		ReplyParentMessageID: replyParentMessageID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	resp, err := makeAuthenticatedRequest(ctx, http.MethodPost, helixBaseURL+"/chat/messages", bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to send chat message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		logger.Error("Twitch API returned error for chat message",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(bodyBytes)))
		return nil, fmt.Errorf("twitch API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result sendChatMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("empty response from chat messages API")
	}

	data := result.Data[0]
	sent := &SendChatMessageResult{MessageID: data.MessageID, IsSent: data.IsSent}
	if data.DropReason != nil {
		sent.DropReason = data.DropReason.Message
	}
	if !sent.IsSent {
		logger.Warn("Chat message was dropped", zap.String("reason", sent.DropReason))
	}
	return sent, nil
}

// FlattenMessage joins the lines of a multi-line text, since Twitch chat shows one line.
func FlattenMessage(message string) string {
	lines := strings.Split(strings.ReplaceAll(message, "\r\n", "\n"), "\n")
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, " ")
}

// TruncateMessage cuts message to at most limit runes, ending with "…" when cut.
func TruncateMessage(message string, limit int) string {
	runes := []rune(message)
	if limit <= 0 || len(runes) <= limit {
		return message
	}
	return string(runes[:limit-1]) + "…"
}

func makeAuthenticatedRequest(ctx context.Context, method, reqURL string, body io.Reader) (*http.Response, error) {
	if env.Value.TwitchAccessToken == "" || env.Value.ClientID == "" {
		return nil, fmt.Errorf("twitch credentials are not configured")
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+env.Value.TwitchAccessToken)
	req.Header.Set("Client-Id", env.Value.ClientID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return httpClient.Do(req)
}
