package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"go.uber.org/zap"
)

const (
	openAIChatCompletionsEndpoint = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIModel            = "gpt-4o-mini"
)

type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// OpenAIGateway calls the Chat Completions API and returns the answer as one chunk.
type OpenAIGateway struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

func NewOpenAIGateway(apiKey, model string) *OpenAIGateway {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIGateway{
		apiKey:     apiKey,
		model:      model,
		endpoint:   openAIChatCompletionsEndpoint,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (g *OpenAIGateway) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	payload := openAIChatRequest{
		Model:       g.model,
		Messages:    buildMessages(req),
		Temperature: 0.7,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	out := make(chan Chunk, 1)
	go func() {
		defer close(out)

		text, err := g.do(httpReq)
		if err != nil {
			send(ctx, out, Chunk{Err: err})
			return
		}
		send(ctx, out, Chunk{Text: text, Done: true})
	}()
	return out, nil
}

func (g *OpenAIGateway) do(req *http.Request) (string, error) {
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var parsed openAIChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("openai api error: status %d", resp.StatusCode)
		}
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parsed.Error != nil && parsed.Error.Message != "" {
			return "", fmt.Errorf("openai api error: status %d: %s", resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("openai api error: status %d", resp.StatusCode)
	}

	if parsed.Usage != nil {
		if _, _, err := AddOpenAIUsage(g.model, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens); err != nil {
			logger.Warn("Failed to record OpenAI usage", zap.Error(err))
		}
	}

	for _, choice := range parsed.Choices {
		if text := strings.TrimSpace(choice.Message.Content); text != "" {
			return text, nil
		}
	}
	return "", fmt.Errorf("no response returned")
}
