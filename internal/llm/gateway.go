package llm

import (
	"context"
	"fmt"
	"strings"
)

const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
	BackendGemini = "gemini"

	DefaultBackend       = BackendOpenAI
	DefaultOllamaBaseURL = "http://127.0.0.1:11434"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request はLLMへ送る1回分の依頼。
type Request struct {
	Prompt       string
	SystemPrompt string
	SessionID    string
	History      []Message
}

// Chunk is one piece of a streamed response. The last chunk has Done set or carries Err.
type Chunk struct {
	Text string
	Done bool
	Err  error
}

// Gateway submits a prompt with its context and streams the answer back.
// The returned channel is closed after the final chunk.
type Gateway interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend       string
	OpenAIAPIKey  string
	OpenAIModel   string
	OllamaBaseURL string
	OllamaModel   string
	GeminiAPIKey  string
	GeminiModel   string
}

func ResolveBackend(value string) string {
	normalized := strings.TrimSpace(strings.ToLower(value))
	switch normalized {
	case BackendOpenAI:
		return BackendOpenAI
	case BackendOllama:
		return BackendOllama
	case BackendGemini:
		return BackendGemini
	default:
		return DefaultBackend
	}
}

// NewGateway builds the gateway for cfg.Backend.
func NewGateway(ctx context.Context, cfg Config) (Gateway, error) {
	switch ResolveBackend(cfg.Backend) {
	case BackendOllama:
		if strings.TrimSpace(cfg.OllamaModel) == "" {
			return nil, fmt.Errorf("ollama model is not set")
		}
		return NewOllamaGateway(cfg.OllamaBaseURL, cfg.OllamaModel), nil
	case BackendGemini:
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, fmt.Errorf("gemini api key is not set")
		}
		return NewGeminiGateway(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	default:
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, fmt.Errorf("openai api key is not set")
		}
		return NewOpenAIGateway(cfg.OpenAIAPIKey, cfg.OpenAIModel), nil
	}
}

// Collect drains a stream into a single string.
func Collect(ctx context.Context, stream <-chan Chunk) (string, error) {
	var builder strings.Builder
	for {
		select {
		case <-ctx.Done():
			return builder.String(), ctx.Err()
		case chunk, ok := <-stream:
			if !ok {
				return builder.String(), nil
			}
			if chunk.Err != nil {
				return builder.String(), chunk.Err
			}
			builder.WriteString(chunk.Text)
			if chunk.Done {
				return builder.String(), nil
			}
		}
	}
}

func buildMessages(req Request) []Message {
	messages := make([]Message, 0, len(req.History)+2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: req.SystemPrompt})
	}
	for _, msg := range req.History {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		messages = append(messages, msg)
	}
	messages = append(messages, Message{Role: RoleUser, Content: req.Prompt})
	return messages
}

// send delivers a chunk unless ctx is cancelled first.
func send(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
