package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const defaultGeminiModel = "gemini-1.5-flash"

// GeminiGateway streams answers through the Gemini chat API.
type GeminiGateway struct {
	client *genai.Client
	model  string
}

func NewGeminiGateway(ctx context.Context, apiKey, model string) (*GeminiGateway, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiGateway{client: client, model: model}, nil
}

func (g *GeminiGateway) Close() error {
	return g.client.Close()
}

func (g *GeminiGateway) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	model := g.client.GenerativeModel(g.model)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.SystemPrompt)}}
	}

	chat := model.StartChat()
	chat.History = geminiHistory(req.History)
	iter := chat.SendMessageStream(ctx, genai.Text(req.Prompt))

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		for {
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				send(ctx, out, Chunk{Done: true})
				return
			}
			if err != nil {
				send(ctx, out, Chunk{Err: fmt.Errorf("gemini stream error: %w", err)})
				return
			}
			if text := geminiText(resp); text != "" {
				if !send(ctx, out, Chunk{Text: text}) {
					return
				}
			}
		}
	}()
	return out, nil
}

// Gemini は assistant ではなく "model" ロールを使う。system は SystemInstruction 側で渡す。
func geminiHistory(history []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		role := "user"
		switch msg.Role {
		case RoleAssistant:
			role = "model"
		case RoleSystem:
			continue
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return contents
}

func geminiText(resp *genai.GenerateContentResponse) string {
	var builder strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				builder.WriteString(string(txt))
			}
		}
	}
	return builder.String()
}
