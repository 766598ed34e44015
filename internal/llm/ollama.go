package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []Message              `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// OllamaGateway streams answers from a local Ollama server via /api/chat.
type OllamaGateway struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOllamaGateway(baseURL, model string) *OllamaGateway {
	return &OllamaGateway{
		baseURL:    ResolveOllamaBaseURL(baseURL),
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: 3 * time.Minute},
	}
}

// ResolveOllamaBaseURL strips API paths that users often paste together with the host.
func ResolveOllamaBaseURL(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return DefaultOllamaBaseURL
	}
	normalized := strings.TrimRight(trimmed, "/")
	// 設定画面では host:port だけ入力されることが多い
	if !strings.Contains(normalized, "://") {
		normalized = "http://" + normalized
	}
	if parsed, err := url.Parse(normalized); err == nil && parsed.Scheme != "" && parsed.Host != "" {
		path := strings.TrimRight(parsed.Path, "/")
		for _, suffix := range []string{"/api/chat", "/api/generate", "/api/tags", "/api"} {
			if strings.HasSuffix(path, suffix) {
				path = strings.TrimSuffix(path, suffix)
				break
			}
		}
		parsed.Path = path
		parsed.RawQuery = ""
		parsed.Fragment = ""
		return strings.TrimRight(parsed.String(), "/")
	}
	return normalized
}

// Ping checks that the server answers /api/version.
func (g *OllamaGateway) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/api/version", nil)
	if err != nil {
		return err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama server is not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ollama server is not healthy: status %d", resp.StatusCode)
	}
	return nil
}

func (g *OllamaGateway) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if g.model == "" {
		return nil, fmt.Errorf("ollama model is not set")
	}

	payload := ollamaChatRequest{
		Model:    g.model,
		Messages: buildMessages(req),
		Stream:   true,
		Options: map[string]interface{}{
			"temperature": 0.7,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	endpoint := g.baseURL + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("ollama chat error: status %d", resp.StatusCode)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var parsed ollamaChatResponse
			if err := json.Unmarshal(line, &parsed); err != nil {
				send(ctx, out, Chunk{Err: fmt.Errorf("failed to decode ollama stream: %w", err)})
				return
			}
			if strings.TrimSpace(parsed.Error) != "" {
				send(ctx, out, Chunk{Err: fmt.Errorf("ollama chat error: %s", parsed.Error)})
				return
			}
			if !send(ctx, out, Chunk{Text: parsed.Message.Content, Done: parsed.Done}) || parsed.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			send(ctx, out, Chunk{Err: err})
			return
		}
		send(ctx, out, Chunk{Done: true})
	}()
	return out, nil
}
