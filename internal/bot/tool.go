package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ichi0g0y/sensoji-fortune/internal/fortune"
)

// ToolDefinition describes a function an LLM tool-calling loop may invoke.
type ToolDefinition struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type ToolExecutor interface {
	GetDefinition() ToolDefinition
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// ToolRegistry はツール名から実行器を引く。
type ToolRegistry struct {
	tools map[string]ToolExecutor
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]ToolExecutor),
	}
}

func (r *ToolRegistry) Register(executor ToolExecutor) {
	def := executor.GetDefinition()
	r.tools[def.Name] = executor
}

func (r *ToolRegistry) Get(name string) (ToolExecutor, bool) {
	executor, ok := r.tools[name]
	return executor, ok
}

// GetAllDefinitions returns every registered definition sorted by name.
func (r *ToolRegistry) GetAllDefinitions() []ToolDefinition {
	definitions := make([]ToolDefinition, 0, len(r.tools))
	for _, executor := range r.tools {
		definitions = append(definitions, executor.GetDefinition())
	}
	sort.Slice(definitions, func(i, j int) bool {
		return definitions[i].Name < definitions[j].Name
	})
	return definitions
}

// Execute decodes argsJSON and runs the named tool.
func (r *ToolRegistry) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	executor, ok := r.Get(name)
	if !ok {
		return "", &ToolNotFoundError{ToolName: name}
	}

	args := map[string]interface{}{}
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", &InvalidArgsError{ToolName: name, Err: err}
		}
	}

	return executor.Execute(ctx, args)
}

type ToolNotFoundError struct {
	ToolName string
}

func (e *ToolNotFoundError) Error() string {
	return "tool not found: " + e.ToolName
}

type InvalidArgsError struct {
	ToolName string
	Err      error
}

func (e *InvalidArgsError) Error() string {
	return "invalid args for tool " + e.ToolName + ": " + e.Err.Error()
}

func (e *InvalidArgsError) Unwrap() error {
	return e.Err
}

const ExplainFortuneToolName = "explain_fortune"

// ExplainFortuneTool returns the caller's stored result so the host LLM can explain it.
type ExplainFortuneTool struct {
	service *fortune.Service
}

func NewExplainFortuneTool(service *fortune.Service) *ExplainFortuneTool {
	return &ExplainFortuneTool{service: service}
}

func (t *ExplainFortuneTool) GetDefinition() ToolDefinition {
	return ToolDefinition{
		Type:        "function",
		Name:        ExplainFortuneToolName,
		Description: "Explain the result of a fortune from Sensoji Temple.应当在`解签``解释一下抽的签`时被调用。",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"user_id": map[string]interface{}{
					"type":        "string",
					"description": "抽签用户的ID",
				},
			},
			"required": []string{"user_id"},
		},
	}
}

func (t *ExplainFortuneTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	userID, _ := args["user_id"].(string)
	if strings.TrimSpace(userID) == "" {
		return "", &InvalidArgsError{ToolName: ExplainFortuneToolName, Err: fmt.Errorf("user_id is required")}
	}
	return t.service.ExplainTool(ctx, userID)
}
