package bot

import (
	"context"
	"errors"
	"strings"

	"github.com/ichi0g0y/sensoji-fortune/internal/fortune"
	"github.com/ichi0g0y/sensoji-fortune/internal/llm"
	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"go.uber.org/zap"
)

const (
	CommandDraw    = "抽签"
	CommandReroll  = "转运"
	CommandExplain = "解签"
)

const (
	ReplyDrawFailed      = "抽签失败，请稍后再试"
	ReplyExplainFailed   = "解签失败，请稍后再试"
	ReplyExplainDisabled = "解签功能未启用"
	ReplyExplainNotDrawn = "需要先抽签，再进行解签"
)

// aliases maps every accepted command word to its canonical name.
var aliases = map[string]string{
	CommandDraw:    CommandDraw,
	CommandReroll:  CommandReroll,
	CommandExplain: CommandExplain,
	"!draw":        CommandDraw,
	"!reroll":      CommandReroll,
	"!explain":     CommandExplain,
}

// Event is one incoming chat message.
type Event struct {
	MessageID string
	SessionID string
	UserID    string
	Username  string
	Text      string
}

// Reply holds either plain text or an explanation stream owned by the caller.
type Reply struct {
	Command string
	Text    string
	Stream  <-chan llm.Chunk
}

type Dispatcher struct {
	service *fortune.Service
}

func NewDispatcher(service *fortune.Service) *Dispatcher {
	return &Dispatcher{service: service}
}

// ParseCommand returns the canonical command of text, if any.
// The leading "!" is optional for the Chinese commands.
func ParseCommand(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	word := strings.ToLower(fields[0])
	if command, ok := aliases[word]; ok {
		return command, true
	}
	if strings.HasPrefix(word, "!") || strings.HasPrefix(word, "！") {
		trimmed := strings.TrimPrefix(strings.TrimPrefix(word, "!"), "！")
		if command, ok := aliases[trimmed]; ok && command == trimmed {
			return command, true
		}
	}
	return "", false
}

// Handle runs the command in event.Text. ok is false when the text is not a command.
func (d *Dispatcher) Handle(ctx context.Context, event Event) (Reply, bool) {
	command, ok := ParseCommand(event.Text)
	if !ok {
		return Reply{}, false
	}

	reply := Reply{Command: command}
	switch command {
	case CommandDraw, CommandReroll:
		var (
			result string
			err    error
		)
		if command == CommandDraw {
			result, err = d.service.Draw(ctx, event.UserID)
		} else {
			result, err = d.service.Reroll(ctx, event.UserID)
		}
		if err != nil {
			logger.Error("Failed to draw fortune",
				zap.String("command", command),
				zap.String("user_id", event.UserID),
				zap.Error(err))
			reply.Text = ReplyDrawFailed
			return reply, true
		}
		reply.Text = result

	case CommandExplain:
		stream, err := d.service.Explain(ctx, fortune.ExplainRequest{
			UserID:    event.UserID,
			SessionID: event.SessionID,
			MessageID: event.MessageID,
		})
		if errors.Is(err, fortune.ErrNoGateway) {
			// LLM が無い場合でも未抽签なら案内だけはできる
			if _, drawn, lookupErr := d.service.TodayResult(ctx, event.UserID); lookupErr == nil && !drawn {
				reply.Text = ReplyExplainNotDrawn
			} else {
				reply.Text = ReplyExplainDisabled
			}
			return reply, true
		}
		if err != nil {
			logger.Error("Failed to request fortune explanation", zap.String("user_id", event.UserID), zap.Error(err))
			reply.Text = ReplyExplainFailed
			return reply, true
		}
		reply.Stream = stream
	}

	return reply, true
}

// Resolve returns the final text of a reply, draining its stream when present.
func Resolve(ctx context.Context, reply Reply) string {
	if reply.Stream == nil {
		return reply.Text
	}
	text, err := llm.Collect(ctx, reply.Stream)
	if err != nil {
		logger.Error("Fortune explanation stream failed", zap.Error(err))
		if strings.TrimSpace(text) == "" {
			return ReplyExplainFailed
		}
	}
	return strings.TrimSpace(text)
}
