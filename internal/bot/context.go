package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/ichi0g0y/sensoji-fortune/internal/llm"
	"github.com/ichi0g0y/sensoji-fortune/internal/localdb"
	"github.com/ichi0g0y/sensoji-fortune/internal/settings"
)

// ChatHistory feeds the latest chat_messages rows of a session to the LLM.
type ChatHistory struct {
	Limit int
}

func (h ChatHistory) RecentMessages(ctx context.Context, sessionID, excludeMessageID string) ([]llm.Message, error) {
	limit := h.Limit
	if excludeMessageID != "" && limit > 0 {
		limit++
	}
	rows, err := localdb.GetRecentChatMessages(sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}
	if excludeMessageID != "" {
		kept := rows[:0]
		for _, row := range rows {
			if row.MessageID != excludeMessageID {
				kept = append(kept, row)
			}
		}
		rows = kept
	}
	if h.Limit > 0 && len(rows) > h.Limit {
		rows = rows[len(rows)-h.Limit:]
	}

	messages := make([]llm.Message, 0, len(rows))
	for _, row := range rows {
		if strings.TrimSpace(row.Message) == "" {
			continue
		}
		if row.Role == localdb.ChatRoleAssistant {
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: row.Message})
			continue
		}
		// 複数人のチャットなので発言者名を付ける
		content := row.Message
		if row.Username != "" {
			content = row.Username + ": " + row.Message
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: content})
	}
	return messages, nil
}

// SettingsPersona reads PERSONA_PROMPT from the settings table on every call
// so edits take effect without a restart. Fallback is used when nothing is stored.
type SettingsPersona struct {
	Fallback string
}

func (p SettingsPersona) SystemPrompt(ctx context.Context) (string, error) {
	db := localdb.GetDB()
	if db == nil {
		return p.Fallback, nil
	}
	value, err := settings.NewSettingsManager(db).GetSetting("PERSONA_PROMPT")
	if err != nil {
		return p.Fallback, err
	}
	if strings.TrimSpace(value) == "" {
		return p.Fallback, nil
	}
	return value, nil
}
