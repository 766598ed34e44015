package localdb

import (
	"database/sql"
	"time"

	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"go.uber.org/zap"
)

const (
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

type ChatMessageRow struct {
	ID        int64
	MessageID string
	SessionID string
	UserID    string
	Username  string
	Role      string
	Message   string
	CreatedAt int64
}

// SetupChatMessagesTable creates the chat_messages table used as LLM context.
func SetupChatMessagesTable(db *sql.DB) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT,
		session_id TEXT NOT NULL,
		user_id TEXT,
		username TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		message TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`

	if _, err := db.Exec(createTableSQL); err != nil {
		logger.Error("Failed to create chat_messages table", zap.Error(err))
		return err
	}

	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_messages_message_id ON chat_messages(message_id) WHERE message_id IS NOT NULL AND message_id != ''`); err != nil {
		logger.Warn("Failed to create chat_messages message_id index", zap.Error(err))
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_chat_messages_session_created ON chat_messages(session_id, created_at)`); err != nil {
		logger.Warn("Failed to create chat_messages session index", zap.Error(err))
	}

	return nil
}

// AddChatMessage inserts a chat message into the database.
// Returns true if inserted, false if ignored due to duplicate message_id.
func AddChatMessage(message ChatMessageRow) (bool, error) {
	db := GetDB()
	if db == nil {
		logger.Error("Database not initialized")
		return false, sql.ErrConnDone
	}

	if message.CreatedAt == 0 {
		message.CreatedAt = time.Now().Unix()
	}
	if message.Role == "" {
		message.Role = ChatRoleUser
	}

	result, err := db.Exec(`
	INSERT OR IGNORE INTO chat_messages (message_id, session_id, user_id, username, role, message, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		message.MessageID,
		message.SessionID,
		message.UserID,
		message.Username,
		message.Role,
		message.Message,
		message.CreatedAt,
	)
	if err != nil {
		logger.Error("Failed to insert chat message", zap.Error(err))
		return false, err
	}

	if rowsAffected, err := result.RowsAffected(); err == nil && rowsAffected == 0 {
		return false, nil
	}

	return true, nil
}

// GetRecentChatMessages returns the latest messages of a session, oldest first.
func GetRecentChatMessages(sessionID string, limit int) ([]ChatMessageRow, error) {
	db := GetDB()
	if db == nil {
		logger.Error("Database not initialized")
		return nil, sql.ErrConnDone
	}
	if limit <= 0 {
		return []ChatMessageRow{}, nil
	}

	rows, err := db.Query(`
	SELECT id, COALESCE(message_id, ''), session_id, COALESCE(user_id, ''), username, role, message, created_at
	FROM (
		SELECT * FROM chat_messages
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	)
	ORDER BY created_at ASC, id ASC
	`, sessionID, limit)
	if err != nil {
		logger.Error("Failed to query chat messages", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	messages := []ChatMessageRow{}
	for rows.Next() {
		var row ChatMessageRow
		if err := rows.Scan(
			&row.ID,
			&row.MessageID,
			&row.SessionID,
			&row.UserID,
			&row.Username,
			&row.Role,
			&row.Message,
			&row.CreatedAt,
		); err != nil {
			logger.Error("Failed to scan chat message", zap.Error(err))
			continue
		}
		messages = append(messages, row)
	}

	if err := rows.Err(); err != nil {
		logger.Error("Error iterating chat messages", zap.Error(err))
		return nil, err
	}

	return messages, nil
}

// CleanupChatMessagesBefore deletes chat messages older than the cutoff timestamp (unix seconds).
func CleanupChatMessagesBefore(cutoffUnix int64) error {
	db := GetDB()
	if db == nil {
		logger.Error("Database not initialized")
		return sql.ErrConnDone
	}

	result, err := db.Exec(`DELETE FROM chat_messages WHERE created_at < ?`, cutoffUnix)
	if err != nil {
		logger.Error("Failed to cleanup chat messages", zap.Error(err))
		return err
	}

	if rowsAffected, err := result.RowsAffected(); err == nil && rowsAffected > 0 {
		logger.Debug("Cleaned up old chat messages", zap.Int64("deleted", rowsAffected))
	}

	return nil
}
