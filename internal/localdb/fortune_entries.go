package localdb

import (
	"database/sql"
	"fmt"

	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"github.com/ichi0g0y/sensoji-fortune/internal/types"
	"go.uber.org/zap"
)

// SetupFortuneEntriesTable creates the fortune_entries table (one row per user).
func SetupFortuneEntriesTable(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fortune_entries (
			user_id TEXT PRIMARY KEY,
			date TEXT NOT NULL,
			result TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		logger.Error("Failed to create fortune_entries table", zap.Error(err))
		return fmt.Errorf("failed to create fortune_entries table: %w", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_fortune_entries_date ON fortune_entries(date)`); err != nil {
		logger.Warn("Failed to create fortune_entries index", zap.Error(err))
	}

	return nil
}

// GetFortuneEntry returns the stored entry of a user. ok is false when none exists.
func GetFortuneEntry(userID string) (types.FortuneEntry, bool, error) {
	db := GetDB()
	if db == nil {
		return types.FortuneEntry{}, false, fmt.Errorf("database not initialized")
	}

	entry := types.FortuneEntry{UserID: userID}
	err := db.QueryRow(`SELECT date, result FROM fortune_entries WHERE user_id = ?`, userID).
		Scan(&entry.Date, &entry.Result)
	if err == sql.ErrNoRows {
		return types.FortuneEntry{}, false, nil
	}
	if err != nil {
		logger.Error("Failed to get fortune entry", zap.Error(err), zap.String("user_id", userID))
		return types.FortuneEntry{}, false, fmt.Errorf("failed to get fortune entry: %w", err)
	}

	return entry, true, nil
}

// UpsertFortuneEntry stores the entry, replacing any previous entry of the user.
func UpsertFortuneEntry(entry types.FortuneEntry) error {
	db := GetDB()
	if db == nil {
		return fmt.Errorf("database not initialized")
	}

	_, err := db.Exec(`
		INSERT INTO fortune_entries (user_id, date, result, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			date = excluded.date,
			result = excluded.result,
			updated_at = excluded.updated_at
	`, entry.UserID, entry.Date, entry.Result)
	if err != nil {
		logger.Error("Failed to upsert fortune entry", zap.Error(err), zap.String("user_id", entry.UserID))
		return fmt.Errorf("failed to upsert fortune entry: %w", err)
	}

	return nil
}

// DeleteFortuneEntry deletes the entry of a user. Deleting a missing entry is not an error.
func DeleteFortuneEntry(userID string) error {
	db := GetDB()
	if db == nil {
		return fmt.Errorf("database not initialized")
	}

	if _, err := db.Exec(`DELETE FROM fortune_entries WHERE user_id = ?`, userID); err != nil {
		logger.Error("Failed to delete fortune entry", zap.Error(err), zap.String("user_id", userID))
		return fmt.Errorf("failed to delete fortune entry: %w", err)
	}

	return nil
}

// GetAllFortuneEntries returns every stored entry keyed by user ID.
func GetAllFortuneEntries() (map[string]types.FortuneEntry, error) {
	db := GetDB()
	if db == nil {
		return map[string]types.FortuneEntry{}, fmt.Errorf("database not initialized")
	}

	rows, err := db.Query(`SELECT user_id, date, result FROM fortune_entries`)
	if err != nil {
		logger.Error("Failed to get fortune entries", zap.Error(err))
		return map[string]types.FortuneEntry{}, fmt.Errorf("failed to get fortune entries: %w", err)
	}
	defer rows.Close()

	entries := map[string]types.FortuneEntry{}
	for rows.Next() {
		var entry types.FortuneEntry
		if err := rows.Scan(&entry.UserID, &entry.Date, &entry.Result); err != nil {
			logger.Error("Failed to scan fortune entry", zap.Error(err))
			continue
		}
		entries[entry.UserID] = entry
	}

	if err := rows.Err(); err != nil {
		logger.Error("Error iterating fortune entries", zap.Error(err))
		return map[string]types.FortuneEntry{}, fmt.Errorf("failed to iterate fortune entries: %w", err)
	}

	return entries, nil
}
