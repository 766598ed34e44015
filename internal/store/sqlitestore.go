package store

import (
	"context"

	"github.com/ichi0g0y/sensoji-fortune/internal/localdb"
	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"github.com/ichi0g0y/sensoji-fortune/internal/types"
	"go.uber.org/zap"
)

// SQLiteStore keeps entries in the fortune_entries table of the local DB.
// localdb.SetupDB must have been called.
type SQLiteStore struct{}

func NewSQLiteStore() *SQLiteStore {
	return &SQLiteStore{}
}

// Load verifies the table is readable. Rows are read on demand.
func (s *SQLiteStore) Load(ctx context.Context) error {
	entries, err := localdb.GetAllFortuneEntries()
	if err != nil {
		return err
	}
	logger.Debug("Fortune entries available in sqlite", zap.Int("entries", len(entries)))
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, userID string) (types.FortuneEntry, bool, error) {
	return localdb.GetFortuneEntry(userID)
}

func (s *SQLiteStore) Put(ctx context.Context, entry types.FortuneEntry) error {
	return localdb.UpsertFortuneEntry(entry)
}

func (s *SQLiteStore) Delete(ctx context.Context, userID string) error {
	return localdb.DeleteFortuneEntry(userID)
}

func (s *SQLiteStore) All(ctx context.Context) (map[string]types.FortuneEntry, error) {
	return localdb.GetAllFortuneEntries()
}
