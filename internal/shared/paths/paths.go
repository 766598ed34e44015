package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	dataDirName   = ".sensoji-fortune"
	dbFileName    = "local.db"
	storeFileName = "user_daily_results.json"
)

var dataDirOverride string

// SetDataDir はデータディレクトリを上書きする。空文字の場合はデフォルトに戻る。
func SetDataDir(dir string) {
	dataDirOverride = strings.TrimSpace(dir)
}

// GetDataDir returns the directory holding the database and the result file.
func GetDataDir() string {
	if dataDirOverride != "" {
		return dataDirOverride
	}
	if dir := strings.TrimSpace(os.Getenv("DATA_DIR")); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return dataDirName
	}
	return filepath.Join(home, dataDirName)
}

func GetDBPath() string {
	return filepath.Join(GetDataDir(), dbFileName)
}

// GetStorePath は抽签結果JSONファイルのパスを返す。
func GetStorePath() string {
	return filepath.Join(GetDataDir(), storeFileName)
}

// EnsureDataDirs creates the data directory if it does not exist.
func EnsureDataDirs() error {
	if err := os.MkdirAll(GetDataDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}
