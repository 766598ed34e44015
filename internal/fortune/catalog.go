package fortune

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/ichi0g0y/sensoji-fortune/internal/types"
	"gopkg.in/yaml.v3"
)

//go:embed data/sensoji.yaml
var sensojiCatalog []byte

var ErrEmptyCatalog = errors.New("fortune catalog is empty")

// DefaultCatalog returns the bundled Sensoji catalog.
func DefaultCatalog() ([]types.FortuneDefinition, error) {
	return ParseCatalog(sensojiCatalog)
}

// ParseCatalog は YAML 形式の签文リストを読み込み、全フィールドが埋まっているか検証する。
func ParseCatalog(data []byte) ([]types.FortuneDefinition, error) {
	var definitions []types.FortuneDefinition
	if err := yaml.Unmarshal(data, &definitions); err != nil {
		return nil, fmt.Errorf("failed to parse fortune catalog: %w", err)
	}
	if len(definitions) == 0 {
		return nil, ErrEmptyCatalog
	}

	for i, def := range definitions {
		fields := []struct{ name, value string }{
			{"title", def.Title},
			{"poetry", def.Poetry},
			{"interpretation", def.Interpretation},
			{"suggestion", def.Suggestion},
			{"horoscope_details", def.HoroscopeDetails},
		}
		missing := []string{}
		for _, field := range fields {
			if strings.TrimSpace(field.value) == "" {
				missing = append(missing, field.name)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("fortune catalog entry %d is missing %s", i, strings.Join(missing, ", "))
		}
	}

	return definitions, nil
}
