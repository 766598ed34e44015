package fortune

import (
	"strings"

	"github.com/ichi0g0y/sensoji-fortune/internal/types"
)

// FormatMessage renders a definition into the chat message shown to the user.
func FormatMessage(def types.FortuneDefinition) string {
	var builder strings.Builder
	builder.WriteString(def.Title)
	builder.WriteString("\n\n诗文：")
	builder.WriteString(def.Poetry)
	builder.WriteString("\n\n解析：")
	builder.WriteString(def.Interpretation)
	builder.WriteString("\n\n建议：")
	builder.WriteString(def.Suggestion)
	builder.WriteString("\n\n运势细节：")
	builder.WriteString(def.HoroscopeDetails)
	return builder.String()
}
