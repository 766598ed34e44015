package llm

import (
	"strconv"
	"strings"
	"sync"

	"github.com/ichi0g0y/sensoji-fortune/internal/localdb"
	"github.com/ichi0g0y/sensoji-fortune/internal/settings"
)

type modelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

var usageMutex sync.Mutex

var modelPricingTable = map[string]modelPricing{
	"gpt-4o-mini":  {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4o":       {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4.1-mini": {InputPerMillion: 0.40, OutputPerMillion: 1.60},
	"gpt-4.1":      {InputPerMillion: 2.00, OutputPerMillion: 8.00},
}

// OpenAIUsage is the accumulated token usage stored in the settings table.
type OpenAIUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// AddOpenAIUsage adds one response's tokens to the totals. It returns the
// estimated cost of this call and whether the model's price is known.
func AddOpenAIUsage(model string, inputTokens, outputTokens int) (float64, bool, error) {
	if inputTokens <= 0 && outputTokens <= 0 {
		return 0, false, nil
	}

	usageMutex.Lock()
	defer usageMutex.Unlock()

	db := localdb.GetDB()
	if db == nil {
		return 0, false, nil
	}

	manager := settings.NewSettingsManager(db)

	currentInput := readSettingInt(manager, "OPENAI_USAGE_INPUT_TOKENS")
	currentOutput := readSettingInt(manager, "OPENAI_USAGE_OUTPUT_TOKENS")
	currentCost := readSettingFloat(manager, "OPENAI_USAGE_COST_USD")

	newInput := currentInput + maxInt(inputTokens, 0)
	newOutput := currentOutput + maxInt(outputTokens, 0)

	addedCost, ok := estimateCostUSD(model, inputTokens, outputTokens)
	newCost := currentCost
	if ok {
		newCost += addedCost
	}

	if err := manager.SetSetting("OPENAI_USAGE_INPUT_TOKENS", strconv.Itoa(newInput)); err != nil {
		return 0, false, err
	}
	if err := manager.SetSetting("OPENAI_USAGE_OUTPUT_TOKENS", strconv.Itoa(newOutput)); err != nil {
		return 0, false, err
	}
	if ok {
		if err := manager.SetSetting("OPENAI_USAGE_COST_USD", formatFloat(newCost)); err != nil {
			return 0, false, err
		}
	}

	return addedCost, ok, nil
}

// GetOpenAIUsage returns the accumulated totals.
func GetOpenAIUsage() OpenAIUsage {
	db := localdb.GetDB()
	if db == nil {
		return OpenAIUsage{}
	}
	manager := settings.NewSettingsManager(db)
	return OpenAIUsage{
		InputTokens:  readSettingInt(manager, "OPENAI_USAGE_INPUT_TOKENS"),
		OutputTokens: readSettingInt(manager, "OPENAI_USAGE_OUTPUT_TOKENS"),
		CostUSD:      readSettingFloat(manager, "OPENAI_USAGE_COST_USD"),
	}
}

func estimateCostUSD(model string, inputTokens, outputTokens int) (float64, bool) {
	if inputTokens <= 0 && outputTokens <= 0 {
		return 0, false
	}
	normalized := normalizeModelName(model)
	pricing, ok := modelPricingTable[normalized]
	if !ok {
		return 0, false
	}
	cost := (float64(inputTokens)/1_000_000.0)*pricing.InputPerMillion +
		(float64(outputTokens)/1_000_000.0)*pricing.OutputPerMillion
	return cost, true
}

// normalizeModelName maps dated model names such as "gpt-4o-2024-08-06" to
// their pricing key. The longest matching key wins so gpt-4o-mini is not priced as gpt-4o.
func normalizeModelName(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	if _, ok := modelPricingTable[model]; ok {
		return model
	}
	best := ""
	for key := range modelPricingTable {
		if strings.HasPrefix(model, key+"-") && len(key) > len(best) {
			best = key
		}
	}
	if best != "" {
		return best
	}
	return model
}

// ResetOpenAIUsage clears the accumulated totals.
func ResetOpenAIUsage() error {
	usageMutex.Lock()
	defer usageMutex.Unlock()

	db := localdb.GetDB()
	if db == nil {
		return nil
	}
	manager := settings.NewSettingsManager(db)
	for _, key := range []string{"OPENAI_USAGE_INPUT_TOKENS", "OPENAI_USAGE_OUTPUT_TOKENS", "OPENAI_USAGE_COST_USD"} {
		if err := manager.SetSetting(key, "0"); err != nil {
			return err
		}
	}
	return nil
}

func readSettingInt(manager *settings.SettingsManager, key string) int {
	value, err := manager.GetRealValue(key)
	if err != nil {
		return 0
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return parsed
}

func readSettingFloat(manager *settings.SettingsManager, key string) float64 {
	value, err := manager.GetRealValue(key)
	if err != nil {
		return 0
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', 6, 64)
}

func maxInt(value, fallback int) int {
	if value < fallback {
		return fallback
	}
	return value
}
