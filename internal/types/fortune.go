package types

// FortuneDefinition は签文カタログの1件。
type FortuneDefinition struct {
	Title            string `json:"title" yaml:"title"`
	Poetry           string `json:"poetry" yaml:"poetry"`
	Interpretation   string `json:"interpretation" yaml:"interpretation"`
	Suggestion       string `json:"suggestion" yaml:"suggestion"`
	HoroscopeDetails string `json:"horoscope_details" yaml:"horoscope_details"`
}

// FortuneEntry is the stored result of a user's draw for one calendar day.
type FortuneEntry struct {
	UserID string `json:"-" db:"user_id"`
	Date   string `json:"date" db:"date"`     // YYYY-MM-DD
	Result string `json:"result" db:"result"` // 整形済みの签文
}
