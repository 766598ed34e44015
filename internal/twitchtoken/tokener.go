package twitchtoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"go.uber.org/zap"
)

// チャットの読み書きに必要なスコープ
var RequiredScopes = []string{
	"user:read:chat",
	"user:write:chat",
}

var (
	ErrInvalidToken = errors.New("twitch token is invalid or expired")

	validateURL = "https://id.twitch.tv/oauth2/validate"
	httpClient  = &http.Client{Timeout: 10 * time.Second}
)

// TokenInfo is what id.twitch.tv reports about an access token.
type TokenInfo struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int64    `json:"expires_in"`
}

// MissingScopes returns the required scopes the token lacks.
func (t TokenInfo) MissingScopes() []string {
	granted := make(map[string]bool, len(t.Scopes))
	for _, scope := range t.Scopes {
		granted[scope] = true
	}
	missing := []string{}
	for _, scope := range RequiredScopes {
		if !granted[scope] {
			missing = append(missing, scope)
		}
	}
	return missing
}

// ValidateToken checks an access token against the OAuth validate endpoint.
func ValidateToken(ctx context.Context, accessToken string) (TokenInfo, error) {
	if strings.TrimSpace(accessToken) == "" {
		return TokenInfo{}, fmt.Errorf("no access token available")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateURL, nil)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("failed to validate token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return TokenInfo{}, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return TokenInfo{}, fmt.Errorf("token validation failed with status: %d", resp.StatusCode)
	}

	var info TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return TokenInfo{}, fmt.Errorf("failed to parse response: %w", err)
	}

	logger.Debug("Twitch token validated",
		zap.String("login", info.Login),
		zap.Int64("expires_in", info.ExpiresIn),
		zap.Strings("scopes", info.Scopes))
	return info, nil
}
