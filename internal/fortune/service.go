package fortune

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ichi0g0y/sensoji-fortune/internal/llm"
	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"github.com/ichi0g0y/sensoji-fortune/internal/types"
	"go.uber.org/zap"
)

// DateLayout is the calendar date format stored with every entry.
const DateLayout = "2006-01-02"

var (
	ErrEmptyUserID = errors.New("user id is empty")
	ErrNoGateway   = errors.New("llm gateway is not configured")
)

// Store persists one FortuneEntry per user. Put and Delete write through to
// stable storage before returning.
type Store interface {
	Load(ctx context.Context) error
	Get(ctx context.Context, userID string) (types.FortuneEntry, bool, error)
	Put(ctx context.Context, entry types.FortuneEntry) error
	Delete(ctx context.Context, userID string) error
	All(ctx context.Context) (map[string]types.FortuneEntry, error)
}

// HistoryProvider returns recent conversation turns for a session, oldest first.
// The turn whose message ID is excludeMessageID is left out.
type HistoryProvider interface {
	RecentMessages(ctx context.Context, sessionID, excludeMessageID string) ([]llm.Message, error)
}

// PersonaProvider returns the system prompt of the active persona.
type PersonaProvider interface {
	SystemPrompt(ctx context.Context) (string, error)
}

// StaticPersona is a fixed system prompt.
type StaticPersona string

func (p StaticPersona) SystemPrompt(context.Context) (string, error) {
	return string(p), nil
}

// DrawEvent is emitted whenever a new result is generated and stored.
type DrawEvent struct {
	UserID   string `json:"user_id"`
	Date     string `json:"date"`
	Rerolled bool   `json:"rerolled"`
}

type Options struct {
	Location *time.Location
	Now      func() time.Time
	Gateway  llm.Gateway
	History  HistoryProvider
	Persona  PersonaProvider
	OnDraw   func(DrawEvent)
}

// Service keeps one fortune per user per day on top of a Store.
type Service struct {
	mu      sync.Mutex
	store   Store
	catalog []types.FortuneDefinition

	location *time.Location
	now      func() time.Time
	gateway  llm.Gateway
	history  HistoryProvider
	persona  PersonaProvider
	onDraw   func(DrawEvent)
}

var pickRandomIndex = secureRandomInt

func NewService(store Store, catalog []types.FortuneDefinition, opts Options) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("fortune store is nil")
	}
	if len(catalog) == 0 {
		return nil, ErrEmptyCatalog
	}

	location := opts.Location
	if location == nil {
		location = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	definitions := make([]types.FortuneDefinition, len(catalog))
	copy(definitions, catalog)

	return &Service{
		store:    store,
		catalog:  definitions,
		location: location,
		now:      now,
		gateway:  opts.Gateway,
		history:  opts.History,
		persona:  opts.Persona,
		onDraw:   opts.OnDraw,
	}, nil
}

// Today returns the current calendar date in the configured location.
func (s *Service) Today() string {
	return s.now().In(s.location).Format(DateLayout)
}

// HasGateway reports whether explanations can be requested.
func (s *Service) HasGateway() bool {
	return s.gateway != nil
}

// GetOrGenerate returns userID's result for today, generating one when none
// is stored or forceRegenerate is set. A result from another day is purged first.
func (s *Service) GetOrGenerate(ctx context.Context, userID, today string, forceRegenerate bool) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrEmptyUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrGenerateLocked(ctx, userID, today, forceRegenerate)
}

// Draw returns today's result, generating it on the first call of the day.
func (s *Service) Draw(ctx context.Context, userID string) (string, error) {
	return s.GetOrGenerate(ctx, userID, s.Today(), false)
}

// Reroll (转运) replaces today's result. Without a result for today it behaves like Draw.
func (s *Service) Reroll(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrEmptyUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	today := s.Today()
	entry, ok, err := s.store.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to get fortune entry: %w", err)
	}
	return s.getOrGenerateLocked(ctx, userID, today, ok && entry.Date == today)
}

// TodayResult returns the stored text when userID already drew today.
func (s *Service) TodayResult(ctx context.Context, userID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok, err := s.store.Get(ctx, userID)
	if err != nil {
		return "", false, fmt.Errorf("failed to get fortune entry: %w", err)
	}
	if !ok || entry.Date != s.Today() {
		return "", false, nil
	}
	return entry.Result, true, nil
}

func (s *Service) getOrGenerateLocked(ctx context.Context, userID, today string, forceRegenerate bool) (string, error) {
	entry, ok, err := s.store.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to get fortune entry: %w", err)
	}

	if ok && entry.Date != today {
		if err := s.store.Delete(ctx, userID); err != nil {
			return "", fmt.Errorf("failed to purge expired fortune entry: %w", err)
		}
		logger.Debug("Purged expired fortune entry",
			zap.String("user_id", userID),
			zap.String("date", entry.Date),
			zap.String("today", today))
		ok = false
	}

	if ok && !forceRegenerate {
		return entry.Result, nil
	}

	def, err := s.pick()
	if err != nil {
		return "", err
	}
	entry = types.FortuneEntry{
		UserID: userID,
		Date:   today,
		Result: FormatMessage(def),
	}
	if err := s.store.Put(ctx, entry); err != nil {
		return "", fmt.Errorf("failed to save fortune entry: %w", err)
	}

	logger.Info("Fortune drawn",
		zap.String("user_id", userID),
		zap.String("date", today),
		zap.String("title", def.Title),
		zap.Bool("rerolled", forceRegenerate))

	if s.onDraw != nil {
		s.onDraw(DrawEvent{UserID: userID, Date: today, Rerolled: forceRegenerate})
	}
	return entry.Result, nil
}

func (s *Service) pick() (types.FortuneDefinition, error) {
	idx, err := pickRandomIndex(len(s.catalog))
	if err != nil {
		return types.FortuneDefinition{}, fmt.Errorf("failed to pick fortune: %w", err)
	}
	if idx < 0 || idx >= len(s.catalog) {
		return types.FortuneDefinition{}, fmt.Errorf("fortune index out of range: %d", idx)
	}
	return s.catalog[idx], nil
}

func secureRandomInt(max int) (int, error) {
	if max <= 0 {
		return 0, ErrEmptyCatalog
	}

	n, err := crand.Int(crand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}
