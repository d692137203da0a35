package preferences

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bloclabs/bloc-backend/internal/dates"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxTopics = 3

var (
	// ErrNotFound indicates the user has not completed onboarding.
	ErrNotFound = errors.New("preferences: not found")
	// ErrNoTopics indicates an empty topic selection.
	ErrNoTopics = errors.New("preferences: at least one topic is required")
	// ErrTooManyTopics indicates the selection exceeds the topic cap.
	ErrTooManyTopics = errors.New("preferences: at most three topics are allowed")
	// ErrInvalidReadingDays indicates an unknown schedule value.
	ErrInvalidReadingDays = errors.New("preferences: invalid reading days")
	// ErrInvalidPreferredTime indicates a malformed HH:MM value.
	ErrInvalidPreferredTime = errors.New("preferences: invalid preferred time")
	// ErrInvalidTimezone indicates an unknown IANA timezone name.
	ErrInvalidTimezone = errors.New("preferences: invalid timezone")
)

// ServiceConfig describes the dependencies for the preferences service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service stores and validates per-user reading preferences.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService constructs the preferences service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("preferences: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// SaveInput carries the onboarding or settings form values.
type SaveInput struct {
	Bio           string
	Topics        []string
	ReadingDays   ReadingDays
	PreferredTime string
	Timezone      string
}

// Save validates and upserts the preferences row for the user.
func (s *Service) Save(ctx context.Context, userID string, input SaveInput) (Preferences, error) {
	if userID == "" {
		return Preferences{}, fmt.Errorf("preferences: user identifier required")
	}

	topics := cleanTopics(input.Topics)
	if len(topics) == 0 {
		return Preferences{}, ErrNoTopics
	}
	if len(topics) > maxTopics {
		return Preferences{}, ErrTooManyTopics
	}
	if !input.ReadingDays.valid() {
		return Preferences{}, ErrInvalidReadingDays
	}
	if _, err := dates.ParseClock(input.PreferredTime); err != nil {
		return Preferences{}, ErrInvalidPreferredTime
	}
	timezone := strings.TrimSpace(input.Timezone)
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return Preferences{}, ErrInvalidTimezone
		}
	}

	record := Preferences{
		UserID:        userID,
		Bio:           strings.TrimSpace(input.Bio),
		Topics:        topics,
		ReadingDays:   input.ReadingDays,
		PreferredTime: input.PreferredTime,
		Timezone:      timezone,
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"bio", "topics", "reading_days", "preferred_time", "timezone", "updated_at",
			}),
		}).
		Create(&record).Error
	if err != nil {
		s.logger.Error("failed to save preferences", zap.String("user_id", userID), zap.Error(err))
		return Preferences{}, fmt.Errorf("preferences: save: %w", err)
	}

	s.logger.Info("preferences saved",
		zap.String("user_id", userID),
		zap.Int("topics", len(topics)),
		zap.String("reading_days", string(input.ReadingDays)))
	return record, nil
}

// Get returns the preferences row for the user, or ErrNotFound.
func (s *Service) Get(ctx context.Context, userID string) (Preferences, error) {
	var record Preferences
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Preferences{}, ErrNotFound
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("preferences: get: %w", err)
	}
	return record, nil
}

// All returns every preferences row. Used by the generation sweep.
func (s *Service) All(ctx context.Context) ([]Preferences, error) {
	var records []Preferences
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("preferences: list: %w", err)
	}
	return records, nil
}

func cleanTopics(raw []string) []string {
	topics := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, topic := range raw {
		trimmed := strings.TrimSpace(topic)
		if trimmed == "" {
			continue
		}
		if _, duplicate := seen[trimmed]; duplicate {
			continue
		}
		seen[trimmed] = struct{}{}
		topics = append(topics, trimmed)
	}
	return topics
}
