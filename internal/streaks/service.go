// Package streaks advances per-user reading streaks as articles are completed.
package streaks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bloclabs/bloc-backend/internal/blocs"
	"github.com/bloclabs/bloc-backend/internal/dates"
	"github.com/bloclabs/bloc-backend/internal/locks"
	"github.com/bloclabs/bloc-backend/internal/preferences"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	errMissingBlocID   = errors.New("bloc identifier is required")
	noOpLogger         = zap.NewNop()
)

// ErrBlocNotFound indicates the completed bloc does not belong to the user.
var ErrBlocNotFound = errors.New("streaks: bloc not found")

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "streaks.service.new"
	opRecordCompletion = "streaks.record_completion"
	opCurrent          = "streaks.current"
	opHistory          = "streaks.history"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// TimezoneSource resolves the user's stored timezone for day arithmetic.
type TimezoneSource interface {
	Get(ctx context.Context, userID string) (preferences.Preferences, error)
}

type ServiceConfig struct {
	Database  *gorm.DB
	Timezones TimezoneSource
	Clock     func() time.Time
	Logger    *zap.Logger
}

type Service struct {
	db        *gorm.DB
	timezones TimezoneSource
	clock     func() time.Time
	logger    *zap.Logger
	userLocks locks.PerKey
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:        cfg.Database,
		timezones: cfg.Timezones,
		clock:     clock,
		logger:    logger,
	}, nil
}

// RecordCompletion marks the bloc as read, appends the history row, and
// advances the streak for the completion day. Completing the same bloc twice
// leaves both the history and the streak untouched.
func (s *Service) RecordCompletion(ctx context.Context, userID, blocID string) (Streak, error) {
	if userID == "" {
		return Streak{}, newServiceError(opRecordCompletion, "missing_user_id", errMissingUserID)
	}
	if blocID == "" {
		return Streak{}, newServiceError(opRecordCompletion, "missing_bloc_id", errMissingBlocID)
	}

	unlock := s.userLocks.Lock(userID)
	defer unlock()

	now := s.clock()
	today := dates.DayOf(now, s.userLocation(ctx, userID))

	var updated Streak
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bloc blocs.Bloc
		err := tx.Where("id = ? AND user_id = ?", blocID, userID).Take(&bloc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opRecordCompletion, "bloc_not_found", ErrBlocNotFound)
		}
		if err != nil {
			s.logError(opRecordCompletion, "bloc_select_failed", err,
				zap.String("user_id", userID), zap.String("bloc_id", blocID))
			return newServiceError(opRecordCompletion, "bloc_select_failed", err)
		}

		var repeats int64
		if err := tx.Model(&ReadingHistory{}).
			Where("user_id = ? AND bloc_id = ?", userID, blocID).
			Count(&repeats).Error; err != nil {
			s.logError(opRecordCompletion, "history_check_failed", err,
				zap.String("user_id", userID), zap.String("bloc_id", blocID))
			return newServiceError(opRecordCompletion, "history_check_failed", err)
		}
		if repeats > 0 {
			return s.loadStreak(tx, userID, &updated)
		}

		entry := ReadingHistory{UserID: userID, BlocID: blocID, CompletedAt: now.UTC()}
		if err := tx.Create(&entry).Error; err != nil {
			s.logError(opRecordCompletion, "history_insert_failed", err,
				zap.String("user_id", userID), zap.String("bloc_id", blocID))
			return newServiceError(opRecordCompletion, "history_insert_failed", err)
		}

		if err := tx.Model(&blocs.Bloc{}).
			Where("id = ?", blocID).
			Update("status", blocs.StatusRead).Error; err != nil {
			s.logError(opRecordCompletion, "status_update_failed", err,
				zap.String("bloc_id", blocID))
			return newServiceError(opRecordCompletion, "status_update_failed", err)
		}

		if err := s.loadStreak(tx, userID, &updated); err != nil {
			return err
		}
		updated = advance(updated, today)
		if err := tx.Save(&updated).Error; err != nil {
			s.logError(opRecordCompletion, "streak_save_failed", err, zap.String("user_id", userID))
			return newServiceError(opRecordCompletion, "streak_save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Streak{}, txErr
	}
	return updated, nil
}

// Current returns the streak row, or a zero streak for users who have never
// completed an article.
func (s *Service) Current(ctx context.Context, userID string) (Streak, error) {
	if userID == "" {
		return Streak{}, newServiceError(opCurrent, "missing_user_id", errMissingUserID)
	}

	var streak Streak
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&streak).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Streak{UserID: userID}, nil
	}
	if err != nil {
		s.logError(opCurrent, "query_failed", err, zap.String("user_id", userID))
		return Streak{}, newServiceError(opCurrent, "query_failed", err)
	}
	return streak, nil
}

// HistoryEntry is one completed article joined with its bloc metadata.
type HistoryEntry struct {
	BlocID        string    `gorm:"column:bloc_id"`
	Topic         string    `gorm:"column:topic"`
	Title         string    `gorm:"column:title"`
	ScheduledDate string    `gorm:"column:scheduled_date"`
	IsBonus       bool      `gorm:"column:is_bonus"`
	CompletedAt   time.Time `gorm:"column:completed_at"`
}

// History lists the most recent completions, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	if userID == "" {
		return nil, newServiceError(opHistory, "missing_user_id", errMissingUserID)
	}
	if limit <= 0 {
		limit = 50
	}

	var entries []HistoryEntry
	err := s.db.WithContext(ctx).
		Table("reading_history").
		Select("reading_history.bloc_id, blocs.topic, blocs.title, blocs.scheduled_date, blocs.is_bonus, reading_history.completed_at").
		Joins("JOIN blocs ON blocs.id = reading_history.bloc_id").
		Where("reading_history.user_id = ?", userID).
		Order("reading_history.completed_at DESC").
		Limit(limit).
		Scan(&entries).Error
	if err != nil {
		s.logError(opHistory, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opHistory, "query_failed", err)
	}
	return entries, nil
}

func (s *Service) loadStreak(tx *gorm.DB, userID string, out *Streak) error {
	err := tx.Where("user_id = ?", userID).Take(out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		*out = Streak{UserID: userID}
		return nil
	}
	if err != nil {
		s.logError(opRecordCompletion, "streak_select_failed", err, zap.String("user_id", userID))
		return newServiceError(opRecordCompletion, "streak_select_failed", err)
	}
	return nil
}

// advance applies one completion on the given day to the streak counters.
// Absent state starts at one. A completion on the day after the last read
// extends the run, a repeat on the same day changes nothing, and any gap
// resets the run to one while the longest count is kept.
func advance(streak Streak, today string) Streak {
	switch {
	case streak.LastReadDate == today:
		return streak
	case isDayAfter(streak.LastReadDate, today):
		streak.CurrentStreak++
	default:
		streak.CurrentStreak = 1
	}
	if streak.CurrentStreak > streak.LongestStreak {
		streak.LongestStreak = streak.CurrentStreak
	}
	streak.LastReadDate = today
	return streak
}

func isDayAfter(previous, today string) bool {
	if previous == "" {
		return false
	}
	expected, err := dates.PreviousDay(today)
	if err != nil {
		return false
	}
	return previous == expected
}

func (s *Service) userLocation(ctx context.Context, userID string) *time.Location {
	if s.timezones == nil {
		return time.UTC
	}
	prefs, err := s.timezones.Get(ctx, userID)
	if err != nil {
		return time.UTC
	}
	return dates.Location(prefs.Timezone)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("streak service error", attrs...)
}
