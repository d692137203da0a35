package blocs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/bloclabs/bloc-backend/internal/dates"
	"github.com/bloclabs/bloc-backend/internal/generator"
	"github.com/bloclabs/bloc-backend/internal/locks"
	"github.com/bloclabs/bloc-backend/internal/preferences"
)

const (
	bonusDailyLimit    = 3
	sweepWindowMinutes = 15
	recentTitleLimit   = 5
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingPreferences = errors.New("preference source is required")
	errMissingGenerator   = errors.New("content generator is required")
	errMissingIDProvider  = errors.New("id provider is required")
	errMissingUserID      = errors.New("user identifier is required")
	errMissingBlocID      = errors.New("bloc identifier is required")
	noOpLogger            = zap.NewNop()
)

var (
	// ErrNotConfigured indicates the user has no saved topics to generate from.
	ErrNotConfigured = errors.New("blocs: no topics configured")
	// ErrGenerationFailed indicates every requested topic failed to produce content.
	ErrGenerationFailed = errors.New("blocs: generation failed for all topics")
	// ErrNotFound indicates the requested bloc does not exist for the user.
	ErrNotFound = errors.New("blocs: bloc not found")
)

// DailyLimitError reports an exhausted bonus allowance for the current day.
type DailyLimitError struct {
	Limit   int
	Current int
}

func (e *DailyLimitError) Error() string {
	return fmt.Sprintf("blocs: daily bonus limit reached (%d of %d)", e.Current, e.Limit)
}

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
	opServiceNew        = "blocs.service.new"
	opGenerateScheduled = "blocs.generate_scheduled"
	opGenerateBonus     = "blocs.generate_bonus"
	opSweep             = "blocs.sweep"
	opToday             = "blocs.today"
	opArchive           = "blocs.archive"
	opGet               = "blocs.get"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for newly persisted blocs.
type IDProvider interface {
	NewID() (string, error)
}

// ContentGenerator produces one article for a topic. Implemented by the
// Gemini-backed generator in production and by fakes in tests.
type ContentGenerator interface {
	Generate(ctx context.Context, request generator.Request) (generator.Result, error)
}

// PreferenceSource supplies stored reading preferences.
type PreferenceSource interface {
	Get(ctx context.Context, userID string) (preferences.Preferences, error)
	All(ctx context.Context) ([]preferences.Preferences, error)
}

type ServiceConfig struct {
	Database    *gorm.DB
	Preferences PreferenceSource
	Generator   ContentGenerator
	IDProvider  IDProvider
	Clock       func() time.Time
	Logger      *zap.Logger
}

type Service struct {
	db          *gorm.DB
	preferences PreferenceSource
	generator   ContentGenerator
	idProvider  IDProvider
	clock       func() time.Time
	logger      *zap.Logger
	userLocks   locks.PerKey
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Preferences == nil {
		return nil, newServiceError(opServiceNew, "missing_preferences", errMissingPreferences)
	}
	if cfg.Generator == nil {
		return nil, newServiceError(opServiceNew, "missing_generator", errMissingGenerator)
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
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
		db:          cfg.Database,
		preferences: cfg.Preferences,
		generator:   cfg.Generator,
		idProvider:  idProvider,
		clock:       clock,
		logger:      logger,
	}, nil
}

// TopicFailure records one topic that could not be generated during a run.
type TopicFailure struct {
	Topic string
	Err   error
}

// GenerateResult reports the outcome of a scheduled generation attempt.
type GenerateResult struct {
	Created          []Bloc
	Failed           []TopicFailure
	AlreadyGenerated bool
}

// GenerateScheduled creates today's articles for every saved topic. Calling it
// again on the same day is a no-op reported through AlreadyGenerated. Topics
// fail independently; the call errs only when no topic succeeds.
func (s *Service) GenerateScheduled(ctx context.Context, userID string) (GenerateResult, error) {
	if userID == "" {
		return GenerateResult{}, newServiceError(opGenerateScheduled, "missing_user_id", errMissingUserID)
	}

	prefs, err := s.preferences.Get(ctx, userID)
	if errors.Is(err, preferences.ErrNotFound) {
		return GenerateResult{}, newServiceError(opGenerateScheduled, "not_configured", ErrNotConfigured)
	}
	if err != nil {
		s.logError(opGenerateScheduled, "preferences_load_failed", err, zap.String("user_id", userID))
		return GenerateResult{}, newServiceError(opGenerateScheduled, "preferences_load_failed", err)
	}
	if len(prefs.Topics) == 0 {
		return GenerateResult{}, newServiceError(opGenerateScheduled, "not_configured", ErrNotConfigured)
	}

	unlock := s.userLocks.Lock(userID)
	defer unlock()

	return s.generateForUser(ctx, opGenerateScheduled, prefs)
}

// generateForUser runs the per-topic generation for one user's preferences.
// Callers must hold the user lock.
func (s *Service) generateForUser(ctx context.Context, operation string, prefs preferences.Preferences) (GenerateResult, error) {
	location := dates.Location(prefs.Timezone)
	today := dates.DayOf(s.clock(), location)

	existing, err := s.countScheduled(ctx, prefs.UserID, today)
	if err != nil {
		s.logError(operation, "schedule_check_failed", err, zap.String("user_id", prefs.UserID))
		return GenerateResult{}, newServiceError(operation, "schedule_check_failed", err)
	}
	if existing > 0 {
		return GenerateResult{AlreadyGenerated: true}, nil
	}

	recentTitles, err := s.recentTitles(ctx, prefs.UserID)
	if err != nil {
		s.logError(operation, "recent_titles_failed", err, zap.String("user_id", prefs.UserID))
		return GenerateResult{}, newServiceError(operation, "recent_titles_failed", err)
	}

	result := GenerateResult{}
	for _, topic := range prefs.Topics {
		bloc, topicErr := s.generateOne(ctx, prefs, topic, today, false, recentTitles)
		if topicErr != nil {
			s.logError(operation, "topic_generation_failed", topicErr,
				zap.String("user_id", prefs.UserID),
				zap.String("topic", topic))
			result.Failed = append(result.Failed, TopicFailure{Topic: topic, Err: topicErr})
			continue
		}
		result.Created = append(result.Created, bloc)
	}

	if len(result.Created) == 0 {
		return result, newServiceError(operation, "all_topics_failed", ErrGenerationFailed)
	}
	return result, nil
}

func (s *Service) generateOne(ctx context.Context, prefs preferences.Preferences, topic, day string, bonus bool, recentTitles []string) (Bloc, error) {
	continuity, err := s.continuityReference(ctx, prefs.UserID, topic, day)
	if err != nil {
		return Bloc{}, err
	}

	produced, err := s.generator.Generate(ctx, generator.Request{
		Topic:               topic,
		Bio:                 prefs.Bio,
		ContinuityReference: continuity,
		RecentTitles:        recentTitles,
	})
	if err != nil {
		return Bloc{}, err
	}

	blocID, err := s.idProvider.NewID()
	if err != nil {
		return Bloc{}, err
	}

	bloc := Bloc{
		ID:            blocID,
		UserID:        prefs.UserID,
		Topic:         topic,
		Title:         produced.Title,
		Content:       produced.Content,
		NextDayIdea:   produced.NextDayIdea,
		ScheduledDate: day,
		IsBonus:       bonus,
		Status:        StatusReady,
		CreatedAt:     s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&bloc).Error; err != nil {
		return Bloc{}, err
	}
	return bloc, nil
}

// BonusResult carries the extra article together with the allowance left
// after this grant.
type BonusResult struct {
	Bloc      Bloc
	Remaining int
}

// GenerateBonus creates one extra article for a randomly chosen saved topic.
// At most three bonus articles are granted per user per day.
func (s *Service) GenerateBonus(ctx context.Context, userID string) (BonusResult, error) {
	if userID == "" {
		return BonusResult{}, newServiceError(opGenerateBonus, "missing_user_id", errMissingUserID)
	}

	prefs, err := s.preferences.Get(ctx, userID)
	if errors.Is(err, preferences.ErrNotFound) {
		return BonusResult{}, newServiceError(opGenerateBonus, "not_configured", ErrNotConfigured)
	}
	if err != nil {
		s.logError(opGenerateBonus, "preferences_load_failed", err, zap.String("user_id", userID))
		return BonusResult{}, newServiceError(opGenerateBonus, "preferences_load_failed", err)
	}
	if len(prefs.Topics) == 0 {
		return BonusResult{}, newServiceError(opGenerateBonus, "not_configured", ErrNotConfigured)
	}

	unlock := s.userLocks.Lock(userID)
	defer unlock()

	location := dates.Location(prefs.Timezone)
	today := dates.DayOf(s.clock(), location)

	var countBefore int64
	err = s.db.WithContext(ctx).Model(&Bloc{}).
		Where("user_id = ? AND scheduled_date = ? AND is_bonus = ?", userID, today, true).
		Count(&countBefore).Error
	if err != nil {
		s.logError(opGenerateBonus, "limit_check_failed", err, zap.String("user_id", userID))
		return BonusResult{}, newServiceError(opGenerateBonus, "limit_check_failed", err)
	}
	if countBefore >= bonusDailyLimit {
		return BonusResult{}, newServiceError(opGenerateBonus, "daily_limit",
			&DailyLimitError{Limit: bonusDailyLimit, Current: int(countBefore)})
	}

	recentTitles, err := s.recentTitles(ctx, userID)
	if err != nil {
		s.logError(opGenerateBonus, "recent_titles_failed", err, zap.String("user_id", userID))
		return BonusResult{}, newServiceError(opGenerateBonus, "recent_titles_failed", err)
	}

	topic := prefs.Topics[s.pickIndex(len(prefs.Topics))]
	bloc, err := s.generateOne(ctx, prefs, topic, today, true, recentTitles)
	if err != nil {
		s.logError(opGenerateBonus, "generation_failed", err,
			zap.String("user_id", userID),
			zap.String("topic", topic))
		return BonusResult{}, newServiceError(opGenerateBonus, "generation_failed", ErrGenerationFailed)
	}

	remaining := bonusDailyLimit - 1 - int(countBefore)
	if remaining < 0 {
		remaining = 0
	}
	return BonusResult{Bloc: bloc, Remaining: remaining}, nil
}

// SweepStats summarizes one pass over all configured users.
type SweepStats struct {
	UsersProcessed int
	BlocsCreated   int
	Errors         int
}

// Sweep walks every stored preference row and generates scheduled articles for
// users whose preferred time falls within the current window in their own
// timezone. One user's failure never stops the pass.
func (s *Service) Sweep(ctx context.Context) (SweepStats, error) {
	all, err := s.preferences.All(ctx)
	if err != nil {
		s.logError(opSweep, "preferences_load_failed", err)
		return SweepStats{}, newServiceError(opSweep, "preferences_load_failed", err)
	}

	stats := SweepStats{}
	now := s.clock()
	for _, prefs := range all {
		if len(prefs.Topics) == 0 {
			continue
		}
		location := dates.Location(prefs.Timezone)
		if !prefs.ReadingDays.Includes(dates.Weekday(now, location)) {
			continue
		}
		preferredMinutes, err := dates.ParseClock(prefs.PreferredTime)
		if err != nil {
			s.logError(opSweep, "invalid_preferred_time", err, zap.String("user_id", prefs.UserID))
			stats.Errors++
			continue
		}
		if !withinWindow(dates.MinutesOfDay(now, location), preferredMinutes, sweepWindowMinutes) {
			continue
		}

		stats.UsersProcessed++
		unlock := s.userLocks.Lock(prefs.UserID)
		result, err := s.generateForUser(ctx, opSweep, prefs)
		unlock()
		if err != nil {
			stats.Errors++
			continue
		}
		stats.BlocsCreated += len(result.Created)
		stats.Errors += len(result.Failed)
	}

	s.logger.Info("generation sweep finished",
		zap.Int("users_processed", stats.UsersProcessed),
		zap.Int("blocs_created", stats.BlocsCreated),
		zap.Int("errors", stats.Errors))
	return stats, nil
}

// withinWindow reports whether nowMinutes is within window minutes of
// preferredMinutes, accounting for the midnight wrap.
func withinWindow(nowMinutes, preferredMinutes, window int) bool {
	diff := nowMinutes - preferredMinutes
	if diff < 0 {
		diff = -diff
	}
	if diff > 720 {
		diff = 1440 - diff
	}
	return diff <= window
}

// TodayResult holds the current day's articles. IsFirstDay is set when the
// user has never had a bloc generated, which the frontend uses to show the
// onboarding-day state.
type TodayResult struct {
	Blocs      []Bloc
	IsFirstDay bool
}

// Today returns all of today's articles, scheduled first, in creation order.
func (s *Service) Today(ctx context.Context, userID string) (TodayResult, error) {
	if userID == "" {
		return TodayResult{}, newServiceError(opToday, "missing_user_id", errMissingUserID)
	}

	today := dates.DayOf(s.clock(), s.userLocation(ctx, userID))

	var todays []Bloc
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND scheduled_date = ?", userID, today).
		Order("is_bonus ASC, created_at ASC").
		Find(&todays).Error
	if err != nil {
		s.logError(opToday, "query_failed", err, zap.String("user_id", userID))
		return TodayResult{}, newServiceError(opToday, "query_failed", err)
	}
	if len(todays) > 0 {
		return TodayResult{Blocs: todays}, nil
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&Bloc{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		s.logError(opToday, "history_check_failed", err, zap.String("user_id", userID))
		return TodayResult{}, newServiceError(opToday, "history_check_failed", err)
	}
	return TodayResult{Blocs: []Bloc{}, IsFirstDay: total == 0}, nil
}

// Archive returns past scheduled articles, newest day first. Bonus articles
// stay out of the archive.
func (s *Service) Archive(ctx context.Context, userID string) ([]Bloc, error) {
	if userID == "" {
		return nil, newServiceError(opArchive, "missing_user_id", errMissingUserID)
	}

	today := dates.DayOf(s.clock(), s.userLocation(ctx, userID))

	var past []Bloc
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_bonus = ? AND scheduled_date < ?", userID, false, today).
		Order("scheduled_date DESC, created_at ASC").
		Find(&past).Error
	if err != nil {
		s.logError(opArchive, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opArchive, "query_failed", err)
	}
	return past, nil
}

// Get loads one bloc owned by the user.
func (s *Service) Get(ctx context.Context, userID, blocID string) (Bloc, error) {
	if userID == "" {
		return Bloc{}, newServiceError(opGet, "missing_user_id", errMissingUserID)
	}
	if blocID == "" {
		return Bloc{}, newServiceError(opGet, "missing_bloc_id", errMissingBlocID)
	}

	var bloc Bloc
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", blocID, userID).
		Take(&bloc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Bloc{}, newServiceError(opGet, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("user_id", userID), zap.String("bloc_id", blocID))
		return Bloc{}, newServiceError(opGet, "query_failed", err)
	}
	return bloc, nil
}

func (s *Service) countScheduled(ctx context.Context, userID, day string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Bloc{}).
		Where("user_id = ? AND scheduled_date = ? AND is_bonus = ?", userID, day, false).
		Count(&count).Error
	return count, err
}

// continuityReference returns the previous article's follow-up idea for the
// topic so consecutive days read as a series.
func (s *Service) continuityReference(ctx context.Context, userID, topic, day string) (string, error) {
	var previous Bloc
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND topic = ? AND is_bonus = ? AND scheduled_date < ?", userID, topic, false, day).
		Order("scheduled_date DESC").
		Take(&previous).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return previous.NextDayIdea, nil
}

func (s *Service) recentTitles(ctx context.Context, userID string) ([]string, error) {
	var titles []string
	err := s.db.WithContext(ctx).Model(&Bloc{}).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(recentTitleLimit).
		Pluck("title", &titles).Error
	return titles, err
}

// userLocation resolves the user's stored timezone, falling back to UTC when
// no preferences exist yet.
func (s *Service) userLocation(ctx context.Context, userID string) *time.Location {
	prefs, err := s.preferences.Get(ctx, userID)
	if err != nil {
		return time.UTC
	}
	return dates.Location(prefs.Timezone)
}

func (s *Service) pickIndex(n int) int {
	if n <= 1 {
		return 0
	}
	return int(s.clock().UnixNano()) % n
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
	s.loggerOrDefault().Error("bloc service error", attrs...)
}
