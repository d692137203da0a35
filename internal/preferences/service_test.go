package preferences

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Preferences{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func validInput() SaveInput {
	return SaveInput{
		Bio:           "Curious generalist",
		Topics:        []string{"Philosophy", "Neuroscience"},
		ReadingDays:   ReadingDaysDaily,
		PreferredTime: "07:30",
		Timezone:      "Asia/Kolkata",
	}
}

func TestSaveCreatesAndGetRoundTrips(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db)

	saved, err := service.Save(context.Background(), "user-1", validInput())
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if len(saved.Topics) != 2 {
		t.Fatalf("unexpected topics: %v", saved.Topics)
	}

	loaded, err := service.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded.Bio != "Curious generalist" {
		t.Fatalf("unexpected bio: %q", loaded.Bio)
	}
	if loaded.Topics[0] != "Philosophy" || loaded.Topics[1] != "Neuroscience" {
		t.Fatalf("topics lost order: %v", loaded.Topics)
	}
	if loaded.PreferredTime != "07:30" {
		t.Fatalf("unexpected preferred time: %q", loaded.PreferredTime)
	}
}

func TestSaveUpsertsExistingRow(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db)

	if _, err := service.Save(context.Background(), "user-1", validInput()); err != nil {
		t.Fatalf("initial save failed: %v", err)
	}

	updated := validInput()
	updated.Topics = []string{"History"}
	updated.ReadingDays = ReadingDaysWeekends
	if _, err := service.Save(context.Background(), "user-1", updated); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	var count int64
	if err := db.Model(&Preferences{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single row per user, got %d", count)
	}

	loaded, err := service.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(loaded.Topics) != 1 || loaded.Topics[0] != "History" {
		t.Fatalf("unexpected topics after update: %v", loaded.Topics)
	}
	if loaded.ReadingDays != ReadingDaysWeekends {
		t.Fatalf("unexpected reading days: %q", loaded.ReadingDays)
	}
}

func TestSaveValidation(t *testing.T) {
	service := newTestService(t, openTestDatabase(t))

	tests := []struct {
		name     string
		mutate   func(*SaveInput)
		expected error
	}{
		{name: "no topics", mutate: func(in *SaveInput) { in.Topics = nil }, expected: ErrNoTopics},
		{name: "blank topics", mutate: func(in *SaveInput) { in.Topics = []string{" ", ""} }, expected: ErrNoTopics},
		{name: "too many topics", mutate: func(in *SaveInput) {
			in.Topics = []string{"A", "B", "C", "D"}
		}, expected: ErrTooManyTopics},
		{name: "bad reading days", mutate: func(in *SaveInput) { in.ReadingDays = "fortnightly" }, expected: ErrInvalidReadingDays},
		{name: "bad time", mutate: func(in *SaveInput) { in.PreferredTime = "7:3" }, expected: ErrInvalidPreferredTime},
		{name: "bad timezone", mutate: func(in *SaveInput) { in.Timezone = "Mars/Olympus" }, expected: ErrInvalidTimezone},
	}

	for _, tc := range tests {
		input := validInput()
		tc.mutate(&input)
		if _, err := service.Save(context.Background(), "user-1", input); !errors.Is(err, tc.expected) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.expected, err)
		}
	}
}

func TestSaveDeduplicatesTopics(t *testing.T) {
	service := newTestService(t, openTestDatabase(t))
	input := validInput()
	input.Topics = []string{"History", " History ", "Physics", "History"}

	saved, err := service.Save(context.Background(), "user-1", input)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if len(saved.Topics) != 2 {
		t.Fatalf("expected duplicates collapsed, got %v", saved.Topics)
	}
}

func TestGetMissingRowReturnsNotFound(t *testing.T) {
	service := newTestService(t, openTestDatabase(t))
	if _, err := service.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadingDaysIncludes(t *testing.T) {
	tests := []struct {
		days     ReadingDays
		weekday  time.Weekday
		expected bool
	}{
		{ReadingDaysWeekdays, time.Monday, true},
		{ReadingDaysWeekdays, time.Saturday, false},
		{ReadingDaysWeekends, time.Sunday, true},
		{ReadingDaysWeekends, time.Wednesday, false},
		{ReadingDaysDaily, time.Saturday, true},
		{ReadingDaysDaily, time.Tuesday, true},
	}
	for _, tc := range tests {
		if got := tc.days.Includes(tc.weekday); got != tc.expected {
			t.Fatalf("%s includes %s: expected %v, got %v", tc.days, tc.weekday, tc.expected, got)
		}
	}
}
