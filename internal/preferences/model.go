package preferences

import "time"

// ReadingDays enumerates the schedule shapes a user can pick.
type ReadingDays string

const (
	ReadingDaysWeekdays ReadingDays = "weekdays"
	ReadingDaysWeekends ReadingDays = "weekends"
	ReadingDaysDaily    ReadingDays = "daily"
)

// Includes reports whether the schedule covers the given weekday.
func (d ReadingDays) Includes(weekday time.Weekday) bool {
	switch d {
	case ReadingDaysWeekdays:
		return weekday != time.Saturday && weekday != time.Sunday
	case ReadingDaysWeekends:
		return weekday == time.Saturday || weekday == time.Sunday
	case ReadingDaysDaily:
		return true
	default:
		return false
	}
}

func (d ReadingDays) valid() bool {
	switch d {
	case ReadingDaysWeekdays, ReadingDaysWeekends, ReadingDaysDaily:
		return true
	}
	return false
}

// Preferences holds the onboarding answers that drive content generation.
// Exactly one row exists per onboarded user.
type Preferences struct {
	UserID        string      `gorm:"column:user_id;primaryKey;size:36;not null"`
	Bio           string      `gorm:"column:bio;type:text"`
	Topics        []string    `gorm:"column:topics;type:text;serializer:json;not null"`
	ReadingDays   ReadingDays `gorm:"column:reading_days;size:16;not null"`
	PreferredTime string      `gorm:"column:preferred_time;size:5;not null"`
	Timezone      string      `gorm:"column:timezone;size:64"`
	CreatedAt     time.Time   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time   `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Preferences) TableName() string {
	return "user_preferences"
}
