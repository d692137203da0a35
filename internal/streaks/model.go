package streaks

import "time"

// Streak keeps one row per user with the running and best consecutive-day
// counts. LastReadDate holds a YYYY-MM-DD day in the user's timezone, empty
// until the first completion.
type Streak struct {
	UserID        string    `gorm:"column:user_id;primaryKey;size:36;not null"`
	CurrentStreak int       `gorm:"column:current_streak;not null;default:0"`
	LongestStreak int       `gorm:"column:longest_streak;not null;default:0"`
	LastReadDate  string    `gorm:"column:last_read_date;size:10;not null;default:''"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Streak) TableName() string {
	return "streaks"
}

// ReadingHistory is the append-only record of completed articles.
type ReadingHistory struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement"`
	UserID      string    `gorm:"column:user_id;size:36;not null;index:idx_history_user_completed,priority:1"`
	BlocID      string    `gorm:"column:bloc_id;size:36;not null;index:idx_history_bloc"`
	CompletedAt time.Time `gorm:"column:completed_at;not null;index:idx_history_user_completed,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ReadingHistory) TableName() string {
	return "reading_history"
}
