package blocs

import "time"

// BlocStatus tracks whether the reader has finished an article.
type BlocStatus string

const (
	// StatusReady marks a freshly generated article.
	StatusReady BlocStatus = "ready"
	// StatusRead marks an article the user completed.
	StatusRead BlocStatus = "read"
)

// Bloc models one generated article. Rows are immutable after insert except
// for the status column, which flips to read on completion.
type Bloc struct {
	ID            string     `gorm:"column:id;primaryKey;size:36;not null"`
	UserID        string     `gorm:"column:user_id;size:36;not null;index:idx_blocs_user_date,priority:1"`
	Topic         string     `gorm:"column:topic;size:190;not null"`
	Title         string     `gorm:"column:title;size:500;not null"`
	Content       string     `gorm:"column:content;type:text;not null"`
	NextDayIdea   string     `gorm:"column:next_day_idea;type:text;not null;default:''"`
	ScheduledDate string     `gorm:"column:scheduled_date;size:10;not null;index:idx_blocs_user_date,priority:2"`
	IsBonus       bool       `gorm:"column:is_bonus;not null;default:false"`
	Status        BlocStatus `gorm:"column:status;size:16;not null;default:'ready'"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Bloc) TableName() string {
	return "blocs"
}
