package identity

import (
	"strings"
	"time"
)

// User is an account keyed by a canonical identifier and a unique email.
// PasswordHash is empty until the user opts into password login.
type User struct {
	ID           string    `gorm:"column:id;primaryKey;size:36;not null"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	Username     string    `gorm:"column:username;size:190;index"`
	FullName     string    `gorm:"column:full_name;size:320"`
	PasswordHash string    `gorm:"column:password_hash;size:120"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	LastLogin    time.Time `gorm:"column:last_login"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// LoginCode is a short-lived one-time code emailed during login. Rows are
// append-only; verification picks the newest unexpired match and deletes
// every row for the email on success.
type LoginCode struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Email     string    `gorm:"column:email;size:320;not null;index"`
	Code      string    `gorm:"column:code;size:6;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (LoginCode) TableName() string {
	return "login_codes"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
