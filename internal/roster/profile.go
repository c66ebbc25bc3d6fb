package roster

import (
	"strings"
	"time"
)

// Profile captures the display fields of a student as supplied by the school directory.
type Profile struct {
	StudentID   string    `gorm:"column:student_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320;not null"`
	SchoolName  string    `gorm:"column:school_name;size:320;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing student profiles.
func (Profile) TableName() string {
	return "student_profiles"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
