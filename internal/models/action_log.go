package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ActionLog records one user action sent to the server
type ActionLog struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	JobID     int64     `gorm:"index;column:job_id" json:"job_id"`
	TaskID    *int64    `gorm:"column:task_id" json:"task_id,omitempty"`
	Action    string    `gorm:"not null" json:"action"` // retry, pause, resume, cancel, cancel_all, parallelism
	Outcome   string    `gorm:"not null" json:"outcome"` // accepted, rejected, error
	Message   string    `gorm:"type:text" json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (al *ActionLog) BeforeCreate(tx *gorm.DB) error {
	if al.ID == "" {
		al.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (ActionLog) TableName() string {
	return "action_log"
}
