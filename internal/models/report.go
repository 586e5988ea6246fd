package models

import (
	"time"
)

// ReportKind distinguishes the two long-running generations
type ReportKind string

const (
	ReportKindReview         ReportKind = "ai_review"
	ReportKindStructuredData ReportKind = "structured_data"
)

// ReportStatus tracks a generation report.
// "ready" means preprocessing finished and generation has not started;
// "processing" means content is streaming.
type ReportStatus string

const (
	ReportPending    ReportStatus = "pending"
	ReportReady      ReportStatus = "ready"
	ReportProcessing ReportStatus = "processing"
	ReportCompleted  ReportStatus = "completed"
	ReportFailed     ReportStatus = "failed"
)

// IsTerminal reports whether the generation has finished
func (s ReportStatus) IsTerminal() bool {
	return s == ReportCompleted || s == ReportFailed
}

// Report is the materialized state of one generation
type Report struct {
	ID        int64                  `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Kind      ReportKind             `gorm:"primaryKey" json:"kind"`
	ArticleID int64                  `gorm:"index;column:article_id" json:"article_id"`
	Status    ReportStatus           `gorm:"not null;default:pending" json:"status"`
	Text      string                 `gorm:"type:text" json:"text,omitempty"`
	Data      map[string]interface{} `gorm:"type:text;serializer:json" json:"data,omitempty"`
	IsFinal   bool                   `gorm:"column:is_final" json:"is_final"`
	Error     string                 `json:"error,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Report) TableName() string {
	return "reports"
}

// Clone returns a copy that does not share the Data map
func (r Report) Clone() Report {
	if r.Data != nil {
		data := make(map[string]interface{}, len(r.Data))
		for k, v := range r.Data {
			data[k] = v
		}
		r.Data = data
	}
	return r
}
