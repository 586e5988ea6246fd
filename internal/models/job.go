package models

import (
	"time"
)

// Status is shared by Jobs and Tasks
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// transitions lists the statuses reachable from each non-terminal status
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusPaused, StatusCancelled},
	StatusPaused:     {StatusProcessing, StatusCancelled},
}

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows s -> next
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

var statuses = []Status{StatusPending, StatusProcessing, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled}

// CanReach reports whether a later snapshot may show next after s. Polling can
// skip intermediate statuses, and accepted actions move an entity along their
// Target edge (retry sends a failed entity back to pending).
func (s Status) CanReach(next Status) bool {
	seen := map[Status]bool{s: true}
	queue := []Status{s}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == next {
			return true
		}
		for _, candidate := range statuses {
			if !seen[candidate] && cur.CanTransitionTo(candidate) {
				seen[candidate] = true
				queue = append(queue, candidate)
			}
		}
		for _, a := range Actions {
			if target := a.Target(); a.AllowedFrom(cur) && !seen[target] {
				seen[target] = true
				queue = append(queue, target)
			}
		}
	}
	return false
}

// Action is a user request against a Job or one of its Tasks
type Action string

const (
	ActionRetry  Action = "retry"
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionCancel Action = "cancel"
)

// Actions lists every action in display order
var Actions = []Action{ActionRetry, ActionPause, ActionResume, ActionCancel}

// IsValid reports whether a is a known action
func (a Action) IsValid() bool {
	switch a {
	case ActionRetry, ActionPause, ActionResume, ActionCancel:
		return true
	}
	return false
}

// AllowedFrom reports whether the action may be offered for an entity in status s.
// The server remains the authority and may still reject it.
func (a Action) AllowedFrom(s Status) bool {
	switch a {
	case ActionRetry:
		return s == StatusFailed
	case ActionPause:
		return s == StatusProcessing
	case ActionResume:
		return s == StatusPaused
	case ActionCancel:
		return s == StatusPending || s == StatusProcessing || s == StatusPaused
	}
	return false
}

// Target is the status the server is expected to report after applying the action.
// It is informational only; the next snapshot is authoritative.
func (a Action) Target() Status {
	switch a {
	case ActionRetry, ActionResume:
		return StatusPending
	case ActionPause:
		return StatusPaused
	case ActionCancel:
		return StatusCancelled
	}
	return ""
}

// TaskType is an open enumeration of server-side steps
type TaskType string

const (
	TaskTypeConversion            TaskType = "conversion"
	TaskTypeProcessAIReview       TaskType = "process_ai_review"
	TaskTypeExtractStructuredData TaskType = "extract_structured_data"
	TaskTypeProcessUpload         TaskType = "process_upload"
)

// Job is a user-initiated unit of work composed of ordered Tasks
type Job struct {
	ID          int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ProjectID   int64     `gorm:"index;column:project_id" json:"project_id"`
	Name        string    `json:"name"`
	Status      Status    `gorm:"not null;default:pending" json:"status"`
	Progress    int       `gorm:"not null;default:0" json:"progress"` // 0-100
	Parallelism int       `gorm:"not null;default:1" json:"parallelism"`
	Logs        string    `gorm:"type:text" json:"logs,omitempty"`
	Tasks       []Task    `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"tasks"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Job) TableName() string {
	return "jobs"
}

// FindTask returns the task with the given id
func (j *Job) FindTask(taskID int64) (*Task, bool) {
	for i := range j.Tasks {
		if j.Tasks[i].ID == taskID {
			return &j.Tasks[i], true
		}
	}
	return nil, false
}

// ParallelismEditable reports whether parallelism may still change
func (j *Job) ParallelismEditable() bool {
	return !j.Status.IsTerminal()
}

// Task is one server-executed step within a Job
type Task struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	JobID     int64     `gorm:"index;not null;column:job_id" json:"job_id"`
	TaskType  TaskType  `gorm:"not null;column:task_type" json:"task_type"`
	Status    Status    `gorm:"not null;default:pending" json:"status"`
	Progress  int       `gorm:"not null;default:0" json:"progress"` // 0-100
	Logs      string    `gorm:"type:text" json:"logs,omitempty"`
	ArticleID *int64    `gorm:"column:article_id" json:"article_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Task) TableName() string {
	return "job_tasks"
}
