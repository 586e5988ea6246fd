package jobs

import (
	"errors"
	"fmt"

	"tai-desktop/internal/api"
	"tai-desktop/internal/models"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrTaskNotFound       = errors.New("task not found")
	ErrUnknownAction      = errors.New("unknown action")
	ErrActionNotAllowed   = errors.New("action not allowed in current status")
	ErrInvalidParallelism = errors.New("parallelism must be at least 1")
	ErrParallelismLocked  = errors.New("parallelism cannot change once a job has finished")
)

// Action log outcomes
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Action log names for operations that are not models.Action values
const (
	logActionCancelAll   = "cancel_all"
	logActionParallelism = "parallelism"
)

// CreateJobRequest is the body of POST /jobs
type CreateJobRequest struct {
	ProjectID int64               `json:"project_id"`
	Name      string              `json:"name"`
	Tasks     []CreateTaskRequest `json:"tasks"`
}

// CreateTaskRequest names one task of a new job
type CreateTaskRequest struct {
	TaskType  models.TaskType `json:"task_type"`
	ArticleID *int64          `json:"article_id,omitempty"`
}

type actionRequest struct {
	Action models.Action `json:"action"`
}

type parallelismRequest struct {
	Parallelism int `json:"parallelism"`
}

// ActionRejectedError is returned when the server refuses an action (4xx)
type ActionRejectedError struct {
	JobID  int64
	TaskID *int64
	Action models.Action
	Err    *api.Error
}

func (e *ActionRejectedError) Error() string {
	target := fmt.Sprintf("job %d", e.JobID)
	if e.TaskID != nil {
		target = fmt.Sprintf("task %d of job %d", *e.TaskID, e.JobID)
	}
	return fmt.Sprintf("server rejected %s on %s: %s", e.Action, target, e.Err.Message)
}

func (e *ActionRejectedError) Unwrap() error {
	return e.Err
}

// Store persists job snapshots and the action history.
// The database package provides the gorm-backed implementation.
type Store interface {
	SaveJobs(jobs []models.Job) error
	RecordAction(entry models.ActionLog) error
}
