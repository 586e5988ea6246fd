package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/samber/lo"

	"tai-desktop/internal/api"
	"tai-desktop/internal/models"
)

// Service holds the client's view of jobs and issues actions against them.
// The server is the authority: after any accepted change the service re-fetches
// the full snapshot instead of predicting the new state.
type Service struct {
	client *api.Client
	store  Store

	mu       sync.RWMutex
	jobs     []models.Job
	overlays map[int64]int // jobID -> pending parallelism edit
}

// NewService creates a jobs service. store may be nil.
func NewService(client *api.Client, store Store) *Service {
	return &Service{
		client:   client,
		store:    store,
		overlays: make(map[int64]int),
	}
}

// ListJobs fetches the full snapshot, newest first, and makes it current.
// Every pending parallelism overlay is dropped.
func (s *Service) ListJobs(ctx context.Context) ([]models.Job, error) {
	var list []models.Job
	if err := s.client.GetJSON(ctx, "jobs", nil, &list); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	sortNewestFirst(list)

	s.mu.Lock()
	previous := lo.SliceToMap(s.jobs, func(j models.Job) (int64, models.Status) { return j.ID, j.Status })
	s.jobs = list
	s.overlays = make(map[int64]int)
	s.mu.Unlock()

	for _, job := range list {
		if prev, ok := previous[job.ID]; ok && !prev.CanReach(job.Status) {
			log.Printf("WARNING: Job %d moved from %s to %s outside the job state machine", job.ID, prev, job.Status)
		}
	}

	if s.store != nil {
		if err := s.store.SaveJobs(list); err != nil {
			log.Printf("WARNING: Failed to cache job snapshot: %v", err)
		}
	}
	return s.Jobs(), nil
}

// GetJob fetches one job and refreshes it inside the current snapshot
func (s *Service) GetJob(ctx context.Context, jobID int64) (*models.Job, error) {
	var job models.Job
	if err := s.client.GetJSON(ctx, fmt.Sprintf("jobs/%d", jobID), nil, &job); err != nil {
		if api.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job %d: %w", jobID, err)
	}

	s.mu.Lock()
	for i := range s.jobs {
		if s.jobs[i].ID == job.ID {
			s.jobs[i] = job
			break
		}
	}
	s.mu.Unlock()

	return &job, nil
}

// CreateJob submits a new job and refreshes the snapshot
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*models.Job, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if len(req.Tasks) == 0 {
		return nil, fmt.Errorf("a job needs at least one task")
	}

	var job models.Job
	if err := s.client.PostJSON(ctx, "jobs", req, &job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	log.Printf("Created job %d (%s) with %d tasks", job.ID, job.Name, len(req.Tasks))

	if _, err := s.ListJobs(ctx); err != nil {
		log.Printf("WARNING: Job %d created but refresh failed: %v", job.ID, err)
	}
	return &job, nil
}

// ApplyAction sends action for a whole job (taskID nil) or for one of its tasks.
// Actions that the locally known status does not allow fail with ErrActionNotAllowed
// before any request is made.
func (s *Service) ApplyAction(ctx context.Context, jobID int64, taskID *int64, action models.Action) error {
	if !action.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	status, err := s.statusOf(jobID, taskID)
	if err != nil {
		return err
	}
	if !action.AllowedFrom(status) {
		return fmt.Errorf("%w: cannot %s from %s", ErrActionNotAllowed, action, status)
	}

	endpoint := fmt.Sprintf("jobs/%d/action", jobID)
	if taskID != nil {
		endpoint = fmt.Sprintf("jobs/%d/tasks/%d/action", jobID, *taskID)
	}

	if err := s.client.PostJSON(ctx, endpoint, actionRequest{Action: action}, nil); err != nil {
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.IsClientError() {
			s.record(jobID, taskID, string(action), OutcomeRejected, apiErr.Message)
			if _, refreshErr := s.ListJobs(ctx); refreshErr != nil {
				log.Printf("WARNING: %s on job %d rejected and refresh failed: %v", action, jobID, refreshErr)
			}
			return &ActionRejectedError{JobID: jobID, TaskID: taskID, Action: action, Err: apiErr}
		}
		s.record(jobID, taskID, string(action), OutcomeError, err.Error())
		return fmt.Errorf("failed to %s job %d: %w", action, jobID, err)
	}
	s.record(jobID, taskID, string(action), OutcomeAccepted, "")

	if _, err := s.ListJobs(ctx); err != nil {
		return fmt.Errorf("%s accepted but refresh failed: %w", action, err)
	}
	return nil
}

// SetParallelism changes how many tasks of a job may process at once.
// The new value is shown immediately and superseded by the next snapshot.
func (s *Service) SetParallelism(ctx context.Context, jobID int64, n int) error {
	if n < 1 {
		return ErrInvalidParallelism
	}

	s.mu.Lock()
	job, ok := s.findLocked(jobID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}
	if !job.ParallelismEditable() {
		s.mu.Unlock()
		return fmt.Errorf("%w: job %d is %s", ErrParallelismLocked, jobID, job.Status)
	}
	s.overlays[jobID] = n
	s.mu.Unlock()

	if err := s.client.PutJSON(ctx, fmt.Sprintf("jobs/%d", jobID), parallelismRequest{Parallelism: n}, nil); err != nil {
		s.mu.Lock()
		if s.overlays[jobID] == n {
			delete(s.overlays, jobID)
		}
		s.mu.Unlock()

		outcome := OutcomeError
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.IsClientError() {
			outcome = OutcomeRejected
		}
		s.record(jobID, nil, logActionParallelism, outcome, err.Error())
		return fmt.Errorf("failed to set parallelism of job %d: %w", jobID, err)
	}

	s.record(jobID, nil, logActionParallelism, OutcomeAccepted, fmt.Sprintf("parallelism=%d", n))
	return nil
}

// CancelAll asks the server to cancel every unfinished job and refreshes.
// It returns how many jobs were unfinished in the snapshot before the call.
func (s *Service) CancelAll(ctx context.Context) (int, error) {
	s.mu.RLock()
	active := lo.CountBy(s.jobs, func(j models.Job) bool { return !j.Status.IsTerminal() })
	s.mu.RUnlock()

	if err := s.client.PostJSON(ctx, "jobs/cancel-all", nil, nil); err != nil {
		s.record(0, nil, logActionCancelAll, OutcomeError, err.Error())
		return 0, fmt.Errorf("failed to cancel all jobs: %w", err)
	}
	s.record(0, nil, logActionCancelAll, OutcomeAccepted, fmt.Sprintf("%d active jobs", active))
	log.Printf("Cancel-all sent (%d active jobs)", active)

	if _, err := s.ListJobs(ctx); err != nil {
		return active, fmt.Errorf("cancel-all accepted but refresh failed: %w", err)
	}
	return active, nil
}

// Jobs returns a copy of the current snapshot with pending overlays applied
func (s *Service) Jobs() []models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Map(s.jobs, func(j models.Job, _ int) models.Job {
		if n, ok := s.overlays[j.ID]; ok {
			j.Parallelism = n
		}
		j.Tasks = append([]models.Task(nil), j.Tasks...)
		return j
	})
}

// Job returns one job from the current snapshot
func (s *Service) Job(jobID int64) (models.Job, bool) {
	return lo.Find(s.Jobs(), func(j models.Job) bool { return j.ID == jobID })
}

// Available lists the actions the UI should enable for a job, or for one of its
// tasks when task is non-nil
func Available(job models.Job, task *models.Task) []models.Action {
	status := job.Status
	if task != nil {
		status = task.Status
	}
	return lo.Filter(models.Actions, func(a models.Action, _ int) bool {
		return a.AllowedFrom(status)
	})
}

func (s *Service) statusOf(jobID int64, taskID *int64) (models.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.findLocked(jobID)
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}
	if taskID == nil {
		return job.Status, nil
	}
	task, ok := job.FindTask(*taskID)
	if !ok {
		return "", fmt.Errorf("%w: %d in job %d", ErrTaskNotFound, *taskID, jobID)
	}
	return task.Status, nil
}

// findLocked returns a pointer into the snapshot; s.mu must be held
func (s *Service) findLocked(jobID int64) (*models.Job, bool) {
	for i := range s.jobs {
		if s.jobs[i].ID == jobID {
			return &s.jobs[i], true
		}
	}
	return nil, false
}

func (s *Service) record(jobID int64, taskID *int64, action, outcome, message string) {
	if s.store == nil {
		return
	}
	entry := models.ActionLog{JobID: jobID, TaskID: taskID, Action: action, Outcome: outcome, Message: message}
	if err := s.store.RecordAction(entry); err != nil {
		log.Printf("WARNING: Failed to record %s action for job %d: %v", action, jobID, err)
	}
}

// sortNewestFirst orders by creation time, newest first; ties go to the larger id
func sortNewestFirst(list []models.Job) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
