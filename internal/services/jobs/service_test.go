package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tai-desktop/internal/api"
	"tai-desktop/internal/models"
)

// fakeServer is a minimal in-memory job API
type fakeServer struct {
	mu       sync.Mutex
	jobs     []models.Job
	requests []string
	reject   map[string]string // "METHOD path" -> detail for a 409
}

func newFakeServer(t *testing.T, jobs ...models.Job) (*fakeServer, *httptest.Server) {
	fs := &fakeServer{jobs: jobs, reject: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	route := r.Method + " " + r.URL.Path
	fs.requests = append(fs.requests, route)

	if detail, ok := fs.reject[route]; ok {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, `{"detail": %q}`, detail)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case route == "GET /jobs":
		json.NewEncoder(w).Encode(fs.jobs)
	case route == "POST /jobs/cancel-all":
		for i := range fs.jobs {
			if !fs.jobs[i].Status.IsTerminal() {
				fs.jobs[i].Status = models.StatusCancelled
			}
		}
		w.Write([]byte(`{}`))
	case route == "POST /jobs":
		var req CreateJobRequest
		json.NewDecoder(r.Body).Decode(&req)
		job := models.Job{ID: int64(100 + len(fs.jobs)), Name: req.Name, Status: models.StatusPending, Parallelism: 1, CreatedAt: time.Now()}
		fs.jobs = append(fs.jobs, job)
		json.NewEncoder(w).Encode(job)
	case r.Method == http.MethodPost && parts[len(parts)-1] == "action":
		var req actionRequest
		json.NewDecoder(r.Body).Decode(&req)
		job := fs.find(parts[1])
		if job == nil {
			http.NotFound(w, r)
			return
		}
		if len(parts) == 5 {
			for i := range job.Tasks {
				if fmt.Sprint(job.Tasks[i].ID) == parts[3] {
					job.Tasks[i].Status = req.Action.Target()
				}
			}
			job.Status = models.StatusProcessing
		} else {
			job.Status = req.Action.Target()
		}
		w.Write([]byte(`{}`))
	case r.Method == http.MethodPut && len(parts) == 2:
		var req parallelismRequest
		json.NewDecoder(r.Body).Decode(&req)
		if job := fs.find(parts[1]); job != nil {
			job.Parallelism = req.Parallelism
		}
		w.Write([]byte(`{}`))
	case r.Method == http.MethodGet && len(parts) == 2:
		job := fs.find(parts[1])
		if job == nil {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(job)
	default:
		http.NotFound(w, r)
	}
}

func (fs *fakeServer) find(id string) *models.Job {
	for i := range fs.jobs {
		if fmt.Sprint(fs.jobs[i].ID) == id {
			return &fs.jobs[i]
		}
	}
	return nil
}

func (fs *fakeServer) routes() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.requests...)
}

func (fs *fakeServer) setParallelism(jobID int64, n int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.find(fmt.Sprint(jobID)).Parallelism = n
}

type memoryStore struct {
	saved   [][]models.Job
	actions []models.ActionLog
}

func (m *memoryStore) SaveJobs(jobs []models.Job) error {
	m.saved = append(m.saved, jobs)
	return nil
}

func (m *memoryStore) RecordAction(entry models.ActionLog) error {
	m.actions = append(m.actions, entry)
	return nil
}

func newTestService(url string, store Store) *Service {
	opts := api.DefaultOptions()
	opts.RetryCount = 0
	opts.RateLimitRPS = 0
	return NewService(api.NewClient(url, "tok", opts), store)
}

func int64Ptr(v int64) *int64 { return &v }

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestListJobs(t *testing.T) {
	t.Run("Should order newest first with ties broken by id", func(t *testing.T) {
		_, srv := newFakeServer(t,
			models.Job{ID: 1, Status: models.StatusCompleted, CreatedAt: base},
			models.Job{ID: 3, Status: models.StatusProcessing, CreatedAt: base.Add(time.Hour)},
			models.Job{ID: 2, Status: models.StatusPending, CreatedAt: base},
		)
		store := &memoryStore{}
		svc := newTestService(srv.URL, store)

		jobs, err := svc.ListJobs(context.Background())
		require.NoError(t, err)
		ids := []int64{jobs[0].ID, jobs[1].ID, jobs[2].ID}
		assert.Equal(t, []int64{3, 2, 1}, ids)
		assert.Len(t, store.saved, 1)
	})

	t.Run("Should warn when a job moves outside the state machine", func(t *testing.T) {
		fs, srv := newFakeServer(t,
			models.Job{ID: 1, Status: models.StatusCompleted, CreatedAt: base},
			models.Job{ID: 2, Status: models.StatusFailed, CreatedAt: base},
		)
		svc := newTestService(srv.URL, nil)
		_, err := svc.ListJobs(context.Background())
		require.NoError(t, err)

		var logs bytes.Buffer
		log.SetOutput(&logs)
		t.Cleanup(func() { log.SetOutput(os.Stderr) })

		fs.mu.Lock()
		fs.jobs[0].Status = models.StatusProcessing
		fs.jobs[1].Status = models.StatusPending
		fs.mu.Unlock()
		_, err = svc.ListJobs(context.Background())
		require.NoError(t, err)

		assert.Contains(t, logs.String(), "Job 1 moved from completed to processing outside the job state machine")
		assert.NotContains(t, logs.String(), "Job 2 moved")
	})

	t.Run("Should surface server failures", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := newTestService(srv.URL, nil).ListJobs(context.Background())
		var apiErr *api.Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	})
}

func TestApplyAction(t *testing.T) {
	ctx := context.Background()

	t.Run("Should retry a failed task and re-snapshot", func(t *testing.T) {
		fs, srv := newFakeServer(t, models.Job{
			ID: 7, Status: models.StatusProcessing, CreatedAt: base,
			Tasks: []models.Task{
				{ID: 70, JobID: 7, TaskType: models.TaskTypeConversion, Status: models.StatusCompleted},
				{ID: 71, JobID: 7, TaskType: models.TaskTypeProcessAIReview, Status: models.StatusFailed},
			},
		})
		store := &memoryStore{}
		svc := newTestService(srv.URL, store)
		_, err := svc.ListJobs(ctx)
		require.NoError(t, err)

		require.NoError(t, svc.ApplyAction(ctx, 7, int64Ptr(71), models.ActionRetry))

		job, ok := svc.Job(7)
		require.True(t, ok)
		task, _ := job.FindTask(71)
		assert.Contains(t, []models.Status{models.StatusPending, models.StatusProcessing}, task.Status)
		assert.Equal(t, []string{"GET /jobs", "POST /jobs/7/tasks/71/action", "GET /jobs"}, fs.routes())

		require.Len(t, store.actions, 1)
		assert.Equal(t, "retry", store.actions[0].Action)
		assert.Equal(t, OutcomeAccepted, store.actions[0].Outcome)
		assert.Equal(t, int64(71), *store.actions[0].TaskID)
	})

	t.Run("Should reject actions the current status does not allow without a request", func(t *testing.T) {
		fs, srv := newFakeServer(t, models.Job{ID: 7, Status: models.StatusCompleted, CreatedAt: base})
		svc := newTestService(srv.URL, nil)
		_, err := svc.ListJobs(ctx)
		require.NoError(t, err)

		err = svc.ApplyAction(ctx, 7, nil, models.ActionPause)
		assert.ErrorIs(t, err, ErrActionNotAllowed)
		assert.Equal(t, []string{"GET /jobs"}, fs.routes())
	})

	t.Run("Should report unknown jobs, tasks and actions", func(t *testing.T) {
		_, srv := newFakeServer(t, models.Job{ID: 7, Status: models.StatusProcessing, CreatedAt: base})
		svc := newTestService(srv.URL, nil)
		_, err := svc.ListJobs(ctx)
		require.NoError(t, err)

		assert.ErrorIs(t, svc.ApplyAction(ctx, 8, nil, models.ActionCancel), ErrJobNotFound)
		assert.ErrorIs(t, svc.ApplyAction(ctx, 7, int64Ptr(1), models.ActionCancel), ErrTaskNotFound)
		assert.ErrorIs(t, svc.ApplyAction(ctx, 7, nil, models.Action("explode")), ErrUnknownAction)
	})

	t.Run("Should wrap server refusals", func(t *testing.T) {
		fs, srv := newFakeServer(t, models.Job{ID: 7, Status: models.StatusProcessing, CreatedAt: base})
		fs.reject["POST /jobs/7/action"] = "job is locked"
		store := &memoryStore{}
		svc := newTestService(srv.URL, store)
		_, err := svc.ListJobs(ctx)
		require.NoError(t, err)

		err = svc.ApplyAction(ctx, 7, nil, models.ActionPause)
		var rejected *ActionRejectedError
		require.ErrorAs(t, err, &rejected)
		assert.Equal(t, "job is locked", rejected.Err.Message)
		assert.Contains(t, err.Error(), "pause on job 7")

		var apiErr *api.Error
		assert.True(t, errors.As(err, &apiErr))
		assert.Equal(t, OutcomeRejected, store.actions[0].Outcome)

		job, _ := svc.Job(7)
		assert.Equal(t, models.StatusProcessing, job.Status)
		assert.Equal(t, []string{"GET /jobs", "POST /jobs/7/action", "GET /jobs"}, fs.routes())
	})
}

func TestSetParallelism(t *testing.T) {
	ctx := context.Background()

	t.Run("Should refuse terminal jobs without a request", func(t *testing.T) {
		fs, srv := newFakeServer(t, models.Job{ID: 1, Status: models.StatusCompleted, Parallelism: 1, CreatedAt: base})
		svc := newTestService(srv.URL, nil)
		_, err := svc.ListJobs(ctx)
		require.NoError(t, err)

		err = svc.SetParallelism(ctx, 1, 3)
		assert.ErrorIs(t, err, ErrParallelismLocked)
		assert.Equal(t, []string{"GET /jobs"}, fs.routes())
	})

	t.Run("Should update a processing job", func(t *testing.T) {
		fs, srv := newFakeServer(t, models.Job{ID: 1, Status: models.StatusProcessing, Parallelism: 1, CreatedAt: base})
		svc := newTestService(srv.URL, nil)
		_, err := svc.ListJobs(ctx)
		require.NoError(t, err)

		require.NoError(t, svc.SetParallelism(ctx, 1, 3))
		assert.Equal(t, []string{"GET /jobs", "PUT /jobs/1"}, fs.routes())

		job, _ := svc.Job(1)
		assert.Equal(t, 3, job.Parallelism)
	})

	t.Run("Should drop the overlay on the next snapshot", func(t *testing.T) {
		fs, srv := newFakeServer(t, models.Job{ID: 1, Status: models.StatusProcessing, Parallelism: 1, CreatedAt: base})
		svc := newTestService(srv.URL, nil)
		_, err := svc.ListJobs(ctx)
		require.NoError(t, err)

		require.NoError(t, svc.SetParallelism(ctx, 1, 4))
		// The server settles on a different value than the one requested
		fs.setParallelism(1, 2)

		_, err = svc.ListJobs(ctx)
		require.NoError(t, err)
		job, _ := svc.Job(1)
		assert.Equal(t, 2, job.Parallelism)
	})

	t.Run("Should validate the value", func(t *testing.T) {
		svc := newTestService("http://unused", nil)
		assert.ErrorIs(t, svc.SetParallelism(ctx, 1, 0), ErrInvalidParallelism)
		assert.ErrorIs(t, svc.SetParallelism(ctx, 1, 2), ErrJobNotFound)
	})

	t.Run("Should clear the overlay when the request fails", func(t *testing.T) {
		fs, srv := newFakeServer(t, models.Job{ID: 1, Status: models.StatusProcessing, Parallelism: 1, CreatedAt: base})
		fs.reject["PUT /jobs/1"] = "too many"
		svc := newTestService(srv.URL, nil)
		_, err := svc.ListJobs(ctx)
		require.NoError(t, err)

		assert.Error(t, svc.SetParallelism(ctx, 1, 50))
		job, _ := svc.Job(1)
		assert.Equal(t, 1, job.Parallelism)
	})
}

func TestCancelAll(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakeServer(t,
		models.Job{ID: 1, Status: models.StatusProcessing, CreatedAt: base},
		models.Job{ID: 2, Status: models.StatusPaused, CreatedAt: base},
		models.Job{ID: 3, Status: models.StatusCompleted, CreatedAt: base},
	)
	svc := newTestService(srv.URL, nil)
	_, err := svc.ListJobs(ctx)
	require.NoError(t, err)

	n, err := svc.CancelAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, job := range svc.Jobs() {
		assert.True(t, job.Status.IsTerminal(), "job %d is %s", job.ID, job.Status)
	}
}

func TestCreateAndGetJob(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)
	svc := newTestService(srv.URL, nil)

	_, err := svc.CreateJob(ctx, CreateJobRequest{Name: "empty"})
	assert.Error(t, err)

	job, err := svc.CreateJob(ctx, CreateJobRequest{
		ProjectID: 1,
		Name:      "review batch",
		Tasks:     []CreateTaskRequest{{TaskType: models.TaskTypeProcessAIReview, ArticleID: int64Ptr(9)}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Len(t, svc.Jobs(), 1)

	got, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "review batch", got.Name)

	_, err = svc.GetJob(ctx, 999)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Equal(t, []string{"POST /jobs", "GET /jobs", "GET /jobs/100", "GET /jobs/999"}, fs.routes())
}

func TestAvailable(t *testing.T) {
	job := models.Job{Status: models.StatusProcessing, Tasks: []models.Task{{ID: 1, Status: models.StatusFailed}}}

	assert.Equal(t, []models.Action{models.ActionPause, models.ActionCancel}, Available(job, nil))
	assert.Equal(t, []models.Action{models.ActionRetry}, Available(job, &job.Tasks[0]))
	assert.Empty(t, Available(models.Job{Status: models.StatusCancelled}, nil))
}
