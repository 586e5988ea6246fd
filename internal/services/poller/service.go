package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tai-desktop/internal/models"
)

// DefaultInterval is how often the job list is re-fetched while the view is mounted
const DefaultInterval = 10 * time.Second

// Refresher fetches a fresh job snapshot
type Refresher interface {
	ListJobs(ctx context.Context) ([]models.Job, error)
}

// Service re-fetches the job list on a fixed interval. It is the consistency
// backstop for jobs that change server-side with no content channel open.
type Service struct {
	refresher Refresher
	interval  time.Duration
	cron      *cron.Cron
	job       cron.Job

	mu         sync.Mutex
	running    bool
	scheduled  bool
	ctx        context.Context
	cancel     context.CancelFunc
	triggers   sync.WaitGroup
	onSnapshot func([]models.Job)
}

// NewService creates a poller; interval <= 0 means DefaultInterval
func NewService(refresher Refresher, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cron.PrintfLogger(log.Default())

	s := &Service{
		refresher: refresher,
		interval:  interval,
		cron:      cron.New(cron.WithLogger(logger)),
	}
	// Scheduled ticks and manual triggers share one wrapped job so they never overlap
	s.job = cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).
		Then(cron.FuncJob(s.refresh))
	return s
}

// OnSnapshot registers the callback receiving every fresh snapshot
func (s *Service) OnSnapshot(fn func([]models.Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSnapshot = fn
}

// Interval returns the polling period
func (s *Service) Interval() time.Duration {
	return s.interval
}

// Start begins polling and triggers an immediate refresh. Calling Start on a
// running poller does nothing.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	if !s.scheduled {
		s.cron.Schedule(cron.Every(s.interval), s.job)
		s.scheduled = true
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	s.cron.Start()
	s.mu.Unlock()

	log.Printf("Job poller started (every %v)", s.interval)
	s.Trigger()
}

// Trigger runs an out-of-cycle refresh. It is skipped when a refresh is
// already in flight or the poller is stopped.
func (s *Service) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.triggers.Add(1)
	go func() {
		defer s.triggers.Done()
		s.job.Run()
	}()
}

// Running reports whether the poller is active
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop halts polling and waits for an in-flight refresh to return
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.triggers.Wait()
	log.Println("Job poller stopped")
}

func (s *Service) refresh() {
	s.mu.Lock()
	ctx := s.ctx
	onSnapshot := s.onSnapshot
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}

	jobs, err := s.refresher.ListJobs(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("WARNING: Job refresh failed: %v", err)
		}
		return
	}
	if onSnapshot != nil {
		onSnapshot(jobs)
	}
}
