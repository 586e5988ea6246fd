package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"
	"gorm.io/gorm"

	"tai-desktop/internal/api"
	"tai-desktop/internal/config"
	"tai-desktop/internal/crypto"
	"tai-desktop/internal/database"
	"tai-desktop/internal/models"
	"tai-desktop/internal/services/jobs"
	"tai-desktop/internal/session"
)

// ErrNotSignedIn is returned by bound methods that need a server session
var ErrNotSignedIn = errors.New("not signed in - select a server profile first")

// App struct - main application state
type App struct {
	ctx    context.Context
	cfg    *config.Config
	db     *gorm.DB
	store  *database.Store
	sealer *crypto.Sealer

	mu              sync.Mutex
	session         *session.Session
	selectedProfile *models.ServerProfile
}

// NewApp creates a new App application struct
func NewApp() *App {
	return &App{}
}

// wailsEmitter forwards session state to the frontend as runtime events
type wailsEmitter struct {
	ctx context.Context
}

func (e wailsEmitter) Emit(name string, payload interface{}) {
	runtime.EventsEmit(e.ctx, name, payload)
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	log.Println("Application starting up...")

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("FATAL: Invalid configuration: %v", err)
	}
	a.cfg = cfg

	// Saved tokens cannot be read or written without the key
	sealer, err := crypto.Load()
	if err != nil {
		log.Fatalf("FATAL: Encryption initialization failed: %v\nServer profiles cannot be saved without encryption.", err)
	}
	a.sealer = sealer
	log.Println("Encryption initialized successfully")

	db, err := database.Init(cfg.Database, cfg.Debug())
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	a.db = db
	a.store = database.NewStore(db, sealer)

	// An explicit API URL in the environment signs in straight away
	switch {
	case cfg.APIURL != "":
		if err := a.startSession(cfg.APIURL, cfg.APIToken); err != nil {
			log.Printf("WARNING: Failed to start session for %s: %v", cfg.APIURL, err)
		}
	case cfg.Profile != "":
		if err := a.SignIn(cfg.Profile); err != nil {
			log.Printf("WARNING: Failed to sign in with profile %s: %v", cfg.Profile, err)
		}
	}

	log.Println("Startup complete")
}

// shutdown is called when the app is closing
func (a *App) shutdown(ctx context.Context) {
	log.Println("Application shutting down...")

	a.SignOut()

	if err := database.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}

	log.Println("Shutdown complete")
}

func (a *App) startSession(baseURL, token string) error {
	httpOpts := api.Options{
		Timeout:        a.cfg.HTTPTimeout,
		RetryCount:     api.DefaultOptions().RetryCount,
		RateLimitRPS:   a.cfg.RateLimitRPS,
		RateLimitBurst: a.cfg.RateLimitBurst,
	}
	s := session.New(session.Options{
		BaseURL:      baseURL,
		Token:        token,
		HTTP:         httpOpts,
		PollInterval: a.cfg.PollInterval,
		Backoff:      a.cfg.ReconnectBackoff,
		ReportModes:  session.ReportModes(a.cfg.ReviewMode, a.cfg.StructuredDataMode),
	}, a.store, wailsEmitter{ctx: a.ctx})

	if err := s.Start(); err != nil {
		s.Close()
		return err
	}

	a.mu.Lock()
	previous := a.session
	a.session = s
	a.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	return nil
}

func (a *App) current() (*session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, ErrNotSignedIn
	}
	return a.session, nil
}

// ====================================================================================
// WAILS-BOUND METHODS - Exposed to Frontend
// ====================================================================================

// Profile Management Methods

// ListProfiles returns all saved server profiles
func (a *App) ListProfiles() ([]models.ServerProfile, error) {
	return a.store.ListProfiles()
}

// SaveProfile creates or updates a server profile; the token is stored encrypted
// NOTE: Frontend should call TestConnection() first to validate the URL and token
func (a *App) SaveProfile(req SaveProfileRequest) (*models.ServerProfile, error) {
	return a.store.SaveProfile(req.Name, req.BaseURL, req.Username, req.Token)
}

// DeleteProfile deletes a server profile
func (a *App) DeleteProfile(name string) error {
	return a.store.DeleteProfile(name)
}

// SignIn opens a session against a saved profile
func (a *App) SignIn(name string) error {
	profile, token, err := a.store.Profile(name)
	if err != nil {
		return err
	}
	if err := a.startSession(profile.BaseURL, token); err != nil {
		return err
	}

	a.mu.Lock()
	a.selectedProfile = profile
	a.mu.Unlock()
	log.Printf("Signed in with profile: %s", profile.Name)
	return nil
}

// SignOut closes every channel and stops polling
func (a *App) SignOut() {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.selectedProfile = nil
	a.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

// GetSelectedProfile returns the profile of the current session
func (a *App) GetSelectedProfile() *models.ServerProfile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selectedProfile
}

// Job Methods

// ListJobs fetches a fresh job snapshot
func (a *App) ListJobs() ([]models.Job, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	return s.Jobs().ListJobs(a.ctx)
}

// CachedJobs returns the last snapshot saved locally, for rendering before the first refresh
func (a *App) CachedJobs() ([]models.Job, error) {
	return a.store.LoadJobs()
}

// GetJob fetches a single job
func (a *App) GetJob(jobID int64) (*models.Job, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	return s.Jobs().GetJob(a.ctx, jobID)
}

// CreateJob submits a new job
func (a *App) CreateJob(req jobs.CreateJobRequest) (*models.Job, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	return s.Jobs().CreateJob(a.ctx, req)
}

// ApplyJobAction applies retry/pause/resume/cancel to a whole job
func (a *App) ApplyJobAction(jobID int64, action string) error {
	s, err := a.current()
	if err != nil {
		return err
	}
	return s.Jobs().ApplyAction(a.ctx, jobID, nil, models.Action(action))
}

// ApplyTaskAction applies retry/pause/resume/cancel to one task of a job
func (a *App) ApplyTaskAction(jobID, taskID int64, action string) error {
	s, err := a.current()
	if err != nil {
		return err
	}
	return s.Jobs().ApplyAction(a.ctx, jobID, &taskID, models.Action(action))
}

// SetParallelism changes a job's parallelism
func (a *App) SetParallelism(jobID int64, n int) error {
	s, err := a.current()
	if err != nil {
		return err
	}
	return s.Jobs().SetParallelism(a.ctx, jobID, n)
}

// CancelAllJobs cancels every unfinished job and returns how many there were
func (a *App) CancelAllJobs() (int, error) {
	s, err := a.current()
	if err != nil {
		return 0, err
	}
	return s.Jobs().CancelAll(a.ctx)
}

// AvailableActions lists the actions to enable for a job (taskID 0) or one of its tasks
func (a *App) AvailableActions(jobID, taskID int64) ([]models.Action, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	job, ok := s.Jobs().Job(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", jobs.ErrJobNotFound, jobID)
	}
	if taskID == 0 {
		return jobs.Available(job, nil), nil
	}
	task, ok := job.FindTask(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", jobs.ErrTaskNotFound, taskID)
	}
	return jobs.Available(job, task), nil
}

// ActionHistory returns recent actions for the history panel
func (a *App) ActionHistory(limit int) ([]models.ActionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	return a.store.RecentActions(limit)
}

// GetSessionStatus returns the open streams and tracked reports for the connection panel
func (a *App) GetSessionStatus() (*session.Status, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	status := s.Status()
	return &status, nil
}

// StartJobPolling is called when the jobs view mounts. Signing in opens the
// global stream only, so nothing is polled until this runs.
func (a *App) StartJobPolling() error {
	s, err := a.current()
	if err != nil {
		return err
	}
	s.Poller().Start()
	return nil
}

// StopJobPolling is called when the jobs view unmounts
func (a *App) StopJobPolling() {
	if s, err := a.current(); err == nil {
		s.Poller().Stop()
	}
}

// Report Methods

// OpenReport loads an article's latest report and streams it while it generates.
// A nil report means none has been produced yet.
func (a *App) OpenReport(kind string, articleID int64) (*models.Report, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	report, found, err := s.OpenReport(a.ctx, models.ReportKind(kind), articleID)
	if err != nil || !found {
		return nil, err
	}
	return &report, nil
}

// CloseReport stops streaming a report the UI navigated away from
func (a *App) CloseReport(kind string, reportID int64) {
	if s, err := a.current(); err == nil {
		s.CloseReport(models.ReportKind(kind), reportID)
	}
}

// ReportContent returns the materialized content of a report
func (a *App) ReportContent(kind string, reportID int64) (*models.Report, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	if report, ok := s.Reports().Content(models.ReportKind(kind), reportID); ok {
		return &report, nil
	}
	report, found, err := a.store.LoadReport(models.ReportKind(kind), reportID)
	if err != nil || !found {
		return nil, err
	}
	return &report, nil
}

// RequestReview starts a review generation for an article
func (a *App) RequestReview(articleID int64) (*models.Job, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	return s.Reports().RequestReview(a.ctx, articleID)
}

// ExtractStructuredData starts structured-data extraction for an article
func (a *App) ExtractStructuredData(articleID int64) (*models.Job, error) {
	s, err := a.current()
	if err != nil {
		return nil, err
	}
	return s.Reports().ExtractStructuredData(a.ctx, articleID)
}

// ====================================================================================
// REQUEST/RESPONSE TYPES
// ====================================================================================

// SaveProfileRequest represents a request to create/update a server profile
type SaveProfileRequest struct {
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Token    string `json:"token"` // Plain text, will be encrypted
}

// TestConnectionRequest represents a connection test request
type TestConnectionRequest struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// TestConnectionResponse represents the test result
type TestConnectionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Jobs    int    `json:"jobs,omitempty"`
}

// TestConnection checks a URL and token without saving anything
func (a *App) TestConnection(req TestConnectionRequest) TestConnectionResponse {
	opts := api.DefaultOptions()
	opts.RetryCount = 0
	client := api.NewClient(req.URL, req.Token, opts)
	return testConnection(a.ctx, client)
}

func testConnection(ctx context.Context, client *api.Client) TestConnectionResponse {
	var list []models.Job
	err := client.GetJSON(ctx, "jobs", nil, &list)
	if err == nil {
		return TestConnectionResponse{Success: true, Jobs: len(list)}
	}

	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		return TestConnectionResponse{Error: fmt.Sprintf("Connection failed: %v", err)}
	}

	var errorMsg string
	switch apiErr.StatusCode {
	case http.StatusUnauthorized:
		errorMsg = "Invalid or expired token"
	case http.StatusNotFound:
		errorMsg = "Server not found or invalid URL"
	case http.StatusForbidden:
		errorMsg = "Access forbidden (check account permissions)"
	default:
		errorMsg = fmt.Sprintf("HTTP %d: %s", apiErr.StatusCode, apiErr.Message)
	}
	return TestConnectionResponse{Error: errorMsg}
}
