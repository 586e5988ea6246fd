package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"tai-desktop/internal/api"
	"tai-desktop/internal/models"
	"tai-desktop/internal/services/jobs"
	"tai-desktop/internal/services/poller"
	"tai-desktop/internal/services/reports"
	"tai-desktop/internal/stream"
)

// Event names forwarded to the UI
const (
	EventJobsSnapshot = "jobs:snapshot"
	EventStreamError  = "stream:error"
	EventNotice       = "notice"
)

// ReportEvent is the UI event carrying one report's materialized content
func ReportEvent(reportID int64) string {
	return fmt.Sprintf("report:%d", reportID)
}

// Emitter forwards state to the UI
type Emitter interface {
	Emit(name string, payload interface{})
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(name string, payload interface{})

func (f EmitterFunc) Emit(name string, payload interface{}) { f(name, payload) }

// Cache persists what the UI needs to render before the first refresh
type Cache interface {
	jobs.Store
	SaveReport(report models.Report) error
}

// Notice is a user-facing message
type Notice struct {
	Level   string `json:"level"` // info, success, error
	Message string `json:"message"`
}

// StreamError describes a transport failure on a push channel
type StreamError struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// Options configure a session
type Options struct {
	BaseURL      string
	Token        string
	HTTP         api.Options
	PollInterval time.Duration
	Backoff      time.Duration
	Dialer       stream.Dialer
	AfterFunc    stream.AfterFunc
	ReportModes  map[models.ReportKind]reports.Mode // unset kinds keep reports.DefaultModes
}

// ReportModes maps configured accumulation modes ("replace" or "append") to report kinds
func ReportModes(review, structuredData string) map[models.ReportKind]reports.Mode {
	return map[models.ReportKind]reports.Mode{
		models.ReportKindReview:         reports.Mode(review),
		models.ReportKindStructuredData: reports.Mode(structuredData),
	}
}

// StreamStatus is one open push channel
type StreamStatus struct {
	Topic   string `json:"topic"`
	Retries int    `json:"retries"`
}

// ReportState is a tracked report without its content
type ReportState struct {
	ID      int64               `json:"id"`
	Kind    models.ReportKind   `json:"kind"`
	Status  models.ReportStatus `json:"status"`
	IsFinal bool                `json:"is_final"`
}

// Status summarizes a session for the connection panel
type Status struct {
	BaseURL string         `json:"base_url"`
	Polling bool           `json:"polling"`
	Streams []StreamStatus `json:"streams"`
	Reports []ReportState  `json:"reports"`
}

// Session is everything tied to one signed-in server: the REST client, the
// channel registry, the job model, the report streams and the refresh loop.
// Sign-out is Close.
type Session struct {
	client  *api.Client
	streams *stream.Multiplexer
	jobs    *jobs.Service
	reports *reports.Service
	poller  *poller.Service
	cache   Cache
	emitter Emitter

	closeOnce sync.Once
}

// New wires a session. cache and emitter may be nil.
func New(opts Options, cache Cache, emitter Emitter) *Session {
	if emitter == nil {
		emitter = EmitterFunc(func(string, interface{}) {})
	}
	client := api.NewClient(opts.BaseURL, opts.Token, opts.HTTP)
	mux := stream.NewMultiplexer(stream.MultiplexerConfig{
		BaseURL:   opts.BaseURL,
		Token:     opts.Token,
		Dialer:    opts.Dialer,
		Backoff:   opts.Backoff,
		AfterFunc: opts.AfterFunc,
	})

	var store jobs.Store
	if cache != nil {
		store = cache
	}

	s := &Session{
		client:  client,
		streams: mux,
		jobs:    jobs.NewService(client, store),
		reports: reports.NewService(client, mux, nil),
		cache:   cache,
		emitter: emitter,
	}
	s.poller = poller.NewService(s.jobs, opts.PollInterval)
	s.poller.OnSnapshot(func(list []models.Job) {
		s.emitter.Emit(EventJobsSnapshot, list)
	})
	for kind, mode := range opts.ReportModes {
		if mode != "" {
			s.reports.Accumulator().SetMode(kind, mode)
		}
	}
	s.reports.Accumulator().OnChange(s.onReportChange)
	s.reports.OnStreamError(func(key stream.TopicKey, err error) {
		s.emitter.Emit(EventStreamError, StreamError{Topic: key.String(), Message: err.Error()})
	})
	return s
}

// Start opens the global topic. Polling is left to the jobs view: Poller().Start
// when it mounts, Poller().Stop when it unmounts. Global updates refresh the job
// list only while polling runs.
func (s *Session) Start() error {
	_, err := s.streams.Subscribe(stream.GlobalKey, s.onGlobalEvent, func(err error) {
		s.emitter.Emit(EventStreamError, StreamError{Topic: stream.GlobalKey.String(), Message: err.Error()})
	})
	if err != nil {
		return fmt.Errorf("failed to open global events: %w", err)
	}
	log.Printf("Session started for %s", s.client.BaseURL())
	return nil
}

// Close stops polling and tears down every channel
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.poller.Stop()
		s.streams.Close()
		log.Printf("Session for %s closed", s.client.BaseURL())
	})
}

// Jobs returns the job model
func (s *Session) Jobs() *jobs.Service { return s.jobs }

// Reports returns the report streams
func (s *Session) Reports() *reports.Service { return s.reports }

// Poller returns the refresh loop
func (s *Session) Poller() *poller.Service { return s.poller }

// Streams returns the channel registry
func (s *Session) Streams() *stream.Multiplexer { return s.streams }

// Client returns the REST client
func (s *Session) Client() *api.Client { return s.client }

// OpenReport fetches an article's latest report of kind and starts streaming it
// when it is still generating. found is false when none exists yet.
func (s *Session) OpenReport(ctx context.Context, kind models.ReportKind, articleID int64) (report models.Report, found bool, err error) {
	switch kind {
	case models.ReportKindReview:
		report, found, err = s.reports.LatestReview(ctx, articleID)
	case models.ReportKindStructuredData:
		report, found, err = s.reports.StructuredData(ctx, articleID)
	default:
		return models.Report{}, false, fmt.Errorf("unknown report kind %q", kind)
	}
	if err != nil || !found {
		return report, found, err
	}
	if _, err := s.reports.Watch(report); err != nil {
		return report, true, err
	}
	return report, true, nil
}

// Status reports the open channels, their reconnect counts and the tracked reports
func (s *Session) Status() Status {
	status := Status{
		BaseURL: s.client.BaseURL(),
		Polling: s.poller.Running(),
		Streams: []StreamStatus{},
	}
	for _, key := range s.streams.Keys() {
		sub, ok := s.streams.Lookup(key)
		if !ok {
			continue
		}
		status.Streams = append(status.Streams, StreamStatus{Topic: key.String(), Retries: sub.Channel().Retries()})
	}

	status.Reports = lo.Map(s.reports.Accumulator().Snapshot(), func(r models.Report, _ int) ReportState {
		return ReportState{ID: r.ID, Kind: r.Kind, Status: r.Status, IsFinal: r.IsFinal}
	})
	sort.Slice(status.Reports, func(i, j int) bool {
		if status.Reports[i].Kind != status.Reports[j].Kind {
			return status.Reports[i].Kind < status.Reports[j].Kind
		}
		return status.Reports[i].ID < status.Reports[j].ID
	})
	return status
}

// CloseReport stops streaming a report the UI navigated away from and drops its content
func (s *Session) CloseReport(kind models.ReportKind, reportID int64) {
	s.reports.StopWatching(kind, reportID)
}

func (s *Session) onGlobalEvent(ev stream.Event) {
	switch ev := ev.(type) {
	case stream.JobUpdateEvent:
		if ev.Legacy {
			s.emitter.Emit(EventNotice, legacyNotice(ev))
		}
		s.poller.Trigger()
	case stream.TaskUpdateEvent:
		s.poller.Trigger()
	}
}

func (s *Session) onReportChange(report models.Report) {
	s.emitter.Emit(ReportEvent(report.ID), report)
	if report.IsFinal && s.cache != nil {
		if err := s.cache.SaveReport(report); err != nil {
			log.Printf("WARNING: Failed to cache report %d: %v", report.ID, err)
		}
	}
}

func legacyNotice(ev stream.JobUpdateEvent) Notice {
	what := "Job"
	if ev.TaskType == string(models.TaskTypeProcessAIReview) {
		what = "AI review"
	}
	if ev.Status == "FAILED" {
		return Notice{Level: "error", Message: fmt.Sprintf("%s failed", what)}
	}
	return Notice{Level: "success", Message: fmt.Sprintf("%s completed", what)}
}
