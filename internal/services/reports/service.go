package reports

import (
	"context"
	"fmt"
	"log"
	"sync"

	"tai-desktop/internal/api"
	"tai-desktop/internal/models"
	"tai-desktop/internal/stream"
)

// Subscriber is the part of the stream multiplexer the service needs
type Subscriber interface {
	Subscribe(key stream.TopicKey, onEvent func(stream.Event), onError func(error)) (*stream.Subscription, error)
	Unsubscribe(key stream.TopicKey)
}

// Service fetches generation reports and keeps their content live while they stream
type Service struct {
	client  *api.Client
	streams Subscriber
	acc     *Accumulator
	onError func(key stream.TopicKey, err error)

	mu       sync.Mutex
	watching map[stream.TopicKey]bool
}

// NewService creates a reports service
func NewService(client *api.Client, streams Subscriber, acc *Accumulator) *Service {
	if acc == nil {
		acc = NewAccumulator()
	}
	return &Service{
		client:   client,
		streams:  streams,
		acc:      acc,
		watching: make(map[stream.TopicKey]bool),
	}
}

// OnStreamError registers a hook for transport errors on content channels
func (s *Service) OnStreamError(fn func(key stream.TopicKey, err error)) {
	s.onError = fn
}

// Accumulator exposes the materialized content store
func (s *Service) Accumulator() *Accumulator {
	return s.acc
}

// LatestReview returns the article's active review report.
// found is false when none has been produced yet; that is not an error.
func (s *Service) LatestReview(ctx context.Context, articleID int64) (report models.Report, found bool, err error) {
	return s.fetch(ctx, "ai-reviews", articleID, models.ReportKindReview)
}

// StructuredData returns the article's structured-data report, if produced
func (s *Service) StructuredData(ctx context.Context, articleID int64) (report models.Report, found bool, err error) {
	return s.fetch(ctx, "structured-data", articleID, models.ReportKindStructuredData)
}

func (s *Service) fetch(ctx context.Context, endpoint string, articleID int64, kind models.ReportKind) (models.Report, bool, error) {
	resp, err := s.client.Get(ctx, endpoint, map[string]string{"article_id": fmt.Sprint(articleID)})
	if err != nil {
		return models.Report{}, false, fmt.Errorf("failed to fetch %s: %w", endpoint, err)
	}
	if err := api.CheckResponse(endpoint, resp); err != nil {
		if api.IsNotFound(err) {
			return models.Report{}, false, nil
		}
		return models.Report{}, false, err
	}

	list, err := decodeReports(resp.Body())
	if err != nil {
		return models.Report{}, false, err
	}
	active, ok := pickActive(list)
	if !ok {
		return models.Report{}, false, nil
	}
	return active.ToReport(kind), true, nil
}

// RequestReview asks the server to start a review generation for an article
func (s *Service) RequestReview(ctx context.Context, articleID int64) (*models.Job, error) {
	var job models.Job
	if err := s.client.PostJSON(ctx, fmt.Sprintf("articles/%d/review", articleID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ExtractStructuredData asks the server to start structured-data extraction for an article
func (s *Service) ExtractStructuredData(ctx context.Context, articleID int64) (*models.Job, error) {
	var job models.Job
	if err := s.client.PostJSON(ctx, fmt.Sprintf("articles/%d/extract-structured-data", articleID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Watch tracks the report and, unless it is already terminal, opens its content
// channel. The channel is torn down automatically when the stream reports is_final.
// It returns whether a channel was opened.
func (s *Service) Watch(report models.Report) (bool, error) {
	key, err := topicFor(report)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	rewatch := s.watching[key]
	if report.Status.IsTerminal() {
		delete(s.watching, key)
	} else {
		s.watching[key] = true
	}
	s.mu.Unlock()

	// Stop the previous stream, including a frame it is still delivering,
	// before the entry is reset.
	if rewatch {
		s.streams.Unsubscribe(key)
	}

	if report.Status.IsTerminal() {
		s.acc.Track(report, nil)
		return false, nil
	}

	s.acc.Track(report, func(final models.Report) {
		log.Printf("Report %s finished, closing stream", key)
		s.mu.Lock()
		delete(s.watching, key)
		s.mu.Unlock()
		s.streams.Unsubscribe(key)
	})

	kind, id := report.Kind, report.ID
	_, err = s.streams.Subscribe(key, func(ev stream.Event) {
		s.acc.Apply(kind, id, ev)
	}, func(err error) {
		if s.onError != nil {
			s.onError(key, err)
		}
	})
	if err != nil {
		s.mu.Lock()
		delete(s.watching, key)
		s.mu.Unlock()
		return false, fmt.Errorf("failed to subscribe to %s: %w", key, err)
	}
	return true, nil
}

// StopWatching closes the report's content channel and drops its materialized content
func (s *Service) StopWatching(kind models.ReportKind, reportID int64) {
	key, err := topicFor(models.Report{ID: reportID, Kind: kind})
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.watching, key)
	s.mu.Unlock()

	s.streams.Unsubscribe(key)
	s.acc.Forget(kind, reportID)
}

// Content is the read-only materialized-content getter
func (s *Service) Content(kind models.ReportKind, reportID int64) (models.Report, bool) {
	return s.acc.Get(kind, reportID)
}

func topicFor(report models.Report) (stream.TopicKey, error) {
	switch report.Kind {
	case models.ReportKindReview:
		return stream.ReviewKey(report.ID), nil
	case models.ReportKindStructuredData:
		return stream.StructuredDataKey(report.ID), nil
	}
	return stream.TopicKey{}, fmt.Errorf("unknown report kind %q", report.Kind)
}
