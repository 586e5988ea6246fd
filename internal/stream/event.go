package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the type of a decoded frame
type Kind string

const (
	KindContent    Kind = "content"
	KindStatus     Kind = "status"
	KindError      Kind = "error"
	KindJobUpdate  Kind = "job_update"
	KindTaskUpdate Kind = "task_update"
	KindHeartbeat  Kind = "heartbeat"
)

var (
	// ErrMalformedFrame is returned for frames that are not valid JSON objects
	ErrMalformedFrame = errors.New("malformed event frame")
	// ErrUnknownFrame is returned for JSON frames that match no known event shape
	ErrUnknownFrame = errors.New("unrecognised event frame")
)

// Event is a decoded push-channel frame
type Event interface {
	Kind() Kind
}

// ContentEvent carries the current content of a generation
type ContentEvent struct {
	Content string
	IsFinal bool
}

// StatusEvent carries a report status change
type StatusEvent struct {
	Status string
}

// ErrorEvent carries a server-side generation error
type ErrorEvent struct {
	Message string
}

// JobUpdateEvent is published on the global topic when a job changes.
// Legacy is set for old-style completion notices that only carry an upper-case status.
type JobUpdateEvent struct {
	JobID    int64
	TaskType string
	Status   string
	Progress *int
	Legacy   bool
	Raw      json.RawMessage
}

// TaskUpdateEvent is published on the global topic when a task changes
type TaskUpdateEvent struct {
	JobID    int64
	TaskID   int64
	Status   string
	Progress *int
	Raw      json.RawMessage
}

// HeartbeatEvent keeps the global topic alive
type HeartbeatEvent struct{}

func (ContentEvent) Kind() Kind    { return KindContent }
func (StatusEvent) Kind() Kind     { return KindStatus }
func (ErrorEvent) Kind() Kind      { return KindError }
func (JobUpdateEvent) Kind() Kind  { return KindJobUpdate }
func (TaskUpdateEvent) Kind() Kind { return KindTaskUpdate }
func (HeartbeatEvent) Kind() Kind  { return KindHeartbeat }

// frame is the union of every field a frame may carry
type frame struct {
	Kind     *string         `json:"kind"`
	Type     *string         `json:"type"`
	Content  *string         `json:"content"`
	IsFinal  bool            `json:"is_final"`
	Status   *string         `json:"status"`
	Error    *string         `json:"error"`
	Message  *string         `json:"message"`
	ID       int64           `json:"id"`
	JobID    int64           `json:"job_id"`
	TaskID   int64           `json:"task_id"`
	TaskType string          `json:"task_type"`
	Progress *int            `json:"progress"`
	Data     json.RawMessage `json:"data"`
}

// Decode parses one frame into a typed event
func Decode(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if f.Kind != nil {
		return decodeKind(Kind(*f.Kind), f, data)
	}

	if f.Type != nil {
		switch Kind(*f.Type) {
		case KindJobUpdate, KindTaskUpdate, KindHeartbeat:
			return decodeKind(Kind(*f.Type), f, data)
		}
	}

	// Legacy completion notice: no kind, upper-case terminal status at the top level
	if f.Status != nil && (*f.Status == "COMPLETED" || *f.Status == "FAILED") {
		return JobUpdateEvent{
			JobID:    firstNonZero(f.JobID, f.ID),
			TaskType: f.TaskType,
			Status:   *f.Status,
			Progress: f.Progress,
			Legacy:   true,
			Raw:      append(json.RawMessage(nil), data...),
		}, nil
	}

	switch {
	case f.Content != nil:
		return decodeKind(KindContent, f, data)
	case f.Status != nil:
		return decodeKind(KindStatus, f, data)
	case f.Error != nil || f.Message != nil:
		return decodeKind(KindError, f, data)
	}

	return nil, ErrUnknownFrame
}

func decodeKind(kind Kind, f frame, data []byte) (Event, error) {
	switch kind {
	case KindContent:
		if f.Content == nil {
			return nil, fmt.Errorf("%w: content event without content", ErrMalformedFrame)
		}
		return ContentEvent{Content: *f.Content, IsFinal: f.IsFinal}, nil
	case KindStatus:
		if f.Status == nil {
			return nil, fmt.Errorf("%w: status event without status", ErrMalformedFrame)
		}
		return StatusEvent{Status: *f.Status}, nil
	case KindError:
		msg := ""
		if f.Message != nil {
			msg = *f.Message
		} else if f.Error != nil {
			msg = *f.Error
		}
		return ErrorEvent{Message: msg}, nil
	case KindJobUpdate:
		ev := JobUpdateEvent{
			JobID:    firstNonZero(f.JobID, f.ID),
			TaskType: f.TaskType,
			Progress: f.Progress,
			Raw:      append(json.RawMessage(nil), data...),
		}
		if f.Status != nil {
			ev.Status = *f.Status
		}
		return ev, nil
	case KindTaskUpdate:
		ev := TaskUpdateEvent{
			JobID:    f.JobID,
			TaskID:   firstNonZero(f.TaskID, f.ID),
			Progress: f.Progress,
			Raw:      append(json.RawMessage(nil), data...),
		}
		if f.Status != nil {
			ev.Status = *f.Status
		}
		return ev, nil
	case KindHeartbeat:
		return HeartbeatEvent{}, nil
	}
	return nil, fmt.Errorf("%w: kind %q", ErrUnknownFrame, kind)
}

func firstNonZero(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
