package reports

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"tai-desktop/internal/models"
	"tai-desktop/internal/stream"
)

const (
	// RawField holds structured-data payloads that were not valid JSON
	RawField = "_raw"
	// ValueField holds structured-data payloads that were JSON but not an object
	ValueField = "_value"
)

// Mode selects how successive content payloads combine
type Mode string

const (
	// ModeReplace treats every payload as the full current value
	ModeReplace Mode = "replace"
	// ModeAppend treats every payload as a delta
	ModeAppend Mode = "append"
)

// DefaultModes is the accumulation mode per report kind. The server resends the
// whole buffer on every tick for both generations.
var DefaultModes = map[models.ReportKind]Mode{
	models.ReportKindReview:         ModeReplace,
	models.ReportKindStructuredData: ModeReplace,
}

// Finalizer is invoked once when a report's stream finishes
type Finalizer func(report models.Report)

type entry struct {
	report    models.Report
	finalizer Finalizer
	finalized bool
}

// Accumulator materializes streamed content per report
type Accumulator struct {
	mu       sync.RWMutex
	reports  map[string]*entry
	modes    map[models.ReportKind]Mode
	onChange func(models.Report)
}

// NewAccumulator creates an accumulator using DefaultModes
func NewAccumulator() *Accumulator {
	modes := make(map[models.ReportKind]Mode, len(DefaultModes))
	for kind, mode := range DefaultModes {
		modes[kind] = mode
	}
	return &Accumulator{
		reports: make(map[string]*entry),
		modes:   modes,
	}
}

// SetMode overrides the accumulation mode for a report kind
func (a *Accumulator) SetMode(kind models.ReportKind, mode Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.modes[kind] = mode
}

// OnChange registers a hook called with a copy of the report after every applied event
func (a *Accumulator) OnChange(fn func(models.Report)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChange = fn
}

// Track starts (or restarts) materializing a report from its last known state.
// finalizer runs once when the stream reports is_final.
func (a *Accumulator) Track(report models.Report, finalizer Finalizer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := reportKey(report.Kind, report.ID)
	if existing, ok := a.reports[key]; ok {
		// Resuming a stream must not blank already materialized content
		if report.Text == "" {
			report.Text = existing.report.Text
		}
		if report.Data == nil {
			report.Data = existing.report.Data
		}
	}
	a.reports[key] = &entry{report: report.Clone(), finalizer: finalizer}
}

// Apply reduces one event into the report's materialized state.
// Events for untracked reports are ignored.
func (a *Accumulator) Apply(kind models.ReportKind, reportID int64, ev stream.Event) {
	a.mu.Lock()
	e, ok := a.reports[reportKey(kind, reportID)]
	if !ok {
		a.mu.Unlock()
		return
	}

	var finalize Finalizer
	switch ev := ev.(type) {
	case stream.ContentEvent:
		a.applyContent(e, ev)
		if ev.IsFinal {
			e.report.Status = models.ReportCompleted
			e.report.IsFinal = true
			if !e.finalized {
				e.finalized = true
				finalize = e.finalizer
			}
		} else if !e.report.Status.IsTerminal() {
			e.report.Status = models.ReportProcessing
		}
	case stream.StatusEvent:
		if e.report.IsFinal {
			a.mu.Unlock()
			return
		}
		e.report.Status = models.ReportStatus(ev.Status)
	case stream.ErrorEvent:
		e.report.Status = models.ReportFailed
		e.report.Error = ev.Message
	default:
		a.mu.Unlock()
		return
	}
	e.report.UpdatedAt = time.Now()

	snapshot := e.report.Clone()
	onChange := a.onChange
	a.mu.Unlock()

	if onChange != nil {
		onChange(snapshot)
	}
	if finalize != nil {
		finalize(snapshot)
	}
}

// applyContent updates text or data; a.mu must be held
func (a *Accumulator) applyContent(e *entry, ev stream.ContentEvent) {
	mode := a.modes[e.report.Kind]

	if e.report.Kind != models.ReportKindStructuredData {
		if mode == ModeAppend {
			e.report.Text += ev.Content
		} else {
			e.report.Text = ev.Content
		}
		return
	}

	var parsed interface{}
	if err := json.Unmarshal([]byte(ev.Content), &parsed); err == nil && parsed != nil {
		object, ok := parsed.(map[string]interface{})
		if !ok {
			object = map[string]interface{}{ValueField: parsed}
		}
		if mode == ModeAppend && e.report.Data != nil {
			for k, v := range object {
				e.report.Data[k] = v
			}
		} else {
			e.report.Data = object
		}
		return
	}

	// Not JSON: keep the raw text so nothing is silently lost
	log.Printf("WARNING: Structured data report %d sent non-JSON content, keeping raw text", e.report.ID)
	if mode == ModeAppend {
		if e.report.Data == nil {
			e.report.Data = map[string]interface{}{}
		}
		prev, _ := e.report.Data[RawField].(string)
		e.report.Data[RawField] = prev + ev.Content
		return
	}
	e.report.Data = map[string]interface{}{RawField: ev.Content}
}

// Get returns a copy of the materialized report
func (a *Accumulator) Get(kind models.ReportKind, reportID int64) (models.Report, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.reports[reportKey(kind, reportID)]
	if !ok {
		return models.Report{}, false
	}
	return e.report.Clone(), true
}

// Snapshot returns copies of every tracked report
func (a *Accumulator) Snapshot() []models.Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.Report, 0, len(a.reports))
	for _, e := range a.reports {
		out = append(out, e.report.Clone())
	}
	return out
}

// Forget drops a report, e.g. when its view is torn down
func (a *Accumulator) Forget(kind models.ReportKind, reportID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reports, reportKey(kind, reportID))
}

func reportKey(kind models.ReportKind, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}
