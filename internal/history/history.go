package history

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of recorded event.
type EventType string

const (
	EventWorkerStart   EventType = "worker_start"
	EventWorkerReady   EventType = "worker_ready"
	EventWorkerStop    EventType = "worker_stop"
	EventWorkerExit    EventType = "worker_exit"
	EventWorkerRestart EventType = "worker_restart"
	EventWorkerFailed  EventType = "worker_failed"
	EventAnalysis      EventType = "analysis"
)

// WorkerRecord describes the worker at the time of a lifecycle event.
type WorkerRecord struct {
	Name    string `json:"name"`
	PID     int    `json:"pid"`
	State   string `json:"state"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AnalysisRecord is the outcome of one analyzed upload. Score and
// AIGenerated are only meaningful when Success is true.
type AnalysisRecord struct {
	UploadID    string  `json:"upload_id"`
	FileName    string  `json:"file_name"`
	Success     bool    `json:"success"`
	Score       float64 `json:"score"`
	AIGenerated bool    `json:"ai_generated"`
	Message     string  `json:"message"`
}

// Event represents an event exported to external systems.
type Event struct {
	Type       EventType       `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Worker     WorkerRecord    `json:"worker"`
	Analysis   *AnalysisRecord `json:"analysis,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Pruner is implemented by sinks that can drop events older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Fanout sends each event to every sink. Failures are logged and do not
// interrupt delivery to the remaining sinks.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: append([]Sink(nil), sinks...)}
}

func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

func (f *Fanout) Send(ctx context.Context, e Event) error {
	if f == nil {
		return nil
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Send(ctx, e); err != nil {
			slog.Warn("history sink send failed", "event", e.Type, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Prune prunes every sink that supports it and returns the total removed.
func (f *Fanout) Prune(ctx context.Context, before time.Time) (int64, error) {
	if f == nil {
		return 0, nil
	}
	var (
		total int64
		errs  []error
	)
	for _, s := range f.sinks {
		p, ok := s.(Pruner)
		if !ok {
			continue
		}
		n, err := p.Prune(ctx, before)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reader is implemented by sinks that can return recent events, newest first.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Row flattens an event into the column order shared by the SQL sinks:
// occurred_at, event, worker, pid, state, attempt, error, upload_id,
// file_name, success, score, ai_generated, message.
func (e Event) Row() []any {
	var (
		uploadID, fileName, message any
		success, aiGenerated        any
		score                       any
	)
	if a := e.Analysis; a != nil {
		uploadID, fileName, message = a.UploadID, a.FileName, a.Message
		success, aiGenerated = a.Success, a.AIGenerated
		if a.Success {
			score = a.Score
		}
	}
	var errText any
	if e.Worker.Error != "" {
		errText = e.Worker.Error
	}
	return []any{
		e.OccurredAt.UTC(), string(e.Type), e.Worker.Name, e.Worker.PID, e.Worker.State,
		e.Worker.Attempt, errText, uploadID, fileName, success, score, aiGenerated, message,
	}
}

// Scanner is the subset of *sql.Rows used by ScanRow.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanRow reads one row written with Row back into an Event.
func ScanRow(s Scanner) (Event, error) {
	var (
		e                           Event
		typ                         string
		errText, uploadID, fileName sql.NullString
		message                     sql.NullString
		success, aiGenerated        sql.NullBool
		score                       sql.NullFloat64
	)
	if err := s.Scan(&e.OccurredAt, &typ, &e.Worker.Name, &e.Worker.PID, &e.Worker.State,
		&e.Worker.Attempt, &errText, &uploadID, &fileName, &success, &score, &aiGenerated, &message); err != nil {
		return Event{}, err
	}
	e.Type = EventType(typ)
	e.Worker.Error = errText.String
	if uploadID.Valid {
		e.Analysis = &AnalysisRecord{
			UploadID:    uploadID.String,
			FileName:    fileName.String,
			Success:     success.Bool,
			Score:       score.Float64,
			AIGenerated: aiGenerated.Bool,
			Message:     message.String,
		}
	}
	return e, nil
}
