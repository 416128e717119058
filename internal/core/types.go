package core

import (
	"context"
	"time"
)

type JobStatus string

const (
	StatusPending  JobStatus = "pending"
	StatusPrinting JobStatus = "printing"
	StatusDone     JobStatus = "done"
	StatusFailed   JobStatus = "failed"
)

var jobTransitions = map[JobStatus][]JobStatus{
	StatusPending:  {StatusPrinting},
	StatusPrinting: {StatusDone, StatusFailed},
}

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPrinting, StatusDone, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// CanTransitionTo reports whether s -> next is an allowed edge. Writing the
// current status again is not a transition and is handled by the store as a
// no-op.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SourceStatuses returns every status from which next can be reached.
func SourceStatuses(next JobStatus) []JobStatus {
	var from []JobStatus
	for src, targets := range jobTransitions {
		for _, t := range targets {
			if t == next {
				from = append(from, src)
			}
		}
	}
	return from
}

type Job struct {
	ID              int64      `json:"id"`
	SourceReference string     `json:"source_reference"`
	OriginalName    string     `json:"original_name"`
	StoredPath      string     `json:"stored_path"`
	CreatedAt       time.Time  `json:"created_at"`
	Settings        Settings   `json:"settings"`
	Status          JobStatus  `json:"status"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Duration is the time spent printing, zero until the job finishes.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

type NewJob struct {
	SourceReference string
	OriginalName    string
	StoredPath      string
	Settings        Settings
}

type StatusUpdate struct {
	Status       JobStatus
	ErrorKind    string
	ErrorMessage string
}

type JobFilter struct {
	Status          JobStatus
	SourceReference string
	Limit           int
	Offset          int
}

type QueueStats struct {
	Pending  int `json:"pending"`
	Printing int `json:"printing"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
	Total    int `json:"total"`
}

// JobStore is the durable job table. Implementations hold no policy beyond
// the claim atomicity and the transition guard.
type JobStore interface {
	Create(ctx context.Context, job NewJob) (int64, error)
	// ClaimNextPending moves the oldest pending job to printing and returns
	// it, or nil when nothing is pending.
	ClaimNextPending(ctx context.Context) (*Job, error)
	SetStatus(ctx context.Context, id int64, update StatusUpdate) error
	Get(ctx context.Context, id int64) (*Job, error)
	List(ctx context.Context, filter JobFilter) ([]*Job, error)
	// FailInterrupted fails every job left in printing by a previous process.
	FailInterrupted(ctx context.Context, reason string) (int64, error)
	Stats(ctx context.Context) (*QueueStats, error)
}

// Dispatcher submits one file to the printer and reports the outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, path, printer string, settings Settings) error
}

const (
	EventJobQueued    = "job_queued"
	EventJobStarted   = "job_started"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
)

type JobEvent struct {
	Type            string    `json:"event"`
	JobID           int64     `json:"job_id"`
	Status          JobStatus `json:"status"`
	SourceReference string    `json:"source_reference,omitempty"`
	OriginalName    string    `json:"original_name,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

func NewJobEvent(eventType string, job *Job) JobEvent {
	return JobEvent{
		Type:            eventType,
		JobID:           job.ID,
		Status:          job.Status,
		SourceReference: job.SourceReference,
		OriginalName:    job.OriginalName,
		ErrorKind:       job.ErrorKind,
		ErrorMessage:    job.ErrorMessage,
		Timestamp:       time.Now().UTC(),
	}
}

// EventSink receives job lifecycle events. Publish must not block the caller
// for long.
type EventSink interface {
	Publish(event JobEvent)
}

// Sinks fans an event out to several sinks.
type Sinks []EventSink

func (s Sinks) Publish(event JobEvent) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(event)
		}
	}
}

type nopSink struct{}

func (nopSink) Publish(JobEvent) {}
