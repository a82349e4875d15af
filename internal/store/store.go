// Package store is the persistence port: durable scheduled-job
// definitions the orchestrator rebuilds its queue from after a restart,
// and the append-only send audit trail the gate's counters read.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("store closed")

type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobFired    JobStatus = "fired"
	JobDone     JobStatus = "done"
	JobCanceled JobStatus = "canceled"
)

// Job is the persistent record of a non-immediate notification request.
// Spec is the recurrence cron expression; blank means one-shot.
//
// Timezone is the IANA zone the recurrence is anchored in. Drivers
// persist fire times as instants, so without the zone a reloaded job
// would re-arm on server-local wall clock instead of the user's.
type Job struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	TemplateID string            `json:"template_id"`
	Variables  map[string]string `json:"variables,omitempty"`
	Spec       string            `json:"spec,omitempty"`
	Timezone   string            `json:"timezone,omitempty"`
	NextFireAt time.Time         `json:"next_fire_at"`
	Status     JobStatus         `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
}

type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeFailed     Outcome = "failed"
)

// SendRecord is one terminal decision on the audit trail. Every firing
// and every immediate trigger produces exactly one.
type SendRecord struct {
	UserID     string    `json:"user_id"`
	TemplateID string    `json:"template_id"`
	At         time.Time `json:"at"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
}

// Store is the persistence adapter consumed by the orchestrator and the
// dispatcher completion path.
type Store interface {
	// SaveJob upserts a job definition (any status).
	SaveJob(ctx context.Context, j Job) error

	// LoadPendingJobs returns every job with status pending. Called once
	// at orchestrator startup to rebuild the in-memory queue.
	LoadPendingJobs(ctx context.Context) ([]Job, error)

	// AppendSendRecord writes one audit record (immediate-trigger path).
	AppendSendRecord(ctx context.Context, r SendRecord) error

	// CountSent counts records with outcome "sent" at or after since.
	// A blank templateID counts across all templates.
	CountSent(ctx context.Context, userID, templateID string, since time.Time) (int, error)

	// CompleteFiring writes the send record and the job's next state as
	// one durable unit, so a crash in between cannot separate "what was
	// sent" from "when it fires next".
	CompleteFiring(ctx context.Context, r SendRecord, j Job) error

	Close() error
}
