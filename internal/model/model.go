// Package model defines domain entities shared by the agent engines and the ingest server.
package model

import (
	"time"
)

// SourceConfig is the persisted per-source schedule state.
type SourceConfig struct {
	Enabled         bool
	IntervalMinutes uint
	NextSyncAfter   *time.Time // nil when no wait is pending
}

// Interval returns IntervalMinutes as a duration, never less than one minute.
func (c SourceConfig) Interval() time.Duration {
	if c.IntervalMinutes == 0 {
		return time.Minute
	}
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// RunState discriminates JobRunResult.
type RunState string

const (
	RunNone    RunState = ""
	RunSuccess RunState = "success"
	RunError   RunState = "error"
)

// JobRunResult is the outcome of one sync() call: Success or Error(Message).
type JobRunResult struct {
	State   RunState
	Message string // set only when State == RunError
	At      time.Time
}

// Success builds a successful result.
func Success(at time.Time) JobRunResult { return JobRunResult{State: RunSuccess, At: at} }

// Failure builds an error result from err.
func Failure(at time.Time, err error) JobRunResult {
	return JobRunResult{State: RunError, Message: err.Error(), At: at}
}

// OK reports whether the result is a success.
func (r JobRunResult) OK() bool { return r.State == RunSuccess }

// String renders the result the way the status surface shows it.
func (r JobRunResult) String() string {
	switch r.State {
	case RunSuccess:
		return "success"
	case RunError:
		return "error: " + r.Message
	default:
		return "never"
	}
}

// ServiceStatus is a read-only snapshot of a scheduler service.
type ServiceStatus struct {
	Name             string
	IsRunning        bool
	IsEnabled        bool
	Syncing          bool
	LastSyncStatus   JobRunResult
	NextRunTime      *time.Time
	TimeUntilNextRun time.Duration
}

// BackfillStatus is the backfill state machine status.
type BackfillStatus string

const (
	BackfillIdle      BackfillStatus = "idle"
	BackfillRunning   BackfillStatus = "running"
	BackfillCompleted BackfillStatus = "completed"
	BackfillCancelled BackfillStatus = "cancelled"
	BackfillError     BackfillStatus = "error"
)

// Terminal reports whether s is a sticky end state.
func (s BackfillStatus) Terminal() bool {
	return s == BackfillCompleted || s == BackfillCancelled || s == BackfillError
}

// BackfillPhase is the sub-state while running.
type BackfillPhase string

const (
	PhaseNone      BackfillPhase = ""
	PhaseLoading   BackfillPhase = "loading"
	PhaseUploading BackfillPhase = "uploading"
)

// BackfillState is the progress of one backfill family. Values handed out are copies.
type BackfillState struct {
	Family        string
	Status        BackfillStatus
	Phase         BackfillPhase
	Current       int // batches committed
	Total         int // batch count, known once uploading
	MessageCount  int // records loaded for the window
	ItemsUploaded int
	FailedPage    int // 1-based batch index that failed, 0 if none
	Error         string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Record is a plaintext item returned by a source adapter.
type Record struct {
	ID     string         // stable identifier, unique per source
	Date   time.Time      // watermark timestamp
	Fields map[string]any // source-specific plaintext fields
}

// EncryptedRecord is the upload payload for one record: plaintext id/date, ciphertext
// for declared fields and derived *Index fields.
type EncryptedRecord map[string]any

// UploadBatch is one network submission.
type UploadBatch struct {
	Path      string
	BodyKey   string
	Records   []EncryptedRecord
	ExtraBody map[string]any
}

// StoredRecord is an ingested record as persisted by the remote store.
type StoredRecord struct {
	Kind     string
	DeviceID string
	RecordID string
	Date     time.Time
	Payload  map[string]any // immutable fields, ciphertext and indexes
	Status   map[string]any // mutable status flags updated on upsert
}

// IngestResult summarizes one ingest request.
type IngestResult struct {
	Upserted int // fresh records inserted or updated
	Inserted int // historical records newly inserted
	Skipped  int // historical records already present
}

// SearchQuery is an exact-match lookup over one payload field, typically a blind index.
type SearchQuery struct {
	Kind     string
	DeviceID string
	Field    string
	Value    string
	Limit    int
}
