package core

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Logger is the narrow logging surface every component depends on, matching
// the teacher's Logger interface so a single adapter (LogrusAdapter) serves
// the whole tree.
type Logger interface {
	Criticalf(format string, args ...any)
	Debugf(format string, args ...any)
	Errorf(format string, args ...any)
	Noticef(format string, args ...any)
	Warningf(format string, args ...any)
}

// Status is a job's position in the state machine described in spec.md §3.
type Status string

const (
	StatusEnqueued Status = "enqueued"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// DefaultMaxDuration is the wall-clock budget assigned to every job; the
// HTTP layer never lets a client override it (spec.md §9, Open Question 4).
const DefaultMaxDuration = 90 * time.Second

// Job is the only first-class entity in the system (spec.md §3). Field names
// and JSON tags mirror the on-disk record the Python source produced, so an
// archived/queued file is a faithful textual rendering of this struct.
type Job struct {
	ID          string     `json:"id"`
	User        string     `json:"user"`
	Envo        int        `json:"envo"`
	Test        string     `json:"test"`
	MaxDuration int        `json:"max_duration"`
	Time        float64    `json:"time"`
	Status      Status     `json:"status"`
	Started     *float64   `json:"started,omitempty"`
	Stopped     *float64   `json:"stopped,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Log         string     `json:"log,omitempty"`
}

// Clone returns a deep copy safe to hand to a goroutine that must not see
// subsequent Scheduler mutations.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Started != nil {
		started := *j.Started
		cp.Started = &started
	}
	if j.Stopped != nil {
		stopped := *j.Stopped
		cp.Stopped = &stopped
	}
	return &cp
}

// NewJobID mints a job identifier the way the original Python source did
// (`uuid.uuid4().hex`): 32 lowercase hex digits, no dashes, 128 bits of
// randomness (spec.md §3, §8 uniqueness law).
func NewJobID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	raw := [16]byte(id)
	return hex.EncodeToString(raw[:]), nil
}

// JobRequest is the validated shape of a POST /job body, produced by
// web.validateJobRequest and handed to Scheduler.AddJob, which carries it
// into the mailbox inside an EventAdd (spec.md §9, Open Question 5: validation is a pure function that
// runs before anything touches the Scheduler).
type JobRequest struct {
	User string
	Envo int
	Test string
}

// EventType enumerates the messages the Scheduler mailbox accepts
// (spec.md §4.5).
type EventType string

const (
	EventAdd     EventType = "add"
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
	EventSuccess EventType = "success"
	EventFailed  EventType = "failed"
	EventResult  EventType = "result"
)

// Event is a timestamped mailbox message (spec.md §4.5, §5).
type Event struct {
	Type EventType
	Time time.Time
	Data any
}

// AddData wraps a JobRequest. The EventAdd events that Scheduler.AddJob
// sends do not use it: their payload is the Scheduler's internal
// addRequest, which pairs the JobRequest with a reply channel.
type AddData struct {
	Request JobRequest
}

// FailedData is the payload of an EventFailed event.
type FailedData struct {
	JobID  string
	Reason string
}

// ResultData is the payload of an EventResult event. OutputPath is empty
// when the job produced no captured output (spec.md §4.4).
type ResultData struct {
	JobID      string
	OutputPath string
}

// unixSeconds renders t as the float-seconds-since-epoch timestamp format
// the on-disk job record uses, matching the Python source's `time.time()`.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
