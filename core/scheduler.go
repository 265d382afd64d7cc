package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"oss.nandlabs.io/golly/lifecycle"
)

// Persister is the subset of storage.JobQueue the Scheduler needs for one
// environment slot. Declared here, rather than importing package storage
// directly, so core stays free of a dependency on its own caller's
// package — storage.JobQueue satisfies it without changes.
type Persister interface {
	Save(job *Job) error
	Remove(id string) error
	Dump() ([]*Job, error)
}

// Archiver is the subset of storage.Archive the Scheduler needs.
type Archiver interface {
	Archive(job *Job, outputPath string) error
}

// Dispatcher is the subset of Warden the Scheduler needs to hand off work.
type Dispatcher interface {
	TryDispatch(job *Job) bool
}

type addRequest struct {
	req   JobRequest
	reply chan addResponse
}

type addResponse struct {
	jobID string
	err   error
}

// ErrUnknownEnvo is returned by AddJob when the requested slot is out of
// range. The HTTP layer is expected to reject this earlier (spec.md §6's
// validation step), so reaching this error indicates a caller bypassed
// validation.
var ErrUnknownEnvo = errors.New("envo out of range")

// Scheduler is the single writer of all live job state (spec.md §4.5): one
// goroutine, driven by a FIFO mailbox, owns every mutation. Everything else
// — the HTTP layer, the Wardens reporting back — only ever sends messages
// into the mailbox or reads a lock-protected snapshot.
type Scheduler struct {
	queues  []Persister
	wardens []Dispatcher
	archive Archiver
	logger  Logger
	clock   Clock

	mailbox chan Event
	stop    chan struct{}
	stopped chan struct{}

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewScheduler builds a Scheduler with one queue/warden pair per environment
// slot; len(queues) must equal len(wardens) (spec.md §4.1, §4.4: one
// JobQueue and one Warden per envo).
func NewScheduler(queues []Persister, wardens []Dispatcher, archive Archiver, logger Logger) *Scheduler {
	return &Scheduler{
		queues:  queues,
		wardens: wardens,
		archive: archive,
		logger:  logger,
		clock:   GetDefaultClock(),
		mailbox: make(chan Event, 64),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		jobs:    make(map[string]*Job),
	}
}

// EnvosCount reports the number of configured environment slots.
func (s *Scheduler) EnvosCount() int {
	return len(s.queues)
}

// Jobs returns a time-ascending snapshot of every live (not yet archived) job,
// ties broken by ID (spec.md §6, GET /job).
func (s *Scheduler) Jobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	sortByTimeThenID(out)
	return out
}

// AddJob validates nothing itself — the caller (web.validateJobRequest) has
// already done that — and asks the event loop to enqueue req, blocking until
// the loop assigns an id or rejects it. (spec.md §9, Open Question 5.)
func (s *Scheduler) AddJob(ctx context.Context, req JobRequest) (string, error) {
	reply := make(chan addResponse, 1)
	select {
	case s.mailbox <- Event{Type: EventAdd, Time: s.clock.Now(), Data: addRequest{req: req, reply: reply}}:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.stop:
		return "", fmt.Errorf("scheduler is shutting down")
	}
	select {
	case resp := <-reply:
		return resp.jobID, resp.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// --- EventSink, implemented on behalf of every Warden ---

func (s *Scheduler) NotifyStarted(jobID string) {
	s.mailbox <- Event{Type: EventStarted, Time: s.clock.Now(), Data: jobID}
}

func (s *Scheduler) NotifyStopped(jobID string) {
	s.mailbox <- Event{Type: EventStopped, Time: s.clock.Now(), Data: jobID}
}

func (s *Scheduler) NotifySuccess(jobID string) {
	s.mailbox <- Event{Type: EventSuccess, Time: s.clock.Now(), Data: jobID}
}

func (s *Scheduler) NotifyFailed(jobID, reason string) {
	s.mailbox <- Event{Type: EventFailed, Time: s.clock.Now(), Data: FailedData{JobID: jobID, Reason: reason}}
}

func (s *Scheduler) NotifyResult(jobID, outputPath string) {
	s.mailbox <- Event{Type: EventResult, Time: s.clock.Now(), Data: ResultData{JobID: jobID, OutputPath: outputPath}}
}

// --- lifecycle.Component ---

var _ lifecycle.Component = (*Scheduler)(nil)

func (s *Scheduler) Id() string { return "scheduler" }

func (s *Scheduler) OnChange(prevState, newState lifecycle.ComponentState) {
	s.logger.Debugf("scheduler: %d -> %d", prevState, newState)
}

func (s *Scheduler) State() lifecycle.ComponentState {
	select {
	case <-s.stopped:
		return lifecycle.Stopped
	default:
		return lifecycle.Running
	}
}

// Start recovers persisted jobs from every queue, resets anything not
// ENQUEUED back to ENQUEUED (a crash can only have been mid-flight —
// spec.md §4.5, §7), dispatches in time order, then enters the event loop.
// It returns once the loop is running; the loop itself runs until Stop.
func (s *Scheduler) Start() error {
	if err := s.recover(); err != nil {
		return fmt.Errorf("recover persisted jobs: %w", err)
	}
	go s.run()
	return nil
}

func (s *Scheduler) Stop() error {
	close(s.stop)
	<-s.stopped
	return nil
}

func (s *Scheduler) recover() error {
	var all []*Job
	for envo, q := range s.queues {
		jobs, err := q.Dump()
		if err != nil {
			return fmt.Errorf("dump queue %d: %w", envo, err)
		}
		all = append(all, jobs...)
	}
	sortByTimeThenID(all)

	for _, job := range all {
		if job.Status != StatusEnqueued {
			s.logger.Noticef("resetting job %q from %q to enqueued after restart", job.ID, job.Status)
			job.Status = StatusEnqueued
			job.Started = nil
			job.Stopped = nil
			if err := s.queues[job.Envo].Save(job); err != nil {
				return fmt.Errorf("persist reset job %s: %w", job.ID, err)
			}
		}
		s.jobs[job.ID] = job
	}
	for envo := range s.queues {
		s.dispatch(envo)
	}
	return nil
}

func (s *Scheduler) run() {
	defer close(s.stopped)
	for {
		select {
		case ev := <-s.mailbox:
			s.handle(ev)
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) handle(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("dropping %q event after handler panic: %v", ev.Type, r)
		}
	}()
	switch ev.Type {
	case EventAdd:
		s.handleAdd(ev)
	case EventStarted:
		s.handleStarted(ev.Data.(string), ev.Time)
	case EventStopped:
		s.handleStopped(ev.Data.(string), ev.Time)
	case EventSuccess:
		s.handleTerminal(ev.Data.(string), StatusDone, "")
	case EventFailed:
		data := ev.Data.(FailedData)
		s.handleTerminal(data.JobID, StatusFailed, data.Reason)
	case EventResult:
		data := ev.Data.(ResultData)
		s.handleResult(data.JobID, data.OutputPath)
	default:
		s.logger.Warningf("unknown event type %q", ev.Type)
	}
}

func (s *Scheduler) handleAdd(ev Event) {
	data := ev.Data.(addRequest)
	if data.req.Envo < 0 || data.req.Envo >= len(s.queues) {
		data.reply <- addResponse{err: ErrUnknownEnvo}
		return
	}
	id, err := NewJobID()
	if err != nil {
		data.reply <- addResponse{err: err}
		return
	}
	job := &Job{
		ID:          id,
		User:        data.req.User,
		Envo:        data.req.Envo,
		Test:        data.req.Test,
		MaxDuration: int(DefaultMaxDuration / time.Second),
		Time:        unixSeconds(ev.Time),
		Status:      StatusEnqueued,
	}
	if err := s.queues[job.Envo].Save(job); err != nil {
		data.reply <- addResponse{err: err}
		return
	}
	s.putJob(job)
	s.logger.Noticef("job %q enqueued for envo %d, test %q", job.ID, job.Envo, job.Test)
	data.reply <- addResponse{jobID: job.ID}
	s.dispatch(job.Envo)
}

func (s *Scheduler) handleStarted(jobID string, at time.Time) {
	started := unixSeconds(at)
	job := s.mutateJob(jobID, func(job *Job) {
		job.Status = StatusRunning
		job.Started = &started
	})
	if job != nil {
		s.persistLive(job)
	}
}

// handleStopped records the stop timestamp. It is informational only: it
// never drives a state transition by itself (spec.md §9, Open Question 3 —
// the terminal status always comes from a subsequent SUCCESS/FAILED event).
func (s *Scheduler) handleStopped(jobID string, at time.Time) {
	stopped := unixSeconds(at)
	job := s.mutateJob(jobID, func(job *Job) {
		job.Stopped = &stopped
	})
	if job != nil {
		s.persistLive(job)
	}
}

func (s *Scheduler) handleTerminal(jobID string, status Status, reason string) {
	job := s.mutateJob(jobID, func(job *Job) {
		job.Status = status
		job.Reason = reason
	})
	if job != nil {
		s.persistLive(job)
	}
}

// handleResult is always the last event a job generates: it removes the job
// from the live queue, archives it, and frees its envo slot for the next
// enqueued job (spec.md §4.4, §4.5).
func (s *Scheduler) handleResult(jobID, outputPath string) {
	job := s.deleteJob(jobID)
	if job == nil {
		return
	}
	if err := s.archive.Archive(job, outputPath); err != nil {
		s.logger.Errorf("archive job %q: %v", jobID, err)
	}
	if err := s.queues[job.Envo].Remove(jobID); err != nil {
		s.logger.Warningf("remove job %q from queue: %v", jobID, err)
	}
	s.dispatch(job.Envo)
}

// dispatch hands the oldest ENQUEUED job for envo to its Warden, if the
// Warden is idle. One envo has exactly one Warden, so at most one job is
// ever in flight per slot (spec.md §4.4, §8).
func (s *Scheduler) dispatch(envo int) {
	var next *Job
	for _, job := range s.Jobs() {
		if job.Envo == envo && job.Status == StatusEnqueued {
			next = job
			break
		}
	}
	if next == nil {
		return
	}
	if !s.wardens[envo].TryDispatch(next) {
		return
	}
	live := s.mutateJob(next.ID, func(job *Job) {
		job.Status = StatusStarting
	})
	if live != nil {
		s.persistLive(live)
	}
}

func (s *Scheduler) putJob(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

// mutateJob locks, applies fn to the live job named by id (if present), and
// returns the job's post-mutation state for the caller to persist outside
// the lock. This is the only way job fields are written, so a concurrent
// Jobs() snapshot never observes a half-applied mutation.
func (s *Scheduler) mutateJob(id string, fn func(*Job)) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	fn(job)
	return job.Clone()
}

// deleteJob removes and returns the job named by id, or nil if absent.
func (s *Scheduler) deleteJob(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	delete(s.jobs, id)
	return job
}

func (s *Scheduler) persistLive(job *Job) {
	if err := s.queues[job.Envo].Save(job); err != nil {
		s.logger.Errorf("persist job %q: %v", job.ID, err)
	}
}

func sortByTimeThenID(jobs []*Job) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0; j-- {
			a, b := jobs[j-1], jobs[j]
			if a.Time < b.Time || (a.Time == b.Time && a.ID <= b.ID) {
				break
			}
			jobs[j-1], jobs[j] = jobs[j], jobs[j-1]
		}
	}
}
