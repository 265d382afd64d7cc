package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePersister struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newFakePersister() *fakePersister {
	return &fakePersister{jobs: make(map[string]*Job)}
}

func (p *fakePersister) Save(job *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs[job.ID] = job.Clone()
	return nil
}

func (p *fakePersister) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.jobs, id)
	return nil
}

func (p *fakePersister) Dump() ([]*Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Job, 0, len(p.jobs))
	for _, job := range p.jobs {
		out = append(out, job.Clone())
	}
	return out, nil
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []*Job
}

func (a *fakeArchiver) Archive(job *Job, outputPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, job.Clone())
	return nil
}

func (a *fakeArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.archived)
}

// fakeDispatcher records every job handed to it; accept controls whether
// TryDispatch reports the slot as idle.
type fakeDispatcher struct {
	mu       sync.Mutex
	accept   bool
	received []*Job
}

func (d *fakeDispatcher) TryDispatch(job *Job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.accept {
		return false
	}
	d.accept = false
	d.received = append(d.received, job.Clone())
	return true
}

func (d *fakeDispatcher) lastJob() *Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.received) == 0 {
		return nil
	}
	return d.received[len(d.received)-1]
}

func (d *fakeDispatcher) receivedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.received)
}

func (d *fakeDispatcher) free() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accept = true
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakePersister, *fakeDispatcher, *fakeArchiver) {
	t.Helper()
	persister := newFakePersister()
	dispatcher := &fakeDispatcher{accept: true}
	archiver := &fakeArchiver{}
	s := NewScheduler([]Persister{persister}, []Dispatcher{dispatcher}, archiver, testLogger())
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s, persister, dispatcher, archiver
}

func TestScheduler_AddJobDispatchesImmediatelyWhenIdle(t *testing.T) {
	s, persister, dispatcher, _ := newTestScheduler(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, err := s.AddJob(ctx, JobRequest{User: "alice", Envo: 0, Test: "smoke"})
	require.NoError(t, err)

	waitFor(t, func() bool { return dispatcher.lastJob() != nil })
	assert.Equal(t, id, dispatcher.lastJob().ID, "expected the new job to be dispatched")

	waitFor(t, func() bool {
		job, ok, _ := persisterGet(persister, id)
		return ok && job.Status == StatusStarting
	})
}

func TestScheduler_AddJobRejectsUnknownEnvo(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.AddJob(ctx, JobRequest{User: "alice", Envo: 7, Test: "smoke"})
	assert.Equal(t, ErrUnknownEnvo, err)
}

func TestScheduler_FullLifecycleArchivesAndFreesSlot(t *testing.T) {
	s, persister, dispatcher, archiver := newTestScheduler(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, err := s.AddJob(ctx, JobRequest{User: "alice", Envo: 0, Test: "smoke"})
	require.NoError(t, err)
	waitFor(t, func() bool { return dispatcher.lastJob() != nil })

	s.NotifyStarted(id)
	waitFor(t, func() bool {
		job, ok, _ := persisterGet(persister, id)
		return ok && job.Status == StatusRunning
	})

	s.NotifyStopped(id)
	s.NotifySuccess(id)
	s.NotifyResult(id, "/tmp/does-not-matter")

	waitFor(t, func() bool { return archiver.count() == 1 })
	waitFor(t, func() bool {
		_, ok, _ := persisterGet(persister, id)
		return !ok
	})

	assert.Empty(t, s.Jobs(), "expected no live jobs after archival")
}

// TestScheduler_SameSlotQueueingRedispatchesOnResult exercises spec.md §8
// scenario 4: a second job submitted to an already-busy slot stays
// ENQUEUED until the first job's RESULT frees the slot, at which point the
// Scheduler dispatches the oldest ENQUEUED job on that slot.
func TestScheduler_SameSlotQueueingRedispatchesOnResult(t *testing.T) {
	s, persister, dispatcher, _ := newTestScheduler(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	firstID, err := s.AddJob(ctx, JobRequest{User: "alice", Envo: 0, Test: "normal_good"})
	require.NoError(t, err)
	waitFor(t, func() bool { return dispatcher.receivedCount() == 1 })
	assert.Equal(t, firstID, dispatcher.lastJob().ID)

	secondID, err := s.AddJob(ctx, JobRequest{User: "alice", Envo: 0, Test: "normal_bad"})
	require.NoError(t, err)

	// The warden is still busy with the first job: the second job must not
	// be dispatched and must remain ENQUEUED.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dispatcher.receivedCount(), "second job must not be dispatched while the slot is busy")
	job, ok, _ := persisterGet(persister, secondID)
	require.True(t, ok)
	assert.Equal(t, StatusEnqueued, job.Status)

	// Free the slot and retire the first job.
	s.NotifyStarted(firstID)
	s.NotifyStopped(firstID)
	s.NotifySuccess(firstID)
	dispatcher.free()
	s.NotifyResult(firstID, "/tmp/does-not-matter")

	waitFor(t, func() bool { return dispatcher.receivedCount() == 2 })
	assert.Equal(t, secondID, dispatcher.lastJob().ID, "expected the oldest ENQUEUED job to be redispatched")

	waitFor(t, func() bool {
		job, ok, _ := persisterGet(persister, secondID)
		return ok && job.Status == StatusStarting
	})
}

func TestScheduler_RecoveryResetsNonEnqueuedJobs(t *testing.T) {
	persister := newFakePersister()
	started := 5.0
	_ = persister.Save(&Job{ID: "stale", Envo: 0, Status: StatusRunning, Time: 1, Started: &started})

	dispatcher := &fakeDispatcher{accept: true}
	archiver := &fakeArchiver{}
	s := NewScheduler([]Persister{persister}, []Dispatcher{dispatcher}, archiver, testLogger())
	require.NoError(t, s.Start())
	defer s.Stop()

	waitFor(t, func() bool { return dispatcher.lastJob() != nil })
	assert.Equal(t, "stale", dispatcher.lastJob().ID, "expected the recovered job to be redispatched")

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusStarting, jobs[0].Status)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func persisterGet(p *fakePersister, id string) (*Job, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	return job, ok, nil
}
