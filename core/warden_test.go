package core

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink is an EventSink that records every call, safe for
// concurrent use by a Warden's worker goroutine and the test's assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []string
	done   chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{done: make(chan struct{}, 16)}
}

func (s *recordingSink) record(name string) {
	s.mu.Lock()
	s.events = append(s.events, name)
	s.mu.Unlock()
}

func (s *recordingSink) NotifyStarted(jobID string)          { s.record("started:" + jobID) }
func (s *recordingSink) NotifyStopped(jobID string)           { s.record("stopped:" + jobID) }
func (s *recordingSink) NotifySuccess(jobID string)           { s.record("success:" + jobID) }
func (s *recordingSink) NotifyFailed(jobID, reason string)    { s.record("failed:" + jobID + ":" + reason) }
func (s *recordingSink) NotifyResult(jobID, outputPath string) {
	s.record("result:" + jobID)
	s.done <- struct{}{}
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	copy(out, s.events)
	return out
}

func waitForResult(t *testing.T, sink *recordingSink) {
	t.Helper()
	select {
	case <-sink.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for RESULT event")
	}
}

func TestWarden_SuccessfulJobEmitsOrderedEvents(t *testing.T) {
	sink := newRecordingSink()
	logger := testLogger()
	w := NewWarden(0, filepath.Join(t.TempDir(), "envo0"), t.TempDir(), sink, logger,
		WithCommandBuilder(func(string) []string { return []string{"true"} }))
	w.Start()

	job := &Job{ID: "job1", Test: "smoke", MaxDuration: 5}
	require.True(t, w.TryDispatch(job), "expected dispatch to succeed on an idle warden")
	waitForResult(t, sink)

	events := sink.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, []string{"started:job1", "stopped:job1", "success:job1", "result:job1"}, events)
}

func TestWarden_FailingJobReportsExitCode(t *testing.T) {
	sink := newRecordingSink()
	w := NewWarden(0, filepath.Join(t.TempDir(), "envo0"), t.TempDir(), sink, testLogger(),
		WithCommandBuilder(func(string) []string { return []string{"false"} }))
	w.Start()

	require.True(t, w.TryDispatch(&Job{ID: "job2", Test: "fail", MaxDuration: 5}), "expected dispatch to succeed")
	waitForResult(t, sink)

	events := sink.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, "failed:job2:exit code 1", events[2])
}

func TestWarden_TimeoutKillsChild(t *testing.T) {
	sink := newRecordingSink()
	clock := NewFakeClock(time.Unix(0, 0))
	w := NewWarden(0, filepath.Join(t.TempDir(), "envo0"), t.TempDir(), sink, testLogger(),
		WithWardenClock(clock),
		WithCommandBuilder(func(string) []string { return []string{"sleep", "30"} }))
	w.Start()

	require.True(t, w.TryDispatch(&Job{ID: "job3", Test: "hang", MaxDuration: 1}), "expected dispatch to succeed")

	// Give the worker goroutine time to spawn the child and register its
	// deadline timer before advancing past it.
	time.Sleep(100 * time.Millisecond)
	clock.Advance(2 * time.Second)
	waitForResult(t, sink)

	events := sink.snapshot()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, "failed:job3:timeouted", events[len(events)-2])
}

func TestWarden_SecondDispatchRejectedWhileBusy(t *testing.T) {
	sink := newRecordingSink()
	w := NewWarden(0, filepath.Join(t.TempDir(), "envo0"), t.TempDir(), sink, testLogger(),
		WithCommandBuilder(func(string) []string { return []string{"sleep", "1"} }))
	w.Start()

	require.True(t, w.TryDispatch(&Job{ID: "a", Test: "t", MaxDuration: 5}), "first dispatch should succeed")
	assert.False(t, w.TryDispatch(&Job{ID: "b", Test: "t", MaxDuration: 5}), "second dispatch should be rejected while busy")
	waitForResult(t, sink)
}

func TestWarden_PrepareWorkdirReplacesStaleFile(t *testing.T) {
	root := t.TempDir()
	workDir := filepath.Join(root, "envo0")
	require.NoError(t, os.WriteFile(workDir, []byte("stale"), 0o644))

	sink := newRecordingSink()
	w := NewWarden(0, workDir, t.TempDir(), sink, testLogger(),
		WithCommandBuilder(func(string) []string { return []string{"true"} }))
	w.Start()

	require.True(t, w.TryDispatch(&Job{ID: "job4", Test: "t", MaxDuration: 5}), "expected dispatch to succeed")
	waitForResult(t, sink)

	info, err := os.Stat(workDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "expected workDir to be replaced with a directory")
}
