package core

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gobs/args"

	"oss.nandlabs.io/golly/fsutils"
)

// stdoutFileName is the fixed name of the file a Warden captures a child's
// combined stdout/stderr into, inside its working directory (spec.md §4.4
// step 3, §6 on-disk layout).
const stdoutFileName = "stdout.txt"

// deadlinePollInterval mirrors warden.py's 0.5s polling granularity. Nothing
// references it: this implementation waits on a timer channel instead of
// polling (spec.md §4.4 step 4 permits either, as long as the deadline is
// enforced).
const deadlinePollInterval = 500 * time.Millisecond

// EventSink is the callback surface a Warden reports job lifecycle events
// to. core.Scheduler implements it; tests can substitute a recording fake.
type EventSink interface {
	NotifyStarted(jobID string)
	NotifyStopped(jobID string)
	NotifySuccess(jobID string)
	NotifyFailed(jobID, reason string)
	NotifyResult(jobID, outputPath string)
}

// CommandBuilder turns a test name into an argv for the child process.
// The default matches the Python source's invocation (`python -m <test>`)
// exactly, split the same way core/runjob.go splits a RunJob entrypoint.
type CommandBuilder func(test string) []string

// DefaultCommandBuilder reproduces warden.py's `['python', '-m', job['test']]`.
func DefaultCommandBuilder(test string) []string {
	return args.GetArgs(fmt.Sprintf("python -m %s", test))
}

// Warden supervises exactly one external test process at a time for one
// environment slot (spec.md §4.4).
type Warden struct {
	envo         int
	workDir      string
	testsPath    string
	sink         EventSink
	logger       Logger
	clock        Clock
	buildCommand CommandBuilder

	inbox chan *Job
	busy  atomic.Bool
}

// WardenOption customizes a Warden away from its defaults.
type WardenOption func(*Warden)

// WithWardenClock injects a Clock, used by tests to control deadline timing.
func WithWardenClock(clock Clock) WardenOption {
	return func(w *Warden) { w.clock = clock }
}

// WithCommandBuilder overrides DefaultCommandBuilder.
func WithCommandBuilder(b CommandBuilder) WardenOption {
	return func(w *Warden) { w.buildCommand = b }
}

// NewWarden constructs a Warden for environment slot envo, scratch directory
// workDir, with testsPath pointing the child at the TestCatalog root.
func NewWarden(envo int, workDir, testsPath string, sink EventSink, logger Logger, opts ...WardenOption) *Warden {
	w := &Warden{
		envo:         envo,
		workDir:      workDir,
		testsPath:    testsPath,
		sink:         sink,
		logger:       logger,
		clock:        GetDefaultClock(),
		buildCommand: DefaultCommandBuilder,
		inbox:        make(chan *Job, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the Warden's worker goroutine. Wardens are daemon workers:
// they run for the lifetime of the process and do not support graceful
// shutdown (spec.md §5).
func (w *Warden) Start() {
	go w.run()
}

// TryDispatch is the sole mutator of the busy flag: it atomically checks
// and sets idleness, then hands off the job over the one-slot inbox. It
// never blocks (spec.md §4.4, §9).
func (w *Warden) TryDispatch(job *Job) bool {
	if !w.busy.CompareAndSwap(false, true) {
		return false
	}
	w.inbox <- job.Clone()
	return true
}

func (w *Warden) run() {
	for job := range w.inbox {
		w.logger.Noticef("envo %d: got job %q", w.envo, job.ID)
		w.processSafely(job)
		w.busy.Store(false)
	}
}

// processSafely converts any panic during execution into a FAILED+RESULT
// pair instead of killing the worker goroutine, matching warden.py's
// `except Exception` barrier around `_process` (spec.md §4.4 step 7, §7).
func (w *Warden) processSafely(job *Job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Errorf("envo %d: job %q crashed: %v", w.envo, job.ID, r)
			w.sink.NotifyFailed(job.ID, fmt.Sprintf("crashed: %v", r))
			w.sink.NotifyResult(job.ID, "")
		}
	}()
	w.process(job)
}

func (w *Warden) process(job *Job) {
	if err := w.prepareWorkdir(); err != nil {
		w.logger.Errorf("envo %d: working dir not ready: %v", w.envo, err)
		w.sink.NotifyFailed(job.ID, "working dir not ready")
		w.sink.NotifyResult(job.ID, "")
		return
	}

	outputPath := filepath.Join(w.workDir, stdoutFileName)
	outFile, err := os.Create(outputPath)
	if err != nil {
		w.logger.Errorf("envo %d: cannot open %s: %v", w.envo, outputPath, err)
		w.sink.NotifyFailed(job.ID, fmt.Sprintf("spawn failed: %v", err))
		w.sink.NotifyResult(job.ID, "")
		return
	}
	defer outFile.Close()

	argv := w.buildCommand(job.Test)
	var cmd *exec.Cmd
	if len(argv) > 0 {
		cmd = exec.Command(argv[0], argv[1:]...)
	} else {
		cmd = exec.Command(job.Test)
	}
	cmd.Dir = w.workDir
	cmd.Env = w.childEnv()
	cmd.Stdout = outFile
	cmd.Stderr = outFile
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		w.logger.Debugf("envo %d: spawn failed for %q: %v", w.envo, job.ID, err)
		w.sink.NotifyFailed(job.ID, fmt.Sprintf("spawn failed: %v", err))
		w.sink.NotifyResult(job.ID, "")
		return
	}
	w.logger.Noticef("envo %d: job %q started", w.envo, job.ID)
	w.sink.NotifyStarted(job.ID)

	maxDuration := time.Duration(job.MaxDuration) * time.Second
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}

	exitErr, timedOut := w.awaitChild(cmd, maxDuration)
	w.sink.NotifyStopped(job.ID)

	switch {
	case timedOut:
		w.logger.Debugf("envo %d: test timeouted: %q", w.envo, job.ID)
		w.sink.NotifyFailed(job.ID, "timeouted")
	case exitErr == nil:
		w.logger.Noticef("envo %d: job %q done", w.envo, job.ID)
		w.sink.NotifySuccess(job.ID)
	default:
		code := exitCode(exitErr)
		w.logger.Errorf("envo %d: job %q failed with exit code %d", w.envo, job.ID, code)
		w.sink.NotifyFailed(job.ID, fmt.Sprintf("exit code %d", code))
	}

	w.sink.NotifyResult(job.ID, outputPath)
}

// awaitChild waits for cmd to exit, killing it if it outlives maxDuration.
// It reports the Wait() error (nil on success) and whether the deadline was
// hit (spec.md §4.4 step 4).
func (w *Warden) awaitChild(cmd *exec.Cmd, maxDuration time.Duration) (error, bool) {
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	deadline := w.clock.NewTimer(maxDuration)
	defer deadline.Stop()

	select {
	case err := <-done:
		return err, false
	case <-deadline.C():
		_ = cmd.Process.Kill()
		<-done
		return nil, true
	}
}

// childEnv composes the child process environment: the parent's environment
// overlaid with LC_ALL=C, HOME pointed at the scratch directory, and
// PYTHONPATH pointed at the TestCatalog root so the child can resolve the
// named test module (spec.md §4.4 step 2).
func (w *Warden) childEnv() []string {
	env := append([]string{}, os.Environ()...)
	env = append(env,
		"LC_ALL=C",
		"HOME="+w.workDir,
		"PYTHONPATH="+w.testsPath,
	)
	return env
}

// prepareWorkdir implements warden.py's _clean(): if a regular file occupies
// the slot path, remove it; if a directory, remove it recursively; then
// create a fresh empty directory (spec.md §4.4 step 1).
func (w *Warden) prepareWorkdir() error {
	switch {
	case fsutils.FileExists(w.workDir):
		if err := os.Remove(w.workDir); err != nil {
			return fmt.Errorf("unlink stale file %s: %w", w.workDir, err)
		}
	case fsutils.DirExists(w.workDir):
		if err := os.RemoveAll(w.workDir); err != nil {
			return fmt.Errorf("remove stale dir %s: %w", w.workDir, err)
		}
	}
	if err := os.MkdirAll(w.workDir, 0o755); err != nil {
		return fmt.Errorf("create working dir %s: %w", w.workDir, err)
	}
	return nil
}

// exitCode extracts a process exit code from a cmd.Wait() error, falling
// back to -1 when the process did not exit normally (e.g. killed by a
// signal outside of our own deadline handling).
func exitCode(err error) int {
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func asExitError(err error, target **exec.ExitError) bool {
	for err != nil {
		if ee, ok := err.(*exec.ExitError); ok { //nolint:errorlint // exec.ExitError is always a direct type here
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
