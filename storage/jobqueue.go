// Package storage implements the two directory-backed stores the scheduler
// depends on: the per-slot JobQueue (spec.md §4.1) and the Archive
// (spec.md §4.2), grounded on the Python source's jqueue.py and archive.py.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tuxofil/pote/core"
)

// JobQueue is a directory-backed map from job id to job record. There is one
// JobQueue per environment slot, rooted at <queue_root>/<envo>/
// (spec.md §4.1).
type JobQueue struct {
	path   string
	logger core.Logger
}

// NewJobQueue returns a JobQueue rooted at path. The directory is created
// lazily on first Save, matching jqueue.py's behavior.
func NewJobQueue(path string, logger core.Logger) *JobQueue {
	return &JobQueue{path: path, logger: logger}
}

// Save overwrites the file for job.ID. The write goes to a sibling temp file
// that is then renamed into place, so a crash leaves either the previous
// content or the new content on disk, never a half-written file
// (spec.md §4.1, resolving Open Question 2 — the Python source wrote
// directly and was not crash-atomic).
func (q *JobQueue) Save(job *core.Job) error {
	if err := os.MkdirAll(q.path, 0o755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}

	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	tmpPath := q.jobPath(job.ID) + ".tmp"
	if err := os.WriteFile(tmpPath, encoded, 0o644); err != nil {
		return fmt.Errorf("write job %s: %w", job.ID, err)
	}
	if err := os.Rename(tmpPath, q.jobPath(job.ID)); err != nil {
		return fmt.Errorf("rename job %s into place: %w", job.ID, err)
	}
	q.logger.Debugf("job %q saved to %q", job.ID, q.path)
	return nil
}

// Get fetches a job record by id. A missing file is not an error: the
// second return value is false.
func (q *JobQueue) Get(id string) (*core.Job, bool, error) {
	data, err := os.ReadFile(q.jobPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read job %s: %w", id, err)
	}
	var job core.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, false, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, true, nil
}

// Remove deletes the file for id. Removing a missing id is a programming
// error (spec.md §4.1) and is surfaced as-is.
func (q *JobQueue) Remove(id string) error {
	if err := os.Remove(q.jobPath(id)); err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	return nil
}

// Dump returns every job in the queue, sorted ascending by Time, ties broken
// by ID (spec.md §4.1). A missing queue directory is not an error: Dump
// returns an empty slice. Entries that fail to decode are logged and
// skipped rather than propagated (Open Question 2).
func (q *JobQueue) Dump() ([]*core.Job, error) {
	entries, err := os.ReadDir(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list queue dir %s: %w", q.path, err)
	}

	jobs := make([]*core.Job, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) == ".tmp" {
			continue
		}
		job, ok, err := q.Get(entry.Name())
		if err != nil {
			q.logger.Warningf("skipping corrupt queue entry %q: %v", entry.Name(), err)
			continue
		}
		if !ok {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Time != jobs[j].Time {
			return jobs[i].Time < jobs[j].Time
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

func (q *JobQueue) jobPath(id string) string {
	return filepath.Join(q.path, id)
}
