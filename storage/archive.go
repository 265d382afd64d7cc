package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/tuxofil/pote/core"
)

// archivedOutputName is the fixed filename a captured test output is copied
// to inside an archived job's directory (spec.md §4.2).
const archivedOutputName = "stdout.log"

// metaFileName holds the job record inside an archived job's directory.
const metaFileName = "meta"

// Archive is the persistent store of terminal jobs (spec.md §4.2), rooted at
// <archive_path>/<job-id>/{meta, stdout.log}.
type Archive struct {
	path   string
	logger core.Logger
}

// NewArchive returns an Archive rooted at path.
func NewArchive(path string, logger core.Logger) *Archive {
	return &Archive{path: path, logger: logger}
}

// Archive saves job to the archive. If outputPath is non-empty, its content
// is copied into the job's archive directory as stdout.log and job.Log is
// set before the meta file is written; archiving a job with no captured
// output leaves Log empty. Re-archiving an id is idempotent (spec.md §4.2).
func (a *Archive) Archive(job *core.Job, outputPath string) error {
	jobDir := a.jobDir(job.ID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir for %s: %w", job.ID, err)
	}

	stored := job.Clone()
	if outputPath != "" {
		if err := copyFile(outputPath, filepath.Join(jobDir, archivedOutputName)); err != nil {
			return fmt.Errorf("copy output for %s: %w", job.ID, err)
		}
		stored.Log = archivedOutputName
	}

	encoded, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode archived job %s: %w", job.ID, err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, metaFileName), encoded, 0o644); err != nil {
		return fmt.Errorf("write meta for %s: %w", job.ID, err)
	}
	a.logger.Debugf("job %q archived to %q", job.ID, a.path)
	return nil
}

// Dump returns every archived job, sorted ascending by Time (spec.md §4.2).
// A missing archive root is not an error.
func (a *Archive) Dump() ([]*core.Job, error) {
	entries, err := os.ReadDir(a.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list archive dir %s: %w", a.path, err)
	}

	jobs := make([]*core.Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		metaPath := filepath.Join(a.jobDir(entry.Name()), metaFileName)
		data, err := os.ReadFile(metaPath)
		if err != nil {
			a.logger.Warningf("skipping archive entry %q: %v", entry.Name(), err)
			continue
		}
		var job core.Job
		if err := json.Unmarshal(data, &job); err != nil {
			a.logger.Warningf("skipping corrupt archive entry %q: %v", entry.Name(), err)
			continue
		}
		jobs = append(jobs, &job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Time != jobs[j].Time {
			return jobs[i].Time < jobs[j].Time
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

func (a *Archive) jobDir(id string) string {
	return filepath.Join(a.path, id)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
