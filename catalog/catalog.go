// Package catalog implements the read-only test name resolver described in
// spec.md §4.3, grounded on the Python source's tests.py.
package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"oss.nandlabs.io/golly/fsutils"

	"github.com/tuxofil/pote/core"
)

// DefaultRefreshPeriod is tests.py's REFRESH_PERIOD: how long a scan of the
// tests directory is trusted before Available/Contains triggers a rescan.
const DefaultRefreshPeriod = 60 * time.Second

// DefaultScriptExt is the file extension a standalone test module must carry
// to be recognized. tests.py hardcoded ".py"; this is configurable because
// the test programs this service launches are no longer necessarily Python.
const DefaultScriptExt = ".test"

// DefaultEntrypointName is the file a test subdirectory must contain to be
// recognized as a package-style test, generalizing tests.py's check for
// __init__.py inside a subdirectory.
const DefaultEntrypointName = "main.go"

// Catalog is a read-only, time-cached resolver over a directory of test
// modules (spec.md §4.3).
type Catalog struct {
	path          string
	scriptExt     string
	entrypoint    string
	refreshPeriod time.Duration
	clock         core.Clock
	logger        core.Logger

	mu          sync.Mutex
	tests       []string
	lastUpdated time.Time
}

// Option customizes a Catalog away from its defaults.
type Option func(*Catalog)

// WithRefreshPeriod overrides DefaultRefreshPeriod.
func WithRefreshPeriod(d time.Duration) Option {
	return func(c *Catalog) { c.refreshPeriod = d }
}

// WithScriptExt overrides DefaultScriptExt.
func WithScriptExt(ext string) Option {
	return func(c *Catalog) { c.scriptExt = ext }
}

// WithEntrypointName overrides DefaultEntrypointName.
func WithEntrypointName(name string) Option {
	return func(c *Catalog) { c.entrypoint = name }
}

// WithClock injects a core.Clock, used by tests to control cache expiry
// without sleeping.
func WithClock(clock core.Clock) Option {
	return func(c *Catalog) { c.clock = clock }
}

// New returns a Catalog rooted at path.
func New(path string, logger core.Logger, opts ...Option) *Catalog {
	c := &Catalog{
		path:          path,
		scriptExt:     DefaultScriptExt,
		entrypoint:    DefaultEntrypointName,
		refreshPeriod: DefaultRefreshPeriod,
		clock:         core.GetDefaultClock(),
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Available returns the names of every loadable test, rescanning the tests
// directory if the cache has aged past refreshPeriod.
func (c *Catalog) Available() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clock.Now().After(c.lastUpdated.Add(c.refreshPeriod)) {
		c.logger.Debugf("test catalog outdated, rediscovering from %q", c.path)
		c.update()
	}

	out := make([]string, len(c.tests))
	copy(out, c.tests)
	return out
}

// Contains reports whether name is presently a valid test name.
func (c *Catalog) Contains(name string) bool {
	for _, t := range c.Available() {
		if t == name {
			return true
		}
	}
	return false
}

// update rescans c.path. Caller must hold c.mu.
func (c *Catalog) update() {
	c.lastUpdated = c.clock.Now()

	if !fsutils.DirExists(c.path) {
		c.logger.Warningf("no such tests directory: %q", c.path)
		c.tests = nil
		return
	}

	entries, err := os.ReadDir(c.path)
	if err != nil {
		c.logger.Warningf("failed to list tests directory %q: %v", c.path, err)
		c.tests = nil
		return
	}

	tests := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		abs := filepath.Join(c.path, name)
		switch {
		case fsutils.FileExists(abs):
			if !strings.HasPrefix(name, ".") && strings.HasSuffix(name, c.scriptExt) {
				tests = append(tests, strings.TrimSuffix(name, c.scriptExt))
			}
		case fsutils.DirExists(abs):
			if fsutils.FileExists(filepath.Join(abs, c.entrypoint)) {
				tests = append(tests, name)
			}
		}
	}
	c.tests = tests
}
