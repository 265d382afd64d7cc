package storage

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuxofil/pote/core"
)

func testLogger() core.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &core.LogrusAdapter{Logger: logger}
}

func TestJobQueue_SaveGetRoundTrip(t *testing.T) {
	q := NewJobQueue(filepath.Join(t.TempDir(), "queue"), testLogger())

	job := &core.Job{ID: "abc", User: "alice", Envo: 0, Test: "smoke", Status: core.StatusEnqueued, Time: 100}
	require.NoError(t, q.Save(job))

	got, ok, err := q.Get("abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job, got)
}

func TestJobQueue_GetMissing(t *testing.T) {
	q := NewJobQueue(filepath.Join(t.TempDir(), "queue"), testLogger())

	got, ok, err := q.Get("nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestJobQueue_Remove(t *testing.T) {
	q := NewJobQueue(filepath.Join(t.TempDir(), "queue"), testLogger())
	job := &core.Job{ID: "abc", Status: core.StatusEnqueued}
	require.NoError(t, q.Save(job))
	require.NoError(t, q.Remove("abc"))

	_, ok, err := q.Get("abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJobQueue_DumpOrdersByTimeThenID(t *testing.T) {
	q := NewJobQueue(filepath.Join(t.TempDir(), "queue"), testLogger())

	jobs := []*core.Job{
		{ID: "b", Time: 5, Status: core.StatusEnqueued},
		{ID: "a", Time: 5, Status: core.StatusEnqueued},
		{ID: "c", Time: 1, Status: core.StatusEnqueued},
	}
	for _, job := range jobs {
		require.NoError(t, q.Save(job))
	}

	dumped, err := q.Dump()
	require.NoError(t, err)
	require.Len(t, dumped, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{dumped[0].ID, dumped[1].ID, dumped[2].ID})
}

func TestJobQueue_DumpOnMissingDirIsEmpty(t *testing.T) {
	q := NewJobQueue(filepath.Join(t.TempDir(), "does-not-exist"), testLogger())

	dumped, err := q.Dump()
	require.NoError(t, err)
	assert.Empty(t, dumped)
}
