package jobstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentorque/pbs-rerun/internal/job"
)

var now = time.Date(2024, 2, 2, 10, 0, 0, 0, time.UTC)

func TestStore_SaveLoad(t *testing.T) {
	st, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	m := job.NewManager("srv", nil)
	parent := job.NewJob("1[].srv", "batch", "srv", now)
	require.NoError(t, m.AddArray(parent, 0, 2, 1))
	sj, err := m.Materialize(parent, 1, now)
	require.NoError(t, err)
	m.UpdateJobState(sj, job.StateRunning, job.SubstateRunning, now)
	sj.ExecHost = "n1/0"
	sj.RescReleased = map[string]string{"ncpus": "1"}
	sj.SetFlag(job.FlagHasRun)

	plain := job.NewJob("2.srv", "batch", "srv", now)
	plain.SetState(job.StateQueued, job.SubstateQueued, now)
	plain.Hold = "u"
	plain.ResourceReq["mem"] = "1gb"

	for _, j := range []*job.Job{plain, sj, parent} {
		require.NoError(t, st.Save(j))
		assert.False(t, j.Modified)
	}

	recs, err := st.LoadAll()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, parent.ID, recs[0].ID, "array parents load first")

	p2, err := recs[0].Job("srv")
	require.NoError(t, err)
	require.NotNil(t, p2.Array)
	assert.Equal(t, []int{job.StateQueued, job.StateRunning, job.StateQueued}, p2.Array.Snapshot())
	assert.Equal(t, job.StateBegun, p2.State)

	byID := map[string]Record{}
	for _, r := range recs {
		byID[r.ID] = r
	}
	s2, err := byID[sj.ID].Job("srv")
	require.NoError(t, err)
	assert.Equal(t, 1, s2.ArrayIndex)
	assert.True(t, s2.IsSubjob())
	assert.True(t, s2.HasFlag(job.FlagHasRun))
	assert.Equal(t, "n1/0", s2.ExecHost)
	assert.Equal(t, map[string]string{"ncpus": "1"}, s2.RescReleased)

	j2, err := byID[plain.ID].Job("srv")
	require.NoError(t, err)
	assert.Equal(t, "u", j2.Hold)
	assert.Equal(t, "1gb", j2.ResourceReq["mem"])
	assert.True(t, now.Equal(j2.QueueTime))
	assert.Nil(t, j2.RescReleased)
}

func TestStore_RemoveAndCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	st, err := New(dir, nil)
	require.NoError(t, err)

	j := job.NewJob("5.srv", "batch", "srv", now)
	require.NoError(t, st.Save(j))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "6.srv.JB"), []byte("state: [oops"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0640))

	recs, err := st.LoadAll()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "5.srv", recs[0].ID)

	require.NoError(t, st.Remove("5.srv"))
	require.NoError(t, st.Remove("5.srv"))
	_, err = os.Stat(filepath.Join(dir, "5.srv.JB"))
	assert.True(t, os.IsNotExist(err))
}

func TestRecord_BadArray(t *testing.T) {
	r := Record{ID: "1[].srv", Array: &ArrayRecord{Start: 0, End: 3, Step: 1, States: []int{1}}}
	_, err := r.Job("srv")
	assert.Error(t, err)
}
