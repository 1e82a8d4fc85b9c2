package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_JobStateChanged(t *testing.T) {
	m := NewManager(nil)
	m.AddQueue(NewQueue("batch", TypeExecution))
	q := m.GetQueue("batch")
	require.NotNil(t, q)

	m.JobStateChanged("batch", -1, 1) // added queued
	m.JobStateChanged("batch", 1, 4)  // started
	assert.Equal(t, 1, q.TotalJobs)
	assert.Equal(t, 0, q.Count(1))
	assert.Equal(t, 1, q.Count(4))

	m.JobStateChanged("batch", 4, -1)
	assert.Equal(t, 0, q.TotalJobs)
	assert.Equal(t, 0, q.Count(4))

	m.JobStateChanged("missing", -1, 1)
	assert.Equal(t, 0, q.Count(42))
}

func TestManager_DefaultQueue(t *testing.T) {
	m := NewManager(nil)
	assert.Nil(t, m.DefaultQueue())

	m.AddQueue(NewQueue("route", TypeRoute))
	m.AddQueue(NewQueue("workq", TypeExecution))
	m.AddQueue(NewQueue("batch", TypeExecution))
	assert.Equal(t, "batch", m.DefaultQueue().Name)
	assert.Len(t, m.AllQueues(), 3)

	m.SetDefault("workq")
	assert.Equal(t, "workq", m.DefaultQueue().Name)
	m.SetDefault("gone")
	assert.Equal(t, "batch", m.DefaultQueue().Name)
}
