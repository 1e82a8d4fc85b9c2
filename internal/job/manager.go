package job

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SubstateBegun is the substate of an array parent once a subjob started.
const SubstateBegun = 153

// Kind classifies what a request's job id names.
type Kind int

const (
	NotArray    Kind = iota // plain job
	ArraySingle             // one subjob, "12[3].srv"
	ArrayParent             // the whole array, "12[].srv"
	ArrayRange              // a range of subjobs, "12[1-5:2].srv"
)

func (k Kind) String() string {
	switch k {
	case NotArray:
		return "job"
	case ArraySingle:
		return "subjob"
	case ArrayParent:
		return "array"
	case ArrayRange:
		return "range"
	}
	return "unknown"
}

// StateHook observes state changes applied through the Manager. from is -1
// when the job was just added and to is -1 when it was removed.
type StateHook func(j *Job, from, to int)

// Manager tracks all jobs in the server.
type Manager struct {
	mu         sync.RWMutex
	jobs       map[string]*Job
	serverName string
	logger     *zap.Logger
	hook       StateHook

	// Job state counters for quick stats
	stateCounts [numStates]int // indexed by job state
}

// NewManager creates a new job manager.
func NewManager(serverName string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		jobs:       make(map[string]*Job),
		serverName: serverName,
		logger:     logger.With(zap.String("component", "job")),
	}
}

// SetStateHook installs fn to run after every state change the Manager
// applies, including additions and removals.
func (m *Manager) SetStateHook(fn StateHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// ServerName is the suffix of every job id.
func (m *Manager) ServerName() string {
	return m.serverName
}

// AddJob registers a job in the manager.
func (m *Manager) AddJob(j *Job) {
	m.mu.Lock()
	m.jobs[j.ID] = j
	m.count(j.State, 1)
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		hook(j, -1, j.State)
	}
	m.logger.Debug("added job", zap.String("job", j.ID),
		zap.String("state", j.StateName()), zap.String("queue", j.Queue))
}

// AddArray registers parent as an array job over start..end:step.
func (m *Manager) AddArray(parent *Job, start, end, step int) error {
	trk, err := NewArrayTracker(start, end, step)
	if err != nil {
		return errors.Wrapf(err, "array %s", parent.ID)
	}
	parent.Array = trk
	parent.SvrFlags |= FlagArrayJob
	m.AddJob(parent)
	return nil
}

// Materialize creates the live record for index idx of parent, copying
// the parent's queue and resource request. The subjob starts queued.
func (m *Manager) Materialize(parent *Job, idx int, now time.Time) (*Job, error) {
	if parent.Array == nil {
		return nil, errors.Errorf("job %s is not an array", parent.ID)
	}
	off, ok := parent.Array.OffsetForIndex(idx)
	if !ok {
		return nil, errors.Errorf("index %d outside array %s", idx, parent.ID)
	}
	if sj := parent.Array.JobAt(off); sj != nil {
		return sj, nil
	}

	sj := NewJob(SubjobID(parent.ID, idx), parent.Queue, parent.Server, now)
	sj.Name = parent.Name
	sj.Owner = parent.Owner
	sj.Rerunable = parent.Rerunable
	for k, v := range parent.ResourceReq {
		sj.ResourceReq[k] = v
	}
	sj.ArrayIndex = idx
	sj.SetState(StateQueued, SubstateQueued, now)
	if err := m.AddSubjob(parent, sj); err != nil {
		return nil, err
	}
	return sj, nil
}

// AddSubjob links an existing subjob record into parent's table at
// sj.ArrayIndex and registers it. Used by Materialize and recovery.
func (m *Manager) AddSubjob(parent, sj *Job) error {
	if parent.Array == nil {
		return errors.Errorf("job %s is not an array", parent.ID)
	}
	off, ok := parent.Array.OffsetForIndex(sj.ArrayIndex)
	if !ok {
		return errors.Errorf("index %d outside array %s", sj.ArrayIndex, parent.ID)
	}
	sj.SvrFlags |= FlagSubJob
	sj.Parent = parent
	parent.Array.attach(off, sj)
	m.AddJob(sj)
	return nil
}

// RemoveJob removes a job from the manager.
func (m *Manager) RemoveJob(id string) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if ok {
		m.count(j.State, -1)
		delete(m.jobs, id)
	}
	hook := m.hook
	m.mu.Unlock()
	if !ok {
		return
	}
	if hook != nil {
		hook(j, j.State, -1)
	}
	m.logger.Debug("removed job", zap.String("job", id))
}

// GetJob returns a job by ID, or nil if not found.
func (m *Manager) GetJob(id string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// Exists reports whether j is still the record registered under its id.
func (m *Manager) Exists(j *Job) bool {
	return j != nil && m.GetJob(j.ID) == j
}

// Resolve finds the job a request names. For subjob and range ids the
// array parent is returned; the index text is available from IndexFromID.
// It returns nil for an unknown job.
func (m *Manager) Resolve(id string) (*Job, Kind) {
	seq, idx, _, array := splitID(id)
	if !array {
		return m.GetJob(id), NotArray
	}
	parent := m.GetJob(ParentID(id))
	if parent == nil || parent.Array == nil || seq == "" {
		return nil, NotArray
	}
	switch {
	case idx == "":
		return parent, ArrayParent
	case isNumber(idx):
		return parent, ArraySingle
	default:
		return parent, ArrayRange
	}
}

func isNumber(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil && s[0] != '-' && s[0] != '+'
}

// UpdateJobState changes a job's state and updates counters. A subjob's
// tracking entry follows its state, and its parent becomes Begun when the
// first subjob starts running.
func (m *Manager) UpdateJobState(j *Job, newState, newSubstate int, now time.Time) {
	m.mu.Lock()
	oldState := j.State
	registered := m.jobs[j.ID] == j
	if registered {
		m.count(oldState, -1)
	}
	j.SetState(newState, newSubstate, now)
	if registered {
		m.count(newState, 1)
	}
	hook := m.hook
	m.mu.Unlock()

	if registered && hook != nil {
		hook(j, oldState, newState)
	}

	if p := j.Parent; p != nil && p.Array != nil {
		if off, ok := p.Array.OffsetForIndex(j.ArrayIndex); ok {
			p.Array.SetTableState(off, newState)
		}
		if newState == StateRunning && p.State != StateBegun {
			m.UpdateJobState(p, StateBegun, SubstateBegun, now)
		}
	}
}

// Purge removes j: its deferred tasks are cancelled and the record is
// dropped. A subjob's tracking entry returns to queued when it was purged
// for a rerun, otherwise it is marked complete.
func (m *Manager) Purge(j *Job) {
	n := j.Tasks.CancelAll()
	if p := j.Parent; p != nil && p.Array != nil {
		state := StateComplete
		if j.Substate == SubstateRerun3 {
			state = StateQueued
		}
		if off, ok := p.Array.OffsetForIndex(j.ArrayIndex); ok && p.Array.JobAt(off) == j {
			p.Array.detach(off, state)
		}
	}
	m.RemoveJob(j.ID)
	m.logger.Debug("purged job", zap.String("job", j.ID), zap.Int("cancelled_tasks", n))
}

// AllJobs returns a snapshot of all job pointers, sorted by id.
func (m *Manager) AllJobs() []*Job {
	m.mu.RLock()
	result := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		result = append(result, j)
	}
	m.mu.RUnlock()
	sort.Slice(result, func(a, b int) bool { return result[a].ID < result[b].ID })
	return result
}

// JobCount returns the total number of jobs.
func (m *Manager) JobCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

// StateCount returns the number of jobs in a given state.
func (m *Manager) StateCount(state int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state >= 0 && state < len(m.stateCounts) {
		return m.stateCounts[state]
	}
	return 0
}

func (m *Manager) count(state, delta int) {
	if state >= 0 && state < len(m.stateCounts) {
		m.stateCounts[state] += delta
	}
}
