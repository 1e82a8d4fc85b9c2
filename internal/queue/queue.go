// Package queue implements the Queue data model for pbs_server.
package queue

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/opentorque/pbs-rerun/internal/resc"
)

// Queue type constants matching C QUE_TYPE_* values
const (
	TypeExecution = 0 // Execution queue (jobs run from here)
	TypeRoute     = 1 // Route queue (jobs forwarded elsewhere)
)

// numStates covers job states Transit..Begun.
const numStates = 8

// Queue represents a PBS job queue.
type Queue struct {
	Mu sync.Mutex

	Name    string
	Type    int  // TypeExecution or TypeRoute
	Enabled bool // Can accept new jobs
	Started bool // Can run/route jobs

	// Counters
	TotalJobs int
	StateJobs [numStates]int // Count per job state

	// Assigned is the queue's resources_assigned.
	Assigned *resc.Ledger
}

// NewQueue creates a new queue with defaults.
func NewQueue(name string, qtype int) *Queue {
	return &Queue{
		Name:     name,
		Type:     qtype,
		Enabled:  true,
		Started:  true,
		Assigned: resc.NewLedger(),
	}
}

// Count returns the number of jobs in state.
func (q *Queue) Count(state int) int {
	q.Mu.Lock()
	defer q.Mu.Unlock()
	if state >= 0 && state < len(q.StateJobs) {
		return q.StateJobs[state]
	}
	return 0
}

// TransferJobState adjusts counts when a job enters, leaves or changes
// state within the queue. -1 stands for "not in the queue".
func (q *Queue) TransferJobState(oldState, newState int) {
	q.Mu.Lock()
	defer q.Mu.Unlock()
	if oldState < 0 {
		q.TotalJobs++
	} else if oldState < len(q.StateJobs) {
		q.StateJobs[oldState]--
	}
	if newState < 0 {
		q.TotalJobs--
	} else if newState < len(q.StateJobs) {
		q.StateJobs[newState]++
	}
}

// Manager tracks all queues in the server.
type Manager struct {
	mu       sync.RWMutex
	queues   map[string]*Queue
	defQueue string
	logger   *zap.Logger
}

// NewManager creates a new queue manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		queues: make(map[string]*Queue),
		logger: logger.With(zap.String("component", "queue")),
	}
}

// AddQueue adds a queue to the manager.
func (m *Manager) AddQueue(q *Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[q.Name] = q
	m.logger.Info("added queue", zap.String("queue", q.Name), zap.Int("type", q.Type))
}

// GetQueue returns a queue by name, or nil if not found.
func (m *Manager) GetQueue(name string) *Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queues[name]
}

// AllQueues returns a snapshot of all queue pointers, sorted by name.
func (m *Manager) AllQueues() []*Queue {
	m.mu.RLock()
	result := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		result = append(result, q)
	}
	m.mu.RUnlock()
	sort.Slice(result, func(a, b int) bool { return result[a].Name < result[b].Name })
	return result
}

// SetDefault names the server's default queue.
func (m *Manager) SetDefault(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defQueue = name
}

// DefaultQueue returns the configured default queue, or the first execution
// queue by name when none is configured or it does not exist.
func (m *Manager) DefaultQueue() *Queue {
	if q := m.GetQueue(m.defaultName()); q != nil {
		return q
	}
	for _, q := range m.AllQueues() {
		if q.Type == TypeExecution {
			return q
		}
	}
	return nil
}

func (m *Manager) defaultName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defQueue
}

// JobStateChanged moves a job of queueName between state counters.
func (m *Manager) JobStateChanged(queueName string, from, to int) {
	q := m.GetQueue(queueName)
	if q == nil {
		m.logger.Debug("state change in unknown queue", zap.String("queue", queueName))
		return
	}
	q.TransferJobState(from, to)
}
