// Package node implements the compute Node data model for pbs_server.
package node

import (
	"net"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Node state flags matching C INUSE_* constants
const (
	StateFree    = 0x00 // Available for jobs
	StateDown    = 0x01 // Unreachable
	StateOffline = 0x02 // Administratively disabled
	StateReserve = 0x04 // Reserved for a job
	StateJob     = 0x08 // Running a job
	StateBusy    = 0x10 // Load too high
)

// Node represents a compute node (MOM) in the cluster.
type Node struct {
	Name     string // Hostname
	ID       int    // Node index
	State    int    // State flags (can be combined)
	NumProcs int    // Number of processors (np)
	MomPort  int    // MOM service port, 0 means the server default

	// Resource tracking
	AssignedJobs []string // Job IDs currently on this node
	SlotsTotal   int      // Total execution slots
	SlotsUsed    int      // Currently used slots
}

// NewNode creates a new Node with defaults.
func NewNode(name string, id, numProcs int) *Node {
	return &Node{
		Name:       name,
		ID:         id,
		NumProcs:   numProcs,
		SlotsTotal: numProcs,
	}
}

// StateName returns a human-readable state string for display.
func (n *Node) StateName() string {
	var names []string
	for _, cf := range []struct {
		flag int
		name string
	}{
		{StateDown, "down"},
		{StateOffline, "offline"},
		{StateBusy, "busy"},
		{StateJob, "job-exclusive"},
		{StateReserve, "reserve"},
	} {
		if n.State&cf.flag != 0 {
			names = append(names, cf.name)
		}
	}
	if len(names) == 0 {
		return "free"
	}
	return strings.Join(names, ",")
}

// AvailableSlots returns the number of free execution slots.
func (n *Node) AvailableSlots() int {
	avail := n.SlotsTotal - n.SlotsUsed
	if avail < 0 {
		return 0
	}
	return avail
}

// AssignJob marks a job as running on this node, consuming slots.
func (n *Node) AssignJob(jobID string, slots int) {
	n.AssignedJobs = append(n.AssignedJobs, jobID)
	n.SlotsUsed += slots
	if n.SlotsUsed >= n.SlotsTotal {
		n.State |= StateJob
	}
}

// ReleaseJob removes a job from this node, freeing slots.
func (n *Node) ReleaseJob(jobID string, slots int) bool {
	found := false
	for i, jid := range n.AssignedJobs {
		if jid == jobID {
			n.AssignedJobs = append(n.AssignedJobs[:i], n.AssignedJobs[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return false
	}
	n.SlotsUsed -= slots
	if n.SlotsUsed < 0 {
		n.SlotsUsed = 0
	}
	if n.SlotsUsed < n.SlotsTotal {
		n.State &^= StateJob
	}
	return true
}

// ParseExecHost counts the slots per host of an exec_host value such as
// "node1/0+node1/1+node2/0". Hosts keep their first-seen order.
func ParseExecHost(execHost string) (hosts []string, slots map[string]int) {
	slots = make(map[string]int)
	if execHost == "" {
		return nil, slots
	}
	for _, part := range strings.Split(execHost, "+") {
		host, _, _ := strings.Cut(part, "/")
		if host == "" {
			continue
		}
		if slots[host] == 0 {
			hosts = append(hosts, host)
		}
		slots[host]++
	}
	return hosts, slots
}

// Manager tracks all compute nodes in the cluster.
type Manager struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	nextID int
	logger *zap.Logger
}

// NewManager creates a new node manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		nodes:  make(map[string]*Node),
		logger: logger.With(zap.String("component", "node")),
	}
}

// AddNode registers a new compute node.
func (m *Manager) AddNode(name string, numProcs int) *Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.nodes[name]; ok {
		return existing
	}
	n := NewNode(name, m.nextID, numProcs)
	m.nodes[name] = n
	m.nextID++
	m.logger.Info("added node", zap.String("node", name), zap.Int("np", numProcs), zap.Int("id", n.ID))
	return n
}

// GetNode returns a node by name, or nil if not found.
func (m *Manager) GetNode(name string) *Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[name]
}

// NodeCount returns the total number of nodes.
func (m *Manager) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// AssignExecHost consumes the slots of execHost for jobID. Unknown hosts
// are skipped.
func (m *Manager) AssignExecHost(execHost, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hosts, slots := ParseExecHost(execHost)
	for _, h := range hosts {
		if n := m.nodes[h]; n != nil {
			n.AssignJob(jobID, slots[h])
		}
	}
}

// ReleaseExecHost frees the slots jobID holds on the hosts of execHost and
// returns how many slots were freed.
func (m *Manager) ReleaseExecHost(execHost, jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	hosts, slots := ParseExecHost(execHost)
	freed := 0
	for _, h := range hosts {
		n := m.nodes[h]
		if n == nil {
			m.logger.Warn("release on unknown node", zap.String("node", h), zap.String("job", jobID))
			continue
		}
		if n.ReleaseJob(jobID, slots[h]) {
			freed += slots[h]
		}
	}
	return freed
}

// MomAddress returns the MOM address of the first host of execHost.
// defaultPort is used when the node does not override it.
func (m *Manager) MomAddress(execHost string, defaultPort int) (string, bool) {
	hosts, _ := ParseExecHost(execHost)
	if len(hosts) == 0 {
		return "", false
	}
	port := defaultPort
	m.mu.RLock()
	if n := m.nodes[hosts[0]]; n != nil && n.MomPort != 0 {
		port = n.MomPort
	}
	m.mu.RUnlock()
	return net.JoinHostPort(hosts[0], strconv.Itoa(port)), true
}
