// Package job implements the Job data model and state machine for pbs_server.
//
// Job records are owned by the server's decision loop; fields are read and
// written only with that loop held.
package job

import (
	"time"

	"github.com/opentorque/pbs-rerun/internal/batch"
	"github.com/opentorque/pbs-rerun/internal/worktask"
)

// Job states matching C pbs_server JOB_STATE_* constants
const (
	StateTransit  = 0 // Job is in transit (being moved)
	StateQueued   = 1 // Queued, waiting to run
	StateHeld     = 2 // Held by user or system
	StateWaiting  = 3 // Waiting for scheduled time
	StateRunning  = 4 // Currently executing on a node
	StateExiting  = 5 // Exiting, cleanup in progress
	StateComplete = 6 // Completed (kept for history)
	StateBegun    = 7 // Array job with at least one subjob started

	numStates = 8
)

// Job substates for more granular tracking
const (
	SubstateTransitQ = 0  // Transit to queue
	SubstateQueued   = 10 // Simply queued
	SubstateHeld     = 20 // Job held
	SubstateWaiting  = 30 // Waiting on execution time
	SubstateStagedIn = 37 // Files staged in
	SubstatePrerun   = 41 // Sent to MOM, not yet confirmed running
	SubstateRunning  = 42 // Running
	SubstateExiting  = 50 // Exiting
	SubstateComplete = 59 // Complete, ready for purge
	SubstateRerun    = 60 // Rerun signal accepted by MOM
	SubstateRerun1   = 61 // Rerun, returning files
	SubstateRerun2   = 62 // Rerun, deleting files
	SubstateRerun3   = 63 // Rerun complete, ready to requeue
)

// Server flags (ji_svrflags)
const (
	FlagHasRun   = 1 << iota // Job has been run at least once
	FlagActSuspd             // Suspended because the node went busy
	FlagStagedIn             // Input files staged in
	FlagChkpt                // Checkpoint image exists
	FlagChkptMig             // Checkpoint migrated to the server
	FlagSubJob               // Job is an array subjob
	FlagArrayJob             // Job is an array parent
	FlagRescAssn             // Resources are charged to resources_assigned
)

// StateNames maps state codes to human-readable names for logging and status output.
var StateNames = map[int]string{
	StateTransit:  "T",
	StateQueued:   "Q",
	StateHeld:     "H",
	StateWaiting:  "W",
	StateRunning:  "R",
	StateExiting:  "E",
	StateComplete: "C",
	StateBegun:    "B",
}

// Job represents a batch job in the server.
type Job struct {
	// Identity
	ID     string // e.g., "42.servername", "42[3].servername"
	Name   string // Job_Name
	Owner  string // user@host
	Queue  string // Queue name
	Server string // Server name

	// State machine
	State    int
	Substate int
	SvrFlags int

	// Rerunable is the job's Rerunable attribute.
	Rerunable bool

	// Resources
	ResourceReq map[string]string // Resource_List (requested)
	// RescReleased holds resources given back while the job was suspended;
	// nil means unset.
	RescReleased     map[string]string
	RescReleasedList string

	// Execution info, "" means unset
	ExecHost   string // e.g., "node1/0+node1/1"
	ExecHost2  string
	ExecVnode  string
	Pset       string
	JobDir     string
	ExitStatus int

	// State evaluation inputs
	Hold          string // Hold_Types; "" or "n" means no hold
	ExecutionTime time.Time

	// Timing
	CreateTime time.Time
	QueueTime  time.Time
	StartTime  time.Time
	CompTime   time.Time
	MTime      time.Time

	// RerunRequest is the client request waiting for the rerun to finish.
	RerunRequest *batch.Request
	// MomHandle is the stream to the execution host, -1 when none.
	MomHandle int
	// MomProtocol is the protocol of MomHandle, 0 when invalid.
	MomProtocol int

	// Tasks are the deferred tasks owned by the job.
	Tasks worktask.List

	// Array linkage
	Parent     *Job          // set on subjobs
	ArrayIndex int           // subjob index
	Array      *ArrayTracker // set on array parents

	Modified bool
}

// NewJob creates a new Job with initialized maps and default state.
func NewJob(id, queue, server string, now time.Time) *Job {
	return &Job{
		ID:          id,
		Queue:       queue,
		Server:      server,
		State:       StateTransit,
		Substate:    SubstateTransitQ,
		Rerunable:   true,
		CreateTime:  now,
		ResourceReq: make(map[string]string),
		MomHandle:   -1,
	}
}

// StateName returns the single-character state code for display (e.g., "Q", "R", "C").
func (j *Job) StateName() string {
	if name, ok := StateNames[j.State]; ok {
		return name
	}
	return "?"
}

// IsRunning returns true if the job is in Running state.
func (j *Job) IsRunning() bool {
	return j.State == StateRunning
}

// IsSubjob reports whether the job is a materialized array subjob.
func (j *Job) IsSubjob() bool {
	return j.SvrFlags&FlagSubJob != 0
}

// IsArrayParent reports whether the job is an array parent.
func (j *Job) IsArrayParent() bool {
	return j.SvrFlags&FlagArrayJob != 0
}

// HasFlag reports whether all bits of f are set.
func (j *Job) HasFlag(f int) bool {
	return j.SvrFlags&f == f
}

// SetFlag sets the bits of f.
func (j *Job) SetFlag(f int) {
	j.SvrFlags |= f
	j.Modified = true
}

// ClearFlag clears the bits of f.
func (j *Job) ClearFlag(f int) {
	j.SvrFlags &^= f
	j.Modified = true
}

// SetState transitions the job to a new state, updating timestamps accordingly.
func (j *Job) SetState(state, substate int, now time.Time) {
	j.State = state
	j.Substate = substate
	j.MTime = now
	j.Modified = true

	switch state {
	case StateQueued:
		if j.QueueTime.IsZero() {
			j.QueueTime = now
		}
	case StateRunning:
		if substate == SubstateRunning {
			j.StartTime = now
		}
	case StateComplete:
		j.CompTime = now
	}
}

// AttachRerunRequest makes req the job's pending rerun request. A request
// that is still pending is acknowledged first so its client is not left
// waiting.
func (j *Job) AttachRerunRequest(req *batch.Request) {
	if prev := j.RerunRequest; prev != nil && prev != req {
		prev.Conn.SetNoTimeout(false)
		prev.Ack()
	}
	j.RerunRequest = req
}

// EvalState computes the state a job returns to when it is not running:
// held if any hold is set, waiting if its execution time is in the future,
// otherwise queued.
func EvalState(j *Job, now time.Time) (state, substate int) {
	switch {
	case j.Hold != "" && j.Hold != "n":
		return StateHeld, SubstateHeld
	case !j.ExecutionTime.IsZero() && j.ExecutionTime.After(now):
		return StateWaiting, SubstateWaiting
	default:
		return StateQueued, SubstateQueued
	}
}
