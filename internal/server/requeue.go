package server

import (
	"go.uber.org/zap"

	"github.com/opentorque/pbs-rerun/internal/acct"
	"github.com/opentorque/pbs-rerun/internal/job"
	"github.com/opentorque/pbs-rerun/internal/resc"
)

// forceRequeue returns a job to a runnable state without waiting for its
// execution host. Resources and node slots are released and an R record is
// written. A subjob is purged so that its tracking entry goes back to
// queued; any other job is re-evaluated into queued, held or waiting.
func (s *Server) forceRequeue(j *job.Job) {
	now := s.clock.Now()
	j.Modified = true
	j.MomHandle = -1
	j.MomProtocol = 0

	if j.RescReleased != nil {
		if j.HasFlag(job.FlagRescAssn) {
			s.adjustAssigned(j, j.RescReleased, resc.Incr)
		}
		j.RescReleased = nil
		j.RescReleasedList = ""
	}
	s.releaseResources(j)
	s.acct.RecordRerun(j.ID, jobInfo(j))
	s.metrics.JobsRequeued.Inc()

	if j.IsSubjob() {
		j.Substate = job.SubstateRerun3
		s.logger.Info("subjob requeued", zap.String("job", j.ID))
		s.purge(j)
		return
	}

	j.ClearFlag(job.FlagActSuspd | job.FlagStagedIn | job.FlagChkpt)
	j.ExecHost = ""
	j.ExecHost2 = ""
	j.ExecVnode = ""
	j.Pset = ""
	j.JobDir = ""

	state, sub := job.EvalState(j, now)
	s.jobs.UpdateJobState(j, state, sub, now)
	s.logger.Info("job requeued", zap.String("job", j.ID), zap.String("state", j.StateName()))
	s.saveJob(j)
}

// assignResources charges a running job to the ledgers and its nodes.
func (s *Server) assignResources(j *job.Job) {
	if !j.HasFlag(job.FlagRescAssn) {
		s.adjustAssigned(j, j.ResourceReq, resc.Incr)
		j.SetFlag(job.FlagRescAssn)
	}
	s.nodes.AssignExecHost(j.ExecHost, j.ID)
}

// releaseResources undoes assignResources. The ledgers are only credited
// back while the job holds its charge, so a second release is a no-op.
func (s *Server) releaseResources(j *job.Job) {
	if j.HasFlag(job.FlagRescAssn) {
		s.adjustAssigned(j, j.ResourceReq, resc.Decr)
		j.ClearFlag(job.FlagRescAssn)
	}
	if j.ExecHost != "" {
		s.nodes.ReleaseExecHost(j.ExecHost, j.ID)
	}
}

// adjustAssigned applies amounts to the server and queue resources_assigned.
func (s *Server) adjustAssigned(j *job.Job, amounts map[string]string, op resc.Op) {
	if err := s.assigned.Adjust(amounts, op); err != nil {
		s.logger.Warn("resources_assigned not fully updated", zap.String("job", j.ID), zap.Error(err))
	}
	if q := s.queues.GetQueue(j.Queue); q != nil {
		q.Mu.Lock()
		err := q.Assigned.Adjust(amounts, op)
		q.Mu.Unlock()
		if err != nil {
			s.logger.Warn("queue resources_assigned not fully updated",
				zap.String("job", j.ID), zap.String("queue", q.Name), zap.Error(err))
		}
	}
}

// purge removes a job for good. A rerun request still waiting on it is
// answered so its client, or its array parent, is not left hanging.
func (s *Server) purge(j *job.Job) {
	if req := j.RerunRequest; req != nil {
		j.RerunRequest = nil
		req.Conn.SetNoTimeout(false)
		req.Ack()
	}
	parent := j.Parent
	s.jobs.Purge(j)
	if err := s.store.Remove(j.ID); err != nil {
		s.logger.Warn("job file not removed", zap.String("job", j.ID), zap.Error(err))
	}
	if parent != nil {
		s.saveJob(parent)
	}
}

func (s *Server) saveJob(j *job.Job) {
	if err := s.store.Save(j); err != nil {
		s.logger.Error("failed to save job", zap.String("job", j.ID), zap.Error(err))
	}
}

func jobInfo(j *job.Job) *acct.JobInfo {
	info := &acct.JobInfo{
		User:        j.Owner,
		JobName:     j.Name,
		Queue:       j.Queue,
		ExitStatus:  j.ExitStatus,
		ExecHost:    j.ExecHost,
		ResourceReq: j.ResourceReq,
	}
	if !j.CreateTime.IsZero() {
		info.CreateTime = j.CreateTime.Unix()
	}
	if !j.QueueTime.IsZero() {
		info.QueueTime = j.QueueTime.Unix()
	}
	if !j.StartTime.IsZero() {
		info.StartTime = j.StartTime.Unix()
	}
	if !j.CompTime.IsZero() {
		info.EndTime = j.CompTime.Unix()
	}
	return info
}
